// Package config holds SDK configuration: storage location, ingestion
// endpoint, per-group channel defaults, and logging options. Configuration
// is loaded from JSON or YAML and overlaid with BEACON_* environment
// variables.
package config
