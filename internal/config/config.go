package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	DataDir   string `json:"dataDir" yaml:"dataDir"`
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	AppSecret string `json:"appSecret" yaml:"appSecret"`

	Log    LogConfig     `json:"log" yaml:"log"`
	Groups []GroupConfig `json:"groups" yaml:"groups"`
}

// LogConfig captures diagnostics logging options.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// GroupConfig captures per-group channel settings.
type GroupConfig struct {
	GroupID           string   `json:"groupId" yaml:"groupId"`
	Priority          int      `json:"priority" yaml:"priority"`
	FlushInterval     Duration `json:"flushInterval" yaml:"flushInterval"`
	BatchSizeLimit    int      `json:"batchSizeLimit" yaml:"batchSizeLimit"`
	PendingBatchLimit int      `json:"pendingBatchLimit" yaml:"pendingBatchLimit"`
}

// Default returns built-in defaults: a single "default" group tuned the way
// the hosted ingestion service expects clients to batch.
func Default() Config {
	return Config{
		DataDir:  DefaultDataDir(),
		Endpoint: "https://in.beacon.dev",
		Log:      LogConfig{Level: "info", Format: "text"},
		Groups: []GroupConfig{
			{
				GroupID:           "default",
				Priority:          0,
				FlushInterval:     Duration(3 * time.Second),
				BatchSizeLimit:    50,
				PendingBatchLimit: 3,
			},
		},
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: dataDir is required")
	}
	for _, g := range c.Groups {
		if g.GroupID == "" {
			return fmt.Errorf("config: group with empty groupId")
		}
		if g.BatchSizeLimit <= 0 {
			return fmt.Errorf("config: group %q: batchSizeLimit must be positive", g.GroupID)
		}
		if g.PendingBatchLimit < 1 {
			return fmt.Errorf("config: group %q: pendingBatchLimit must be at least 1", g.GroupID)
		}
		if g.FlushInterval < 0 {
			return fmt.Errorf("config: group %q: flushInterval must not be negative", g.GroupID)
		}
	}
	return nil
}

// Load reads configuration from a JSON or YAML file (by extension). If path
// is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}
