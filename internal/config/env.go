package config

import (
	"os"
	"time"
)

// FromEnv overlays BEACON_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("BEACON_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("BEACON_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("BEACON_APP_SECRET"); v != "" {
		cfg.AppSecret = v
	}
	if v := os.Getenv("BEACON_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BEACON_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("BEACON_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			for i := range cfg.Groups {
				cfg.Groups[i].FlushInterval = Duration(d)
			}
		}
	}
}
