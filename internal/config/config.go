// Package config loads the control plane's own startup configuration and
// provides the recursive deep-merge used to apply job-submission overrides
// onto a base job config file before it is snapshotted.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the control plane's own startup configuration, loaded
// from a YAML file with environment variable overrides.
type ServerConfig struct {
	BindAddr         string        `yaml:"bind_addr"`
	ProjectRoot      string        `yaml:"project_root"`
	RunsDir          string        `yaml:"runs_dir"`
	ExtraOutRoot     string        `yaml:"extra_out_root"`
	TelemetryPollMs  int           `yaml:"telemetry_poll_ms"`
	StatusPollMs     int           `yaml:"status_poll_ms"`
	FileWaitCeiling  time.Duration `yaml:"file_wait_ceiling"`
	HeartbeatMaxSec  float64       `yaml:"heartbeat_max_delay_sec"`
	RegistryDBPath   string        `yaml:"registry_db_path"`
	MinDiskFreeMB    int64         `yaml:"min_disk_free_mb"`
}

// Default returns the baseline configuration applied before file/env overrides.
func Default() ServerConfig {
	return ServerConfig{
		BindAddr:        ":8080",
		ProjectRoot:     ".",
		RunsDir:         "runs",
		TelemetryPollMs: 250,
		StatusPollMs:    1000,
		FileWaitCeiling: 60 * time.Second,
		HeartbeatMaxSec: 300,
		RegistryDBPath:  "runs/registry.db",
		MinDiskFreeMB:   100,
	}
}

// Load reads path (if it exists) over Default(), then applies well-known
// environment variable overrides.
func Load(path string) (ServerConfig, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}
	if v := os.Getenv("PROJECT_ROOT"); v != "" {
		cfg.ProjectRoot = v
	}
	if v := os.Getenv("CONTROLPLANE_EXTRA_OUT_ROOT"); v != "" {
		cfg.ExtraOutRoot = v
	}
	if v := os.Getenv("CONTROLPLANE_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	return cfg, nil
}

// DeepMerge recursively merges override onto base, mutating and returning
// base. Keys present in override with a nil value are skipped so callers
// can send partial overrides without clobbering base fields. Non-map
// values in override replace the corresponding base value outright.
func DeepMerge(base, override map[string]any) map[string]any {
	if base == nil {
		base = map[string]any{}
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if overrideMap, ok := v.(map[string]any); ok {
			if baseMap, ok := base[k].(map[string]any); ok {
				base[k] = DeepMerge(baseMap, overrideMap)
				continue
			}
		}
		base[k] = v
	}
	return base
}
