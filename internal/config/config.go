// Package config loads server configuration from the environment and an
// optional YAML file. Configuration is an explicit struct handed to
// constructors; there is no process-wide settings object.
package config

import (
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces the environment variables, e.g. OATEL_SERVER_PORT.
const envPrefix = "OATEL_"

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Storage StorageConfig `koanf:"storage"`
	Tracing TracingConfig `koanf:"tracing"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type TracingConfig struct {
	// SampleRatio is the fraction of traces to sample, in (0, 1].
	SampleRatio float64 `koanf:"sample_ratio"`
}

type StorageConfig struct {
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// Load reads configuration from the optional YAML file at path (skipped
// when empty or missing), then overlays environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, err
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Default values
	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("storage.sqlite.path") {
		k.Set("storage.sqlite.path", "./data/telemetry.db")
	}
	if !k.Exists("tracing.sample_ratio") {
		k.Set("tracing.sample_ratio", 1.0)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
