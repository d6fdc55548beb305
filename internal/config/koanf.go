// Mindex - Real-Time Geospatial Telemetry Backbone
// Copyright 2026 Mindex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mindex-io/mindex

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/mindex/config.yaml",
	"/etc/mindex/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration from layered sources, highest priority last:
//
//  1. Built-in defaults (struct provider)
//  2. Optional YAML config file
//  3. Environment variables
//
// The result is validated before being returned.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	// MINDEX_DATABASE_URL wins over plain DATABASE_URL regardless of the
	// provider's iteration order over the environment.
	if v := os.Getenv("MINDEX_DATABASE_URL"); v != "" {
		if err := k.Set("database.url", v); err != nil {
			return nil, fmt.Errorf("set database url: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file path, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps recognized environment variable names (lowercased) to
// koanf config paths. Variables not listed here are ignored, so unrelated
// process environment never leaks into the configuration.
var envMappings = map[string]string{
	"mindex_database_url": "database.url",
	"database_url":        "database.url",

	"redis_host": "redis.host",
	"redis_port": "redis.port",
	"redis_db":   "redis.db",

	"n8n_url":           "n8n.url",
	"n8n_local_url":     "n8n.local_url",
	"n8n_api_key":       "n8n.api_key",
	"n8n_local_api_key": "n8n.local_api_key",

	"opensky_username":     "collectors.opensky.username",
	"opensky_password":     "collectors.opensky.password",
	"spacetrack_username":  "collectors.spacetrack.username",
	"spacetrack_password":  "collectors.spacetrack.password",
	"aisstream_api_key":    "collectors.ais.api_key",
	"oei_ais_proxy":        "collectors.ais.proxy",
	"ais_api_url":          "collectors.ais.url",
	"nws_api_url":          "collectors.nws.url",
	"usgs_feed_url":        "collectors.usgs.url",

	"server_host": "server.host",
	"server_port": "server.port",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransform maps an environment variable name to its koanf path.
// Returning "" drops the variable.
func envTransform(key string) string {
	return envMappings[strings.ToLower(key)]
}
