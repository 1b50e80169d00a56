// Package config is the opaque key/value settings store the rest of
// redisbus consumes: a Provider yielding the redis_hostname, redis_port,
// redis_db, site, worker, and worker_path settings, with defaults
// overridable by environment variables.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Provider is the minimal key/value contract every other redisbus
// component depends on instead of a concrete loader.
type Provider interface {
	// GetString returns the string value for key, or def if absent.
	GetString(key, def string) string
	// GetInt returns the integer value for key, or def if absent or
	// unparseable.
	GetInt(key string, def int) int
}

// FileConfig loads settings from a YAML file with top-level "globals"
// and "workers" maps, merged with workers taking precedence. It
// implements Provider directly against the merged map.
type FileConfig struct {
	values map[string]any
}

type fileConfigDoc struct {
	Globals map[string]any `yaml:"globals"`
	Workers map[string]any `yaml:"workers"`
}

// LoadFile reads path and applies environment-variable defaults:
// REDIS_HOSTNAME, REDIS_PORT, REDIS_DB, and BUS_SITE only take effect
// when the corresponding key is absent from the file.
//
// A missing file is not an error: defaults (from the environment, else
// the hardcoded fallback) are returned as if an empty file were loaded.
func LoadFile(path string) (*FileConfig, error) {
	values := map[string]any{}

	if raw, err := os.ReadFile(path); err == nil {
		var doc fileConfigDoc
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		for k, v := range doc.Globals {
			values[k] = v
		}
		for k, v := range doc.Workers {
			values[k] = v
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	applyEnvDefault(values, "redis_hostname", "REDIS_HOSTNAME", "localhost")
	applyEnvDefault(values, "redis_port", "REDIS_PORT", "6379")
	applyEnvDefault(values, "redis_db", "REDIS_DB", "0")
	applyEnvDefault(values, "site", "BUS_SITE", "local")

	return &FileConfig{values: values}, nil
}

func applyEnvDefault(values map[string]any, key, envVar, fallback string) {
	if _, ok := values[key]; ok {
		return
	}
	if v, ok := os.LookupEnv(envVar); ok {
		values[key] = v
		return
	}
	values[key] = fallback
}

// GetString implements Provider.
func (c *FileConfig) GetString(key, def string) string {
	v, ok := c.values[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	default:
		return def
	}
}

// GetInt implements Provider.
func (c *FileConfig) GetInt(key string, def int) int {
	v, ok := c.values[key]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}
