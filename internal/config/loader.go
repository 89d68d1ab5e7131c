package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// configSchema validates the YAML document before it is unmarshalled, so a
// typo in a section name fails loudly instead of silently keeping a default.
const configSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "application": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string"},
        "version": {"type": "string"},
        "log_level": {"type": "string", "enum": ["debug", "info", "warn", "error"]}
      }
    },
    "archive": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "root": {"type": "string"},
        "lock_timeout": {"type": "string"}
      }
    },
    "source": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "base_url": {"type": "string"},
        "app_key": {"type": "string"},
        "timeout": {"type": "string"}
      }
    },
    "rate_limit": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "min_spacing": {"type": "string"},
        "window": {"type": "string"},
        "window_budget_bytes": {"type": "integer", "minimum": 1}
      }
    },
    "progress": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "listen": {"type": "string"}
      }
    }
  }
}`

// LoadValidated loads the YAML config at cfgPath, validates it against the
// embedded JSON Schema and applies environment variable overrides.
func LoadValidated(cfgPath string) (*Config, error) {
	yb, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// YAML -> JSON for validation.
	var doc interface{}
	if err := yaml.Unmarshal(yb, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	jb, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal to json: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewBytesLoader(jb))
	if err != nil {
		return nil, fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var sb strings.Builder
		for _, e := range result.Errors() {
			sb.WriteString("- ")
			sb.WriteString(e.String())
			sb.WriteString("\n")
		}
		return nil, fmt.Errorf("config validation failed:\n%s", sb.String())
	}

	cfg := Default()
	if err := yaml.Unmarshal(yb, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override the fields that
// commonly differ per machine without editing the config file.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("ARCHIVE_ROOT"); ok && v != "" {
		cfg.Archive.Root = v
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok && v != "" {
		cfg.Application.LogLevel = v
	}
	if v, ok := os.LookupEnv("SOURCE_BASE_URL"); ok && v != "" {
		cfg.Source.BaseURL = v
	}
	if v, ok := os.LookupEnv("SOURCE_APP_KEY"); ok && v != "" {
		cfg.Source.AppKey = v
	}
	if v, ok := os.LookupEnv("RATE_MIN_SPACING"); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RateLimit.MinSpacing = d
		}
	}
}
