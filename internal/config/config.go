package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/trade-engine/series-archiver/internal/ratelimit"
	"github.com/trade-engine/series-archiver/internal/remote"
)

type Config struct {
	Application Application      `yaml:"application"`
	Archive     Archive          `yaml:"archive"`
	Source      remote.Config    `yaml:"source"`
	RateLimit   ratelimit.Config `yaml:"rate_limit"`
	Progress    Progress         `yaml:"progress"`
}

type Application struct {
	Name     string `yaml:"name"`
	Version  string `yaml:"version"`
	LogLevel string `yaml:"log_level"`
}

type Archive struct {
	Root        string        `yaml:"root"`
	LockTimeout time.Duration `yaml:"-"`
}

type archiveFileModel struct {
	Root        string `yaml:"root,omitempty"`
	LockTimeout string `yaml:"lock_timeout,omitempty"`
}

// UnmarshalYAML accepts the lock timeout in time.ParseDuration notation;
// fields absent from the document keep their current values.
func (a *Archive) UnmarshalYAML(value *yaml.Node) error {
	var raw archiveFileModel
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Root != "" {
		a.Root = raw.Root
	}
	if raw.LockTimeout != "" {
		d, err := time.ParseDuration(raw.LockTimeout)
		if err != nil {
			return fmt.Errorf("lock_timeout: %w", err)
		}
		a.LockTimeout = d
	}
	return nil
}

func (a Archive) MarshalYAML() (interface{}, error) {
	return archiveFileModel{
		Root:        a.Root,
		LockTimeout: a.LockTimeout.String(),
	}, nil
}

type Progress struct {
	Listen string `yaml:"listen"`
}

// Default returns the built-in configuration; Load starts from it so a
// partial YAML file only overrides what it names.
func Default() *Config {
	return &Config{
		Application: Application{
			Name:     "series-archiver",
			Version:  "1.0",
			LogLevel: "info",
		},
		Archive: Archive{
			Root:        "database",
			LockTimeout: 10 * time.Second,
		},
		Source: remote.Config{
			BaseURL: "https://history.example.com/v1",
			Timeout: 30 * time.Second,
		},
		RateLimit: ratelimit.Config{
			MinSpacing:   5 * time.Second,
			Window:       time.Minute,
			WindowBudget: 50 << 20,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}
