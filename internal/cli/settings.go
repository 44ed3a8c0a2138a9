package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Settings is the process configuration shared by the serve, replay, and
// inspect commands. Resolution order: built-in defaults, then the YAML
// config file, then environment variables. Flags on individual commands
// override all three.
type Settings struct {
	// Addr is the listen address for serve.
	Addr string `env:"ESTUARY_ADDR" yaml:"addr"`

	// Database is the SQLite file path. Empty selects the in-memory
	// adapter, which loses everything on exit.
	Database string `env:"ESTUARY_DB" yaml:"database"`

	// CommandTimeout bounds each command's handler execution.
	CommandTimeout time.Duration `env:"ESTUARY_COMMAND_TIMEOUT" yaml:"command_timeout"`

	// MaxAsyncDepth bounds cascading async listener generations.
	MaxAsyncDepth int `env:"ESTUARY_MAX_ASYNC_DEPTH" yaml:"max_async_depth"`
}

func defaultSettings() Settings {
	return Settings{
		Addr: ":8475",
	}
}

// LoadSettings resolves settings from defaults, the optional YAML file at
// path, and the environment.
func LoadSettings(path string) (Settings, error) {
	s := defaultSettings()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &s); err != nil {
			return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("parse environment: %w", err)
	}
	return s, nil
}
