package engine

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config is the engine's on-disk configuration: a TOML file, with an
// optional .env overlay for deployment secrets/overrides.
type Config struct {
	Name     string `toml:"name"`
	RootPath string `toml:"root_path"`
	Port     uint16 `toml:"port"`

	Metrics struct {
		Enabled bool   `toml:"enabled"`
		Listen  string `toml:"listen"`
	} `toml:"metrics"`
}

// DefaultConfig returns the configuration this repo ships out of the
// box.
func DefaultConfig() *Config {
	cfg := &Config{
		Name:     "anonymous",
		RootPath: "./meshchat-data",
		Port:     0, // 0 = OS-assigned
	}
	cfg.Metrics.Enabled = false
	cfg.Metrics.Listen = "127.0.0.1:9090"
	return cfg
}

// LoadConfig reads a TOML config file at path. A .env file in the
// working directory (if present) is loaded into the environment first;
// after the file is parsed, MESHCHAT_NAME and MESHCHAT_ROOT_PATH, when
// set, override the file's values.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load() // missing .env is not an error

	cfg := DefaultConfig()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("engine: parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if v := os.Getenv("MESHCHAT_NAME"); v != "" {
		cfg.Name = v
	}
	if v := os.Getenv("MESHCHAT_ROOT_PATH"); v != "" {
		cfg.RootPath = v
	}
	return cfg, nil
}
