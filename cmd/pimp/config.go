package main

import (
	"os"
	"time"

	"github.com/benbjohnson/pimp"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is the config file read when --config is not given.
const DefaultConfigPath = "pimp.yml"

// DefaultPrompt is the shell prompt.
const DefaultPrompt = "[pimp]> "

// Config represents the configuration file for the pimp CLI.
type Config struct {
	R2       R2Config      `yaml:"r2"`
	Binary   string        `yaml:"binary"`
	Verbose  bool          `yaml:"verbose"`
	MaxSteps int           `yaml:"max_steps"`
	Solver   SolverConfig  `yaml:"solver"`
	Inputs   []InputConfig `yaml:"inputs"`
	AutoInit bool          `yaml:"auto_init"`
	Prompt   string        `yaml:"prompt"`
}

// R2Config describes how radare2 is started.
type R2Config struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
}

// SolverConfig holds Z3 settings.
type SolverConfig struct {
	Timeout int `yaml:"timeout"` // milliseconds
}

// TimeoutDuration returns the solver timeout as a duration.
func (c SolverConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// InputConfig declares a symbolic input range after init. Address may be
// any token accepted by symbol resolution.
type InputConfig struct {
	Address string `yaml:"address"`
	Size    int    `yaml:"size"`
}

// NewConfig returns a config with default values.
func NewConfig() Config {
	return Config{
		R2: R2Config{
			Path: "r2",
			Args: []string{"-d"},
		},
		MaxSteps: pimp.DefaultMaxSteps,
		Prompt:   DefaultPrompt,
	}
}

// ReadConfigFile reads the YAML file at path over the default config. A
// missing file is only an error if required is set.
func ReadConfigFile(path string, required bool) (Config, error) {
	config := NewConfig()

	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) && !required {
		return config, nil
	} else if err != nil {
		return config, errors.Wrap(err, "read config")
	}

	if err := yaml.Unmarshal(buf, &config); err != nil {
		return config, errors.Wrapf(err, "parse config %s", path)
	}
	return config, nil
}

// Validate returns an error if the config is inconsistent.
func (c *Config) Validate() error {
	if c.R2.Path == "" {
		return errors.New("r2.path required")
	} else if c.MaxSteps < 0 {
		return errors.New("max_steps must not be negative")
	} else if c.Solver.Timeout < 0 {
		return errors.New("solver.timeout must not be negative")
	} else if len(c.Inputs) > 0 && !c.AutoInit {
		return errors.New("inputs require auto_init")
	}

	for i, input := range c.Inputs {
		if input.Address == "" {
			return errors.Errorf("inputs[%d]: address required", i)
		} else if input.Size <= 0 {
			return errors.Errorf("inputs[%d]: size must be positive", i)
		}
	}
	return nil
}
