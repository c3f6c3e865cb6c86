package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/pimp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pimp.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
r2:
  path: /usr/local/bin/r2
  args: ["-d", "-e", "dbg.bep=entry"]
binary: ./crackme
verbose: true
max_steps: 5000
solver:
  timeout: 250
auto_init: true
inputs:
  - address: 0x2000
    size: 4
  - address: sym.buf
    size: 16
`), 0666))

	config, err := ReadConfigFile(path, true)
	require.NoError(t, err)
	assert.Equal(t, Config{
		R2:       R2Config{Path: "/usr/local/bin/r2", Args: []string{"-d", "-e", "dbg.bep=entry"}},
		Binary:   "./crackme",
		Verbose:  true,
		MaxSteps: 5000,
		Solver:   SolverConfig{Timeout: 250},
		Inputs:   []InputConfig{{Address: "0x2000", Size: 4}, {Address: "sym.buf", Size: 16}},
		AutoInit: true,
		Prompt:   DefaultPrompt,
	}, config)
	assert.Equal(t, 250*time.Millisecond, config.Solver.TimeoutDuration())
	require.NoError(t, config.Validate())
}

func TestReadConfigFile_Missing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pimp.yml")

	t.Run("Optional", func(t *testing.T) {
		config, err := ReadConfigFile(path, false)
		require.NoError(t, err)
		assert.Equal(t, "r2", config.R2.Path)
		assert.Equal(t, []string{"-d"}, config.R2.Args)
		assert.Equal(t, pimp.DefaultMaxSteps, config.MaxSteps)
	})

	t.Run("Required", func(t *testing.T) {
		_, err := ReadConfigFile(path, true)
		require.Error(t, err)
	})
}

func TestReadConfigFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pimp.yml")
	require.NoError(t, os.WriteFile(path, []byte("max_steps: [1"), 0666))
	_, err := ReadConfigFile(path, true)
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	for _, tt := range []struct {
		name   string
		modify func(c *Config)
		err    string
	}{
		{"NoR2", func(c *Config) { c.R2.Path = "" }, "r2.path required"},
		{"NegativeMaxSteps", func(c *Config) { c.MaxSteps = -1 }, "max_steps must not be negative"},
		{"NegativeTimeout", func(c *Config) { c.Solver.Timeout = -1 }, "solver.timeout must not be negative"},
		{"InputsWithoutInit", func(c *Config) {
			c.Inputs = []InputConfig{{Address: "0x10", Size: 1}}
		}, "inputs require auto_init"},
		{"NoAddress", func(c *Config) {
			c.AutoInit, c.Inputs = true, []InputConfig{{Size: 1}}
		}, "inputs[0]: address required"},
		{"ZeroSize", func(c *Config) {
			c.AutoInit, c.Inputs = true, []InputConfig{{Address: "0x10"}}
		}, "inputs[0]: size must be positive"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			config := NewConfig()
			tt.modify(&config)
			assert.EqualError(t, config.Validate(), tt.err)
		})
	}
}
