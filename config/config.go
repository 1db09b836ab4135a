// Package config handles volta.toml daemon and client configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents a volta.toml configuration.
type Config struct {
	Listen   Listen   `toml:"listen"`
	Executor Executor `toml:"executor"`
	Log      Log      `toml:"log"`

	// Dir is the directory containing the volta.toml file (set at load time).
	Dir string `toml:"-"`
}

// Listen configures where the daemon accepts clients.
type Listen struct {
	Network   string `toml:"network"`
	Address   string `toml:"address"`
	PeerCheck bool   `toml:"peer-check"`
}

// Executor bounds the host-side task pipeline.
type Executor struct {
	MaxAsyncTasks int    `toml:"max-async-tasks"`
	TaskLogPath   string `toml:"task-log"`
}

// Log configures daemon logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// Default returns the configuration used when no volta.toml exists.
func Default() *Config {
	return &Config{
		Listen: Listen{
			Network: "unix",
			Address: "/tmp/.volta.sock",
		},
		Executor: Executor{
			MaxAsyncTasks: 8,
		},
	}
}

// Load parses a volta.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, "volta.toml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	if c.Executor.MaxAsyncTasks < 2 {
		c.Executor.MaxAsyncTasks = 2
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a volta.toml file, then
// loads and returns it. Returns the defaults if none is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}
	for {
		path := filepath.Join(dir, "volta.toml")
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// TaskLogPath returns the absolute task log path, or "" when disabled.
func (c *Config) TaskLogPath() string {
	if c.Executor.TaskLogPath == "" {
		return ""
	}
	if filepath.IsAbs(c.Executor.TaskLogPath) || c.Dir == "" {
		return c.Executor.TaskLogPath
	}
	return filepath.Join(c.Dir, c.Executor.TaskLogPath)
}
