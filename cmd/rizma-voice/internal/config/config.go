// Package config loads the rizma-voice CLI configuration.
//
// Configuration is stored under os.UserConfigDir()/rizma-voice/:
//
//	~/Library/Application Support/rizma-voice/config.yaml   (macOS)
//	~/.config/rizma-voice/config.yaml                       (Linux)
//	%AppData%/rizma-voice/config.yaml                       (Windows)
//
// The API key may also come from the RIZMA_API_KEY environment variable,
// which takes precedence over the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
)

const (
	// appDir is the directory name under os.UserConfigDir().
	appDir = "rizma-voice"

	configFile = "config.yaml"
)

// Config holds the CLI configuration.
type Config struct {
	// SessionURL is the credential-provisioning endpoint (the server-side
	// proxy that holds the real API key).
	SessionURL string `yaml:"session_url,omitempty"`

	// RealtimeURL is the remote descriptor-exchange endpoint, including the
	// model query parameter.
	RealtimeURL string `yaml:"realtime_url,omitempty"`

	// WSURL is the realtime WebSocket endpoint for control-only sessions.
	WSURL string `yaml:"ws_url,omitempty"`

	// APIBase overrides the HTTP API base URL for the fallback pipeline.
	APIBase string `yaml:"api_base,omitempty"`

	// APIKey is the credential for the fallback pipeline. Overridden by
	// RIZMA_API_KEY.
	APIKey string `yaml:"api_key,omitempty"`

	// Model is the fallback completion model.
	Model string `yaml:"model,omitempty"`

	// Voice is the session voice identifier.
	Voice string `yaml:"voice,omitempty"`

	// SystemPrompt heads every model context window.
	SystemPrompt string `yaml:"system_prompt,omitempty"`

	// ServerVAD enables server-side turn detection.
	ServerVAD bool `yaml:"server_vad,omitempty"`

	// MemoryDir is the directory for the conversation memory database.
	// Empty selects <config dir>/memory.
	MemoryDir string `yaml:"memory_dir,omitempty"`

	// WindowPairs bounds the exchanges included in model context.
	WindowPairs int `yaml:"window_pairs,omitempty"`

	// dir is the root configuration directory.
	dir string
}

// Load loads the configuration from the default location. A missing file
// yields an empty config, not an error.
func Load() (*Config, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine config directory: %w", err)
	}
	return LoadFrom(filepath.Join(base, appDir))
}

// LoadFrom loads the configuration from a specific root directory.
func LoadFrom(dir string) (*Config, error) {
	cfg := &Config{dir: dir}

	data, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.dir = dir
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if key := os.Getenv("RIZMA_API_KEY"); key != "" {
		c.APIKey = key
	}
}

// Save writes the configuration back to disk, creating the directory if
// needed.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, configFile), data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Dir returns the root configuration directory.
func (c *Config) Dir() string { return c.dir }

// ResolveMemoryDir returns the conversation memory directory, defaulting to
// <config dir>/memory.
func (c *Config) ResolveMemoryDir() string {
	if c.MemoryDir != "" {
		return c.MemoryDir
	}
	return filepath.Join(c.dir, "memory")
}
