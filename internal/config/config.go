package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Relay holds the relay daemon configuration loaded from relay.yaml.
type Relay struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	KeepAliveMs      int    `yaml:"keep_alive_ms"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
	HistoryDB        string `yaml:"history_db"`
	Debug            bool   `yaml:"debug"`
}

// Bridge holds the MCP bridge configuration loaded from bridge.yaml.
type Bridge struct {
	RelayURL string `yaml:"relay_url"`
	Session  string `yaml:"session"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Debug    bool   `yaml:"debug"`
}

// DefaultRelay returns a relay configuration with all defaults applied.
func DefaultRelay() *Relay {
	cfg := &Relay{}
	cfg.applyDefaults()
	return cfg
}

func (c *Relay) applyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8765
	}
	if c.KeepAliveMs == 0 {
		c.KeepAliveMs = 30000
	}
	if c.RequestTimeoutMs == 0 {
		c.RequestTimeoutMs = 30000
	}
}

// LoadRelay reads and parses the relay configuration file.
func LoadRelay(path string) (*Relay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Relay
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// LoadBridge reads and parses the bridge configuration file.
func LoadBridge(path string) (*Bridge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Bridge
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.RelayURL == "" {
		cfg.RelayURL = "http://localhost:8765"
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8766
	}

	return &cfg, nil
}
