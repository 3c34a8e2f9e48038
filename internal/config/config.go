package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Listen  string        `yaml:"listen"`
	DataDir string        `yaml:"data_dir"`
	Auth    AuthConfig    `yaml:"auth"`
	NATS    NATSConfig    `yaml:"nats"`
	OAuth   OAuthConfig   `yaml:"oauth"`
	Engine  EngineConfig  `yaml:"engine"`
}

type AuthConfig struct {
	// JWTSecret signs locally issued session tokens. When JWKSURL is
	// set, tokens are instead verified against the remote key set.
	JWTSecret string `yaml:"jwt_secret"`
	JWKSURL   string `yaml:"jwks_url"`
}

type NATSConfig struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
}

// OAuthClient holds the app credentials registered with one provider.
type OAuthClient struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope"`
}

type OAuthConfig struct {
	Google    OAuthClient `yaml:"google"`
	Microsoft OAuthClient `yaml:"microsoft"`
	Yahoo     OAuthClient `yaml:"yahoo"`
}

type EngineConfig struct {
	UndoWindowSeconds   int `yaml:"undo_window_seconds"`
	SyncMaxMessages     int `yaml:"sync_max_messages"`
	IdleReconnectMaxSec int `yaml:"idle_reconnect_max_seconds"`
}

func LoadConfig() (*Config, error) {
	var cfg Config

	// Try multiple possible paths
	configPaths := []string{
		"/etc/driftmail/engine.yaml",
		"./config/engine.yaml",
		"./engine.yaml",
		"config/engine.yaml",
	}
	if p := os.Getenv("ENGINE_CONFIG"); p != "" {
		configPaths = append([]string{p}, configPaths...)
	}

	var data []byte
	var err error
	for _, path := range configPaths {
		data, err = os.ReadFile(filepath.Clean(path))
		if err == nil {
			break
		}
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	// No config file found: run on defaults.

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.NATS.Stream == "" {
		c.NATS.Stream = "MAIL_EVENTS"
	}
	if c.Engine.UndoWindowSeconds <= 0 {
		c.Engine.UndoWindowSeconds = 10
	}
	if c.Engine.SyncMaxMessages <= 0 {
		c.Engine.SyncMaxMessages = 50
	}
	if c.Engine.IdleReconnectMaxSec <= 0 {
		c.Engine.IdleReconnectMaxSec = 300
	}
}

// IdleReconnectMax returns the backoff ceiling for IMAP reconnects.
func (c *Config) IdleReconnectMax() time.Duration {
	return time.Duration(c.Engine.IdleReconnectMaxSec) * time.Second
}
