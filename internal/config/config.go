package config

import "time"

// Config is the root configuration for the node message broker.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Hub      HubConfig      `yaml:"hub"`
	Database DatabaseConfig `yaml:"database"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Auth     AuthConfig     `yaml:"auth"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// HubConfig points the broker at the central Hub: its REST API, its realtime
// messenger endpoint, and the auth service that issues robot access tokens.
type HubConfig struct {
	BaseURL      string        `yaml:"base_url"`
	MessengerURL string        `yaml:"messenger_url"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	Auth         HubAuthConfig `yaml:"auth"`
}

type HubAuthConfig struct {
	BaseURL     string `yaml:"base_url"`
	RobotID     string `yaml:"robot_id"`
	RobotSecret string `yaml:"robot_secret"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// DeliveryConfig bounds webhook fan-out requests.
type DeliveryConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	MaxBodyLogBytes int           `yaml:"max_body_log_bytes"`
}

// AuthConfig controls bearer-token verification on the broker's own API.
// Disabling it is only meant for local development.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     3001,
			LogLevel: "info",
		},
		Hub: HubConfig{
			DialTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "~/.config/node-broker/subscriptions.db",
		},
		Delivery: DeliveryConfig{
			Timeout:         10 * time.Second,
			MaxBodyLogBytes: 2048,
		},
		Auth: AuthConfig{
			Enabled: true,
		},
	}
}
