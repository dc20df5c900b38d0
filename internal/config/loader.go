package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	paths := []string{
		"/etc/node-broker/broker.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "node-broker", "broker.yaml"))
	}

	paths = append(paths, "broker.yaml")

	if envPath := os.Getenv("BROKER_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// Load reads configuration from YAML files and environment variables.
// Files are loaded in order (each overrides the previous):
// /etc/node-broker/broker.yaml < ~/.config/node-broker/broker.yaml < ./broker.yaml < $BROKER_CONFIG
func Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables have higher priority than YAML config values, so robot
// credentials can be injected without writing them to disk.
func applyEnvOverrides(cfg *Config) {
	if id := os.Getenv("BROKER_ROBOT_ID"); id != "" {
		cfg.Hub.Auth.RobotID = id
	}
	if secret := os.Getenv("BROKER_ROBOT_SECRET"); secret != "" {
		cfg.Hub.Auth.RobotSecret = secret
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config search paths
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	slog.Debug("loading config file", "path", path)

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	for name, value := range map[string]string{
		"hub.base_url":      cfg.Hub.BaseURL,
		"hub.messenger_url": cfg.Hub.MessengerURL,
		"hub.auth.base_url": cfg.Hub.Auth.BaseURL,
	} {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
		if _, err := url.ParseRequestURI(value); err != nil {
			return fmt.Errorf("%s is not a valid URL: %w", name, err)
		}
	}

	if cfg.Hub.Auth.RobotID == "" {
		return fmt.Errorf("hub.auth.robot_id is required (or set BROKER_ROBOT_ID)")
	}
	if cfg.Hub.Auth.RobotSecret == "" {
		return fmt.Errorf("hub.auth.robot_secret is required (or set BROKER_ROBOT_SECRET)")
	}

	if cfg.Delivery.Timeout <= 0 {
		return fmt.Errorf("delivery.timeout must be positive")
	}
	if cfg.Hub.DialTimeout <= 0 {
		return fmt.Errorf("hub.dial_timeout must be positive")
	}

	cfg.Database.Path = ExpandHome(cfg.Database.Path)

	return nil
}
