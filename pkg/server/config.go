package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file.
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	HTTPPort     int    `toml:"http_port"`
	DatabasePath string `toml:"database_path"`
}

type LimitsSection struct {
	MessageRatePerMinute int `toml:"message_rate_per_minute"`
	MessageBurst         int `toml:"message_burst"`
	MaxMessageLength     int `toml:"max_message_length"`
	IdleTimeoutSeconds   int `toml:"idle_timeout_seconds"`
}

// DefaultTOMLConfig returns the default configuration file contents.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      7342,
			HTTPPort:     7380,
			DatabasePath: "~/.courier/courier.db",
		},
		Limits: LimitsSection{
			MessageRatePerMinute: 60,
			MessageBurst:         10,
			MaxMessageLength:     4096,
			IdleTimeoutSeconds:   300,
		},
	}
}

// LoadConfig loads configuration from a TOML file, writing the default
// config when the file does not exist yet.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Best effort: a read-only location still yields usable defaults.
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// writeDefaultConfig writes the default config to a file.
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Courier server configuration
# This file was auto-generated with default values.
# Edit as needed and restart the server for changes to take effect.

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to the runtime ServerConfig, falling
// back to defaults for unset fields.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Limits.MessageRatePerMinute != 0 {
		cfg.MessageRatePerMinute = c.Limits.MessageRatePerMinute
	}
	if c.Limits.MessageBurst != 0 {
		cfg.MessageBurst = c.Limits.MessageBurst
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.IdleTimeoutSeconds != 0 {
		cfg.IdleTimeoutSeconds = c.Limits.IdleTimeoutSeconds
	}

	return cfg
}

// GetDatabasePath returns the directory database path with ~ expanded.
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
