package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort           int
	HTTPPort          int // 0 disables the WebSocket/metrics listener
	SSHPort           int // 0 disables the SSH listener
	SSHHostKeyPath    string
	MaxConnections    int           // 0 means unlimited
	ReadTimeout       time.Duration // 0 disables the idle read deadline
	WriteTimeout      time.Duration
	MaxProtocolErrors int // consecutive undecodable envelopes before disconnect
	BcryptCost        int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:           9999,
		HTTPPort:          10000,
		SSHPort:           10022,
		SSHHostKeyPath:    "~/.chatroom/ssh_host_key",
		MaxConnections:    10000,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      10 * time.Second,
		MaxProtocolErrors: 3,
		BcryptCost:        10,
	}
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	HTTPPort     int    `toml:"http_port"`
	SSHPort      int    `toml:"ssh_port"`
	SSHHostKey   string `toml:"ssh_host_key"`
	DatabasePath string `toml:"database_path"`
}

type LimitsSection struct {
	MaxConnections      int `toml:"max_connections"`
	ReadTimeoutSeconds  int `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
	MaxProtocolErrors   int `toml:"max_protocol_errors"`
	BcryptCost          int `toml:"bcrypt_cost"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	d := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      d.TCPPort,
			HTTPPort:     d.HTTPPort,
			SSHPort:      d.SSHPort,
			SSHHostKey:   d.SSHHostKeyPath,
			DatabasePath: "~/.chatroom/chatroom.db",
		},
		Limits: LimitsSection{
			MaxConnections:      d.MaxConnections,
			ReadTimeoutSeconds:  int(d.ReadTimeout / time.Second),
			WriteTimeoutSeconds: int(d.WriteTimeout / time.Second),
			MaxProtocolErrors:   d.MaxProtocolErrors,
			BcryptCost:          d.BcryptCost,
		},
	}
}

// ExpandPath replaces a leading ~/ with the user's home directory
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// A read-only home still gets a working server on defaults
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	meta, err := toml.DecodeFile(path, &config)
	if err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return TOMLConfig{}, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Chatroom Server Configuration
# This file was auto-generated with default values
# Set http_port or ssh_port to 0 to disable that listener

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig.
// Zero values fall back to DefaultConfig; negative ports disable a listener.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = max(c.Server.HTTPPort, 0)
	}
	if c.Server.SSHPort != 0 {
		cfg.SSHPort = max(c.Server.SSHPort, 0)
	}
	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}

	if c.Limits.MaxConnections != 0 {
		cfg.MaxConnections = c.Limits.MaxConnections
	}
	if c.Limits.ReadTimeoutSeconds != 0 {
		cfg.ReadTimeout = time.Duration(max(c.Limits.ReadTimeoutSeconds, 0)) * time.Second
	}
	if c.Limits.WriteTimeoutSeconds != 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second
	}
	if c.Limits.MaxProtocolErrors != 0 {
		cfg.MaxProtocolErrors = c.Limits.MaxProtocolErrors
	}
	if c.Limits.BcryptCost != 0 {
		cfg.BcryptCost = c.Limits.BcryptCost
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	path := c.Server.DatabasePath
	if strings.TrimSpace(path) == "" {
		path = DefaultTOMLConfig().Server.DatabasePath
	}
	return ExpandPath(path)
}
