// Package config handles configuration loading, validation, and persistence
// for the pingpong server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"

	DefaultServerPort = 9999
	DefaultAPIPort    = 5000
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Server   ServerConfig   `json:"server"`
	Game     GameConfig     `json:"game"`
	Database DatabaseConfig `json:"database"`
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig holds the supervisor and worker network/timing settings.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// Per-match worker ports are probed at random within this range.
	LobbyPortMin int `json:"lobby_port_min"`
	LobbyPortMax int `json:"lobby_port_max"`
	MaxLobbies   int `json:"max_lobbies"`

	// Loop tuning.
	MaxPacketsPerFrame int `json:"max_packets_per_frame"`
	UDPBufferSize      int `json:"udp_buffer_size"`

	// Timeouts and sweep cadences, in seconds.
	PlayerTimeoutSec        float64 `json:"player_timeout_sec"`
	LobbyCleanupTimeoutSec  float64 `json:"lobby_cleanup_timeout_sec"`
	LobbyStatusIntervalSec  float64 `json:"lobby_status_check_interval_sec"`
	WaitingCheckIntervalSec float64 `json:"waiting_player_check_interval_sec"`
}

// GameConfig holds match pacing settings. Field geometry lives in the game
// package because it is part of the wire contract, not a tunable.
type GameConfig struct {
	TickRate      int     `json:"tick_rate"`
	ScoreLimit    int     `json:"score_limit"`
	StartDelaySec float64 `json:"game_start_delay_sec"`
}

// DatabaseConfig holds SQLite user store settings.
type DatabaseConfig struct {
	Path          string  `json:"path"`
	BusyTimeoutMS int     `json:"busy_timeout_ms"`
	MaxRetries    int     `json:"max_retries"`
	RetryDelaySec float64 `json:"retry_delay_sec"`
}

// APIConfig holds admin REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	ClientID  string `json:"client_id"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                    "0.0.0.0",
			Port:                    DefaultServerPort,
			LobbyPortMin:            10000,
			LobbyPortMax:            20000,
			MaxLobbies:              50,
			MaxPacketsPerFrame:      30,
			UDPBufferSize:           4096,
			PlayerTimeoutSec:        3.0,
			LobbyCleanupTimeoutSec:  60,
			LobbyStatusIntervalSec:  1.0,
			WaitingCheckIntervalSec: 5.0,
		},
		Game: GameConfig{
			TickRate:      60,
			ScoreLimit:    10,
			StartDelaySec: 2.0,
		},
		Database: DatabaseConfig{
			Path:          filepath.Join(DefaultConfigDir, "users.db"),
			BusyTimeoutMS: 5000,
			MaxRetries:    5,
			RetryDelaySec: 0.1,
		},
		API: APIConfig{
			Enabled: true,
			Port:    DefaultAPIPort,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Port:    8883,
			UseTLS:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from a JSON file, creating a default file on
// first run. Defaults are applied first and the file is overlaid, then the
// config is re-saved so the file always reflects the full option set.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json always reflects the complete set of options.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}
