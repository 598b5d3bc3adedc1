package config

import "fmt"

// ValidationIssue describes a single problem found during validation.
type ValidationIssue struct {
	Field   string
	Message string
}

// ValidationResult aggregates errors (fatal) and warnings (informational).
type ValidationResult struct {
	Errors   []ValidationIssue
	Warnings []ValidationIssue
}

// IsValid reports whether the configuration can be used as-is.
func (r ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// Validate checks the configuration for inconsistencies before startup.
func Validate(cfg *Config) ValidationResult {
	var res ValidationResult

	addErr := func(field, format string, args ...any) {
		res.Errors = append(res.Errors, ValidationIssue{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	addWarn := func(field, format string, args ...any) {
		res.Warnings = append(res.Warnings, ValidationIssue{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	srv := cfg.Server
	if srv.Port <= 0 || srv.Port > 65535 {
		addErr("server.port", "port %d out of range", srv.Port)
	}
	if srv.LobbyPortMin <= 0 || srv.LobbyPortMax > 65535 || srv.LobbyPortMin >= srv.LobbyPortMax {
		addErr("server.lobby_port_min", "invalid lobby port range [%d, %d]", srv.LobbyPortMin, srv.LobbyPortMax)
	}
	if srv.Port >= srv.LobbyPortMin && srv.Port <= srv.LobbyPortMax {
		addWarn("server.port", "supervisor port %d lies inside the lobby port range", srv.Port)
	}
	if srv.MaxLobbies <= 0 {
		addErr("server.max_lobbies", "max_lobbies must be positive")
	}
	if srv.MaxPacketsPerFrame <= 0 {
		addErr("server.max_packets_per_frame", "must be positive")
	}
	if srv.PlayerTimeoutSec <= 0 {
		addErr("server.player_timeout_sec", "must be positive")
	}

	if cfg.Game.TickRate <= 0 {
		addErr("game.tick_rate", "tick rate must be positive")
	}
	if cfg.Game.TickRate > 240 {
		addWarn("game.tick_rate", "tick rate %d is unusually high", cfg.Game.TickRate)
	}
	if cfg.Game.StartDelaySec < 0 {
		addErr("game.game_start_delay_sec", "start delay cannot be negative")
	}

	if cfg.Database.Path == "" {
		addErr("database.path", "database path is empty")
	}

	if cfg.API.Enabled && (cfg.API.Port <= 0 || cfg.API.Port > 65535) {
		addErr("api.port", "port %d out of range", cfg.API.Port)
	}
	if cfg.MQTT.Enabled && cfg.MQTT.BrokerURL == "" {
		addErr("mqtt.broker_url", "MQTT enabled but broker_url is empty")
	}

	return res
}
