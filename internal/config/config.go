// Package config provides YAML-based server configuration loading for
// the arena server.
package config

import (
	"fmt"
	"time"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Engine   EngineConfig   `yaml:"engine"`
	Storage  StorageConfig  `yaml:"storage"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ServerConfig defines the HTTP listener.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownSeconds int    `yaml:"shutdown_seconds"`
}

// EngineConfig defines match engine timing. All grace periods are in
// seconds.
type EngineConfig struct {
	TickRate            int `yaml:"tick_rate"` // simulation ticks per second
	WaitingGraceSecs    int `yaml:"waiting_grace_secs"`
	ReconnectGraceSecs  int `yaml:"reconnect_grace_secs"`
	TournamentCheckSecs int `yaml:"tournament_check_secs"`
}

// StorageConfig defines where the SQLite database lives.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DefaultsConfig defines the match settings applied when neither player
// specifies a value.
type DefaultsConfig struct {
	Speed      string `yaml:"speed"`
	ScoreToWin int    `yaml:"score_to_win"`
	TimeLimit  int    `yaml:"time_limit"` // minutes
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server.addr is required")
	}
	if c.Engine.TickRate <= 0 || c.Engine.TickRate > 240 {
		return fmt.Errorf("config: engine.tick_rate %d out of range (1, 240]", c.Engine.TickRate)
	}
	if c.Engine.WaitingGraceSecs <= 0 {
		return fmt.Errorf("config: engine.waiting_grace_secs must be positive")
	}
	if c.Engine.ReconnectGraceSecs <= 0 {
		return fmt.Errorf("config: engine.reconnect_grace_secs must be positive")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("config: storage.path is required")
	}
	return nil
}

// TickInterval converts the tick rate to a per-tick duration.
func (c EngineConfig) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// WaitingGrace is how long a pending match waits for its second player.
func (c EngineConfig) WaitingGrace() time.Duration {
	return time.Duration(c.WaitingGraceSecs) * time.Second
}

// ReconnectGrace is the mid-match reconnection window.
func (c EngineConfig) ReconnectGrace() time.Duration {
	return time.Duration(c.ReconnectGraceSecs) * time.Second
}

// TournamentCheck is how long tournament pairings may stay unstarted.
func (c EngineConfig) TournamentCheck() time.Duration {
	return time.Duration(c.TournamentCheckSecs) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownSeconds) * time.Second
}
