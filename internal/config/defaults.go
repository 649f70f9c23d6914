package config

import (
	_ "embed"
)

//go:embed defaults/server.yaml
var defaultServerYAML []byte

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownSeconds: 10,
		},
		Engine: EngineConfig{
			TickRate:            60,
			WaitingGraceSecs:    5,
			ReconnectGraceSecs:  10,
			TournamentCheckSecs: 10,
		},
		Storage: StorageConfig{
			Path: "~/.pong-arena/arena.db",
		},
		Defaults: DefaultsConfig{
			Speed:      "medium",
			ScoreToWin: 5,
			TimeLimit:  3,
		},
	}
}
