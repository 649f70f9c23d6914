// pongarena is a realtime multiplayer pong server: matchmaking,
// authoritative match simulation and bracket tournaments over
// WebSocket.
//
// Usage:
//
//	pongarena serve            - Start the arena server
//
// Flags:
//
//	--addr <host:port>   - Listen address (default from config)
//	--db <path>          - Database path (default: ~/.pong-arena/arena.db)
//	--config <path>      - Config file path
//	--tick-rate <rate>   - Simulation ticks per second
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pongarena",
	Short: "Realtime multiplayer pong server",
	Long: `pongarena runs the arena server: players search for opponents over
the matchmaking endpoint, play authoritative server-side matches, and
compete in 4 or 8 player single-elimination tournaments.

Examples:
  pongarena serve
  pongarena serve --addr :9000
  pongarena serve --config ./configs/server.yaml`,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
