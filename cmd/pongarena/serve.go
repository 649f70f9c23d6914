package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/pong-arena/internal/config"
	"github.com/vovakirdan/pong-arena/internal/gateway"
	"github.com/vovakirdan/pong-arena/internal/match"
	"github.com/vovakirdan/pong-arena/internal/matchmaking"
	"github.com/vovakirdan/pong-arena/internal/storage"
	"github.com/vovakirdan/pong-arena/internal/tournament"
)

var (
	flagAddr     string
	flagDBPath   string
	flagConfig   string
	flagTickRate int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the arena server",
	Long: `Start the WebSocket arena server.

Endpoints:
  /ws/matchmaking        - Search for an opponent (settings via query params)
  /ws/game/{roomID}      - Play a match in a room you are seated in
  /ws/tournament         - Create a tournament (?size=4 or ?size=8)
  /ws/tournament/{id}    - Register for a tournament and follow it

Examples:
  pongarena serve
  pongarena serve --addr :9000 --db ./arena.db
  pongarena serve --tick-rate 30`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "Listen address (host:port), overrides config")
	serveCmd.Flags().StringVar(&flagDBPath, "db", "", "Path to database, overrides config")
	serveCmd.Flags().StringVar(&flagConfig, "config", "", "Path to config file")
	serveCmd.Flags().IntVar(&flagTickRate, "tick-rate", 0, "Simulation ticks per second, overrides config")
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "arena",
	})

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagAddr != "" {
		cfg.Server.Addr = flagAddr
	}
	if flagDBPath != "" {
		cfg.Storage.Path = flagDBPath
	}
	if flagTickRate > 0 {
		cfg.Engine.TickRate = flagTickRate
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	timing := match.Timing{
		TickInterval:   cfg.Engine.TickInterval(),
		WaitingGrace:   cfg.Engine.WaitingGrace(),
		ReconnectGrace: cfg.Engine.ReconnectGrace(),
	}
	registry := match.NewRegistry(timing, logger, gateway.NopRating{})
	matchmaker := matchmaking.New(store, logger)
	tournaments := tournament.New(store, logger, nil, cfg.Engine.TournamentCheck(), 0)

	gw := gateway.New(logger, store, registry, matchmaker, tournaments, cfg.Engine.TickInterval())
	tournaments.SetNotifier(gw.Notifier())
	tournaments.SetRoomCloser(gw.CloseRoom)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: gw.Handler(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr, "tick_rate", cfg.Engine.TickRate)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "err", err)
	}
	registry.Shutdown()
	return nil
}
