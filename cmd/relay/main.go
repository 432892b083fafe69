// Package main provides the relay worker entry point.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/thebtf/relay/internal/agent"
	"github.com/thebtf/relay/internal/config"
	gormdb "github.com/thebtf/relay/internal/db/gorm"
	"github.com/thebtf/relay/internal/watcher"
	"github.com/thebtf/relay/internal/worker"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	addr := flag.String("addr", "", "Listen address (default: from settings)")
	dataDir := flag.String("data-dir", "", "Data directory (default: ~/.relay)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true})

	if *dataDir != "" {
		_ = os.Setenv("RELAY_DATA_DIR", *dataDir)
	}

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directory")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load settings, using defaults")
		cfg = config.Default()
	}
	if *addr != "" {
		cfg.WorkerAddr = *addr
	}

	gormLevel := logger.Silent
	if *debug {
		gormLevel = logger.Warn
	}
	store, err := gormdb.NewStore(gormdb.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		MaxConns: cfg.MaxConns,
		LogLevel: gormLevel,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer store.Close()

	adapter := agent.NewCLIAdapter(cfg.AgentCommand, cfg.AgentArgs...)

	svc, err := worker.NewService(Version, cfg, store, adapter)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build service")
	}

	// Exit on settings change; the process supervisor restarts us with the
	// new configuration.
	settingsWatcher, err := watcher.New(config.SettingsPath(), func() {
		log.Info().Msg("Settings changed, restarting")
		shutdown(svc)
		os.Exit(0)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create settings watcher")
	} else if err := settingsWatcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start settings watcher")
	} else {
		defer settingsWatcher.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		shutdown(svc)
		os.Exit(0)
	}()

	if err := svc.Start(cfg.WorkerAddr); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func shutdown(svc *worker.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Shutdown incomplete")
	}
}
