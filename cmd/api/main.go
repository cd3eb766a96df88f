package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/cadreworks/cadre/internal/api"
	"github.com/cadreworks/cadre/internal/bridge"
	"github.com/cadreworks/cadre/internal/config"
	"github.com/cadreworks/cadre/internal/db"
	"github.com/cadreworks/cadre/internal/metrics"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info().
		Str("version", cfg.App.Version).
		Str("environment", cfg.App.Environment).
		Msg("Starting cadre API server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Vault.Enabled {
		if err := config.LoadSecretsFromVault(ctx, cfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to load secrets from Vault")
		}
	}

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Database is optional; read endpoints answer 503 without it
	var database *db.DB
	if cfg.Database.Enabled {
		database, err = db.New(ctx, cfg.Database.GetDSN())
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize database, continuing without DB")
			database = nil
		}
	}
	defer func() {
		if database != nil {
			database.Close()
		}
	}()

	// Fleet gauges on /metrics are refreshed from the database; live
	// counters come from the process running the team, not from here
	if cfg.Monitoring.EnableMetrics && database != nil {
		if pool, ok := database.Pool().(*pgxpool.Pool); ok {
			updater := metrics.NewUpdater(pool, 15*time.Second)
			go updater.Start(ctx)
			defer updater.Stop()
		}
	}

	serverConfig := api.Config{
		Host:         cfg.API.Host,
		Port:         cfg.API.Port,
		ControlToken: cfg.API.ControlToken,
		DB:           database,
	}

	// The NATS bridge feeds the websocket hub with mirrored bus traffic
	// and relays control commands to the process running the team
	var natsBridge *bridge.Bridge
	if cfg.NATS.Enabled {
		natsBridge, err = bridge.New(bridge.Config{
			URL:    cfg.NATS.URL,
			Prefix: cfg.NATS.Prefix,
			Name:   "cadre-api",
		}, log.Logger)
		if err != nil {
			log.Error().Err(err).Msg("Failed to connect to NATS, continuing without live feed")
		} else {
			defer natsBridge.Close()
			serverConfig.Control = natsBridge
		}
	}

	server := api.NewServer(serverConfig)

	if natsBridge != nil {
		if _, err := natsBridge.SubscribeAll(server.Hub().BroadcastSubject); err != nil {
			log.Error().Err(err).Msg("Failed to subscribe to mirror subjects")
		}
	}

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	// Wait for interrupt signal or server error
	select {
	case err := <-serverErrors:
		log.Error().Err(err).Msg("Server error")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	}

	// Graceful shutdown
	log.Info().Msg("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop server gracefully")
		os.Exit(1)
	}

	log.Info().Msg("Server stopped successfully")
}
