// Package main is the entry point for the flockd daemon.
// flockd keeps the trending ranking materialized, replays the change log for
// live queries and serves health, metrics and a small HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tOgg1/flock/internal/config"
	"github.com/tOgg1/flock/internal/logging"
	"github.com/tOgg1/flock/internal/server"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configFile := flag.String("config", "", "config file (default is $HOME/.config/flock/config.yaml)")
	grpcAddr := flag.String("grpc-addr", "", "gRPC health listen address (overrides server.grpc_addr)")
	httpAddr := flag.String("http-addr", "", `HTTP listen address (overrides server.http_addr, "-" disables)`)
	dbPath := flag.String("db", "", "database file (overrides database.path)")
	inMemory := flag.Bool("in-memory", false, "use a private in-memory database")
	logLevel := flag.String("log-level", "", "override logging level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "override logging format (json, console)")
	flag.Parse()

	cfg, loader, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	closer, err := logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		File:         cfg.Logging.File,
		EnableCaller: cfg.Logging.EnableCaller,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	logger := logging.Component("flockd")

	if err := cfg.EnsureDirectories(); err != nil {
		logger.Warn().Err(err).Msg("failed to create directories")
	}

	if cfgUsed := loader.ConfigFileUsed(); cfgUsed != "" {
		logger.Debug().Str("config_file", cfgUsed).Msg("loaded config file")
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Msg("flockd starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, logger, server.Options{
		GRPCAddr: *grpcAddr,
		HTTPAddr: *httpAddr,
		InMemory: *inMemory,
		Version:  version,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize flockd")
		os.Exit(1)
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("flockd exited with error")
		srv.Close()
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, *config.Loader, error) {
	loader := config.NewLoader()
	if path != "" {
		loader.SetConfigFile(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, loader, nil
}
