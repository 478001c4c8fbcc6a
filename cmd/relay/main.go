package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/afroash/airguard/internal/config"
	"github.com/afroash/airguard/internal/dataset"
	"github.com/afroash/airguard/internal/relay"
)

const version = "v0.3.0"

func main() {
	configPath := flag.String("config", "configs/relay.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadRelayConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := config.NewLogger(cfg.Logging, os.Stdout)
	logger.Info().
		Str("version", version).
		Str("config", cfg.String()).
		Msg("Starting airguard relay")

	store := relay.NewMemoryStore(cfg.Storage.BufferSize)
	hub := relay.NewHub(cfg.Server.AuthToken, store, logger, cfg.Server.AllowedOrigins...)

	var sqliteStore *dataset.SQLiteStore
	var dbWriter *dataset.DBWriter
	var retentionCleaner *dataset.RetentionCleaner

	if cfg.Storage.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0755); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
		sqliteStore, err = dataset.NewSQLiteStore(cfg.Storage.DBPath, logger)
		if err != nil {
			log.Fatalf("Failed to create SQLite store: %v", err)
		}

		dbWriter = dataset.NewDBWriter(sqliteStore, dataset.DBWriterConfig{
			BatchSize:   cfg.Storage.BatchSize,
			FlushPeriod: cfg.Storage.FlushPeriod,
			ChannelSize: cfg.Storage.ChannelSize,
		}, logger)
		hub.SetRecorder(dbWriter)

		retentionCleaner = dataset.NewRetentionCleaner(sqliteStore, dataset.RetentionCleanerConfig{
			RetentionDays: cfg.Storage.RetentionDays,
			MaxRows:       cfg.Storage.MaxRows,
			CleanupPeriod: cfg.Storage.CleanupPeriod,
		}, logger)

		logger.Info().
			Str("path", cfg.Storage.DBPath).
			Int("retention_days", cfg.Storage.RetentionDays).
			Msg("Report history enabled")
	}

	var api *relay.APIHandler
	if sqliteStore != nil {
		api = relay.NewAPIHandlerWithHistory(hub, store, sqliteStore, version, logger)
	} else {
		api = relay.NewAPIHandler(hub, store, version, logger)
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      relay.NewRouter(hub, api, cfg.Server.StaticDir),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("Relay listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down relay...")

	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
	}

	if dbWriter != nil {
		dbWriter.Stop()
	}
	if retentionCleaner != nil {
		retentionCleaner.Stop()
	}
	if sqliteStore != nil {
		if err := sqliteStore.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close SQLite store")
		}
	}

	logger.Info().Msg("Relay stopped")
}
