// Package main is the entry point for the tradegate broker gateway. It wires
// the credential lifecycle (file store, filesystem watcher, auth state
// machine) to the tiered context cache and exposes both over HTTP.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ksood/tradegate/internal/cache"
	"github.com/ksood/tradegate/internal/clients/kite"
	"github.com/ksood/tradegate/internal/clients/marketdata"
	"github.com/ksood/tradegate/internal/config"
	"github.com/ksood/tradegate/internal/credentials"
	"github.com/ksood/tradegate/internal/database"
	"github.com/ksood/tradegate/internal/marketcontext"
	"github.com/ksood/tradegate/internal/reliability"
	"github.com/ksood/tradegate/internal/scheduler"
	"github.com/ksood/tradegate/internal/server"
	"github.com/ksood/tradegate/internal/settings"
	"github.com/ksood/tradegate/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logger is not up yet
		panic(err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting tradegate")

	// Databases: config.db holds settings, cache.db holds the context cache
	configDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/config.db",
		Profile: database.ProfileStandard,
		Name:    "config",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open config database")
	}
	defer configDB.Close()

	cacheDB, err := database.New(database.Config{
		Path:    cfg.DataDir + "/cache.db",
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache database")
	}
	defer cacheDB.Close()

	if err := settings.InitSchema(configDB.Conn()); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize settings schema")
	}
	if err := cache.InitSchema(cacheDB.Conn()); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize cache schema")
	}

	settingsRepo := settings.NewRepository(configDB.Conn(), log)

	source, err := cfg.ResolveCredentials(settingsRepo)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve broker credentials")
	}
	log.Info().Str("source", string(source)).Msg("Broker API credentials resolved")

	// Credential store: an unwritable backing file means a refreshed token
	// could never be persisted, so refuse to start.
	store := credentials.NewStore(cfg.CredentialFile, log)
	if err := store.CheckWritable(); err != nil {
		log.Fatal().Err(err).Msg("Credential file is not writable")
	}
	if _, err := store.Load(); err != nil {
		log.Fatal().Err(err).Msg("Failed to read credential file")
	}

	kiteClient := kite.NewClient(cfg.KiteAPIKey, log)
	if rec := store.Current(); rec != nil {
		kiteClient.SetAccessToken(rec.AccessToken)
		log.Info().Str("user_id", rec.UserID).Msg("Loaded persisted broker session")
	}

	marketClient := marketdata.NewClient(cfg.MarketDataBaseURL, log)

	authState := credentials.NewStateMachine(cfg.KiteAPIKey, store, proberFunc(kiteClient.GetProfile), log)

	cacheRepo := cache.NewRepository(cacheDB.Conn())
	builder := marketcontext.NewBuilder(marketcontext.NewResolver(), cacheRepo, kiteClient, marketClient, log)

	databases := map[string]*database.DB{
		"config": configDB,
		"cache":  cacheDB,
	}

	sched := scheduler.New(log)
	if err := registerJobs(sched, cacheRepo, databases, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Failed to register jobs")
	}
	sched.Start()
	defer sched.Stop()

	srv := server.New(server.Config{
		Port:      cfg.Port,
		Log:       log,
		AppConfig: cfg,
		Databases: databases,
		Store:     store,
		Auth:      authState,
		Broker:    kiteClient,
		Builder:   builder,
		Scheduler: sched,
		StartedAt: time.Now(),
		DevMode:   cfg.DevMode,
	})

	// The watcher picks up external rewrites of the credential file, e.g.
	// a separate OAuth-completion process replacing the session.
	watcher, err := credentials.NewWatcher(store, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create credential watcher")
	}
	watcher.Subscribe(func(rec *credentials.Record) {
		kiteClient.SetAccessToken(rec.AccessToken)
		srv.NotifySessionChange()
	})
	watcher.Start()
	defer func() {
		if err := watcher.Stop(); err != nil {
			log.Error().Err(err).Msg("Credential watcher shutdown failed")
		}
	}()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("tradegate started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("tradegate stopped")
}

// proberFunc adapts the broker profile call to the auth state machine.
type proberFunc func() (*kite.Profile, error)

func (f proberFunc) Probe() (*credentials.Profile, error) {
	profile, err := f()
	if err != nil {
		return nil, err
	}
	return &credentials.Profile{UserID: profile.UserID, UserName: profile.UserName}, nil
}

func registerJobs(
	sched *scheduler.Scheduler,
	cacheRepo *cache.Repository,
	databases map[string]*database.DB,
	cfg *config.Config,
	log zerolog.Logger,
) error {
	if err := sched.AddJob("@hourly", cache.NewCleanupJob(cacheRepo, log)); err != nil {
		return err
	}

	if err := sched.AddJob("30 2 * * *", reliability.NewMaintenanceJob(databases, cfg.DataDir, log)); err != nil {
		return err
	}

	if cfg.Backup.Enabled() {
		store, err := reliability.NewS3Store(context.Background(), cfg.Backup, log)
		if err != nil {
			return err
		}
		backupSvc := reliability.NewBackupService(store, cfg.DataDir, cfg.Backup.Prefix, cfg.Backup.Retention, log)
		if err := sched.AddJob("0 2 * * *", reliability.NewBackupJob(backupSvc)); err != nil {
			return err
		}
	} else {
		log.Info().Msg("Cloud backups disabled, no bucket configured")
	}

	return nil
}
