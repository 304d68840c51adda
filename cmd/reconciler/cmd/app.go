package cmd

import (
	"context"
	"fmt"
	"time"

	"bitget-ledger-sync/internal/bitget"
	"bitget-ledger-sync/internal/config"
	"bitget-ledger-sync/internal/credentials"
	"bitget-ledger-sync/internal/database"
	"bitget-ledger-sync/internal/ledger"
	"bitget-ledger-sync/internal/logger"
	"bitget-ledger-sync/internal/reconcile"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// guardMargin is added to the pass timeout to get the Redis lease TTL.
const guardMargin = 30 * time.Second

// app holds the components shared by every subcommand.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	db      *gorm.DB
	store   *credentials.Store
	factory *bitget.Factory
	service *reconcile.Service
	redis   *redis.Client
}

func newApp(ctx context.Context) (*app, error) {
	// Load application configuration
	cfg, err := config.LoadConfig(configDir)
	if err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return nil, err
	}
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		return nil, err
	}
	log.Info("Database connection successful and schema migrated.", zap.String("driver", cfg.Database.Driver))

	keys, err := credentials.KeyRingFromConfig(cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("could not load credential keys: %w", err)
	}
	store := credentials.NewStore(db, keys)

	a := &app{cfg: cfg, log: log, db: db, store: store}

	var guard reconcile.Guard = reconcile.NewLocalGuard()
	if cfg.Redis.Enabled {
		client, err := reconcile.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.redis = client
		ttl := cfg.Reconcile.PassTimeout + guardMargin
		guard = reconcile.NewLayeredGuard(reconcile.NewLocalGuard(), reconcile.NewRedisGuard(client, ttl, log))
		log.Info("Using Redis sync guard", zap.String("address", cfg.Redis.Address), zap.Duration("ttl", ttl))
	}

	factory := bitget.NewFactory(&cfg.Bitget, log)
	a.factory = factory
	newClient := func(creds bitget.Credentials) reconcile.Exchange { return factory.New(creds) }

	a.service = reconcile.NewService(store, newClient, ledger.New(db), guard, reconcile.OptionsFromConfig(cfg.Reconcile), log)
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.log.Sync()
}
