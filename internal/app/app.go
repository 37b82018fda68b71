// Package app wires configuration into the running service graph.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"taskpilot/internal/auth"
	"taskpilot/internal/config"
	"taskpilot/internal/db"
	"taskpilot/internal/identity"
	"taskpilot/internal/legacy"
	"taskpilot/internal/lock"
	"taskpilot/internal/metrics"
	"taskpilot/internal/migrate"
	"taskpilot/internal/repo"
	"taskpilot/internal/server"
)

// Services holds everything a command needs. Repo has no DB when the
// database could not be reached; callers run degraded in that case.
type Services struct {
	Config        *config.Config
	Logger        *slog.Logger
	DB            *sql.DB
	Repo          repo.Repo
	Tokens        auth.TokenService
	Identity      identity.Service
	Migrator      legacy.Migrator
	SchemaVersion int

	redis *redis.Client
}

// Build connects the database with retries, applies migrations and attaches
// the optional Redis task lock. A database that never answers is logged and
// leaves the services degraded instead of failing.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Services, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Services{Config: cfg, Logger: logger}

	dbCfg := db.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, Workspace: cfg.Database.Workspace}
	conn, err := db.OpenWithRetry(ctx, dbCfg, db.RetryConfig{
		Attempts: cfg.Database.ConnectAttempts,
		Delay:    cfg.Database.ConnectDelay,
		Logger:   logger,
	}, nil)
	switch {
	case errors.Is(err, context.Canceled):
		return nil, err
	case err != nil:
		logger.Error("database unavailable, starting degraded", "error", err)
	default:
		v, err := migrate.Migrate(ctx, conn, cfg.Database.Driver)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		s.DB = conn
		s.SchemaVersion = v
		s.Repo = repo.New(conn, cfg.Database.Driver)
		logger.Info("database ready", "driver", cfg.Database.Driver, "schema_version", v)
	}

	if cfg.Redis.Addr != "" && s.Repo.Available() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, using in-process task locks", "addr", cfg.Redis.Addr, "error", err)
			client.Close()
		} else {
			s.redis = client
			s.Repo.Locker = lock.NewRedis(client, cfg.Redis.LockTTL)
			logger.Info("redis task locks enabled", "addr", cfg.Redis.Addr)
		}
	}

	if cfg.Auth.JWTSecret != "" {
		tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Tokens = tokens
	}
	s.Identity = identity.Service{
		Users:  s.Repo,
		Codec:  auth.NewCodec(cfg.Auth.BcryptCost),
		Tokens: s.Tokens,
		Logger: logger,
	}
	s.Migrator = legacy.Migrator{Store: s.Repo, Logger: logger}
	return s, nil
}

// ServerConfig assembles the HTTP layer. reg may be nil to disable metrics.
func (s *Services) ServerConfig(reg *prometheus.Registry) server.Config {
	cfg := server.Config{
		Repo:         s.Repo,
		Identity:     s.Identity,
		Tokens:       s.Tokens,
		Migrator:     s.Migrator,
		BasePath:     s.Config.Server.BasePath,
		EnableInitDB: s.Config.Server.EnableInitDB,
		TrustProxy:   s.Config.Server.TrustProxy,
		RateLimit: server.RateLimitConfig{
			PerMinute: s.Config.RateLimit.AuthPerMinute,
			Burst:     s.Config.RateLimit.Burst,
		},
		Logger: s.Logger,
	}
	if reg != nil {
		cfg.Metrics = metrics.NewCollector(reg)
		cfg.Gatherer = reg
	}
	return cfg
}

// Degraded reports whether the database is missing.
func (s *Services) Degraded() bool {
	return !s.Repo.Available()
}

func (s *Services) Close() error {
	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	if s.DB != nil {
		errs = append(errs, s.DB.Close())
	}
	return errors.Join(errs...)
}
