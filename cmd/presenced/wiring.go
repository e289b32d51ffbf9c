package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/presence-engine/internal/application"
	"github.com/example/presence-engine/internal/config"
	"github.com/example/presence-engine/internal/holidays"
	"github.com/example/presence-engine/internal/persistence"
	"github.com/example/presence-engine/internal/persistence/memory"
	redisstore "github.com/example/presence-engine/internal/persistence/redis"
	"github.com/example/presence-engine/internal/persistence/sqlite"
	"github.com/example/presence-engine/internal/sweeper"
)

// tokenRetention is how long expired peer tokens stay stored before the sweeper purges them.
const tokenRetention = time.Hour

// stores groups the repositories of the configured backends.
type stores struct {
	policies persistence.PolicyRepository
	sites    persistence.SiteRepository
	tokens   persistence.PeerTokenRepository
	sessions persistence.SessionRepository

	pings   []func(context.Context) error
	closers []func() error
}

// openStores opens the primary store and, when configured, the Redis token store. SQLite schemas
// are migrated before the stores are returned.
func openStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (*stores, error) {
	s := &stores{}

	switch cfg.Storage {
	case config.StorageMemory:
		storage := memory.New()
		s.policies, s.sites, s.tokens, s.sessions = storage, storage, storage, storage
		s.pings = append(s.pings, storage.Ping)
		s.closers = append(s.closers, storage.Close)
		logger.Warn("using in-memory storage; state is lost on restart")
	default:
		storage, err := sqlite.Open(ctx, sqlite.DefaultConfig(cfg.SQLitePath))
		if err != nil {
			return nil, fmt.Errorf("failed to open storage: %w", err)
		}
		s.closers = append(s.closers, storage.Close)
		if err := storage.Migrate(ctx, logger); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
		s.policies, s.sites, s.tokens, s.sessions = storage, storage, storage, storage
		s.pings = append(s.pings, storage.Ping)
	}

	if cfg.TokenStore == config.StorageRedis {
		client, err := redisstore.NewClient(ctx, cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.tokens = redisstore.NewPeerTokenStore(client, "")
		s.pings = append(s.pings, func(ctx context.Context) error { return client.Ping(ctx).Err() })
		s.closers = append(s.closers, client.Close)
		logger.Info("peer tokens stored in redis", "addr", cfg.RedisAddr)
	}

	return s, nil
}

// Ping reports the first backend that fails to answer.
func (s *stores) Ping(ctx context.Context) error {
	for _, ping := range s.pings {
		if err := ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close releases every backend in reverse opening order.
func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

type services struct {
	tokens    *application.PeerTokenService
	policies  *application.PolicyService
	engine    *application.PresenceEngine
	anomalies *application.AnomalyService
}

func newServices(cfg config.Config, s *stores, now func() time.Time, logger *slog.Logger) services {
	ids := uuid.NewString

	tokens := application.NewPeerTokenServiceWithLogger(s.tokens, application.PeerTokenConfig{
		Secret:       []byte(cfg.TokenSecret),
		TTL:          cfg.PeerTokenTTL,
		StoreTimeout: cfg.StoreTimeout,
	}, now, logger)

	policies := application.NewPolicyServiceWithLogger(
		s.policies,
		s.sites,
		holidays.NewClient(cfg.HolidayAPI, nil),
		application.PolicyServiceConfig{
			CacheTTL:     cacheTTL(cfg.PolicyCacheTTL),
			StoreTimeout: cfg.StoreTimeout,
		},
		ids,
		now,
		logger,
	)

	engine := application.NewPresenceEngine(application.EngineDeps{
		Sessions:    s.sessions,
		Sites:       s.sites,
		Policies:    policies,
		Tokens:      tokens,
		Config:      engineConfig(cfg),
		IDGenerator: ids,
		Now:         now,
		Logger:      logger,
	})

	return services{
		tokens:    tokens,
		policies:  policies,
		engine:    engine,
		anomalies: application.NewAnomalyServiceWithLogger(s.sessions, cfg.StoreTimeout, now, logger),
	}
}

func engineConfig(cfg config.Config) application.EngineConfig {
	engine := application.DefaultEngineConfig()
	engine.SessionDuration = cfg.SessionDuration
	engine.SessionGrace = cfg.SessionGrace
	engine.SilenceWindow = cfg.SilenceWindow
	engine.SilenceFlagAfter = cfg.SilenceFlagAfter
	engine.DriftThresholdMeters = cfg.DriftThresholdMeters
	engine.DriftTerminateMeters = cfg.DriftTerminateMeters
	engine.MaxChallengeFailures = cfg.MaxChallengeFailures
	engine.StoreTimeout = cfg.StoreTimeout
	engine.AnomalyDebounce = cfg.AnomalyDebounce
	if cfg.AnomalyDebounce == 0 {
		engine.AnomalyDebounce = -1
	}
	return engine
}

// cacheTTL maps the configured TTL onto the policy service, where zero disables caching.
func cacheTTL(configured time.Duration) time.Duration {
	if configured == 0 {
		return -1
	}
	return configured
}

func newSweeper(cfg config.Config, svc services, now func() time.Time, logger *slog.Logger) *sweeper.Sweeper {
	return sweeper.New(
		svc.engine,
		svc.engine.Challenges(),
		svc.tokens,
		sweeper.Config{Interval: cfg.SweepInterval, TokenRetention: tokenRetention},
		now,
		logger,
	)
}
