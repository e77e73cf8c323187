package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"opsdash/backend/internal/archive"
	"opsdash/backend/internal/cache"
	"opsdash/backend/internal/config"
	"opsdash/backend/internal/costing"
	"opsdash/backend/internal/domain"
	"opsdash/backend/internal/lock"
	"opsdash/backend/internal/notify"
	"opsdash/backend/internal/service"
	"opsdash/backend/internal/store"
	"opsdash/backend/internal/store/memory"
	pgstore "opsdash/backend/internal/store/postgres"
)

// App is the wired costing stack shared by the server and the batch CLI.
type App struct {
	Repo    store.Repository
	Engine  *costing.Engine
	Runner  *costing.Runner
	Service *service.Service

	closers []func() error
	logger  *logrus.Logger
}

// Build connects every configured backend. Postgres is mandatory once
// DATABASE_URL is set; Redis, GCS and Pub/Sub degrade to in-process or no-op
// implementations when unset or unreachable.
func Build(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*App, error) {
	a := &App{logger: logger}

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.Repo = pg
		logger.Info("repository: postgres")
	} else {
		a.Repo = memory.NewSeeded(logger)
		logger.Info("repository: in-memory")
	}

	var (
		summaries cache.SummaryCache = cache.NewMemorySummaryCache()
		locker    lock.Locker        = lock.NewLocal()
	)
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisSummaryCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.WithError(err).Warn("redis unavailable, using in-process cache and locks")
			_ = redisCache.Close()
		} else {
			summaries = redisCache
			locker = lock.NewRedis(redisCache.Client(), "", time.Duration(cfg.SKULockTTLSeconds)*time.Second, logger)
			a.closers = append(a.closers, redisCache.Close)
			logger.Info("cache and locks: redis")
		}
	}

	var sink archive.Sink = archive.NoopSink{}
	if cfg.ReportBucket != "" {
		gcs, err := archive.NewGCSSink(ctx, cfg.ReportBucket, cfg.GCSCredentialsJSON)
		if err != nil {
			config.LogError(logger, "app", "Build", "gcs sink", cfg.ReportBucket, err)
		} else {
			sink = gcs
			a.closers = append(a.closers, gcs.Close)
			logger.WithField("bucket", cfg.ReportBucket).Info("archive: gcs")
		}
	}

	var publisher notify.Publisher = notify.NoopPublisher{}
	if cfg.PubSubProjectID != "" && cfg.PubSubTopic != "" {
		ps, err := notify.NewPubSubPublisher(ctx, cfg.PubSubProjectID, cfg.PubSubTopic, cfg.PubSubCredentialsJSON)
		if err != nil {
			config.LogError(logger, "app", "Build", "pubsub publisher", cfg.PubSubTopic, err)
		} else {
			publisher = ps
			a.closers = append(a.closers, ps.Close)
			logger.WithField("topic", cfg.PubSubTopic).Info("events: pubsub")
		}
	}

	a.Engine = costing.NewEngine(a.Repo, locker, logger)
	a.Runner = costing.NewRunner(a.Repo, a.Repo, a.Engine, costing.RunnerConfig{
		PageSize:  cfg.BatchPageSize,
		MaxPages:  cfg.BatchMaxPages,
		MaxIssues: cfg.BatchMaxIssues,
	}, logger)
	a.Service = service.New(a.Repo, a.Engine, a.Runner, service.Options{
		Cache:     summaries,
		CacheTTL:  time.Duration(cfg.SummaryCacheTTLMinutes) * time.Minute,
		Archive:   sink,
		Publisher: publisher,
		Logger:    logger,
	})
	return a, nil
}

// SeedAdmin creates the admin account on an empty user table.
func (a *App) SeedAdmin(ctx context.Context, password string) error {
	password = strings.TrimSpace(password)
	if password == "" {
		return nil
	}
	users, err := a.Repo.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	err = a.Repo.CreateUser(ctx, domain.UserAccount{
		Username:  "admin",
		Password:  string(hashed),
		Role:      domain.RoleAdmin,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err == nil {
		a.logger.Info("seeded admin account")
	}
	return err
}

// Close releases backends in reverse order of construction.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
