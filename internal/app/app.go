// Package app builds the long-lived services shared by the worker, the read
// API and the enqueue command from a config.Config.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ticnsp/eaas/internal/api"
	"github.com/ticnsp/eaas/internal/claim"
	"github.com/ticnsp/eaas/internal/clock/system"
	"github.com/ticnsp/eaas/internal/config"
	"github.com/ticnsp/eaas/internal/fetcher/evangelizo"
	"github.com/ticnsp/eaas/internal/id/uuid"
	"github.com/ticnsp/eaas/internal/ingest"
	"github.com/ticnsp/eaas/internal/liturgy"
	"github.com/ticnsp/eaas/internal/mailer"
	"github.com/ticnsp/eaas/internal/policy/ratelimit"
	memorypub "github.com/ticnsp/eaas/internal/publisher/memory"
	"github.com/ticnsp/eaas/internal/publisher/pubsub"
	"github.com/ticnsp/eaas/internal/storage/gcs"
	"github.com/ticnsp/eaas/internal/storage/local"
	"github.com/ticnsp/eaas/internal/storage/memory"
	mongostore "github.com/ticnsp/eaas/internal/storage/mongo"
	"github.com/ticnsp/eaas/internal/storage/postgres"
	"github.com/ticnsp/eaas/internal/storage/s3"
)

type closer struct {
	name  string
	close func() error
}

// App holds the services built for one process. It is created once at
// startup and closed on shutdown.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	clock liturgy.Clock
	ids   liturgy.IDGenerator

	days      liturgy.DayStore
	runs      liturgy.JobRunStore
	claimer   liturgy.Claimer
	archive   liturgy.BlobStore
	publisher liturgy.Publisher
	fetcher   liturgy.Fetcher
	sender    mailer.Sender

	ready   map[string]api.ReadyCheck
	closers []closer
}

// New connects every configured backend. On failure whatever was already
// opened is closed again.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
		ready:  make(map[string]api.ReadyCheck),
	}

	steps := []struct {
		name  string
		build func(context.Context) error
	}{
		{"store", a.buildStores},
		{"claims", a.buildClaimer},
		{"archive", a.buildArchive},
		{"notify", a.buildPublisher},
	}
	for _, step := range steps {
		if err := step.build(ctx); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("init %s: %w", step.name, err)
		}
	}

	limiter := ratelimit.New(ratelimit.Config{RPS: cfg.Fetch.RatePerSecond, Burst: cfg.Fetch.Burst})
	a.fetcher = evangelizo.New(evangelizo.Config{
		BaseURL:   cfg.Fetch.BaseURL,
		Timeout:   cfg.FetchTimeout(),
		UserAgent: cfg.Fetch.UserAgent,
	}, limiter, logger)

	a.sender = mailer.NewSMTPSender(mailer.SMTPConfig{
		Host:     cfg.Mail.Host,
		Port:     cfg.Mail.Port,
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
	})

	logger.Info("Application services initialized",
		zap.String("store", cfg.Store.Backend),
		zap.String("claims", cfg.Claims.Backend),
		zap.String("archive", cfg.Archive.Backend),
		zap.String("notify", cfg.Notify.Backend),
	)
	return a, nil
}

func (a *App) buildStores(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case "memory":
		a.logger.Info("Using in-memory store. Data is lost on exit.")
		a.days = memory.NewDayStore()
		a.runs = memory.NewJobRunStore()
	case "postgres":
		pool, err := postgres.Open(ctx, postgres.Config{
			DSN:      a.cfg.Store.PostgresDSN,
			MaxConns: a.cfg.Store.MaxConns,
		})
		if err != nil {
			return err
		}
		a.onClose("postgres", func() error { pool.Close(); return nil })
		a.ready["postgres"] = pool.Ping
		if a.cfg.Store.AutoMigrate {
			if err := postgres.EnsureSchema(ctx, pool); err != nil {
				return err
			}
		}
		if a.days, err = postgres.NewDayStore(pool); err != nil {
			return err
		}
		if a.runs, err = postgres.NewJobRunStore(pool); err != nil {
			return err
		}
	case "mongo":
		client, err := mongostore.Connect(ctx, mongostore.Config{URI: a.cfg.Store.MongoURI})
		if err != nil {
			return err
		}
		a.onClose("mongo", func() error { return client.Disconnect(context.Background()) })
		a.ready["mongo"] = func(ctx context.Context) error { return client.Ping(ctx, nil) }
		db := client.Database(a.cfg.Store.MongoDatabase)
		if a.cfg.Store.AutoMigrate {
			if err := mongostore.EnsureIndexes(ctx, db); err != nil {
				return err
			}
		}
		a.days = mongostore.NewDayStore(client, a.cfg.Store.MongoDatabase)
		a.runs = mongostore.NewJobRunStore(db)
	default:
		return fmt.Errorf("unknown store backend %q", a.cfg.Store.Backend)
	}
	return nil
}

func (a *App) buildClaimer(ctx context.Context) error {
	switch a.cfg.Claims.Backend {
	case "none", "":
		a.logger.Warn("Per-key claims disabled; rely on broker prefetch for serialization")
	case "memory":
		a.claimer = claim.NewMemory(a.clock)
	case "redis":
		client, err := claim.DialRedis(ctx, claim.RedisConfig{
			Addr:     a.cfg.Claims.RedisAddr,
			Password: a.cfg.Claims.RedisPassword,
			DB:       a.cfg.Claims.RedisDB,
		})
		if err != nil {
			return err
		}
		a.onClose("redis", client.Close)
		a.ready["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		a.claimer = claim.NewRedis(client, "", a.logger)
	default:
		return fmt.Errorf("unknown claims backend %q", a.cfg.Claims.Backend)
	}
	return nil
}

func (a *App) buildArchive(ctx context.Context) error {
	switch a.cfg.Archive.Backend {
	case "none", "":
	case "memory":
		a.archive = memory.NewBlobStore()
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return err
		}
		a.archive = store
	case "gcs":
		store, err := gcs.Dial(ctx, gcs.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return err
		}
		a.onClose("gcs", store.Close)
		a.archive = store
	case "s3":
		store, err := s3.New(ctx, s3.Config{
			Bucket:    a.cfg.Archive.S3Bucket,
			Region:    a.cfg.Archive.S3Region,
			Endpoint:  a.cfg.Archive.S3Endpoint,
			AccessKey: a.cfg.Archive.S3AccessKey,
			SecretKey: a.cfg.Archive.S3SecretKey,
		})
		if err != nil {
			return err
		}
		a.archive = store
	default:
		return fmt.Errorf("unknown archive backend %q", a.cfg.Archive.Backend)
	}
	return nil
}

func (a *App) buildPublisher(ctx context.Context) error {
	switch a.cfg.Notify.Backend {
	case "none", "":
	case "memory":
		a.publisher = memorypub.New()
	case "pubsub":
		pub, err := pubsub.Dial(ctx, a.cfg.Notify.ProjectID)
		if err != nil {
			return err
		}
		a.onClose("pubsub", pub.Close)
		a.publisher = pub
	default:
		return fmt.Errorf("unknown notify backend %q", a.cfg.Notify.Backend)
	}
	return nil
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, close: fn})
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Clock returns the wall clock.
func (a *App) Clock() liturgy.Clock { return a.clock }

// IDs returns the record ID generator.
func (a *App) IDs() liturgy.IDGenerator { return a.ids }

// Days returns the configured day store.
func (a *App) Days() liturgy.DayStore { return a.days }

// Runs returns the configured job-run store.
func (a *App) Runs() liturgy.JobRunStore { return a.runs }

// ReadyChecks returns one probe per network backend.
func (a *App) ReadyChecks() map[string]api.ReadyCheck {
	out := make(map[string]api.ReadyCheck, len(a.ready))
	for k, v := range a.ready {
		out[k] = v
	}
	return out
}

// Pipeline builds the fetch handler.
func (a *App) Pipeline() (*ingest.Pipeline, error) {
	return ingest.NewPipeline(ingest.Options{
		Store:         a.days,
		Fetcher:       a.fetcher,
		IDs:           a.ids,
		Logger:        a.logger,
		Claimer:       a.claimer,
		ClaimLease:    a.cfg.ClaimLease(),
		Archive:       a.archive,
		ArchivePrefix: a.cfg.Archive.Prefix,
		Publisher:     a.publisher,
		Topic:         a.cfg.Notify.Topic,
	})
}

// MailHandler builds the email handler.
func (a *App) MailHandler() *mailer.Handler {
	return mailer.NewHandler(a.days, a.sender, a.cfg.Mail.From, a.logger)
}

// Close releases backends in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("Error closing backend", zap.String("backend", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
