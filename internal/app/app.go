// Package app assembles the services from configuration. Both the API
// server and the admin CLI start from Build.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/ignite/newsletter-engine/internal/config"
	"github.com/ignite/newsletter-engine/internal/domain"
	"github.com/ignite/newsletter-engine/internal/metrics"
	"github.com/ignite/newsletter-engine/internal/pkg/distlock"
	"github.com/ignite/newsletter-engine/internal/pkg/logger"
	"github.com/ignite/newsletter-engine/internal/repository/bolt"
	"github.com/ignite/newsletter-engine/internal/repository/postgres"
	"github.com/ignite/newsletter-engine/internal/service/contact"
	"github.com/ignite/newsletter-engine/internal/service/newsletter"
	"github.com/ignite/newsletter-engine/internal/service/sending"
	"github.com/ignite/newsletter-engine/internal/ses"
	"github.com/ignite/newsletter-engine/internal/smtp"
)

// ErrNoSender is returned when neither SES nor SMTP is configured.
var ErrNoSender = errors.New("no delivery transport configured: set SES credentials or smtp.host")

// App holds the wired services and the connections they own.
type App struct {
	Config      *config.Config
	Newsletters *newsletter.Service
	Contacts    *contact.Service
	Metrics     *metrics.Campaign

	DB    *sql.DB
	Redis *redis.Client

	closers []func() error
}

// ConfigureLogger applies the log section to the process logger.
func ConfigureLogger(cfg config.LogConfig) {
	logger.SetLevel(logger.ParseLevel(cfg.Level))
	logger.SetRedactPII(cfg.Redact())
}

// Option customises Build.
type Option func(*buildOptions)

type buildOptions struct {
	sender        sending.Sender
	allowNoSender bool
}

// WithSender skips transport selection and uses s.
func WithSender(s sending.Sender) Option {
	return func(o *buildOptions) { o.sender = s }
}

// AllowNoSender lets Build succeed without a transport, for commands that
// only read campaigns or manage contacts. Sends then fail with ErrNoSender.
func AllowNoSender() Option {
	return func(o *buildOptions) { o.allowNoSender = true }
}

// Build opens storage, picks a sender and wires the services. Close must be
// called on the result.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	a := &App{Config: cfg, Metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var (
		store    newsletter.Store
		contacts contact.Repository
	)
	switch cfg.Storage.Driver {
	case config.DriverBolt:
		s, err := bolt.Open(cfg.Storage.BoltPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		store, contacts = s, s
		logger.Info("storage ready", "component", "app", "driver", config.DriverBolt, "path", cfg.Storage.BoltPath)
	default:
		db, err := openPostgres(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.DB = db
		a.closers = append(a.closers, db.Close)
		store, contacts = postgres.NewNewsletterRepo(db), postgres.NewContactRepo(db)
		logger.Info("storage ready", "component", "app", "driver", config.DriverPostgres)
	}

	if cfg.Redis.URL != "" {
		rdb, err := openRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		a.Redis = rdb
		a.closers = append(a.closers, rdb.Close)
	}

	sender := bo.sender
	if sender == nil {
		sender, err = newSender(ctx, cfg)
		if errors.Is(err, ErrNoSender) && bo.allowNoSender {
			sender, err = unavailableSender{}, nil
		}
		if err != nil {
			return nil, err
		}
	}

	a.Contacts = contact.NewService(contacts)
	svcOpts := []newsletter.Option{newsletter.WithRecorder(a.Metrics)}
	if a.Redis != nil || a.DB != nil {
		rdb, db, ttl := a.Redis, a.DB, cfg.Newsletter.LockTTL()
		svcOpts = append(svcOpts, newsletter.WithLocker(func(title string) distlock.DistLock {
			return distlock.NewLock(rdb, db, title, ttl)
		}))
	}
	a.Newsletters = newsletter.NewService(store, a.Contacts, sender, newsletter.Config{
		BatchSize:      cfg.Newsletter.BatchSize,
		TestEmail:      cfg.Newsletter.TestEmail,
		UnsubscribeURL: cfg.Newsletter.UnsubscribeURL,
	}, svcOpts...)
	return a, nil
}

// Close releases every connection opened by Build, last opened first.
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

type unavailableSender struct{}

func (unavailableSender) SendBatch(context.Context, []domain.Recipient, domain.EmailTemplate) ([]domain.DeliveryResult, error) {
	return nil, ErrNoSender
}

func newSender(ctx context.Context, cfg *config.Config) (sending.Sender, error) {
	if cfg.SES.Enabled() {
		s, err := ses.NewClient(ctx, cfg.SES)
		if err != nil {
			return nil, err
		}
		logger.Info("sender ready", "component", "app", "transport", "ses", "region", cfg.SES.Region)
		return s, nil
	}
	if cfg.SMTP.Host != "" {
		logger.Info("sender ready", "component", "app", "transport", "smtp", "host", cfg.SMTP.Host)
		return smtp.NewFromConfig(cfg.SMTP), nil
	}
	return nil, ErrNoSender
}

// openPostgres bounds connect and statement time so a stuck database fails
// a request instead of hanging it.
func openPostgres(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	dsn := cfg.URL
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.Contains(dsn, "connect_timeout") {
		dsn += sep + "connect_timeout=5"
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}
