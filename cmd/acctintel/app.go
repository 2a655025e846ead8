package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/acctintel/internal/analysisapi"
	"github.com/kalambet/acctintel/internal/config"
	"github.com/kalambet/acctintel/internal/conversation"
	"github.com/kalambet/acctintel/internal/logging"
	"github.com/kalambet/acctintel/internal/resume"
	"github.com/kalambet/acctintel/internal/storage"
	"github.com/kalambet/acctintel/internal/storage/redisstore"
	"github.com/kalambet/acctintel/internal/submission"
)

const (
	redisPrefix     = "acctintel"
	shutdownTimeout = 5 * time.Second
)

var loadConfig = config.Load

// app is the local stack a command runs against: the conversation store on
// the configured backend and a workflow talking to the service.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	db     *storage.Store // nil with the redis backend
	kv     *redisstore.KV // nil with the sqlite backend
	store  *conversation.Store
	client *analysisapi.Client
	runner *submission.Runner
}

type appOption func(*[]submission.Option)

func withTransitionHook(f func(submission.Transition)) appOption {
	return func(opts *[]submission.Option) {
		*opts = append(*opts, submission.WithTransitionHook(f))
	}
}

func openApp(ctx context.Context, options ...appOption) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	a := &app{cfg: cfg, logger: logger}

	var backend conversation.Backend
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		kv, err := redisstore.Open(ctx, cfg.Storage.RedisURL, redisPrefix)
		if err != nil {
			return nil, fmt.Errorf("opening redis storage: %w", err)
		}
		a.kv, backend = kv, kv
	default:
		db, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return nil, fmt.Errorf("opening storage: %w", err)
		}
		a.db, backend = db, db
	}

	a.store = conversation.New(backend, conversation.WithLogger(logger))
	a.store.Load(ctx)

	a.client = newServiceClient(cfg)

	opts := []submission.Option{
		submission.WithLogger(logger),
		submission.WithMaxConcurrent(cfg.Runner.MaxConcurrent),
	}
	if a.db != nil {
		opts = append(opts, submission.WithTracker(resume.NewTracker(a.db)))
	}
	for _, o := range options {
		o(&opts)
	}
	wf := submission.NewWorkflow(a.client, a.store, submission.Options{
		PollInterval:    cfg.Poll.Interval,
		MaxPollAttempts: cfg.Poll.MaxAttempts,
		MaxPollFailures: cfg.Poll.MaxFailures,
		RequestTimeout:  cfg.API.RequestTimeout,
	}, opts...)
	a.runner = submission.NewRunner(wf)
	return a, nil
}

// tracksPolls reports whether interrupted submissions survive a restart.
func (a *app) tracksPolls() bool { return a.db != nil }

// Close interrupts whatever is still running and releases the backend.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.runner.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for submissions: %w", err))
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing storage: %w", err))
		}
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

func newServiceClient(cfg config.Config) *analysisapi.Client {
	return analysisapi.New(cfg.API.BaseURL, cfg.API.Token,
		analysisapi.WithRequestTimeout(cfg.API.RequestTimeout))
}

// serviceError turns a rejected token into an actionable message.
func serviceError(err error) error {
	if analysisapi.IsUnauthorized(err) {
		return fmt.Errorf("%w; store a valid token with `acctintel auth set-token`", err)
	}
	return err
}
