// Package app wires the execution service from configuration. The server
// and the operator CLI share it so both act on the same stores.
package app

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/SignFlow/internal/config"
	"github.com/dharsanguruparan/SignFlow/internal/conversion"
	"github.com/dharsanguruparan/SignFlow/internal/database"
	"github.com/dharsanguruparan/SignFlow/internal/execution"
	pdfutil "github.com/dharsanguruparan/SignFlow/internal/pdf"
	"github.com/dharsanguruparan/SignFlow/internal/queue"
	"github.com/dharsanguruparan/SignFlow/internal/repository"
	"github.com/dharsanguruparan/SignFlow/internal/s3storage"
	"github.com/dharsanguruparan/SignFlow/internal/signing"
)

// App holds the long-lived clients. Close releases them.
type App struct {
	Config  *config.Config
	Pool    *pgxpool.Pool
	Store   *repository.Store
	Blob    *s3storage.Storage
	Queue   *asynq.Client
	Tokens  *signing.Issuer
	Service *execution.Service
}

// Open connects to Postgres, MinIO and Redis and builds the service.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	blob, err := s3storage.New(cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := blob.EnsureBucket(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}

	a := &App{
		Config: cfg,
		Pool:   pool,
		Store:  repository.NewStore(pool),
		Blob:   blob,
		Queue:  asynq.NewClient(RedisOpt(cfg)),
		Tokens: signing.NewIssuer(cfg.TokenSecret),
	}
	a.Service = execution.New(execution.Deps{
		Store:             a.Store,
		Blob:              a.Blob,
		Converter:         NewConverter(cfg),
		Notifier:          queue.Notifier{Client: a.Queue},
		Tokens:            a.Tokens,
		TargetFormat:      cfg.ConversionFormat,
		MaxSignatureBytes: cfg.MaxSignatureBytes,
	})
	return a, nil
}

// Close releases the database pool and the queue client.
func (a *App) Close() {
	if a.Queue != nil {
		_ = a.Queue.Close()
	}
	a.Pool.Close()
}

// RedisOpt builds the asynq connection options.
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
}

// NewConverter returns the conversion orchestrator for cfg. PDF previews are
// checked with pdfutil before they are stored.
func NewConverter(cfg *config.Config) *conversion.Orchestrator {
	orch := conversion.New(conversion.NewClient(cfg.ConversionURL, cfg.ConversionAPIKey))
	if cfg.ConversionFormat == "pdf" {
		orch.Validate = pdfutil.Validate
	}
	return orch
}
