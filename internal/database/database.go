package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// Schema is applied by EnsureSchema. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS form_templates (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	source_path TEXT NOT NULL DEFAULT '',
	preview_body TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS document_instances (
	id TEXT PRIMARY KEY,
	template_id TEXT NOT NULL REFERENCES form_templates(id),
	submission_json JSONB NOT NULL DEFAULT '{}'::jsonb,
	status TEXT NOT NULL,
	merged_artifact_url TEXT,
	preview_artifact_url TEXT,
	artifact_version TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS signers (
	id TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL REFERENCES document_instances(id),
	name TEXT NOT NULL DEFAULT '',
	email TEXT NOT NULL DEFAULT '',
	access_token TEXT NOT NULL UNIQUE,
	token_expires_at TIMESTAMPTZ NOT NULL,
	signing_order INTEGER NOT NULL CHECK (signing_order > 0),
	status TEXT NOT NULL,
	signature_image_url TEXT,
	signed_at TIMESTAMPTZ,
	UNIQUE (instance_id, signing_order)
);
CREATE TABLE IF NOT EXISTS audit_log (
	seq BIGSERIAL,
	id TEXT PRIMARY KEY,
	instance_id TEXT NOT NULL,
	signer_id TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL,
	actor TEXT NOT NULL,
	details JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_document_instances_status ON document_instances(status);
ALTER TABLE audit_log ADD COLUMN IF NOT EXISTS seq BIGSERIAL;
DROP INDEX IF EXISTS idx_audit_log_instance;
CREATE INDEX IF NOT EXISTS idx_audit_log_instance_seq ON audit_log(instance_id, seq);`

// EnsureSchema creates the tables if needed. Keeping the migration in code lets
// `signflow migrate` and the server bootstrap a fresh database.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
