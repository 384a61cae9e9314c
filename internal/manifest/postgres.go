package manifest

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meteoflow/weather-dl/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is a durable manifest backed by PostgreSQL. Acquisition of the
// in-progress state is a single conditional upsert, so concurrent workers
// racing on the same key serialize on the database's row lock and exactly one
// wins.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the manifest database and applies the schema.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logging.Component("manifest").Info("connected to PostgreSQL manifest")
	return &Postgres{pool: pool}, nil
}

// Schedule idempotently records a scheduled entry.
func (p *Postgres) Schedule(ctx context.Context, key Key) error {
	query := `
		INSERT INTO manifest_entries (selection_digest, target, username, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (selection_digest, target, username) DO NOTHING
	`

	_, err := p.pool.Exec(ctx, query, key.SelectionDigest, key.Target, key.User, string(StatusScheduled))
	if err != nil {
		return fmt.Errorf("schedule %s: %w", key.Target, err)
	}
	return nil
}

// Transact runs body under the key's exclusive transaction.
func (p *Postgres) Transact(ctx context.Context, key Key, body func(context.Context) error) error {
	if err := p.begin(ctx, key); err != nil {
		return err
	}

	if err := body(ctx); err != nil {
		if ferr := p.finish(ctx, key, StatusFailure, err.Error()); ferr != nil {
			return fmt.Errorf("record failure for %s: %w (original error: %v)", key.Target, ferr, err)
		}
		return err
	}

	return p.finish(ctx, key, StatusSuccess, "")
}

// begin atomically flips the entry to in-progress. The conditional upsert
// updates nothing when another transaction already holds the key, which the
// RETURNING clause turns into pgx.ErrNoRows.
func (p *Postgres) begin(ctx context.Context, key Key) error {
	query := `
		INSERT INTO manifest_entries (selection_digest, target, username, status, started_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (selection_digest, target, username)
		DO UPDATE SET status = $4, started_at = NOW(), error = ''
		WHERE manifest_entries.status <> $4
		RETURNING status
	`

	var status string
	err := p.pool.QueryRow(ctx, query,
		key.SelectionDigest, key.Target, key.User, string(StatusInProgress),
	).Scan(&status)
	if err == pgx.ErrNoRows {
		return ErrConcurrentDownload
	}
	if err != nil {
		return fmt.Errorf("acquire transaction for %s: %w", key.Target, err)
	}
	return nil
}

func (p *Postgres) finish(ctx context.Context, key Key, status Status, detail string) error {
	query := `
		UPDATE manifest_entries
		SET status = $4, error = $5, finished_at = NOW()
		WHERE selection_digest = $1 AND target = $2 AND username = $3
	`

	_, err := p.pool.Exec(ctx, query,
		key.SelectionDigest, key.Target, key.User, string(status), detail)
	if err != nil {
		return fmt.Errorf("finish %s as %s: %w", key.Target, status, err)
	}
	return nil
}

// Status returns the current entry for a key.
func (p *Postgres) Status(ctx context.Context, key Key) (*Entry, error) {
	query := `
		SELECT status, error, scheduled_at, started_at, finished_at
		FROM manifest_entries
		WHERE selection_digest = $1 AND target = $2 AND username = $3
	`

	entry := &Entry{Key: key}
	var status string
	var started, finished *time.Time
	err := p.pool.QueryRow(ctx, query, key.SelectionDigest, key.Target, key.User).Scan(
		&status, &entry.Error, &entry.ScheduledAt, &started, &finished,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("status of %s: %w", key.Target, err)
	}

	entry.Status = Status(status)
	if started != nil {
		entry.StartedAt = *started
	}
	if finished != nil {
		entry.FinishedAt = *finished
	}
	return entry, nil
}

// Close releases database connections.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Verify Postgres implements Manifest.
var _ Manifest = (*Postgres)(nil)
