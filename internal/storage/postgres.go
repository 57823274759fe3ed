package storage

import (
	"context"
	"errors"
	"fmt"
	"quota/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS client_buckets (
	client_id      TEXT PRIMARY KEY,
	tokens         DOUBLE PRECISION NOT NULL,
	last_refill_us BIGINT NOT NULL,
	total_granted  BIGINT NOT NULL DEFAULT 0,
	version        BIGINT NOT NULL DEFAULT 0
)`

// PostgresStorage implements BucketStore on PostgreSQL. Concurrent updates
// to one client queue on a transaction-scoped advisory lock keyed by the
// client id, which also covers the first write when no row exists yet.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage creates a new PostgreSQL storage instance and makes
// sure the bucket table exists.
func NewPostgresStorage(config Config) (*PostgresStorage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for PostgreSQL storage")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.Database.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(config.Database.MaxOpenConns)
	}
	if config.Database.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(min(config.Database.MaxIdleConns, int(poolConfig.MaxConns)))
	}
	if config.Database.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = config.Database.ConnMaxLifetime
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create bucket table: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

// Get retrieves the bucket for a client
func (ps *PostgresStorage) Get(ctx context.Context, clientID string) (*models.ClientBucket, error) {
	bucket, _, err := ps.read(ctx, ps.pool, clientID, false)
	return bucket, err
}

// Set writes the bucket unconditionally
func (ps *PostgresStorage) Set(ctx context.Context, clientID string, bucket *models.ClientBucket) error {
	if bucket == nil {
		return fmt.Errorf("set bucket %s: nil bucket", clientID)
	}
	_, err := ps.pool.Exec(ctx, `
		INSERT INTO client_buckets (client_id, tokens, last_refill_us, total_granted, version)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (client_id) DO UPDATE SET
			tokens = EXCLUDED.tokens,
			last_refill_us = EXCLUDED.last_refill_us,
			total_granted = EXCLUDED.total_granted,
			version = client_buckets.version + 1`,
		clientID, bucket.Tokens, bucket.LastRefillAt.UnixMicro(), bucket.TotalGranted)
	if err != nil {
		return fmt.Errorf("failed to write bucket %s: %w", clientID, err)
	}
	return nil
}

// Update applies fn inside a transaction that holds the client's advisory
// lock and the row lock from SELECT ... FOR UPDATE, so concurrent callers
// wait for each other instead of failing.
func (ps *PostgresStorage) Update(ctx context.Context, clientID string, fn UpdateFunc) (*models.ClientBucket, error) {
	var written *models.ClientBucket

	err := pgx.BeginFunc(ctx, ps.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, clientID); err != nil {
			return fmt.Errorf("failed to lock bucket %s: %w", clientID, err)
		}

		current, _, err := ps.read(ctx, tx, clientID, true)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return fmt.Errorf("update bucket %s: nil bucket", clientID)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO client_buckets (client_id, tokens, last_refill_us, total_granted, version)
			VALUES ($1, $2, $3, $4, 0)
			ON CONFLICT (client_id) DO UPDATE SET
				tokens = EXCLUDED.tokens,
				last_refill_us = EXCLUDED.last_refill_us,
				total_granted = EXCLUDED.total_granted,
				version = client_buckets.version + 1`,
			clientID, next.Tokens, next.LastRefillAt.UnixMicro(), next.TotalGranted)
		if err != nil {
			return fmt.Errorf("failed to write bucket %s: %w", clientID, err)
		}
		written = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return written.Clone(), nil
}

// pgQuerier is the part of pgxpool.Pool and pgx.Tx used for reads.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (ps *PostgresStorage) read(ctx context.Context, q pgQuerier, clientID string, forUpdate bool) (*models.ClientBucket, int64, error) {
	var (
		tokens       float64
		lastRefillUS int64
		totalGranted int64
		version      int64
	)
	query := `SELECT tokens, last_refill_us, total_granted, version FROM client_buckets WHERE client_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	err := q.QueryRow(ctx, query, clientID).Scan(&tokens, &lastRefillUS, &totalGranted, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to read bucket %s: %w", clientID, err)
	}

	bucket, err := bucketFromRow(tokens, lastRefillUS, totalGranted)
	if err != nil {
		return nil, 0, fmt.Errorf("bucket %s: %w", clientID, err)
	}
	return bucket, version, nil
}

// Ping checks database connectivity.
func (ps *PostgresStorage) Ping(ctx context.Context) error {
	return ps.pool.Ping(ctx)
}

// Close closes the connection pool.
func (ps *PostgresStorage) Close() error {
	ps.pool.Close()
	return nil
}
