package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"quota/internal/models"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS client_buckets (
	client_id      TEXT PRIMARY KEY,
	tokens         REAL NOT NULL,
	last_refill_us INTEGER NOT NULL,
	total_granted  INTEGER NOT NULL DEFAULT 0,
	version        INTEGER NOT NULL DEFAULT 0
)`

// SQLiteStorage implements BucketStore on a SQLite file. The pool is held to
// a single connection, so an Update transaction owns the database until it
// commits and updates for one client cannot interleave.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(config Config) (*SQLiteStorage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for SQLite storage")
	}

	db, err := sql.Open("sqlite", config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if config.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.Database.ConnMaxLifetime)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket table: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Get retrieves the bucket for a client
func (ss *SQLiteStorage) Get(ctx context.Context, clientID string) (*models.ClientBucket, error) {
	bucket, _, err := sqliteRead(ctx, ss.db, clientID)
	return bucket, err
}

// Set writes the bucket unconditionally
func (ss *SQLiteStorage) Set(ctx context.Context, clientID string, bucket *models.ClientBucket) error {
	if bucket == nil {
		return fmt.Errorf("set bucket %s: nil bucket", clientID)
	}
	_, err := ss.db.ExecContext(ctx, `
		INSERT INTO client_buckets (client_id, tokens, last_refill_us, total_granted, version)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT (client_id) DO UPDATE SET
			tokens = excluded.tokens,
			last_refill_us = excluded.last_refill_us,
			total_granted = excluded.total_granted,
			version = client_buckets.version + 1`,
		clientID, bucket.Tokens, bucket.LastRefillAt.UnixMicro(), bucket.TotalGranted)
	if err != nil {
		return fmt.Errorf("failed to write bucket %s: %w", clientID, err)
	}
	return nil
}

// Update runs the read-compute-write inside one transaction. The version
// predicate stays on the write so that a second process sharing the file is
// still detected as a conflict.
func (ss *SQLiteStorage) Update(ctx context.Context, clientID string, fn UpdateFunc) (*models.ClientBucket, error) {
	for attempt := 0; ; attempt++ {
		next, applied, err := ss.updateOnce(ctx, clientID, fn)
		if err != nil {
			return nil, err
		}
		if applied {
			return next, nil
		}
		if err := waitRetry(ctx, attempt); err != nil {
			return nil, fmt.Errorf("update bucket %s: %w: %w", clientID, ErrConflict, err)
		}
	}
}

func (ss *SQLiteStorage) updateOnce(ctx context.Context, clientID string, fn UpdateFunc) (*models.ClientBucket, bool, error) {
	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, version, err := sqliteRead(ctx, tx, clientID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	next, err := fn(current)
	if err != nil {
		return nil, false, err
	}
	if next == nil {
		return nil, false, fmt.Errorf("update bucket %s: nil bucket", clientID)
	}

	var res sql.Result
	if current == nil {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO client_buckets (client_id, tokens, last_refill_us, total_granted, version)
			VALUES (?, ?, ?, ?, 0)
			ON CONFLICT (client_id) DO NOTHING`,
			clientID, next.Tokens, next.LastRefillAt.UnixMicro(), next.TotalGranted)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE client_buckets
			SET tokens = ?, last_refill_us = ?, total_granted = ?, version = version + 1
			WHERE client_id = ? AND version = ?`,
			next.Tokens, next.LastRefillAt.UnixMicro(), next.TotalGranted, clientID, version)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to write bucket %s: %w", clientID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected != 1 {
		return nil, false, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit bucket %s: %w", clientID, err)
	}
	return next.Clone(), true, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteRead(ctx context.Context, q rowQuerier, clientID string) (*models.ClientBucket, int64, error) {
	var (
		tokens       float64
		lastRefillUS int64
		totalGranted int64
		version      int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT tokens, last_refill_us, total_granted, version FROM client_buckets WHERE client_id = ?`,
		clientID,
	).Scan(&tokens, &lastRefillUS, &totalGranted, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

// Ping checks database connectivity
func (ss *SQLiteStorage) Ping(ctx context.Context) error {
	return ss.db.PingContext(ctx)
}

// Close closes the storage connection
func (ss *SQLiteStorage) Close() error {
	return ss.db.Close()
}
