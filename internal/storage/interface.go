package storage

import (
	"context"
	"quota/internal/models"
)

// UpdateFunc computes the next bucket from the current one. current is nil
// when the client has no bucket yet. Returning an error aborts the update
// without writing.
type UpdateFunc func(current *models.ClientBucket) (*models.ClientBucket, error)

// BucketStore defines the persistence contract for client token buckets.
// Every implementation must be safe for concurrent use.
type BucketStore interface {
	// Get returns the bucket for clientID, or ErrNotFound when none exists.
	// I/O failures are returned as-is and never reported as ErrNotFound.
	Get(ctx context.Context, clientID string) (*models.ClientBucket, error)

	// Set replaces the whole bucket for clientID.
	Set(ctx context.Context, clientID string, bucket *models.ClientBucket) error

	// Update runs fn against the current bucket and stores its result as one
	// atomic step with respect to other Update calls for the same clientID.
	// Returns the bucket that was written.
	Update(ctx context.Context, clientID string, fn UpdateFunc) (*models.ClientBucket, error)

	// Ping checks that the backend is reachable
	Ping(ctx context.Context) error

	// Close releases connections and stops background work
	Close() error
}

// Config holds configuration for storage backends
type Config struct {
	// Type specifies the storage backend type (memory, redis, postgres, sqlite)
	Type string `json:"type" yaml:"type"`

	// ConnectionString is used for database backends
	ConnectionString string `json:"connection_string,omitempty" yaml:"connection_string,omitempty"`

	// Redis holds the connection settings of the redis backend
	Redis models.RedisConfig `json:"redis,omitempty" yaml:"redis,omitempty"`

	// Database holds pool settings of the SQL backends
	Database models.DatabaseConfig `json:"database,omitempty" yaml:"database,omitempty"`

	// Memory holds the idle sweep settings of the in-process backend
	Memory models.MemoryStoreConfig `json:"memory,omitempty" yaml:"memory,omitempty"`
}
