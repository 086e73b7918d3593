// Package store is the typed query surface against the miners table. It is
// deliberately narrow: the reconciliation engine only selects candidates,
// credits hours, and flips statuses; the read path additionally fetches
// single rows.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"minerwatch/logger"
)

// Config tunes the database pool and connect-retry behaviour. Values map
// directly onto the DB_* environment variables.
type Config struct {
	URL            string
	MaxConnections int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	Retries        int
}

// Defaults applied where Config fields are zero.
const (
	defaultMaxConnections = 10
	defaultIdleTimeout    = 5 * time.Minute
	defaultConnectTimeout = 10 * time.Second
	defaultRetries        = 3
	retryBackoff          = 500 * time.Millisecond
)

// Store wraps the sqlx handle.
type Store struct {
	db *sqlx.DB
}

// Open connects to Postgres with bounded retries and configures the pool.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url is empty")
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = defaultRetries
	}

	var db *sqlx.DB
	var err error
	for attempt := 1; attempt <= cfg.Retries; attempt++ {
		connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		db, err = sqlx.ConnectContext(connectCtx, "postgres", cfg.URL)
		cancel()
		if err == nil {
			break
		}
		logger.Warn("database connect failed",
			"attempt", attempt,
			"retries", cfg.Retries,
			"error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections / 2)
	db.SetConnMaxIdleTime(cfg.IdleTimeout)

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; used by tests.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies connectivity within the given context.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// retryable reports whether a statement error is worth one short retry.
// Connect-phase timeouts surface as transient dial errors; anything else
// propagates immediately.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connect") && strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset")
}
