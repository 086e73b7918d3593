package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"minerwatch/logger"
)

// Lifecycle statuses stored in the miners table. Maintenance is sticky:
// no statement in this package ever mutates a maintenance row.
const (
	StatusOnline      = "online"
	StatusOffline     = "offline"
	StatusMaintenance = "maintenance"
)

// HoursPerSlot is the billing increment credited for one online slot.
const HoursPerSlot = 0.25

// ErrNotFound is returned when a miner id does not exist.
var ErrNotFound = errors.New("miner not found")

// Miner is one hosted-worker row.
type Miner struct {
	ID         string          `db:"id"`
	Pool       string          `db:"pool"`
	Coin       string          `db:"coin"`
	WorkerName string          `db:"worker_name"`
	APIKey     sql.NullString  `db:"api_key"`
	SecretKey  sql.NullString  `db:"secret_key"`
	Status     sql.NullString  `db:"status"`
	HoursOn    sql.NullFloat64 `db:"total_horas_online"`
}

// StatusText returns the stored status or "" when unset.
func (m Miner) StatusText() string {
	return m.Status.String
}

const minerColumns = `id, pool, coin, worker_name, api_key, secret_key, status, total_horas_online`

// SelectCandidates returns the miners of one pool that can be reconciled:
// credentials present and a worker name to match on. Pool comparison is
// case-insensitive. needSecret additionally requires a secret key (Binance).
func (s *Store) SelectCandidates(ctx context.Context, pool string, needSecret bool) ([]Miner, error) {
	query := `SELECT ` + minerColumns + `
		FROM miners
		WHERE lower(pool) = lower($1)
		  AND api_key IS NOT NULL AND api_key <> ''
		  AND worker_name IS NOT NULL AND worker_name <> ''`
	if needSecret {
		query += ` AND secret_key IS NOT NULL AND secret_key <> ''`
	}

	var miners []Miner
	err := s.withRetry(ctx, func() error {
		return s.db.SelectContext(ctx, &miners, query, pool)
	})
	if err != nil {
		return nil, fmt.Errorf("select candidates for %s: %w", pool, err)
	}
	return miners, nil
}

// GetMiner fetches one row by id.
func (s *Store) GetMiner(ctx context.Context, id string) (*Miner, error) {
	var m Miner
	err := s.withRetry(ctx, func() error {
		return s.db.GetContext(ctx, &m, `SELECT `+minerColumns+` FROM miners WHERE id = $1`, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get miner %s: %w", id, err)
	}
	return &m, nil
}

// GetMiners fetches the rows for the given ids, in arbitrary order.
func (s *Store) GetMiners(ctx context.Context, ids []string) ([]Miner, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var miners []Miner
	err := s.withRetry(ctx, func() error {
		return s.db.SelectContext(ctx, &miners,
			`SELECT `+minerColumns+` FROM miners WHERE id = ANY($1)`, pq.Array(ids))
	})
	if err != nil {
		return nil, fmt.Errorf("get miners: %w", err)
	}
	return miners, nil
}

// IncrementHours credits one slot of uptime to each id. Maintenance rows
// are excluded in the statement itself so no caller can bypass the guard.
// Returns the number of rows credited.
func (s *Store) IncrementHours(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var res sql.Result
	err := s.withRetry(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx,
			`UPDATE miners
			 SET total_horas_online = COALESCE(total_horas_online, 0) + $1
			 WHERE id = ANY($2)
			   AND lower(COALESCE(status, '')) <> $3`,
			HoursPerSlot, pq.Array(ids), StatusMaintenance)
		return execErr
	})
	if err != nil {
		return 0, fmt.Errorf("increment hours: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// SetStatus updates the lifecycle status of the given ids, skipping rows
// already holding the new value and maintenance rows. The affected ids are
// returned for logging.
func (s *Store) SetStatus(ctx context.Context, ids []string, newStatus string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var updated []string
	err := s.withRetry(ctx, func() error {
		updated = updated[:0]
		return s.db.SelectContext(ctx, &updated,
			`UPDATE miners
			 SET status = $1
			 WHERE id = ANY($2)
			   AND COALESCE(status, '') <> $1
			   AND lower(COALESCE(status, '')) <> $3
			 RETURNING id`,
			newStatus, pq.Array(ids), StatusMaintenance)
	})
	if err != nil {
		return nil, fmt.Errorf("set status %s: %w", newStatus, err)
	}
	return updated, nil
}

// withRetry retries a statement once on transient connect errors with a
// short backoff.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	err := op()
	if !retryable(err) {
		return err
	}
	logger.Debug("retrying database statement", "error", err)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(retryBackoff):
	}
	return op()
}
