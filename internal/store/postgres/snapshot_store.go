package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tidebot/internal/domain"
)

// SnapshotStore implements domain.SnapshotStore using PostgreSQL. One row per
// strategy holds the worker's latest serialized state for warm restarts.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a new SnapshotStore backed by the given connection
// pool.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Save upserts a strategy's snapshot.
func (s *SnapshotStore) Save(ctx context.Context, strategyID int64, state []byte, barTime time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO strategy_snapshots (strategy_id, state, bar_time, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (strategy_id) DO UPDATE SET
			state = EXCLUDED.state,
			bar_time = EXCLUDED.bar_time,
			updated_at = NOW()`,
		strategyID, state, barTime)
	if err != nil {
		return fmt.Errorf("postgres: save snapshot for strategy %d: %w", strategyID, err)
	}
	return nil
}

// Load returns a strategy's snapshot, or ErrNotFound when none exists.
func (s *SnapshotStore) Load(ctx context.Context, strategyID int64) ([]byte, time.Time, error) {
	var state []byte
	var barTime time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT state, bar_time FROM strategy_snapshots WHERE strategy_id = $1`,
		strategyID).Scan(&state, &barTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, time.Time{}, domain.ErrNotFound
		}
		return nil, time.Time{}, fmt.Errorf("postgres: load snapshot for strategy %d: %w", strategyID, err)
	}
	return state, barTime, nil
}

// Delete discards a strategy's snapshot. Deleting a missing snapshot is a
// no-op.
func (s *SnapshotStore) Delete(ctx context.Context, strategyID int64) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM strategy_snapshots WHERE strategy_id = $1`, strategyID); err != nil {
		return fmt.Errorf("postgres: delete snapshot for strategy %d: %w", strategyID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.SnapshotStore = (*SnapshotStore)(nil)
