package killswitch

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists the singleton global-stop row.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Get reads the current global-stop row.
func (s *Store) Get(ctx context.Context) (*StopState, error) {
	var st StopState
	err := s.pool.QueryRow(ctx,
		`SELECT active, reason, actor, updated_at FROM global_stop WHERE id = 1`,
	).Scan(&st.Active, &st.Reason, &st.Actor, &st.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("reading global stop: %w", err)
	}
	return &st, nil
}

// Set flips the global-stop flag. It returns true when the row actually
// changed, so callers can distinguish an effective transition from a repeat
// of the current state. On a repeat the stored reason and actor are left
// untouched.
func (s *Store) Set(ctx context.Context, active bool, reason, actor string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE global_stop
		 SET active = $1, reason = $2, actor = $3, updated_at = now()
		 WHERE id = 1 AND active <> $1`,
		active, reason, actor)
	if err != nil {
		return false, fmt.Errorf("updating global stop: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
