package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const agentColumns = `id, external_id, owner, status, monthly_cost_limit,
	pause_until, kill_reason, killed_at, created_at, updated_at`

// Store provides database operations for agents.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new agent store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanAgent(row pgx.Row) (*Agent, error) {
	a := &Agent{}
	err := row.Scan(
		&a.ID, &a.ExternalID, &a.Owner, &a.Status, &a.MonthlyCostLimit,
		&a.PauseUntil, &a.KillReason, &a.KilledAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// EnsureByExternalID returns the agent with the given external id, creating
// it as active if it does not exist yet. Creation races resolve to the row
// that won the insert.
func (s *Store) EnsureByExternalID(ctx context.Context, externalID, owner string) (*Agent, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO agents (external_id, owner)
		 VALUES ($1, $2)
		 ON CONFLICT (external_id) DO NOTHING
		 RETURNING `+agentColumns,
		externalID, owner,
	)
	a, err := scanAgent(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	return s.GetByExternalID(ctx, externalID)
}

// GetByID retrieves an agent by its primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("getting agent by id: %w", err)
	}
	return a, nil
}

// GetByExternalID retrieves an agent by its caller-facing identifier.
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE external_id = $1`, externalID))
	if err != nil {
		return nil, fmt.Errorf("getting agent by external id: %w", err)
	}
	return a, nil
}

// List returns a page of agents ordered by created_at DESC, id DESC using
// cursor-based pagination. It returns the agents, the next cursor (empty if
// no more results), and any error.
func (s *Store) List(ctx context.Context, params ListParams) ([]*Agent, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	var conditions []string
	var args []any

	if params.Owner != "" {
		args = append(args, params.Owner)
		conditions = append(conditions, fmt.Sprintf("owner = $%d", len(args)))
	}
	if params.Status != "" {
		args = append(args, params.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if params.Cursor != "" {
		cursorTime, cursorID, err := decodeCursor(params.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		args = append(args, cursorTime, cursorID)
		conditions = append(conditions, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	args = append(args, limit+1)
	query := `SELECT ` + agentColumns + ` FROM agents` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating agent rows: %w", err)
	}

	var nextCursor string
	if len(agents) > limit {
		last := agents[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		agents = agents[:limit]
	}

	return agents, nextCursor, nil
}

// CountByStatus returns the number of agents in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting agents by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64)
	for rows.Next() {
		var st Status
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// SetMonthlyLimit sets or clears (nil) the agent's monthly cost ceiling.
func (s *Store) SetMonthlyLimit(ctx context.Context, id string, limit *float64) (*Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`UPDATE agents SET monthly_cost_limit = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING `+agentColumns,
		id, limit,
	))
	if err != nil {
		return nil, fmt.Errorf("setting monthly limit: %w", err)
	}
	return a, nil
}

// Kill transitions the agent to killed unless it already is. The guard makes
// concurrent kills race safely: exactly one caller observes applied=true.
func (s *Store) Kill(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents
		 SET status = 'killed', kill_reason = $2, killed_at = $3, pause_until = NULL, updated_at = now()
		 WHERE id = $1 AND status <> 'killed'`,
		id, reason, at,
	)
	if err != nil {
		return false, fmt.Errorf("killing agent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Pause transitions an active agent to paused until the given deadline.
// Paused or killed agents are left untouched (applied=false).
func (s *Store) Pause(ctx context.Context, id string, until time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents
		 SET status = 'paused', pause_until = $2, updated_at = now()
		 WHERE id = $1 AND status = 'active'`,
		id, until,
	)
	if err != nil {
		return false, fmt.Errorf("pausing agent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Revive transitions a killed agent back to active, clearing the kill fields.
// Only killed agents revive; anything else is a no-op.
func (s *Store) Revive(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents
		 SET status = 'active', kill_reason = NULL, killed_at = NULL, pause_until = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'killed'`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("reviving agent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ClearExpiredPause flips a paused agent whose deadline has passed back to
// active. The pause_until guard keeps a racing re-pause from being clobbered.
func (s *Store) ClearExpiredPause(ctx context.Context, id string, asOf time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents
		 SET status = 'active', pause_until = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'paused' AND pause_until <= $2`,
		id, asOf,
	)
	if err != nil {
		return false, fmt.Errorf("clearing expired pause: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// KillAllNonKilled bulk-kills every agent not already killed and returns how
// many transitioned. Used by the emergency stop.
func (s *Store) KillAllNonKilled(ctx context.Context, reason string, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents
		 SET status = 'killed', kill_reason = $1, killed_at = $2, pause_until = NULL, updated_at = now()
		 WHERE status <> 'killed'`,
		reason, at,
	)
	if err != nil {
		return 0, fmt.Errorf("bulk killing agents: %w", err)
	}
	return tag.RowsAffected(), nil
}

// KillByOwner kills every non-killed agent belonging to owner and returns the
// transitioned rows so each one can be audited.
func (s *Store) KillByOwner(ctx context.Context, owner, reason string, at time.Time) ([]*Agent, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE agents
		 SET status = 'killed', kill_reason = $2, killed_at = $3, pause_until = NULL, updated_at = now()
		 WHERE owner = $1 AND status <> 'killed'
		 RETURNING `+agentColumns,
		owner, reason, at,
	)
	if err != nil {
		return nil, fmt.Errorf("killing agents for owner: %w", err)
	}
	defer rows.Close()

	var killed []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning killed agent row: %w", err)
		}
		killed = append(killed, a)
	}
	return killed, rows.Err()
}

// encodeCursor produces a base64 string from a created_at timestamp and id.
func encodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.Format(time.RFC3339Nano) + "|" + id
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a base64 cursor back into its created_at and id parts.
func decodeCursor(cursor string) (time.Time, string, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor base64: %w", err)
	}

	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}

	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor time: %w", err)
	}
	return t, parts[1], nil
}
