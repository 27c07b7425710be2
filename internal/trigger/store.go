package trigger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for trigger management.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const triggerColumns = `id, scope, scope_id, kind, threshold, window_unit, active, created_at, updated_at`

// scanTrigger scans a single trigger row into a Trigger struct.
func scanTrigger(row pgx.Row) (*Trigger, error) {
	var t Trigger
	err := row.Scan(
		&t.ID,
		&t.Scope,
		&t.ScopeID,
		&t.Kind,
		&t.Threshold,
		&t.WindowUnit,
		&t.Active,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Create inserts a new trigger and returns the full row.
func (s *Store) Create(ctx context.Context, input CreateTriggerInput) (*Trigger, error) {
	active := true
	if input.Active != nil {
		active = *input.Active
	}
	windowUnit := input.WindowUnit
	if windowUnit == "" {
		windowUnit = WindowHour
	}

	query := fmt.Sprintf(`INSERT INTO triggers
		(scope, scope_id, kind, threshold, window_unit, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING %s`, triggerColumns)

	row := s.pool.QueryRow(ctx, query,
		input.Scope,
		input.ScopeID,
		input.Kind,
		input.Threshold,
		windowUnit,
		active,
	)
	return scanTrigger(row)
}

// GetByID retrieves a trigger by its ID.
func (s *Store) GetByID(ctx context.Context, id string) (*Trigger, error) {
	query := fmt.Sprintf(`SELECT %s FROM triggers WHERE id = $1`, triggerColumns)
	row := s.pool.QueryRow(ctx, query, id)
	return scanTrigger(row)
}

// List returns all triggers, newest first. Trigger counts are small enough
// that pagination is not worth the cursor plumbing.
func (s *Store) List(ctx context.Context) ([]*Trigger, error) {
	query := fmt.Sprintf(`SELECT %s FROM triggers ORDER BY created_at DESC, id DESC`, triggerColumns)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing triggers: %w", err)
	}
	defer rows.Close()

	var triggers []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading triggers: %w", err)
	}
	return triggers, nil
}

// ListActive returns all active triggers.
func (s *Store) ListActive(ctx context.Context) ([]*Trigger, error) {
	query := fmt.Sprintf(`SELECT %s FROM triggers WHERE active ORDER BY created_at`, triggerColumns)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing active triggers: %w", err)
	}
	defer rows.Close()

	var triggers []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning trigger: %w", err)
		}
		triggers = append(triggers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading triggers: %w", err)
	}
	return triggers, nil
}

// Update applies the non-nil fields of input to a trigger and returns the
// updated row.
func (s *Store) Update(ctx context.Context, id string, input UpdateTriggerInput) (*Trigger, error) {
	setClauses := []string{}
	args := []any{}
	argIdx := 1

	if input.Scope != nil {
		setClauses = append(setClauses, fmt.Sprintf("scope = $%d", argIdx))
		args = append(args, *input.Scope)
		argIdx++
	}
	if input.ScopeID != nil {
		setClauses = append(setClauses, fmt.Sprintf("scope_id = $%d", argIdx))
		args = append(args, *input.ScopeID)
		argIdx++
	}
	if input.Kind != nil {
		setClauses = append(setClauses, fmt.Sprintf("kind = $%d", argIdx))
		args = append(args, *input.Kind)
		argIdx++
	}
	if input.Threshold != nil {
		setClauses = append(setClauses, fmt.Sprintf("threshold = $%d", argIdx))
		args = append(args, *input.Threshold)
		argIdx++
	}
	if input.WindowUnit != nil {
		setClauses = append(setClauses, fmt.Sprintf("window_unit = $%d", argIdx))
		args = append(args, *input.WindowUnit)
		argIdx++
	}
	if input.Active != nil {
		setClauses = append(setClauses, fmt.Sprintf("active = $%d", argIdx))
		args = append(args, *input.Active)
		argIdx++
	}

	if len(setClauses) == 0 {
		return s.GetByID(ctx, id)
	}

	setClauses = append(setClauses, fmt.Sprintf("updated_at = $%d", argIdx))
	args = append(args, time.Now().UTC())
	argIdx++

	args = append(args, id)

	query := fmt.Sprintf(`UPDATE triggers SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(setClauses, ", "), argIdx, triggerColumns)

	row := s.pool.QueryRow(ctx, query, args...)
	return scanTrigger(row)
}

// Delete removes a trigger by its ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM triggers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
