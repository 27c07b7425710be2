package ledger

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for the usage-event ledger.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes a slice of usage events in a single multi-row INSERT
// statement. It is a no-op when events is empty.
func (s *Store) BatchInsert(ctx context.Context, events []UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 9 // columns per row (created_at is server-generated)
	args := make([]any, 0, len(events)*cols)
	rows := make([]string, 0, len(events))

	for i, ev := range events {
		base := i * cols
		rows = append(rows, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			ev.ID,
			ev.AgentID,
			ev.OccurredAt,
			ev.CostAmount,
			ev.InputTokens,
			ev.OutputTokens,
			ev.Model,
			ev.RequestSignature,
			ev.ErrorCode,
		)
	}

	query := `INSERT INTO usage_events
		(id, agent_id, occurred_at, cost_amount, input_tokens, output_tokens,
		 model, request_signature, error_code)
		VALUES ` + strings.Join(rows, ", ")

	_, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("batch inserting usage events: %w", err)
	}

	return nil
}

// PeriodCost returns the agent's total ledger cost since the given instant.
// This is the authoritative aggregation backing cache backfill and fallback.
func (s *Store) PeriodCost(ctx context.Context, agentID string, since time.Time) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost_amount), 0)
		 FROM usage_events
		 WHERE agent_id = $1 AND occurred_at >= $2`,
		agentID, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing period cost: %w", err)
	}
	return total, nil
}

// scopeConditions appends WHERE fragments narrowing an aggregate to the
// filter's owner or single agent. The returned args extend the input slice.
func scopeConditions(filter ScopeFilter, conditions []string, args []any) ([]string, []any) {
	if filter.Owner != "" {
		args = append(args, filter.Owner)
		conditions = append(conditions, fmt.Sprintf("a.owner = $%d", len(args)))
	}
	if filter.AgentExternalID != "" {
		args = append(args, filter.AgentExternalID)
		conditions = append(conditions, fmt.Sprintf("a.external_id = $%d", len(args)))
	}
	return conditions, args
}

// CostByAgent aggregates ledger cost per agent since the given instant,
// scoped by filter.
func (s *Store) CostByAgent(ctx context.Context, since time.Time, filter ScopeFilter) ([]AgentCost, error) {
	conditions := []string{"e.occurred_at >= $1"}
	args := []any{since}
	conditions, args = scopeConditions(filter, conditions, args)

	query := `SELECT e.agent_id, a.external_id, COALESCE(SUM(e.cost_amount), 0)
		FROM usage_events e
		JOIN agents a ON a.id = e.agent_id
		WHERE ` + strings.Join(conditions, " AND ") + `
		GROUP BY e.agent_id, a.external_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregating cost by agent: %w", err)
	}
	defer rows.Close()

	var out []AgentCost
	for rows.Next() {
		var c AgentCost
		if err := rows.Scan(&c.AgentID, &c.ExternalID, &c.Total); err != nil {
			return nil, fmt.Errorf("scanning agent cost row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ErrorSamplesByAgent counts events and errors per agent since the given
// instant, returning only agents with at least minSamples events.
func (s *Store) ErrorSamplesByAgent(ctx context.Context, since time.Time, minSamples int, filter ScopeFilter) ([]AgentErrorSample, error) {
	conditions := []string{"e.occurred_at >= $1"}
	args := []any{since}
	conditions, args = scopeConditions(filter, conditions, args)

	args = append(args, minSamples)
	query := `SELECT e.agent_id, a.external_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE e.error_code <> '')
		FROM usage_events e
		JOIN agents a ON a.id = e.agent_id
		WHERE ` + strings.Join(conditions, " AND ") + `
		GROUP BY e.agent_id, a.external_id
		HAVING COUNT(*) >= $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregating error samples: %w", err)
	}
	defer rows.Close()

	var out []AgentErrorSample
	for rows.Next() {
		var sample AgentErrorSample
		if err := rows.Scan(&sample.AgentID, &sample.ExternalID, &sample.Total, &sample.Errors); err != nil {
			return nil, fmt.Errorf("scanning error sample row: %w", err)
		}
		out = append(out, sample)
	}
	return out, rows.Err()
}

// DuplicateSignatureCounts groups events since the given instant by (agent,
// request signature) and returns groups at or above minCount repetitions.
// Unsigned events are excluded.
func (s *Store) DuplicateSignatureCounts(ctx context.Context, since time.Time, minCount int64, filter ScopeFilter) ([]SignatureGroup, error) {
	conditions := []string{"e.occurred_at >= $1", "e.request_signature <> ''"}
	args := []any{since}
	conditions, args = scopeConditions(filter, conditions, args)

	args = append(args, minCount)
	query := `SELECT e.agent_id, a.external_id, e.request_signature, COUNT(*)
		FROM usage_events e
		JOIN agents a ON a.id = e.agent_id
		WHERE ` + strings.Join(conditions, " AND ") + `
		GROUP BY e.agent_id, a.external_id, e.request_signature
		HAVING COUNT(*) >= $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("counting duplicate signatures: %w", err)
	}
	defer rows.Close()

	var out []SignatureGroup
	for rows.Next() {
		var g SignatureGroup
		if err := rows.Scan(&g.AgentID, &g.ExternalID, &g.Signature, &g.Count); err != nil {
			return nil, fmt.Errorf("scanning signature group row: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetSummary returns aggregate usage metrics matching the given query filters.
func (s *Store) GetSummary(ctx context.Context, q UsageQuery) (*UsageSummary, error) {
	where, args := buildWhereClause(q)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(e.cost_amount), 0),
		COALESCE(SUM(CASE WHEN e.error_code <> '' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(e.input_tokens), 0),
		COALESCE(SUM(e.output_tokens), 0)
	FROM usage_events e
	JOIN agents a ON a.id = e.agent_id` + where

	var summary UsageSummary
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&summary.TotalEvents,
		&summary.TotalCost,
		&summary.ErrorCount,
		&summary.InputTokens,
		&summary.OutputTokens,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}

	return &summary, nil
}

// ListEvents returns a page of usage events matching the query filters,
// ordered by occurred_at DESC, id DESC. It uses cursor-based pagination and
// returns the next cursor (empty string if no more results).
func (s *Store) ListEvents(ctx context.Context, q UsageQuery) ([]*UsageEvent, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	// Apply cursor: the cursor encodes "occurred_at|id".
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (e.occurred_at, e.id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT e.id, e.agent_id, e.occurred_at, e.cost_amount,
		e.input_tokens, e.output_tokens, e.model, e.request_signature,
		e.error_code, e.created_at
	FROM usage_events e
	JOIN agents a ON a.id = e.agent_id` + where +
		` ORDER BY e.occurred_at DESC, e.id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1) // fetch one extra to determine if there's a next page

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing usage events: %w", err)
	}
	defer rows.Close()

	var events []*UsageEvent
	for rows.Next() {
		var ev UsageEvent
		if err := rows.Scan(
			&ev.ID, &ev.AgentID, &ev.OccurredAt, &ev.CostAmount,
			&ev.InputTokens, &ev.OutputTokens, &ev.Model, &ev.RequestSignature,
			&ev.ErrorCode, &ev.CreatedAt,
		); err != nil {
			return nil, "", fmt.Errorf("scanning usage event row: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating usage event rows: %w", err)
	}

	var nextCursor string
	if len(events) > limit {
		last := events[limit-1]
		nextCursor = encodeCursor(last.OccurredAt, last.ID)
		events = events[:limit]
	}

	return events, nextCursor, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// UsageQuery. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q UsageQuery) (string, []any) {
	var conditions []string
	var args []any

	if q.AgentID != "" {
		args = append(args, q.AgentID)
		conditions = append(conditions, fmt.Sprintf("e.agent_id = $%d", len(args)))
	}
	if q.AgentExternalID != "" {
		args = append(args, q.AgentExternalID)
		conditions = append(conditions, fmt.Sprintf("a.external_id = $%d", len(args)))
	}
	if q.Owner != "" {
		args = append(args, q.Owner)
		conditions = append(conditions, fmt.Sprintf("a.owner = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("e.occurred_at >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("e.occurred_at <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
