package audit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for the kill-switch audit trail. Records
// are append-only: there is no update or delete path.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const eventColumns = `id, event_type, target_type, target_id, actor, reason, metadata, created_at`

// scanRecord scans a single audit row into a Record struct.
func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var metadataJSON []byte
	err := row.Scan(
		&rec.ID,
		&rec.EventType,
		&rec.TargetType,
		&rec.TargetID,
		&rec.Actor,
		&rec.Reason,
		&metadataJSON,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshalling metadata: %w", err)
		}
	}
	return &rec, nil
}

// Append inserts a new audit record and returns the full row.
func (s *Store) Append(ctx context.Context, rec Record) (*Record, error) {
	metadataJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshalling metadata: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO kill_switch_events
		(event_type, target_type, target_id, actor, reason, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING %s`, eventColumns)

	row := s.pool.QueryRow(ctx, query,
		rec.EventType,
		rec.TargetType,
		rec.TargetID,
		rec.Actor,
		rec.Reason,
		metadataJSON,
	)
	saved, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("inserting audit record: %w", err)
	}
	return saved, nil
}

// ListRecent returns a page of audit records ordered by created_at DESC,
// id DESC with cursor-based pagination.
func (s *Store) ListRecent(ctx context.Context, params ListParams) ([]*Record, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 50
	}

	args := []any{}
	argIdx := 1
	whereClauses := []string{}

	if params.Cursor != "" {
		cursorTime, cursorID, err := decodeCursor(params.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		whereClauses = append(whereClauses,
			fmt.Sprintf("(created_at, id) < ($%d, $%d)", argIdx, argIdx+1))
		args = append(args, cursorTime, cursorID)
		argIdx += 2
	}
	if params.EventType != "" {
		whereClauses = append(whereClauses, fmt.Sprintf("event_type = $%d", argIdx))
		args = append(args, params.EventType)
		argIdx++
	}
	if params.TargetType != "" {
		whereClauses = append(whereClauses, fmt.Sprintf("target_type = $%d", argIdx))
		args = append(args, params.TargetType)
		argIdx++
	}
	if params.TargetID != "" {
		whereClauses = append(whereClauses, fmt.Sprintf("target_id = $%d", argIdx))
		args = append(args, params.TargetID)
		argIdx++
	}

	where := ""
	if len(whereClauses) > 0 {
		where = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	query := fmt.Sprintf(`SELECT %s FROM kill_switch_events %s
		ORDER BY created_at DESC, id DESC LIMIT $%d`,
		eventColumns, where, argIdx)
	args = append(args, limit+1) // fetch one extra to determine next cursor

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing audit records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning audit record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("reading audit records: %w", err)
	}

	nextCursor := ""
	if len(records) > limit {
		records = records[:limit]
		last := records[len(records)-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	return records, nextCursor, nil
}

// encodeCursor produces a base64-encoded cursor from a timestamp and ID.
func encodeCursor(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%s|%s", createdAt.Format(time.RFC3339Nano), id)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a base64-encoded cursor into a timestamp and ID.
func decodeCursor(cursor string) (time.Time, string, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}
	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return t, parts[1], nil
}
