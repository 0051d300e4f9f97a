package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/agent-workspace/realtime/pkg/protocol"
)

// EventRepository persists envelopes of session rooms for backfill after a
// restart. Rows are keyed by ULID so ids sort in insertion order.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append stores an envelope under the given room key and returns its row id.
func (r *EventRepository) Append(ctx context.Context, roomKey string, env *protocol.Envelope) (string, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to serialize envelope: %w", err)
	}

	id := ulid.Make().String()
	query := `
		INSERT INTO events (id, workspace_id, room, kind, ts, body)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, query, id, env.WorkspaceID, roomKey, string(env.Type()), env.Timestamp, string(body))
	if err != nil {
		return "", fmt.Errorf("failed to append event: %w", err)
	}
	return id, nil
}

// ListSince retrieves up to limit envelopes of a room with a timestamp
// strictly greater than since, oldest first.
func (r *EventRepository) ListSince(ctx context.Context, roomKey string, since int64, limit int) ([]*protocol.Envelope, error) {
	query := `
		SELECT body
		FROM events
		WHERE room = ? AND ts > ?
		ORDER BY ts ASC, id ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, query, roomKey, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*protocol.Envelope
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		env := &protocol.Envelope{}
		if err := json.Unmarshal([]byte(body), env); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		events = append(events, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// DeleteRoom removes every stored envelope of a room.
func (r *EventRepository) DeleteRoom(ctx context.Context, roomKey string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE room = ?`, roomKey); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	return nil
}

// DeleteBefore removes envelopes older than ts and returns how many were removed.
func (r *EventRepository) DeleteBefore(ctx context.Context, ts int64) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, ts)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
