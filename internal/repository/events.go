package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/xiaot623/gogo/internal/domain"
)

// InsertEvent writes an event whose seq was allocated with NextSeq.
func (q *queries) InsertEvent(ctx context.Context, event *domain.SessionEvent) error {
	_, err := q.exec(ctx,
		`INSERT INTO events (event_id, session_id, run_id, seq, type, source, payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.SessionID, nullString(event.RunID), event.Seq, event.Type, event.Source,
		nullBytes(event.Payload), event.CreatedAt.UTC())
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("event seq %d already used in session %s: %w", event.Seq, event.SessionID, domain.ErrConflict)
	}
	return err
}

// ListEvents returns events ordered by seq. RunID, when set, narrows the
// query to one run; seq values stay session-global.
func (q *queries) ListEvents(ctx context.Context, filter domain.EventFilter) ([]*domain.SessionEvent, error) {
	query := `SELECT event_id, session_id, run_id, seq, type, source, payload, created_at FROM events WHERE `
	var args []any
	switch {
	case filter.RunID != "":
		query += `run_id = ?`
		args = append(args, filter.RunID)
	case filter.SessionID != "":
		query += `session_id = ?`
		args = append(args, filter.SessionID)
	default:
		return nil, fmt.Errorf("session_id or run_id is required: %w", domain.ErrValidation)
	}
	if filter.SinceSeq > 0 {
		query += ` AND seq > ?`
		args = append(args, filter.SinceSeq)
	}
	query += ` ORDER BY seq ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.SessionEvent
	for rows.Next() {
		var event domain.SessionEvent
		var runID, payload sql.NullString
		if err := rows.Scan(&event.EventID, &event.SessionID, &runID, &event.Seq, &event.Type, &event.Source, &payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.RunID = runID.String
		if payload.Valid {
			event.Payload = json.RawMessage(payload.String)
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}
