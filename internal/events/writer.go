package events

import (
	"context"
	"database/sql"
	"time"
)

// Entry is one settled operation in the local journal.
type Entry struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts"`
	Kind     string `json:"kind"`
	EntityID string `json:"entity_id"`
	State    string `json:"state"`
	Message  string `json:"message,omitempty"`
}

// Writer appends to and reads from the operation_events table.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, kind, entityID, state, message string) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err := w.DB.ExecContext(ctx, `INSERT INTO operation_events(ts,kind,entity_id,state,message) VALUES (?,?,?,?,?)`,
		ts, kind, entityID, state, nullable(message))
	return err
}

// Tail returns the most recent entries, newest first.
func (w Writer) Tail(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := w.DB.QueryContext(ctx, `SELECT id,ts,kind,entity_id,state,COALESCE(message,'') FROM operation_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TS, &e.Kind, &e.EntityID, &e.State, &e.Message); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
