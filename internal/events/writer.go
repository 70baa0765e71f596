package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records a telemetry event. A nil tx writes outside any transaction.
func (w Writer) Append(ctx context.Context, tx Execer, kind, subjectType, subjectID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if tx == nil {
		tx = w.DB
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,kind,subject_type,subject_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, kind, subjectType, nullable(subjectID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
