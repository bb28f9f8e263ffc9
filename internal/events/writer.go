package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Run lifecycle event types. Scheduling events use the report vocabulary.
const (
	RunStarted  = "RUN_STARTED"
	RunFinished = "RUN_FINISHED"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Record is one event of a run awaiting persistence.
type Record struct {
	Type      string
	Rule      string
	ProcessID *int
	Payload   EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, runID string, rec Record) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	payload := rec.Payload
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,run_id,rule,process_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, rec.Type, runID, nullable(rec.Rule), nullableInt(rec.ProcessID), string(data))
	return err
}

// AppendAll writes recs in order.
func (w Writer) AppendAll(ctx context.Context, tx *sql.Tx, runID string, recs []Record) error {
	for i, rec := range recs {
		if err := w.Append(ctx, tx, runID, rec); err != nil {
			return fmt.Errorf("event %d (%s): %w", i, rec.Type, err)
		}
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
