package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rendis/agentflow/pkg/schema"
)

// AppendEvent appends an event with a monotonically increasing per-run
// sequence. The sequence read and the insert share one transaction.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	var stepIndex any
	if event.StepIndex != nil {
		stepIndex = *event.StepIndex
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, sequence, event_type, step_index, snapshot, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, seq, event.Type, stepIndex, string(event.Snapshot), event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, sequence, event_type, step_index, snapshot, timestamp
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepIndex sql.NullInt64
		var snapshot string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Sequence, &e.Type, &stepIndex, &snapshot, &e.Timestamp); err != nil {
			return nil, err
		}
		if stepIndex.Valid {
			idx := int(stepIndex.Int64)
			e.StepIndex = &idx
		}
		e.Snapshot = json.RawMessage(snapshot)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ReplayRun walks a run's change log, checks that sequences are contiguous,
// and returns the last recorded snapshot with its sequence. A run with no
// events yields (nil, 0, nil).
func ReplayRun(ctx context.Context, s Store, runID string) (*Run, int64, error) {
	events, err := s.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("get events for replay: %w", err)
	}
	if len(events) == 0 {
		return nil, 0, nil
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, 0, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	last := events[len(events)-1]
	var run Run
	if err := json.Unmarshal(last.Snapshot, &run); err != nil {
		return nil, 0, fmt.Errorf("decode snapshot %d of run %s: %w", last.Sequence, runID, err)
	}
	return &run, last.Sequence, nil
}
