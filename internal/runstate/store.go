// Package runstate persists workflow runs and their step results and
// publishes every mutation, in order, to subscribers.
package runstate

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/pkg/schema"
)

// Update is one run snapshot delivered to a subscriber.
type Update struct {
	Sequence  int64           `json:"sequence"`
	EventType string          `json:"event_type"`
	StepIndex *int            `json:"step_index,omitempty"`
	Snapshot  json.RawMessage `json:"snapshot"`
	Run       *store.Run      `json:"-"`
}

// Store is the run state store. Every mutation validates the transition,
// persists it, appends a snapshot event to the run's change log and
// publishes that event, all while holding the run's lock.
type Store struct {
	store  store.Store
	hub    streaming.EventHub
	logger *slog.Logger
	locks  runLocks
	now    func() time.Time

	resubscribeDelay time.Duration
}

// New creates a run state store over s, publishing to hub.
func New(s store.Store, hub streaming.EventHub, logger *slog.Logger) *Store {
	return &Store{
		store:            s,
		hub:              hub,
		logger:           logging.OrDefault(logger),
		locks:            runLocks{m: make(map[string]*runLock)},
		now:              func() time.Time { return time.Now().UTC() },
		resubscribeDelay: 50 * time.Millisecond,
	}
}

// CreateRun creates a pending run of wf with one pending placeholder per step.
func (s *Store) CreateRun(ctx context.Context, wf *schema.WorkflowDefinition, input string) (*store.Run, error) {
	run := &store.Run{
		ID:           uuid.New().String(),
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		Status:       schema.RunStatusPending,
		Input:        input,
		CreatedAt:    s.now(),
		StepsResults: make([]store.StepResult, len(wf.Steps)),
	}
	for i := range run.StepsResults {
		run.StepsResults[i] = store.StepResult{Index: i, Status: schema.StepStatusPending}
	}

	unlock := s.locks.lock(run.ID)
	defer unlock()

	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, storeError("create run", err)
	}
	return s.commit(ctx, run.ID, schema.EventRunCreated, nil)
}

// UpdateRunStatus moves the run to status. errMsg is recorded on failed runs.
func (s *Store) UpdateRunStatus(ctx context.Context, runID string, to schema.RunStatus, errMsg string) (*store.Run, error) {
	unlock := s.locks.lock(runID)
	defer unlock()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := checkRunTransition(run, to); err != nil {
		return nil, err
	}

	now := s.now()
	update := store.RunUpdate{Status: &to}
	switch to {
	case schema.RunStatusRunning:
		update.StartedAt = &now
	case schema.RunStatusFailed:
		update.Error = &errMsg
		update.CompletedAt = &now
	case schema.RunStatusCompleted:
		update.CompletedAt = &now
	}
	if err := s.store.UpdateRun(ctx, runID, update); err != nil {
		return nil, storeError("update run status", err)
	}
	return s.commit(ctx, runID, runEventType(to), nil)
}

// UpdateStepResult replaces the step result at result.Index. Started and
// completed timestamps are filled in when the caller leaves them empty.
func (s *Store) UpdateStepResult(ctx context.Context, runID string, result store.StepResult) (*store.Run, error) {
	unlock := s.locks.lock(runID)
	defer unlock()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := checkStepTransition(run, result); err != nil {
		return nil, err
	}

	now := s.now()
	prev := run.StepsResults[result.Index]
	if result.StartedAt == nil {
		result.StartedAt = prev.StartedAt
		if result.StartedAt == nil {
			result.StartedAt = &now
		}
	}
	if result.Status.IsTerminal() && result.CompletedAt == nil {
		result.CompletedAt = &now
	}
	if err := s.store.UpdateStepResult(ctx, runID, &result); err != nil {
		return nil, storeError("update step result", err)
	}
	idx := result.Index
	return s.commit(ctx, runID, stepEventType(result), &idx)
}

// RequestCancel flags a non-terminal run for cancellation. The executor
// observes the flag before starting each step.
func (s *Store) RequestCancel(ctx context.Context, runID, reason string) (*store.Run, error) {
	unlock := s.locks.lock(runID)
	defer unlock()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "run %s is already %s", runID, run.Status)
	}
	if run.CancelRequested {
		return run, nil
	}

	flag := true
	if err := s.store.UpdateRun(ctx, runID, store.RunUpdate{CancelRequested: &flag, CancelReason: &reason}); err != nil {
		return nil, storeError("request cancel", err)
	}
	return s.commit(ctx, runID, schema.EventCancelRequested, nil)
}

// GetRun returns the current run with its step results.
func (s *Store) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// ListRuns lists runs, most recent first.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	return s.store.ListRuns(ctx, filter)
}

// commit reloads the run, appends the snapshot to the change log and
// publishes it. Callers hold the run lock.
func (s *Store) commit(ctx context.Context, runID, eventType string, stepIndex *int) (*store.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, storeError("reload run", err)
	}
	snapshot, err := json.Marshal(run)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInternal, "marshal run snapshot: %s", err).WithCause(err)
	}

	event := &store.Event{RunID: runID, Type: eventType, StepIndex: stepIndex, Snapshot: snapshot}
	if err := s.store.AppendEvent(ctx, event); err != nil {
		return nil, storeError("append run event", err)
	}

	if err := s.hub.Publish(ctx, streaming.StreamEvent{
		RunID:     runID,
		Sequence:  event.Sequence,
		EventType: eventType,
		StepIndex: stepIndex,
		Snapshot:  snapshot,
	}); err != nil {
		// Subscribers recover missed events from the change log.
		s.logger.WarnContext(ctx, "publish run event failed",
			slog.String("run_id", runID),
			slog.Int64("sequence", event.Sequence),
			slog.String("error", err.Error()),
		)
	}
	return run, nil
}

func storeError(op string, err error) error {
	if code := schema.ErrorCode(err); code != "" {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err).WithCause(err)
}

// --- per-run locks ---

type runLock struct {
	sync.Mutex
	refs int
}

type runLocks struct {
	mu sync.Mutex
	m  map[string]*runLock
}

// lock acquires the lock for id and returns its release function. Entries
// are dropped once no goroutine holds or waits on them.
func (l *runLocks) lock(id string) func() {
	l.mu.Lock()
	rl, ok := l.m[id]
	if !ok {
		rl = &runLock{}
		l.m[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
