package runstate

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/agentflow/internal/expressions"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

const defaultHistoryLimit = 50

// HistoryQuery selects runs for the history listing. Filter is an optional
// CEL predicate over the `run` summary (see Summary.filterData).
type HistoryQuery struct {
	WorkflowID string
	Statuses   []schema.RunStatus
	Filter     string
	Limit      int
}

// Summary is the history view of a run.
type Summary struct {
	ID           string           `json:"id"`
	WorkflowID   string           `json:"workflow_id"`
	WorkflowName string           `json:"workflow_name"`
	Status       schema.RunStatus `json:"status"`
	Error        string           `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

func summarize(r *store.Run) Summary {
	return Summary{
		ID:           r.ID,
		WorkflowID:   r.WorkflowID,
		WorkflowName: r.WorkflowName,
		Status:       r.Status,
		Error:        r.Error,
		CreatedAt:    r.CreatedAt,
		CompletedAt:  r.CompletedAt,
	}
}

func filterData(r *store.Run) map[string]any {
	completed := 0
	for _, sr := range r.StepsResults {
		if sr.Status == schema.StepStatusCompleted {
			completed++
		}
	}
	return map[string]any{"run": map[string]any{
		"id":               r.ID,
		"workflow_id":      r.WorkflowID,
		"workflow_name":    r.WorkflowName,
		"status":           string(r.Status),
		"input":            r.Input,
		"error":            r.Error,
		"cancel_requested": r.CancelRequested,
		"created_at":       r.CreatedAt,
		"step_count":       len(r.StepsResults),
		"steps_completed":  completed,
	}}
}

// History lists run summaries, most recent first.
func (s *Store) History(ctx context.Context, q HistoryQuery) ([]Summary, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	filter := store.RunFilter{WorkflowID: q.WorkflowID, Statuses: q.Statuses}
	if q.Filter == "" {
		filter.Limit = limit
	} else if err := s.filterEngine().Check(q.Filter); err != nil {
		return nil, err
	}

	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, storeError("list runs", err)
	}

	out := make([]Summary, 0, min(len(runs), limit))
	for _, r := range runs {
		if len(out) == limit {
			break
		}
		if q.Filter != "" {
			// Listed rows carry no step results; the filter sees them.
			full, err := s.store.GetRun(ctx, r.ID)
			if err != nil {
				return nil, storeError("load run", err)
			}
			ok, err := s.filterEngine().Match(ctx, q.Filter, filterData(full))
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, summarize(r))
	}
	return out, nil
}

var (
	celOnce sync.Once
	celEng  *expressions.CELEngine
)

// filterEngine returns the process-wide CEL engine. Its environment is
// static, so construction cannot fail once the package compiles.
func (s *Store) filterEngine() *expressions.CELEngine {
	celOnce.Do(func() {
		e, err := expressions.NewCELEngine()
		if err != nil {
			panic(err)
		}
		celEng = e
	})
	return celEng
}
