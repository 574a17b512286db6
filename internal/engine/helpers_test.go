package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/model/modeltest"
	"github.com/rendis/agentflow/internal/runstate"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/internal/streaming"
	"github.com/rendis/agentflow/pkg/schema"
)

type harness struct {
	store  *store.LibSQLStore
	states *runstate.Store
	model  *modeltest.Invoker
	exec   *Executor
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	if cfg.JudgeModel == "" {
		cfg.JudgeModel = judgeModel
	}
	h := &harness{store: s, states: runstate.New(s, streaming.NewMemoryHub(), nil), model: modeltest.New()}
	h.exec = NewExecutor(s, h.states, h.model, cfg, nil)
	t.Cleanup(h.exec.Shutdown)
	return h
}

func (h *harness) define(t *testing.T, steps ...schema.StepDefinition) *schema.WorkflowDefinition {
	t.Helper()
	for i := range steps {
		steps[i].Order = i
	}
	wf := &schema.WorkflowDefinition{ID: uuid.New().String(), Name: "test-flow", Steps: steps}
	require.NoError(t, h.store.CreateWorkflow(context.Background(), wf))
	return wf
}

// execute starts a run and waits for the executor to go idle.
func (h *harness) execute(t *testing.T, wf *schema.WorkflowDefinition, input string) *store.Run {
	t.Helper()
	runID, err := h.exec.Execute(context.Background(), wf.ID, input)
	require.NoError(t, err)
	h.exec.Wait()
	run, err := h.states.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return run
}

// waitFor polls runID until cond holds.
func (h *harness) waitFor(t *testing.T, runID string, cond func(*store.Run) bool) *store.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := h.states.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if cond(run) {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached the expected state", runID)
	return nil
}

func stepRunning(i int) func(*store.Run) bool {
	return func(r *store.Run) bool { return r.StepsResults[i].Status == schema.StepStatusRunning }
}

func step(model, tmpl string, retry int, c schema.Criterion) schema.StepDefinition {
	return schema.StepDefinition{PromptTemplate: tmpl, Model: model, RetryLimit: retry, Criterion: c}
}
