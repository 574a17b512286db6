package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/model"
	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// DefaultPoolSize is the default number of runs executing at once.
const DefaultPoolSize = 10

// Run-level failure messages.
const (
	MsgPersistFailed = "internal error: run state could not be persisted"
	MsgInterrupted   = "run interrupted"
	msgCancelled     = "run cancelled: "
)

// Definitions loads workflow definitions.
type Definitions interface {
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
}

// Config holds configuration for the executor.
type Config struct {
	PoolSize   int         // max concurrently executing runs
	JudgeModel string      // model asked by llm_judge criteria
	Retry      RetryPolicy // delay between step attempts
}

// Executor starts workflow runs and drives them to a terminal state on a
// bounded worker pool.
type Executor struct {
	defs   Definitions
	states RunStates
	runner *StepRunner
	pool   *WorkerPool
	logger *slog.Logger

	base context.Context
	stop context.CancelFunc

	// mu guards active: runs owned by this executor.
	mu     sync.Mutex
	active map[string]struct{}
}

// NewExecutor creates an executor. invoker serves both step models and the
// judge model.
func NewExecutor(defs Definitions, states RunStates, invoker model.Invoker, cfg Config, logger *slog.Logger) *Executor {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	logger = logging.OrDefault(logger)
	base, stop := context.WithCancel(context.Background())
	return &Executor{
		defs:   defs,
		states: states,
		runner: NewStepRunner(states, invoker, NewEvaluator(invoker, cfg.JudgeModel), cfg.Retry, logger),
		pool:   NewWorkerPool(cfg.PoolSize),
		logger: logger,
		base:   base,
		stop:   stop,
		active: make(map[string]struct{}),
	}
}

// Execute creates a pending run of workflowID and returns its id. The run
// executes asynchronously; its progress is observable through the run
// state store.
func (e *Executor) Execute(ctx context.Context, workflowID, input string) (string, error) {
	wf, err := e.defs.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}

	run, err := e.states.CreateRun(ctx, wf, input)
	if err != nil {
		return "", err
	}

	e.claim(run.ID)
	runCtx := logging.WithRun(e.base, wf.ID, run.ID)
	err = e.pool.Go(runCtx, func(ctx context.Context) error {
		defer e.release(run.ID)
		return e.runWorkflow(ctx, wf, run)
	}, func(reason error) {
		// Left pending; recovered as interrupted on next start.
		e.release(run.ID)
		e.logger.WarnContext(runCtx, "run dropped before start", slog.String("error", reason.Error()))
	})
	if err != nil {
		e.release(run.ID)
		return run.ID, schema.NewError(schema.ErrCodeInternal, "executor is shutting down").WithCause(err)
	}

	e.logger.InfoContext(runCtx, "run queued", slog.Int("steps", len(wf.Steps)))
	return run.ID, nil
}

// runWorkflow is the body of one run task. It never leaves the run
// non-terminal unless the store itself is unreachable.
func (e *Executor) runWorkflow(ctx context.Context, wf *schema.WorkflowDefinition, run *store.Run) error {

	if _, err := e.states.UpdateRunStatus(ctx, run.ID, schema.RunStatusRunning, ""); err != nil {
		return e.abort(ctx, run.ID, err)
	}
	e.logger.InfoContext(ctx, "run started")

	current := run.Input
	for i, step := range orderedSteps(wf) {
		stepCtx := logging.WithStepIndex(ctx, i)

		latest, err := e.states.GetRun(stepCtx, run.ID)
		if err != nil {
			return e.abort(ctx, run.ID, err)
		}
		if latest.CancelRequested {
			msg := msgCancelled + latest.CancelReason
			if err := e.failAt(stepCtx, run.ID, i, msg); err != nil {
				return e.abort(ctx, run.ID, err)
			}
			e.logger.InfoContext(ctx, "run cancelled", slog.String("reason", latest.CancelReason))
			return schema.NewError(schema.ErrCodeCancelled, msg)
		}

		res, err := e.runner.Run(stepCtx, run.ID, i, step, current)
		if err != nil {
			return e.abort(ctx, run.ID, err)
		}
		if _, err := e.states.UpdateStepResult(stepCtx, run.ID, res); err != nil {
			return e.abort(ctx, run.ID, err)
		}

		if res.Status == schema.StepStatusFailed {
			msg := fmt.Sprintf("step %d failed: %s", i, res.Error)
			if _, err := e.states.UpdateRunStatus(ctx, run.ID, schema.RunStatusFailed, msg); err != nil {
				return e.abort(ctx, run.ID, err)
			}
			e.logger.InfoContext(ctx, "run failed", slog.Int("step_index", i))
			return schema.NewError(schema.ErrCodeCriterionRejected, msg).WithStep(i)
		}
		current = res.Output
	}

	if _, err := e.states.UpdateRunStatus(ctx, run.ID, schema.RunStatusCompleted, ""); err != nil {
		return e.abort(ctx, run.ID, err)
	}
	e.logger.InfoContext(ctx, "run completed")
	return nil
}

// failAt records step index and the run as failed with msg.
func (e *Executor) failAt(ctx context.Context, runID string, index int, msg string) error {
	if _, err := e.states.UpdateStepResult(ctx, runID, store.StepResult{
		Index:  index,
		Status: schema.StepStatusFailed,
		Error:  msg,
	}); err != nil {
		return err
	}
	_, err := e.states.UpdateRunStatus(ctx, runID, schema.RunStatusFailed, msg)
	return err
}

// abort ends a run that cannot continue. Store failures become the generic
// persistence error; interruption (shutdown) becomes MsgInterrupted.
func (e *Executor) abort(ctx context.Context, runID string, cause error) error {
	msg := MsgPersistFailed
	if ctx.Err() != nil || schema.IsCode(cause, schema.ErrCodeCancelled) || errors.Is(cause, context.Canceled) {
		msg = MsgInterrupted
	}
	e.logger.ErrorContext(ctx, "run aborted",
		slog.String("reason", msg), slog.String("error", cause.Error()))

	if err := e.forceFail(context.WithoutCancel(ctx), runID, msg); err != nil {
		e.logger.ErrorContext(ctx, "could not record run failure",
			slog.String("error", err.Error()))
	}
	return schema.NewError(schema.ErrCodeInternal, msg).WithCause(cause)
}

// forceFail drives a non-terminal run to failed with msg: the running step
// (or the first pending one) fails, then the run. A run whose steps all
// completed is completed instead.
func (e *Executor) forceFail(ctx context.Context, runID, msg string) error {
	run, err := e.states.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return nil
	}
	if run.Status == schema.RunStatusPending {
		if run, err = e.states.UpdateRunStatus(ctx, runID, schema.RunStatusRunning, ""); err != nil {
			return err
		}
	}

	for _, sr := range run.StepsResults {
		switch sr.Status {
		case schema.StepStatusFailed:
			_, err := e.states.UpdateRunStatus(ctx, runID, schema.RunStatusFailed, msg)
			return err
		case schema.StepStatusRunning, schema.StepStatusPending:
			failed := sr
			failed.Status = schema.StepStatusFailed
			failed.Error = msg
			failed.Output = ""
			if _, err := e.states.UpdateStepResult(ctx, runID, failed); err != nil {
				return err
			}
			_, err := e.states.UpdateRunStatus(ctx, runID, schema.RunStatusFailed, msg)
			return err
		}
	}

	_, err = e.states.UpdateRunStatus(ctx, runID, schema.RunStatusCompleted, "")
	return err
}

// Cancel requests cancellation of runID. A run owned by this executor stops
// at its next step boundary; an orphaned run is failed immediately.
func (e *Executor) Cancel(ctx context.Context, runID, reason string) (*store.Run, error) {
	run, err := e.states.RequestCancel(ctx, runID, reason)
	if err != nil {
		return nil, err
	}
	if e.owns(runID) {
		return run, nil
	}
	if err := e.forceFail(ctx, runID, msgCancelled+reason); err != nil {
		return nil, err
	}
	return e.states.GetRun(ctx, runID)
}

// RecoverInterrupted fails runs left pending or running by a previous
// process. It returns how many runs it touched.
func (e *Executor) RecoverInterrupted(ctx context.Context) (int, error) {
	runs, err := e.states.ListRuns(ctx, store.RunFilter{
		Statuses: []schema.RunStatus{schema.RunStatusPending, schema.RunStatusRunning},
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range runs {
		if e.owns(r.ID) {
			continue
		}
		if err := e.forceFail(ctx, r.ID, MsgInterrupted); err != nil {
			e.logger.ErrorContext(ctx, "recover interrupted run failed",
				slog.String("run_id", r.ID), slog.String("error", err.Error()))
			continue
		}
		n++
	}
	if n > 0 {
		e.logger.InfoContext(ctx, "interrupted runs recovered", slog.Int("count", n))
	}
	return n, nil
}

// Active returns the number of runs owned by this executor.
func (e *Executor) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Metrics exposes the worker pool counters.
func (e *Executor) Metrics() PoolMetrics {
	return e.pool.Metrics()
}

// Wait blocks until every queued and running run has finished.
func (e *Executor) Wait() {
	e.pool.Wait()
}

// Shutdown interrupts in-flight runs, drops queued ones, and waits for the
// pool to drain.
func (e *Executor) Shutdown() {
	e.stop()
	e.pool.Shutdown()
}

func (e *Executor) claim(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[runID] = struct{}{}
}

func (e *Executor) release(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, runID)
}

func (e *Executor) owns(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[runID]
	return ok
}

// orderedSteps returns wf's steps sorted by order.
func orderedSteps(wf *schema.WorkflowDefinition) []schema.StepDefinition {
	steps := append([]schema.StepDefinition(nil), wf.Steps...)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	return steps
}
