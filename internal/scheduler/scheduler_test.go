package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/agentflow/internal/store"
	"github.com/rendis/agentflow/pkg/schema"
)

// mockSchedulerStore satisfies store.Store for scheduler tests.
type mockSchedulerStore struct {
	store.Store
	mu        sync.Mutex
	workflows map[string]bool
	schedules map[string]*store.Schedule
}

func newMockSchedulerStore(workflowIDs ...string) *mockSchedulerStore {
	m := &mockSchedulerStore{workflows: make(map[string]bool), schedules: make(map[string]*store.Schedule)}
	for _, id := range workflowIDs {
		m.workflows[id] = true
	}
	return m
}

func (m *mockSchedulerStore) GetWorkflow(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.workflows[id] {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return &schema.WorkflowDefinition{ID: id, Name: id}, nil
}

func (m *mockSchedulerStore) CreateSchedule(_ context.Context, sched *store.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sched
	m.schedules[sched.ID] = &cp
	return nil
}

func (m *mockSchedulerStore) GetSchedule(_ context.Context, id string) (*store.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", id)
	}
	cp := *s
	return &cp, nil
}

func (m *mockSchedulerStore) UpdateSchedule(_ context.Context, id string, update store.ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		s.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		s.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		s.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		s.LastRunStatus = update.LastRunStatus
	}
	if update.LastRunID != "" {
		s.LastRunID = update.LastRunID
	}
	return nil
}

func (m *mockSchedulerStore) ListSchedules(_ context.Context, filter store.ScheduleFilter) ([]*store.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.Schedule
	for _, s := range m.schedules {
		if filter.Enabled != nil && s.Enabled != *filter.Enabled {
			continue
		}
		if filter.WorkflowID != "" && s.WorkflowID != filter.WorkflowID {
			continue
		}
		cp := *s
		result = append(result, &cp)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockSchedulerStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, id)
	return nil
}

// mockRunner tracks Execute calls.
type mockRunner struct {
	mu    sync.Mutex
	calls []runCall
	err   error
}

type runCall struct {
	WorkflowID string
	Input      string
}

func (r *mockRunner) Execute(_ context.Context, workflowID, input string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{WorkflowID: workflowID, Input: input})
	if r.err != nil {
		return "", r.err
	}
	return "run-" + workflowID, nil
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(s store.Store, runner RunStarter) *Scheduler {
	return NewScheduler(s, runner, time.Hour, slog.Default())
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockRunner{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	// Daily at midnight.
	next, err = sched.CalculateNextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	// Invalid expression.
	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestCreate(t *testing.T) {
	ms := newMockSchedulerStore("wf-1")
	sched := newTestScheduler(ms, &mockRunner{})
	sched.now = func() time.Time { return time.Date(2026, 2, 10, 12, 5, 0, 0, time.UTC) }

	got, err := sched.Create(context.Background(), "wf-1", "0 * * * *", "seed", true)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), *got.NextRunAt)

	stored, err := ms.GetSchedule(context.Background(), got.ID)
	require.NoError(t, err)
	assert.Equal(t, "seed", stored.Input)
	assert.True(t, stored.Enabled)
}

func TestCreateRejectsBadInput(t *testing.T) {
	ms := newMockSchedulerStore("wf-1")
	sched := newTestScheduler(ms, &mockRunner{})
	ctx := context.Background()

	_, err := sched.Create(ctx, "wf-1", "every minute", "", true)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = sched.Create(ctx, "wf-ghost", "* * * * *", "", true)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	assert.Empty(t, ms.schedules)
}

func TestTickRunsDueSchedules(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID:             "sched-1",
		WorkflowID:     "digest",
		CronExpression: "0 * * * *",
		Input:          "today",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, runCall{WorkflowID: "digest", Input: "today"}, runner.calls[0])

	got, _ := ms.GetSchedule(ctx, "sched-1")
	assert.NotNil(t, got.LastRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
	assert.Equal(t, StatusStarted, got.LastRunStatus)
	assert.Equal(t, "run-digest", got.LastRunID)
}

func TestTickSkipsNotDueSchedules(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID:             "sched-future",
		WorkflowID:     "digest",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &future,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestDisabledSchedulesSkipped(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID:             "sched-disabled",
		WorkflowID:     "digest",
		CronExpression: "0 * * * *",
		Enabled:        false,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestRunnerErrorRecorded(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{err: schema.NewError(schema.ErrCodeNotFound, "workflow gone")}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Minute)

	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID:             "sched-err",
		WorkflowID:     "gone",
		CronExpression: "*/5 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	got, _ := ms.GetSchedule(ctx, "sched-err")
	assert.Equal(t, StatusError, got.LastRunStatus)
	assert.Empty(t, got.LastRunID)
	assert.True(t, got.NextRunAt.After(past), "next run still advances after a failed start")
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-2 * time.Hour)

	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID:             "sched-missed",
		WorkflowID:     "cleanup",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	require.NoError(t, sched.RecoverMissed(ctx))

	// Missed ticks collapse into a single run.
	assert.Equal(t, 1, runner.callCount())

	got, _ := ms.GetSchedule(ctx, "sched-missed")
	assert.Equal(t, StatusStarted, got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestInflightDedup(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockRunner{})

	assert.True(t, sched.tryAcquire("a"))
	assert.False(t, sched.tryAcquire("a"))
	sched.release("a")
	assert.True(t, sched.tryAcquire("a"))
}

func TestStartStop(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, ms.CreateSchedule(context.Background(), &store.Schedule{
		ID:             "sched-start",
		WorkflowID:     "digest",
		CronExpression: "* * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	require.NoError(t, sched.Start(context.Background()))
	require.Error(t, sched.Start(context.Background()), "double start")

	assert.Eventually(t, func() bool { return runner.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Stop(), "stop is idempotent")
}
