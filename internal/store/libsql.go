package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/agentflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/agentflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// One connection: SQLite serializes writers anyway and this keeps
	// per-run event sequences race-free across goroutines.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflow definitions ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.WorkflowDefinition) error {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, steps, created_at) VALUES (?, ?, ?, ?)`,
		wf.ID, wf.Name, string(steps), wf.CreatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, steps, created_at FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.WorkflowDefinition, error) {
	query := `SELECT id, name, steps, created_at FROM workflows`
	var args []any
	if filter.Name != "" {
		query += " WHERE name = ?"
		args = append(args, filter.Name)
	}
	query += " ORDER BY created_at DESC, rowid DESC" + limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.WorkflowDefinition
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*schema.WorkflowDefinition, error) {
	wf := &schema.WorkflowDefinition{}
	var steps string
	if err := row.Scan(&wf.ID, &wf.Name, &steps, &wf.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(steps), &wf.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps of workflow %s: %w", wf.ID, err)
	}
	return wf, nil
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = run.CreatedAt
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, workflow_id, status, input, error, cancel_requested, cancel_reason, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, string(run.Status), run.Input, nullStr(run.Error),
		run.CancelRequested, nullStr(run.CancelReason),
		run.CreatedAt, nullTime(run.StartedAt), nullTime(run.CompletedAt), run.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID).WithCause(err)
		}
		return fmt.Errorf("insert run: %w", err)
	}

	for i := range run.StepsResults {
		sr := &run.StepsResults[i]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO step_results (run_id, step_index, status, input_context, output, error, retries_used, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, sr.Index, string(sr.Status), nullStr(sr.InputContext), nullStr(sr.Output), nullStr(sr.Error),
			sr.RetriesUsed, nullTime(sr.StartedAt), nullTime(sr.CompletedAt),
		); err != nil {
			return fmt.Errorf("insert step placeholder %d: %w", sr.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

const runColumns = `r.id, r.workflow_id, COALESCE(w.name, ''), r.status, r.input, r.error, r.cancel_requested, r.cancel_reason,
	r.created_at, r.started_at, r.completed_at, r.updated_at`

const runFrom = ` FROM workflow_runs r LEFT JOIN workflows w ON w.id = r.workflow_id`

func scanRun(row rowScanner) (*Run, error) {
	r := &Run{}
	var (
		status                 string
		errMsg, cancelReason   sql.NullString
		startedAt, completedAt sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.WorkflowID, &r.WorkflowName, &status, &r.Input, &errMsg,
		&r.CancelRequested, &cancelReason, &r.CreatedAt, &startedAt, &completedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = schema.RunStatus(status)
	r.Error = errMsg.String
	r.CancelReason = cancelReason.String
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	return r, nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+runFrom+` WHERE r.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT step_index, status, input_context, output, error, retries_used, started_at, completed_at
		 FROM step_results WHERE run_id = ? ORDER BY step_index ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	run.StepsResults = []StepResult{}
	for rows.Next() {
		var (
			sr                       StepResult
			status                   string
			inputCtx, output, errMsg sql.NullString
			startedAt, completedAt   sql.NullTime
		)
		if err := rows.Scan(&sr.Index, &status, &inputCtx, &output, &errMsg, &sr.RetriesUsed, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		sr.Status = schema.StepStatus(status)
		sr.InputContext = inputCtx.String
		sr.Output = output.String
		sr.Error = errMsg.String
		sr.StartedAt = timePtr(startedAt)
		sr.CompletedAt = timePtr(completedAt)
		run.StepsResults = append(run.StepsResults, sr)
	}
	return run, rows.Err()
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.CancelRequested != nil {
		sets = append(sets, "cancel_requested = ?")
		args = append(args, *update.CancelRequested)
	}
	if update.CancelReason != nil {
		sets = append(sets, "cancel_reason = ?")
		args = append(args, nullStr(*update.CancelReason))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "r.workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "r.status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + runColumns + runFrom
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY r.created_at DESC, r.rowid DESC" + limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) UpdateStepResult(ctx context.Context, runID string, result *StepResult) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE step_results SET status = ?, input_context = ?, output = ?, error = ?, retries_used = ?, started_at = ?, completed_at = ?
		 WHERE run_id = ? AND step_index = ?`,
		string(result.Status), nullStr(result.InputContext), nullStr(result.Output), nullStr(result.Error),
		result.RetriesUsed, nullTime(result.StartedAt), nullTime(result.CompletedAt),
		runID, result.Index,
	)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "step result", fmt.Sprintf("%s/%d", runID, result.Index)); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE workflow_runs SET updated_at = ? WHERE id = ?`, time.Now().UTC(), runID)
	return err
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	sched.CreatedAt = timeOrNow(sched.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, workflow_id, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, last_run_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.WorkflowID, sched.CronExpression, sched.Input, sched.Enabled,
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt), nullStr(sched.LastRunStatus), nullStr(sched.LastRunID),
		sched.CreatedAt,
	)
	return err
}

const scheduleColumns = `id, workflow_id, cron_expression, input, enabled, last_run_at, next_run_at, last_run_status, last_run_id, created_at`

func scanSchedule(row rowScanner) (*Schedule, error) {
	sc := &Schedule{}
	var (
		lastRun, nextRun   sql.NullTime
		lastStatus, lastID sql.NullString
	)
	if err := row.Scan(&sc.ID, &sc.WorkflowID, &sc.CronExpression, &sc.Input, &sc.Enabled,
		&lastRun, &nextRun, &lastStatus, &lastID, &sc.CreatedAt); err != nil {
		return nil, err
	}
	sc.LastRunAt = timePtr(lastRun)
	sc.NextRunAt = timePtr(nextRun)
	sc.LastRunStatus = lastStatus.String
	sc.LastRunID = lastID.String
	return sc, nil
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	sc, err := scanSchedule(s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	return sc, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.LastRunID != "" {
		sets = append(sets, "last_run_id = ?")
		args = append(args, update.LastRunID)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC" + limitClause(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func limitClause(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	if offset > 0 {
		return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
