package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	pkgerrors "github.com/gizmax/sandcastle/pkg/errors"
)

// RunStatus enumerates run lifecycle states.
type RunStatus string

const (
	RunQueued           RunStatus = "queued"
	RunRunning          RunStatus = "running"
	RunCompleted        RunStatus = "completed"
	RunFailed           RunStatus = "failed"
	RunPartial          RunStatus = "partial"
	RunCancelled        RunStatus = "cancelled"
	RunBudgetExceeded   RunStatus = "budget_exceeded"
	RunAwaitingApproval RunStatus = "awaiting_approval"
)

// Terminal reports whether a run status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunPartial, RunCancelled, RunBudgetExceeded:
		return true
	}
	return false
}

// Run is the persisted run record.
type Run struct {
	ID                string
	WorkflowName      string
	WorkflowVersion   int
	Status            RunStatus
	Input             map[string]any
	Output            map[string]any
	TotalCostUSD      float64
	StartedAt         time.Time
	CompletedAt       time.Time
	Error             string
	CallbackURL       string
	TenantID          string
	IdempotencyKey    string
	MaxCostUSD        float64
	ParentRunID       string
	SubWorkflowOfStep string
	ReplayFromStep    string
	ForkChanges       map[string]any
	Depth             int
	CreatedAt         time.Time
}

// CreateRun inserts a run. When the run carries an idempotency key and a
// run with the same (tenant, key) exists, the existing run is returned
// with created=false.
func (s *Store) CreateRun(ctx context.Context, run *Run) (existing *Run, created bool, err error) {
	if run.IdempotencyKey != "" {
		prior, err := s.runByIdempotencyKey(ctx, run.TenantID, run.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		if prior != nil {
			return prior, false, nil
		}
	}

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	input, err := marshalJSON(run.Input)
	if err != nil {
		return nil, false, err
	}
	fork, err := marshalJSON(run.ForkChanges)
	if err != nil {
		return nil, false, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_name, workflow_version, status, input_data,
			total_cost_usd, callback_url, tenant_id, idempotency_key, max_cost_usd,
			parent_run_id, sub_workflow_of_step, replay_from_step, fork_changes,
			depth, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowName, run.WorkflowVersion, string(run.Status), input,
		nullString(run.CallbackURL), nullString(run.TenantID), nullString(run.IdempotencyKey),
		nullFloat(run.MaxCostUSD), nullString(run.ParentRunID), nullString(run.SubWorkflowOfStep),
		nullString(run.ReplayFromStep), fork, run.Depth, run.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		// Idempotency-key races land on the partial unique index.
		if run.IdempotencyKey != "" && strings.Contains(err.Error(), "UNIQUE") {
			prior, lookupErr := s.runByIdempotencyKey(ctx, run.TenantID, run.IdempotencyKey)
			if lookupErr == nil && prior != nil {
				return prior, false, nil
			}
		}
		return nil, false, fmt.Errorf("creating run: %w", err)
	}
	return run, true, nil
}

func nullFloat(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: f != 0}
}

func (s *Store) runByIdempotencyKey(ctx context.Context, tenantID, key string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE tenant_id IS ? AND idempotency_key = ?`,
		nullString(tenantID), key)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

const runColumns = `id, workflow_name, workflow_version, status, input_data, output_data,
	total_cost_usd, started_at, completed_at, error, callback_url, tenant_id,
	idempotency_key, max_cost_usd, parent_run_id, sub_workflow_of_step,
	replay_from_step, fork_changes, depth, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var status string
	var input, output, errText, callback, tenant, idem, parent, subStep, replay, fork sql.NullString
	var startedAt, completedAt, createdAt sql.NullString
	var version sql.NullInt64
	var maxCost sql.NullFloat64

	err := row.Scan(&run.ID, &run.WorkflowName, &version, &status, &input, &output,
		&run.TotalCostUSD, &startedAt, &completedAt, &errText, &callback, &tenant,
		&idem, &maxCost, &parent, &subStep, &replay, &fork, &run.Depth, &createdAt)
	if err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.WorkflowVersion = int(version.Int64)
	run.Error = errText.String
	run.CallbackURL = callback.String
	run.TenantID = tenant.String
	run.IdempotencyKey = idem.String
	run.MaxCostUSD = maxCost.Float64
	run.ParentRunID = parent.String
	run.SubWorkflowOfStep = subStep.String
	run.ReplayFromStep = replay.String
	run.StartedAt = parseTime(startedAt)
	run.CompletedAt = parseTime(completedAt)
	run.CreatedAt = parseTime(createdAt)
	if err := unmarshalJSON(input, &run.Input); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(output, &run.Output); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(fork, &run.ForkChanges); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &pkgerrors.NotFoundError{Resource: "run", ID: id}
	}
	return run, err
}

// MarkRunStarted transitions a run to running and stamps started_at.
func (s *Store) MarkRunStarted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(RunRunning), time.Now().UTC().Format(time.RFC3339Nano), id, string(RunQueued))
	return err
}

// SetRunStatus updates a non-terminal run's status.
func (s *Store) SetRunStatus(ctx context.Context, id string, status RunStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?
		WHERE id = ? AND status NOT IN ('completed','failed','partial','cancelled','budget_exceeded')`,
		string(status), id)
	return err
}

// FinalizeRun writes the terminal state of a run. Terminal runs are
// immutable: a second finalize is a no-op.
func (s *Store) FinalizeRun(ctx context.Context, id string, status RunStatus, outputs map[string]any, totalCost float64, runErr string) error {
	output, err := marshalJSON(outputs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, output_data = ?, total_cost_usd = ?, error = ?, completed_at = ?
		WHERE id = ? AND status NOT IN ('completed','failed','partial','cancelled','budget_exceeded')`,
		string(status), output, totalCost, nullString(runErr),
		time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// CancelRun persists cancelled on a run unless it is already terminal.
// It reports whether the status changed.
func (s *Store) CancelRun(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, completed_at = ?
		WHERE id = ? AND status NOT IN ('completed','failed','partial','cancelled','budget_exceeded')`,
		string(RunCancelled), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AddRunCost accumulates cost onto the run record.
func (s *Store) AddRunCost(ctx context.Context, id string, cost float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET total_cost_usd = total_cost_usd + ? WHERE id = ?`, cost, id)
	return err
}

// ChildRuns lists runs whose parent is the given run.
func (s *Store) ChildRuns(ctx context.Context, parentID string) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE parent_run_id = ? ORDER BY created_at`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
