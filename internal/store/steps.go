package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// StepStatus enumerates step lifecycle states.
type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepRunning          StepStatus = "running"
	StepCompleted        StepStatus = "completed"
	StepFailed           StepStatus = "failed"
	StepSkipped          StepStatus = "skipped"
	StepAwaitingApproval StepStatus = "awaiting_approval"
)

// RunStep is the persisted record of one step execution.
type RunStep struct {
	ID                    string
	RunID                 string
	StepID                string
	ParallelIndex         int // -1 when not fanned out
	Status                StepStatus
	InputPrompt           string
	Output                any
	CostUSD               float64
	DurationSeconds       float64
	Attempt               int
	Error                 string
	Model                 string
	SubRunIDs             []string
	PolicyViolationsCount int
	PolicyActions         []string
	StartedAt             time.Time
	CompletedAt           time.Time
}

// SaveRunStep inserts or replaces a step record.
func (s *Store) SaveRunStep(ctx context.Context, step *RunStep) error {
	output, err := marshalJSON(step.Output)
	if err != nil {
		return err
	}
	subRuns, err := marshalJSON(step.SubRunIDs)
	if err != nil {
		return err
	}
	actions, err := marshalJSON(step.PolicyActions)
	if err != nil {
		return err
	}
	var parallel sql.NullInt64
	if step.ParallelIndex >= 0 {
		parallel = sql.NullInt64{Int64: int64(step.ParallelIndex), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO run_steps (id, run_id, step_id, parallel_index, status,
			input_prompt, output_data, cost_usd, duration_seconds, attempt, error, model,
			sub_run_ids, policy_violations_count, policy_actions, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.StepID, parallel, string(step.Status),
		nullString(step.InputPrompt), output, step.CostUSD, step.DurationSeconds,
		step.Attempt, nullString(step.Error), nullString(step.Model),
		subRuns, step.PolicyViolationsCount, actions,
		nullTime(step.StartedAt), nullTime(step.CompletedAt))
	return err
}

// RunSteps lists a run's step records ordered by start time.
func (s *Store) RunSteps(ctx context.Context, runID string) ([]*RunStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, parallel_index, status, input_prompt, output_data,
			cost_usd, duration_seconds, attempt, error, model, sub_run_ids,
			policy_violations_count, policy_actions, started_at, completed_at
		FROM run_steps WHERE run_id = ? ORDER BY started_at, parallel_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*RunStep
	for rows.Next() {
		var step RunStep
		var parallel sql.NullInt64
		var status string
		var prompt, output, errText, model, subRuns, actions sql.NullString
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&step.ID, &step.RunID, &step.StepID, &parallel, &status,
			&prompt, &output, &step.CostUSD, &step.DurationSeconds, &step.Attempt,
			&errText, &model, &subRuns, &step.PolicyViolationsCount, &actions,
			&startedAt, &completedAt); err != nil {
			return nil, err
		}
		step.ParallelIndex = -1
		if parallel.Valid {
			step.ParallelIndex = int(parallel.Int64)
		}
		step.Status = StepStatus(status)
		step.InputPrompt = prompt.String
		step.Error = errText.String
		step.Model = model.String
		step.StartedAt = parseTime(startedAt)
		step.CompletedAt = parseTime(completedAt)
		if err := unmarshalJSON(output, &step.Output); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(subRuns, &step.SubRunIDs); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(actions, &step.PolicyActions); err != nil {
			return nil, err
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

// Checkpoint is a snapshot of run context after a completed stage.
type Checkpoint struct {
	ID          string
	RunID       string
	StageIndex  int
	StepOutputs map[string]any
	Costs       []float64
	CreatedAt   time.Time
}

// SaveCheckpoint upserts the checkpoint for (run, stage).
func (s *Store) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	outputs, err := marshalJSON(cp.StepOutputs)
	if err != nil {
		return err
	}
	costs, err := marshalJSON(cp.Costs)
	if err != nil {
		return err
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run_checkpoints (id, run_id, stage_index, step_outputs, costs, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, stage_index) DO UPDATE SET
			step_outputs = excluded.step_outputs,
			costs = excluded.costs,
			created_at = excluded.created_at`,
		cp.ID, cp.RunID, cp.StageIndex, outputs, costs, cp.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// LatestCheckpoint returns the highest-stage checkpoint for a run, or nil.
func (s *Store) LatestCheckpoint(ctx context.Context, runID string) (*Checkpoint, error) {
	return s.checkpointQuery(ctx,
		`SELECT id, run_id, stage_index, step_outputs, costs, created_at
		 FROM run_checkpoints WHERE run_id = ? ORDER BY stage_index DESC LIMIT 1`, runID)
}

// CheckpointAt returns the checkpoint for a specific stage, or nil.
func (s *Store) CheckpointAt(ctx context.Context, runID string, stageIndex int) (*Checkpoint, error) {
	return s.checkpointQuery(ctx,
		`SELECT id, run_id, stage_index, step_outputs, costs, created_at
		 FROM run_checkpoints WHERE run_id = ? AND stage_index = ?`, runID, stageIndex)
}

func (s *Store) checkpointQuery(ctx context.Context, query string, args ...any) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	var cp Checkpoint
	var outputs, costs, createdAt sql.NullString
	err := row.Scan(&cp.ID, &cp.RunID, &cp.StageIndex, &outputs, &costs, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cp.CreatedAt = parseTime(createdAt)
	if err := unmarshalJSON(outputs, &cp.StepOutputs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(costs, &cp.Costs); err != nil {
		return nil, err
	}
	return &cp, nil
}

// CacheEntry is a persisted step-cache row.
type CacheEntry struct {
	CacheKey     string
	WorkflowName string
	StepID       string
	Model        string
	Output       any
	CostUSD      float64
	HitCount     int
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// CacheGet returns an unexpired cache entry and increments its hit count.
func (s *Store) CacheGet(ctx context.Context, cacheKey string) (*CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cache_key, workflow_name, step_id, model, output_data, cost_usd,
			hit_count, expires_at, created_at
		FROM step_cache WHERE cache_key = ?`, cacheKey)

	var entry CacheEntry
	var output, expiresAt, createdAt sql.NullString
	err := row.Scan(&entry.CacheKey, &entry.WorkflowName, &entry.StepID, &entry.Model,
		&output, &entry.CostUSD, &entry.HitCount, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry.ExpiresAt = parseTime(expiresAt)
	entry.CreatedAt = parseTime(createdAt)
	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		return nil, nil
	}
	if err := unmarshalJSON(output, &entry.Output); err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE step_cache SET hit_count = hit_count + 1 WHERE cache_key = ?`, cacheKey); err != nil {
		return nil, err
	}
	entry.HitCount++
	return &entry, nil
}

// CachePut writes a cache entry; last writer wins on cache_key.
func (s *Store) CachePut(ctx context.Context, entry *CacheEntry) error {
	output, err := marshalJSON(entry.Output)
	if err != nil {
		return err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO step_cache (cache_key, workflow_name, step_id, model,
			output_data, cost_usd, hit_count, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		entry.CacheKey, entry.WorkflowName, entry.StepID, entry.Model, output,
		entry.CostUSD, nullTime(entry.ExpiresAt), entry.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// DeadLetterItem retains a non-recoverable step failure for manual triage.
type DeadLetterItem struct {
	ID            string
	RunID         string
	StepID        string
	ParallelIndex int
	Error         string
	Input         map[string]any
	Attempts      int
	CreatedAt     time.Time
	ResolvedAt    time.Time
	ResolvedBy    string
}

// SaveDeadLetter inserts a dead-letter row.
func (s *Store) SaveDeadLetter(ctx context.Context, item *DeadLetterItem) error {
	input, err := marshalJSON(item.Input)
	if err != nil {
		return err
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	var parallel sql.NullInt64
	if item.ParallelIndex >= 0 {
		parallel = sql.NullInt64{Int64: int64(item.ParallelIndex), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letter_queue (id, run_id, step_id, parallel_index, error,
			input_data, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.RunID, item.StepID, parallel, nullString(item.Error),
		input, item.Attempts, item.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// ResolveDeadLetter stamps a dead-letter item resolved.
func (s *Store) ResolveDeadLetter(ctx context.Context, id, resolvedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dead_letter_queue SET resolved_at = ?, resolved_by = ?
		WHERE id = ? AND resolved_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), resolvedBy, id)
	return err
}

// DeadLetters lists unresolved dead-letter items for a run.
func (s *Store) DeadLetters(ctx context.Context, runID string) ([]*DeadLetterItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, parallel_index, error, input_data, attempts,
			created_at, resolved_at, resolved_by
		FROM dead_letter_queue WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*DeadLetterItem
	for rows.Next() {
		var item DeadLetterItem
		var parallel sql.NullInt64
		var errText, input, createdAt, resolvedAt, resolvedBy sql.NullString
		if err := rows.Scan(&item.ID, &item.RunID, &item.StepID, &parallel, &errText,
			&input, &item.Attempts, &createdAt, &resolvedAt, &resolvedBy); err != nil {
			return nil, err
		}
		item.ParallelIndex = -1
		if parallel.Valid {
			item.ParallelIndex = int(parallel.Int64)
		}
		item.Error = errText.String
		item.CreatedAt = parseTime(createdAt)
		item.ResolvedAt = parseTime(resolvedAt)
		item.ResolvedBy = resolvedBy.String
		if err := unmarshalJSON(input, &item.Input); err != nil {
			return nil, err
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}
