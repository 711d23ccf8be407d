package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/gizmax/sandcastle/pkg/optimizer"
)

// ExperimentStatus enumerates autopilot experiment states.
type ExperimentStatus string

const (
	ExperimentRunning   ExperimentStatus = "running"
	ExperimentCompleted ExperimentStatus = "completed"
	ExperimentCancelled ExperimentStatus = "cancelled"
)

// Experiment is a persisted autopilot experiment for one (workflow, step).
type Experiment struct {
	ID                string
	WorkflowName      string
	StepID            string
	Status            ExperimentStatus
	OptimizeFor       string
	Config            map[string]any
	DeployedVariantID string
	CreatedAt         time.Time
	CompletedAt       time.Time
}

// LatestExperiment returns the most recent experiment for a workflow+step
// regardless of status, or nil.
func (s *Store) LatestExperiment(ctx context.Context, workflowName, stepID string) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_name, step_id, status, optimize_for, config,
			deployed_variant_id, created_at, completed_at
		FROM autopilot_experiments
		WHERE workflow_name = ? AND step_id = ?
		ORDER BY created_at DESC LIMIT 1`, workflowName, stepID)
	exp, err := scanExperiment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return exp, err
}

// GetOrCreateExperiment returns the running experiment for a workflow+step,
// creating one when absent.
func (s *Store) GetOrCreateExperiment(ctx context.Context, workflowName, stepID, optimizeFor string, config map[string]any) (*Experiment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_name, step_id, status, optimize_for, config,
			deployed_variant_id, created_at, completed_at
		FROM autopilot_experiments
		WHERE workflow_name = ? AND step_id = ? AND status = ?`,
		workflowName, stepID, string(ExperimentRunning))
	exp, err := scanExperiment(row)
	if err == nil {
		return exp, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	exp = &Experiment{
		ID:           uuid.NewString(),
		WorkflowName: workflowName,
		StepID:       stepID,
		Status:       ExperimentRunning,
		OptimizeFor:  optimizeFor,
		Config:       config,
		CreatedAt:    time.Now().UTC(),
	}
	cfg, err := marshalJSON(config)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO autopilot_experiments (id, workflow_name, step_id, status,
			optimize_for, config, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exp.ID, workflowName, stepID, string(ExperimentRunning), optimizeFor, cfg,
		exp.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	return exp, nil
}

func scanExperiment(row rowScanner) (*Experiment, error) {
	var exp Experiment
	var status string
	var config, deployed, createdAt, completedAt sql.NullString
	err := row.Scan(&exp.ID, &exp.WorkflowName, &exp.StepID, &status, &exp.OptimizeFor,
		&config, &deployed, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}
	exp.Status = ExperimentStatus(status)
	exp.DeployedVariantID = deployed.String
	exp.CreatedAt = parseTime(createdAt)
	exp.CompletedAt = parseTime(completedAt)
	if err := unmarshalJSON(config, &exp.Config); err != nil {
		return nil, err
	}
	return &exp, nil
}

// CompleteExperiment marks a running experiment completed with its winner.
func (s *Store) CompleteExperiment(ctx context.Context, experimentID, winnerVariantID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE autopilot_experiments
		SET status = ?, deployed_variant_id = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(ExperimentCompleted), winnerVariantID,
		time.Now().UTC().Format(time.RFC3339Nano), experimentID, string(ExperimentRunning))
	return err
}

// Sample is one recorded autopilot variant execution.
type Sample struct {
	ID              string
	ExperimentID    string
	RunID           string
	VariantID       string
	VariantConfig   map[string]any
	Output          any
	QualityScore    float64
	CostUSD         float64
	DurationSeconds float64
	CreatedAt       time.Time
}

// SaveSample records a sample result.
func (s *Store) SaveSample(ctx context.Context, sample *Sample) error {
	cfg, err := marshalJSON(sample.VariantConfig)
	if err != nil {
		return err
	}
	output, err := marshalJSON(sample.Output)
	if err != nil {
		return err
	}
	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}
	if sample.CreatedAt.IsZero() {
		sample.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO autopilot_samples (id, experiment_id, run_id, variant_id,
			variant_config, output_data, quality_score, cost_usd, duration_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.ID, sample.ExperimentID, nullString(sample.RunID), sample.VariantID,
		cfg, output, sample.QualityScore, sample.CostUSD, sample.DurationSeconds,
		sample.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// SampleCounts returns per-variant sample counts for an experiment.
func (s *Store) SampleCounts(ctx context.Context, experimentID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT variant_id, COUNT(*) FROM autopilot_samples
		WHERE experiment_id = ? GROUP BY variant_id`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var variant string
		var count int
		if err := rows.Scan(&variant, &count); err != nil {
			return nil, err
		}
		counts[variant] = count
	}
	return counts, rows.Err()
}

// VariantStats is an experiment's aggregated per-variant performance.
type VariantStats struct {
	VariantID   string
	Count       int
	AvgQuality  float64
	AvgCost     float64
	AvgDuration float64
}

// ExperimentStats aggregates samples per variant.
func (s *Store) ExperimentStats(ctx context.Context, experimentID string) ([]VariantStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT variant_id, COUNT(*),
			COALESCE(AVG(quality_score), 0),
			COALESCE(AVG(cost_usd), 0),
			COALESCE(AVG(duration_seconds), 0)
		FROM autopilot_samples WHERE experiment_id = ?
		GROUP BY variant_id ORDER BY variant_id`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []VariantStats
	for rows.Next() {
		var vs VariantStats
		if err := rows.Scan(&vs.VariantID, &vs.Count, &vs.AvgQuality, &vs.AvgCost, &vs.AvgDuration); err != nil {
			return nil, err
		}
		stats = append(stats, vs)
	}
	return stats, rows.Err()
}

// PerformanceStats implements optimizer.StatsSource: per-model aggregates
// over completed run steps (keyed by the model actually recorded on each
// step) merged with autopilot samples, which carry quality scores.
func (s *Store) PerformanceStats(ctx context.Context, workflowName, stepID string) ([]optimizer.PerformanceStats, error) {
	byModel := make(map[string]*optimizer.PerformanceStats)

	rows, err := s.db.QueryContext(ctx, `
		SELECT rs.model, COUNT(*),
			COALESCE(AVG(rs.cost_usd), 0),
			COALESCE(AVG(rs.duration_seconds), 0)
		FROM run_steps rs
		JOIN runs r ON r.id = rs.run_id
		WHERE rs.step_id = ? AND rs.status = 'completed'
			AND r.workflow_name = ? AND rs.model IS NOT NULL
		GROUP BY rs.model`, stepID, workflowName)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var model string
		var count int
		var avgCost, avgDuration float64
		if err := rows.Scan(&model, &count, &avgCost, &avgDuration); err != nil {
			rows.Close()
			return nil, err
		}
		byModel[model] = &optimizer.PerformanceStats{
			Model: model, AvgCost: avgCost, AvgLatency: avgDuration, SampleCount: count,
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Autopilot samples override: they carry quality scores. The variant
	// config records the model the variant ran on.
	rows, err = s.db.QueryContext(ctx, `
		SELECT COALESCE(json_extract(sa.variant_config, '$.model'), sa.variant_id),
			COUNT(*),
			COALESCE(AVG(sa.quality_score), 0),
			COALESCE(AVG(sa.cost_usd), 0),
			COALESCE(AVG(sa.duration_seconds), 0)
		FROM autopilot_samples sa
		JOIN autopilot_experiments ex ON ex.id = sa.experiment_id
		WHERE ex.step_id = ? AND ex.workflow_name = ?
		GROUP BY 1`, stepID, workflowName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var model string
		var count int
		var avgQuality, avgCost, avgDuration float64
		if err := rows.Scan(&model, &count, &avgQuality, &avgCost, &avgDuration); err != nil {
			return nil, err
		}
		byModel[model] = &optimizer.PerformanceStats{
			Model: model, AvgQuality: avgQuality, HasQuality: true,
			AvgCost: avgCost, AvgLatency: avgDuration, SampleCount: count,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats := make([]optimizer.PerformanceStats, 0, len(byModel))
	for _, st := range byModel {
		stats = append(stats, *st)
	}
	return stats, nil
}

// RoutingDecision is one persisted optimizer invocation.
type RoutingDecision struct {
	ID             string
	RunID          string
	StepID         string
	SelectedModel  string
	VariantID      string
	Reason         string
	BudgetPressure float64
	Confidence     float64
	Alternatives   []string
	SLO            map[string]any
	CreatedAt      time.Time
}

// SaveRoutingDecision inserts a routing-decision row.
func (s *Store) SaveRoutingDecision(ctx context.Context, d *RoutingDecision) error {
	alternatives, err := marshalJSON(d.Alternatives)
	if err != nil {
		return err
	}
	slo, err := marshalJSON(d.SLO)
	if err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO routing_decisions (id, run_id, step_id, selected_model, variant_id,
			reason, budget_pressure, confidence, alternatives, slo, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RunID, d.StepID, d.SelectedModel, nullString(d.VariantID),
		nullString(d.Reason), d.BudgetPressure, d.Confidence, alternatives, slo,
		d.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// RoutingDecisions lists a run's routing decisions in order.
func (s *Store) RoutingDecisions(ctx context.Context, runID string) ([]*RoutingDecision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, selected_model, variant_id, reason,
			budget_pressure, confidence, alternatives, slo, created_at
		FROM routing_decisions WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []*RoutingDecision
	for rows.Next() {
		var d RoutingDecision
		var variant, reason, alternatives, slo, createdAt sql.NullString
		if err := rows.Scan(&d.ID, &d.RunID, &d.StepID, &d.SelectedModel, &variant,
			&reason, &d.BudgetPressure, &d.Confidence, &alternatives, &slo, &createdAt); err != nil {
			return nil, err
		}
		d.VariantID = variant.String
		d.Reason = reason.String
		d.CreatedAt = parseTime(createdAt)
		if err := unmarshalJSON(alternatives, &d.Alternatives); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(slo, &d.SLO); err != nil {
			return nil, err
		}
		decisions = append(decisions, &d)
	}
	return decisions, rows.Err()
}

// PolicyViolationRow is a denormalized persisted violation.
type PolicyViolationRow struct {
	ID             string
	RunID          string
	StepID         string
	PolicyID       string
	Severity       string
	TriggerDetails string
	ActionTaken    string
	OutputModified bool
	CreatedAt      time.Time
}

// SavePolicyViolation inserts a violation row.
func (s *Store) SavePolicyViolation(ctx context.Context, v *PolicyViolationRow) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_violations (id, run_id, step_id, policy_id, severity,
			trigger_details, action_taken, output_modified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.RunID, v.StepID, v.PolicyID, v.Severity,
		nullString(v.TriggerDetails), nullString(v.ActionTaken),
		boolInt(v.OutputModified), v.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// PolicyViolations lists a run's violation rows.
func (s *Store) PolicyViolations(ctx context.Context, runID string) ([]*PolicyViolationRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, policy_id, severity, trigger_details,
			action_taken, output_modified, created_at
		FROM policy_violations WHERE run_id = ? ORDER BY created_at`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var violations []*PolicyViolationRow
	for rows.Next() {
		var v PolicyViolationRow
		var details, action, createdAt sql.NullString
		var modified int
		if err := rows.Scan(&v.ID, &v.RunID, &v.StepID, &v.PolicyID, &v.Severity,
			&details, &action, &modified, &createdAt); err != nil {
			return nil, err
		}
		v.TriggerDetails = details.String
		v.ActionTaken = action.String
		v.OutputModified = modified != 0
		v.CreatedAt = parseTime(createdAt)
		violations = append(violations, &v)
	}
	return violations, rows.Err()
}
