// Package autopilot runs A/B experiments over step variants, scores their
// outputs, and selects winners.
package autopilot

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/gizmax/sandcastle/internal/store"
)

// VariantConfig is one A/B variant of a step. Empty fields inherit the
// base step definition.
type VariantConfig struct {
	ID       string `yaml:"id" json:"id"`
	Model    string `yaml:"model,omitempty" json:"model,omitempty"`
	Prompt   string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	MaxTurns int    `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`
}

// EvaluationConfig selects how outputs are scored.
type EvaluationConfig struct {
	// Method is "schema_completeness" or "llm_judge".
	Method   string `yaml:"method" json:"method"`
	Criteria string `yaml:"criteria,omitempty" json:"criteria,omitempty"`
}

// Config enables experimentation on a step.
type Config struct {
	Enabled          bool              `yaml:"enabled" json:"enabled"`
	OptimizeFor      string            `yaml:"optimize_for" json:"optimize_for"`
	Variants         []VariantConfig   `yaml:"variants" json:"variants"`
	MinSamples       int               `yaml:"min_samples" json:"min_samples"`
	AutoDeploy       bool              `yaml:"auto_deploy" json:"auto_deploy"`
	QualityThreshold float64           `yaml:"quality_threshold" json:"quality_threshold"`
	SampleRate       float64           `yaml:"sample_rate" json:"sample_rate"`
	Evaluation       *EvaluationConfig `yaml:"evaluation,omitempty" json:"evaluation,omitempty"`
}

// Judge asks a cheap model to score an output, returning its raw text.
type Judge func(ctx context.Context, prompt string) (string, error)

// Winner is the selected variant of a completed experiment.
type Winner struct {
	VariantID   string
	Count       int
	AvgQuality  float64
	AvgCost     float64
	AvgDuration float64
}

// Experimenter drives experiment lifecycle against the store.
type Experimenter struct {
	store  *store.Store
	judge  Judge
	logger *slog.Logger
}

// New creates an experimenter. The judge may be nil; llm_judge evaluation
// then falls back to the neutral score.
func New(st *store.Store, judge Judge, logger *slog.Logger) *Experimenter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Experimenter{store: st, judge: judge, logger: logger}
}

// PickVariant finds or creates the running experiment for a workflow+step
// and returns the least-sampled variant (first in list order on ties).
// Once an experiment completed with a deployed winner, the winner is
// returned instead of opening a new experiment.
func (e *Experimenter) PickVariant(ctx context.Context, workflowName, stepID string, cfg Config) (*store.Experiment, *VariantConfig, error) {
	if len(cfg.Variants) == 0 {
		return nil, nil, nil
	}

	latest, err := e.store.LatestExperiment(ctx, workflowName, stepID)
	if err != nil {
		return nil, nil, err
	}
	if latest != nil && latest.Status == store.ExperimentCompleted && latest.DeployedVariantID != "" {
		for _, v := range cfg.Variants {
			if v.ID == latest.DeployedVariantID {
				return latest, &v, nil
			}
		}
		return latest, nil, nil
	}

	variants := make([]map[string]any, 0, len(cfg.Variants))
	for _, v := range cfg.Variants {
		variants = append(variants, map[string]any{
			"id": v.ID, "model": v.Model, "prompt": v.Prompt, "max_turns": v.MaxTurns,
		})
	}
	exp, err := e.store.GetOrCreateExperiment(ctx, workflowName, stepID, cfg.OptimizeFor, map[string]any{
		"variants":          variants,
		"min_samples":       cfg.MinSamples,
		"auto_deploy":       cfg.AutoDeploy,
		"quality_threshold": cfg.QualityThreshold,
		"sample_rate":       cfg.SampleRate,
	})
	if err != nil {
		return nil, nil, err
	}
	if exp.Status != store.ExperimentRunning {
		return exp, nil, nil
	}

	counts, err := e.store.SampleCounts(ctx, exp.ID)
	if err != nil {
		return nil, nil, err
	}

	selected := cfg.Variants[0]
	minCount := math.MaxInt
	for _, v := range cfg.Variants {
		if counts[v.ID] < minCount {
			minCount = counts[v.ID]
			selected = v
		}
	}
	return exp, &selected, nil
}

// Score evaluates an output's quality in [0, 1].
func (e *Experimenter) Score(ctx context.Context, cfg Config, outputSchema map[string]any, output any) float64 {
	method := "schema_completeness"
	if cfg.Evaluation != nil && cfg.Evaluation.Method != "" {
		method = cfg.Evaluation.Method
	}

	switch method {
	case "schema_completeness":
		return schemaCompleteness(output, outputSchema)
	case "llm_judge":
		return e.llmJudge(ctx, cfg, output)
	default:
		if output != nil {
			return 1.0
		}
		return 0.0
	}
}

// schemaCompleteness is the fraction of schema properties present and
// non-null in the output.
func schemaCompleteness(output any, schema map[string]any) float64 {
	if schema == nil {
		if output != nil {
			return 1.0
		}
		return 0.0
	}
	obj, ok := output.(map[string]any)
	if !ok {
		return 0.0
	}
	properties, ok := schema["properties"].(map[string]any)
	if !ok || len(properties) == 0 {
		return 1.0
	}
	present := 0
	for key := range properties {
		if v, ok := obj[key]; ok && v != nil {
			present++
		}
	}
	return float64(present) / float64(len(properties))
}

// llmJudge asks the judge model for a float in [0, 1]. Failures score a
// neutral 0.5.
func (e *Experimenter) llmJudge(ctx context.Context, cfg Config, output any) float64 {
	if e.judge == nil {
		return 0.5
	}
	criteria := "overall quality"
	if cfg.Evaluation != nil && cfg.Evaluation.Criteria != "" {
		criteria = cfg.Evaluation.Criteria
	}
	text := fmt.Sprintf("%v", output)
	if len(text) > 2000 {
		text = text[:2000]
	}
	prompt := fmt.Sprintf(
		"Rate the following output on a scale of 0.0 to 1.0 based on: %s\n\nOutput:\n%s\n\nRespond with ONLY a number between 0.0 and 1.0.",
		criteria, text)

	reply, err := e.judge(ctx, prompt)
	if err != nil {
		e.logger.Warn("llm judge evaluation failed", "error", err)
		return 0.5
	}
	score, err := strconv.ParseFloat(strings.TrimSpace(reply), 64)
	if err != nil {
		e.logger.Warn("llm judge returned non-numeric score", "reply", reply)
		return 0.5
	}
	return math.Max(0, math.Min(1, score))
}

// RecordSample persists one variant execution.
func (e *Experimenter) RecordSample(ctx context.Context, experimentID, runID string, variant VariantConfig, output any, qualityScore, costUSD, durationSeconds float64) error {
	prompt := variant.Prompt
	if len(prompt) > 200 {
		prompt = prompt[:200]
	}
	sample := &store.Sample{
		ExperimentID: experimentID,
		RunID:        runID,
		VariantID:    variant.ID,
		VariantConfig: map[string]any{
			"model": variant.Model, "prompt": prompt, "max_turns": variant.MaxTurns,
		},
		Output:          output,
		QualityScore:    qualityScore,
		CostUSD:         costUSD,
		DurationSeconds: durationSeconds,
	}
	return e.store.SaveSample(ctx, sample)
}

// MaybeComplete selects a winner once min-samples is reached, completing
// the experiment when auto-deploy is set. Returns nil before that point.
func (e *Experimenter) MaybeComplete(ctx context.Context, experimentID string, cfg Config) (*Winner, error) {
	counts, err := e.store.SampleCounts(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	if total < cfg.MinSamples {
		return nil, nil
	}

	stats, err := e.store.ExperimentStats(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	winner := SelectWinner(stats, cfg)
	if winner == nil {
		return nil, nil
	}

	if cfg.AutoDeploy {
		if err := e.store.CompleteExperiment(ctx, experimentID, winner.VariantID); err != nil {
			return nil, err
		}
		e.logger.Info("autopilot experiment completed",
			"experiment", experimentID, "winner", winner.VariantID, "objective", cfg.OptimizeFor)
	}
	return winner, nil
}

// SelectWinner picks the best variant by the optimization objective.
// Variants below the quality threshold are filtered; when none survive,
// the best-quality variant wins anyway.
func SelectWinner(stats []store.VariantStats, cfg Config) *Winner {
	if len(stats) == 0 {
		return nil
	}

	var candidates []store.VariantStats
	for _, s := range stats {
		if s.AvgQuality >= cfg.QualityThreshold {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		best := stats[0]
		for _, s := range stats[1:] {
			if s.AvgQuality > best.AvgQuality {
				best = s
			}
		}
		return winnerFrom(best)
	}

	switch cfg.OptimizeFor {
	case "cost":
		best := candidates[0]
		for _, s := range candidates[1:] {
			if s.AvgCost < best.AvgCost {
				best = s
			}
		}
		return winnerFrom(best)
	case "latency":
		best := candidates[0]
		for _, s := range candidates[1:] {
			if s.AvgDuration < best.AvgDuration {
				best = s
			}
		}
		return winnerFrom(best)
	case "pareto":
		var maxCost, maxDur float64
		for _, s := range candidates {
			maxCost = math.Max(maxCost, s.AvgCost)
			maxDur = math.Max(maxDur, s.AvgDuration)
		}
		if maxCost == 0 {
			maxCost = 1
		}
		if maxDur == 0 {
			maxDur = 1
		}
		best := candidates[0]
		bestScore := math.Inf(-1)
		for _, s := range candidates {
			score := (s.AvgQuality + (1 - s.AvgCost/maxCost) + (1 - s.AvgDuration/maxDur)) / 3
			if score > bestScore {
				best, bestScore = s, score
			}
		}
		return winnerFrom(best)
	default: // quality
		best := candidates[0]
		for _, s := range candidates[1:] {
			if s.AvgQuality > best.AvgQuality {
				best = s
			}
		}
		return winnerFrom(best)
	}
}

func winnerFrom(s store.VariantStats) *Winner {
	return &Winner{
		VariantID:   s.VariantID,
		Count:       s.Count,
		AvgQuality:  s.AvgQuality,
		AvgCost:     s.AvgCost,
		AvgDuration: s.AvgDuration,
	}
}
