package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"math/rand"
	"time"

	"github.com/gizmax/sandcastle/internal/store"
	"github.com/gizmax/sandcastle/pkg/autopilot"
	"github.com/gizmax/sandcastle/pkg/optimizer"
	"github.com/gizmax/sandcastle/pkg/policy"
	"github.com/gizmax/sandcastle/pkg/sandbox"
)

// StepResult is the outcome of one step invocation.
type StepResult struct {
	StepID          string
	ParallelIndex   int // -1 when not fanned out
	Output          any
	CostUSD         float64
	DurationSeconds float64
	Status          store.StepStatus
	Attempt         int
	Error           string
	Model           string
	Prompt          string
	CacheHit        bool

	// Policy is the evaluation result when policies ran on the output.
	Policy *policy.EvalResult
}

// StepExecutor runs one step: cache lookup, template and storage
// resolution, optimizer and autopilot selection, the sandbox call with
// retry and fallback, and policy evaluation.
type StepExecutor struct {
	store    *store.Store
	storage  storageBackend
	runtime  *sandbox.Runtime
	optim    *optimizer.Optimizer
	pilot    *autopilot.Experimenter
	logger   *slog.Logger
	sleep    func(time.Duration)
	sampleFn func() float64
}

type storageBackend interface {
	Read(ctx context.Context, key string) (string, bool, error)
	Write(ctx context.Context, key, content string) error
}

// NewStepExecutor wires the step executor's collaborators. optim and
// pilot may be nil when the workflow uses neither.
func NewStepExecutor(st *store.Store, stor storageBackend, rt *sandbox.Runtime, optim *optimizer.Optimizer, pilot *autopilot.Experimenter, logger *slog.Logger) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{
		store:    st,
		storage:  stor,
		runtime:  rt,
		optim:    optim,
		pilot:    pilot,
		logger:   logger,
		sleep:    time.Sleep,
		sampleFn: rand.Float64,
	}
}

// CacheKey fingerprints a step invocation.
func CacheKey(workflowName, stepID, resolvedPrompt, model string) string {
	h := sha256.New()
	h.Write([]byte(workflowName))
	h.Write([]byte{0})
	h.Write([]byte(stepID))
	h.Write([]byte{0})
	h.Write([]byte(resolvedPrompt))
	h.Write([]byte{0})
	h.Write([]byte(model))
	return hex.EncodeToString(h.Sum(nil))
}

// Execute runs one step invocation against the run context. The returned
// error is non-nil only for context-level failures (cancellation);
// step-level failures are reported through the result's status.
func (e *StepExecutor) Execute(ctx context.Context, def *Definition, step *Step, rc *RunContext, cancel *Cancel, parallelIndex int) (*StepResult, error) {
	startedAt := time.Now()
	result := &StepResult{
		StepID:        step.ID,
		ParallelIndex: parallelIndex,
		Attempt:       1,
		Model:         step.Model,
	}

	// Resolve templates, then storage refs, sequentially.
	prompt := rc.ResolveTemplates(step.Prompt)
	prompt, err := ResolveStorageRefs(ctx, prompt, e.storage)
	if err != nil {
		e.logger.Warn("storage resolution failed", "step_id", step.ID, "error", err)
	}

	effective := *step
	effective.Prompt = prompt

	// AutoPilot variant selection overrides model/prompt/max_turns.
	var experiment *store.Experiment
	var variant *autopilot.VariantConfig
	if e.pilot != nil && step.AutoPilot != nil && step.AutoPilot.Enabled && e.sampled(step.AutoPilot) {
		experiment, variant, err = e.pilot.PickVariant(ctx, def.Name, step.ID, *step.AutoPilot)
		if err != nil {
			e.logger.Warn("autopilot variant pick failed", "step_id", step.ID, "error", err)
		} else if variant != nil {
			if variant.Model != "" {
				effective.Model = variant.Model
			}
			if variant.MaxTurns > 0 {
				effective.MaxTurns = variant.MaxTurns
			}
			if variant.Prompt != "" {
				resolved := rc.ResolveTemplates(variant.Prompt)
				if resolved, serr := ResolveStorageRefs(ctx, resolved, e.storage); serr == nil {
					effective.Prompt = resolved
				}
			}
		}
	}

	// Optimizer routing when the step declares an SLO.
	if e.optim != nil && step.SLO != nil && variant == nil {
		pool := optimizer.DefaultPool()
		if step.ModelPool != nil {
			pool = step.ModelPool.Resolve()
		}
		slo := *step.SLO
		if slo.OptimizeFor == "" {
			slo.OptimizeFor = "balanced"
		}
		pressure := optimizer.BudgetPressure(rc.TotalCost(), rc.MaxCostUSD)
		decision := e.optim.SelectModel(ctx, step.ID, def.Name, slo, pool, pressure)
		effective.Model = decision.Selected.Model
		if decision.Selected.MaxTurns > 0 {
			effective.MaxTurns = decision.Selected.MaxTurns
		}
		e.recordRouting(ctx, rc.RunID, step.ID, decision, slo)
	}

	result.Model = effective.Model
	result.Prompt = effective.Prompt

	// Cache lookup on the final (prompt, model) fingerprint.
	cacheKey := CacheKey(def.Name, step.ID, effective.Prompt, effective.Model)
	if !step.NoCache && variant == nil {
		if entry, err := e.store.CacheGet(ctx, cacheKey); err == nil && entry != nil {
			result.Output = entry.Output
			result.CostUSD = 0
			result.Status = store.StepCompleted
			result.CacheHit = true
			result.DurationSeconds = time.Since(startedAt).Seconds()
			e.logger.Info("step cache hit", "step_id", step.ID, "hits", entry.HitCount)
			return result, nil
		}
	}

	req := sandbox.Request{
		Prompt:   effective.Prompt,
		Model:    effective.Model,
		MaxTurns: effective.MaxTurns,
		Timeout:  effective.Timeout,
	}
	if effective.OutputSchema != nil {
		req.OutputFormat = map[string]any{
			"type":   "json_schema",
			"schema": effective.OutputSchema,
		}
	}

	retry := step.EffectiveRetry()
	var queryResult *sandbox.Result
	var usedModel string
	var lastErr error

	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		result.Attempt = attempt
		if cancel.Cancelled() {
			return nil, context.Canceled
		}
		queryResult, usedModel, lastErr = e.runtime.Query(ctx, req, cancel)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if cancel.Cancelled() {
			return nil, context.Canceled
		}
		e.logger.Warn("step attempt failed",
			"step_id", step.ID, "attempt", attempt, "error", lastErr)
		if attempt < retry.MaxAttempts {
			e.sleep(backoffDelay(retry.Backoff, attempt))
		}
	}

	// One last attempt with the fallback prompt and model.
	if lastErr != nil && step.Fallback != nil {
		fallbackPrompt := rc.ResolveTemplates(step.Fallback.Prompt)
		fallbackReq := req
		fallbackReq.Prompt = fallbackPrompt
		if step.Fallback.Model != "" {
			fallbackReq.Model = step.Fallback.Model
		}
		result.Attempt++
		queryResult, usedModel, lastErr = e.runtime.Query(ctx, fallbackReq, cancel)
		if lastErr == nil {
			result.Prompt = fallbackPrompt
		}
	}

	result.DurationSeconds = time.Since(startedAt).Seconds()

	if lastErr != nil {
		result.Status = store.StepFailed
		result.Error = lastErr.Error()
		return result, nil
	}

	result.Model = usedModel
	result.CostUSD = queryResult.TotalCostUSD
	if queryResult.StructuredOutput != nil {
		result.Output = queryResult.StructuredOutput
	} else if queryResult.Text != "" {
		result.Output = queryResult.Text
	}

	switch {
	case result.Output != nil:
		result.Status = store.StepCompleted
	default:
		result.Status = store.StepSkipped
	}

	// Cache the resolved output unless the step opts out; variant outputs
	// are never cached (they would hide the experiment).
	if result.Status == store.StepCompleted && !step.NoCache && variant == nil {
		err := e.store.CachePut(ctx, &store.CacheEntry{
			CacheKey:     cacheKey,
			WorkflowName: def.Name,
			StepID:       step.ID,
			Model:        result.Model,
			Output:       result.Output,
			CostUSD:      result.CostUSD,
		})
		if err != nil {
			e.logger.Warn("step cache write failed", "step_id", step.ID, "error", err)
		}
	}

	// Record the autopilot sample after the step completes. Deployed
	// winners run outside any live experiment and are not sampled.
	if experiment != nil && variant != nil && experiment.Status == store.ExperimentRunning {
		score := e.pilot.Score(ctx, *step.AutoPilot, step.OutputSchema, result.Output)
		if err := e.pilot.RecordSample(ctx, experiment.ID, rc.RunID, *variant,
			result.Output, score, result.CostUSD, result.DurationSeconds); err != nil {
			e.logger.Warn("autopilot sample save failed", "step_id", step.ID, "error", err)
		}
		if _, err := e.pilot.MaybeComplete(ctx, experiment.ID, *step.AutoPilot); err != nil {
			e.logger.Warn("autopilot completion check failed", "step_id", step.ID, "error", err)
		}
	}

	return result, nil
}

// ApplyPolicies runs the policy engine over a completed step's output and
// folds the verdict into the result. A block verdict fails the step.
func (e *StepExecutor) ApplyPolicies(engine *policy.Engine, result *StepResult, rc *RunContext) {
	if engine == nil || result.Status != store.StepCompleted {
		return
	}
	eval := engine.Evaluate(result.Output, result.CostUSD, policy.EvalContext{
		RunID:        rc.RunID,
		StepID:       result.StepID,
		Input:        rc.Input,
		TotalCostUSD: rc.TotalCost(),
	})
	result.Policy = &eval

	if eval.ShouldBlock {
		result.Status = store.StepFailed
		result.Error = eval.BlockReason
		result.Output = nil
		return
	}
	result.Output = eval.ModifiedOutput
}

func (e *StepExecutor) sampled(cfg *autopilot.Config) bool {
	if cfg.SampleRate <= 0 || cfg.SampleRate >= 1 {
		return true
	}
	return e.sampleFn() < cfg.SampleRate
}

func (e *StepExecutor) recordRouting(ctx context.Context, runID, stepID string, d optimizer.Decision, slo optimizer.SLO) {
	alternatives := make([]string, 0, len(d.Alternatives))
	for _, alt := range d.Alternatives {
		alternatives = append(alternatives, alt.Model)
	}
	err := e.store.SaveRoutingDecision(ctx, &store.RoutingDecision{
		RunID:          runID,
		StepID:         stepID,
		SelectedModel:  d.Selected.Model,
		VariantID:      d.Selected.ID,
		Reason:         d.Reason,
		BudgetPressure: d.BudgetPressure,
		Confidence:     d.Confidence,
		Alternatives:   alternatives,
		SLO: map[string]any{
			"quality_min":         slo.QualityMin,
			"cost_max_usd":        slo.CostMaxUSD,
			"latency_max_seconds": slo.LatencyMaxSeconds,
			"optimize_for":        slo.OptimizeFor,
		},
	})
	if err != nil {
		e.logger.Warn("routing decision save failed", "step_id", stepID, "error", err)
	}
}

// RecordFailoverRouting persists the routing row for a failover that
// changed the serving model without an optimizer decision.
func (e *StepExecutor) RecordFailoverRouting(ctx context.Context, runID, stepID, requested, served string) {
	if requested == served {
		return
	}
	err := e.store.SaveRoutingDecision(ctx, &store.RoutingDecision{
		RunID:         runID,
		StepID:        stepID,
		SelectedModel: served,
		Reason:        "Failover from " + requested + " after retriable provider error.",
		Confidence:    0.1,
		Alternatives:  []string{requested},
	})
	if err != nil {
		e.logger.Warn("failover routing save failed", "step_id", stepID, "error", err)
	}
}

// backoffDelay computes the sleep before the next attempt. Exponential
// doubles per attempt capped at 30s; fixed sleeps a constant second.
func backoffDelay(kind string, attempt int) time.Duration {
	if kind == "fixed" {
		return time.Second
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}
