package workflow

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gizmax/sandcastle/internal/store"
	"github.com/gizmax/sandcastle/pkg/approval"
	"github.com/gizmax/sandcastle/pkg/errors"
	"github.com/gizmax/sandcastle/pkg/events"
	"github.com/gizmax/sandcastle/pkg/observability"
	"github.com/gizmax/sandcastle/pkg/policy"
	"github.com/gizmax/sandcastle/pkg/webhook"
)

// Outcome is the explicit result variant of one execution pass.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeFailed         Outcome = "failed"
	OutcomePartial        Outcome = "partial"
	OutcomePaused         Outcome = "paused"
	OutcomeCancelled      Outcome = "cancelled"
	OutcomeBudgetExceeded Outcome = "budget_exceeded"
)

// DefaultStageConcurrency bounds concurrent steps within one stage when
// the workflow does not configure its own cap.
const DefaultStageConcurrency = 5

// DefaultMaxWorkflowDepth bounds sub-workflow recursion.
const DefaultMaxWorkflowDepth = 3

// RunResult is the final result of one execution pass over a run.
type RunResult struct {
	RunID        string
	Outcome      Outcome
	Outputs      map[string]any
	TotalCostUSD float64
	Error        string

	// ApprovalID is set when the outcome is Paused.
	ApprovalID string

	StartedAt   time.Time
	CompletedAt time.Time
}

// RunOptions parameterizes a new run.
type RunOptions struct {
	RunID          string
	MaxCostUSD     float64
	TenantID       string
	IdempotencyKey string
	CallbackURL    string
	ParentRunID    string
	SubWorkflowOf  string
	Depth          int
}

// Loader resolves workflow definitions by name for sub-workflow steps and
// resume.
type Loader interface {
	Load(ctx context.Context, name string) (*Definition, error)
}

// Executor drives the stage loop for whole runs.
type Executor struct {
	store      *store.Store
	steps      *StepExecutor
	bus        *events.Bus
	gate       *approval.Gate
	dispatcher *webhook.Dispatcher
	loader     Loader
	logger     *slog.Logger
	metrics    *observability.Metrics

	maxDepth int

	cancelMu sync.Mutex
	cancels  map[string]*Cancel
}

// ExecutorOptions wires an Executor.
type ExecutorOptions struct {
	Store      *store.Store
	Steps      *StepExecutor
	Bus        *events.Bus
	Gate       *approval.Gate
	Dispatcher *webhook.Dispatcher
	Loader     Loader
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	MaxDepth   int
}

// NewExecutor creates a workflow executor.
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxWorkflowDepth
	}
	return &Executor{
		store:      opts.Store,
		steps:      opts.Steps,
		bus:        opts.Bus,
		gate:       opts.Gate,
		dispatcher: opts.Dispatcher,
		loader:     opts.Loader,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		maxDepth:   opts.MaxDepth,
		cancels:    make(map[string]*Cancel),
	}
}

// Cancel sets the run's process-local cancel flag and persists cancelled
// unless the run is already terminal.
func (ex *Executor) Cancel(ctx context.Context, runID string) error {
	ex.cancelMu.Lock()
	if c, ok := ex.cancels[runID]; ok {
		c.Set()
	}
	ex.cancelMu.Unlock()
	_, err := ex.store.CancelRun(ctx, runID)
	return err
}

func (ex *Executor) registerCancel(runID string) *Cancel {
	c := NewCancel()
	ex.cancelMu.Lock()
	ex.cancels[runID] = c
	ex.cancelMu.Unlock()
	return c
}

func (ex *Executor) dropCancel(runID string) {
	ex.cancelMu.Lock()
	delete(ex.cancels, runID)
	ex.cancelMu.Unlock()
}

// Execute validates, plans, and runs a workflow from stage zero. Duplicate
// idempotency keys short-circuit to the existing run.
func (ex *Executor) Execute(ctx context.Context, def *Definition, input map[string]any, opts RunOptions) (*RunResult, error) {
	if errs := Validate(def); len(errs) > 0 {
		return nil, &errors.ValidationError{
			Field:   "workflow",
			Message: strings.Join(errs, "; "),
		}
	}
	if opts.Depth > ex.maxDepth {
		return nil, &errors.ValidationError{
			Field:   "depth",
			Message: fmt.Sprintf("workflow depth %d exceeds maximum %d", opts.Depth, ex.maxDepth),
		}
	}

	plan, err := BuildPlan(def)
	if err != nil {
		return nil, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	run := &store.Run{
		ID:                runID,
		WorkflowName:      def.Name,
		Status:            store.RunQueued,
		Input:             input,
		TenantID:          opts.TenantID,
		IdempotencyKey:    opts.IdempotencyKey,
		MaxCostUSD:        opts.MaxCostUSD,
		CallbackURL:       opts.CallbackURL,
		ParentRunID:       opts.ParentRunID,
		SubWorkflowOfStep: opts.SubWorkflowOf,
		Depth:             opts.Depth,
	}
	persisted, created, err := ex.store.CreateRun(ctx, run)
	if err != nil {
		return nil, err
	}
	if !created {
		// Same (tenant, idempotency_key): exactly one run exists.
		return &RunResult{
			RunID:        persisted.ID,
			Outcome:      Outcome(persisted.Status),
			Outputs:      persisted.Output,
			TotalCostUSD: persisted.TotalCostUSD,
			Error:        persisted.Error,
		}, nil
	}

	rc := NewRunContext(runID, input)
	rc.MaxCostUSD = opts.MaxCostUSD
	rc.Depth = opts.Depth
	rc.TenantID = opts.TenantID
	rc.CallbackURL = opts.CallbackURL

	startedAt := time.Now().UTC()
	if err := ex.store.MarkRunStarted(ctx, runID); err != nil {
		ex.logger.Warn("marking run started failed", "run_id", runID, "error", err)
	}
	ex.publish(events.RunStarted, map[string]any{
		"run_id": runID, "workflow": def.Name,
	})
	if ex.metrics != nil {
		ex.metrics.RunsStarted.WithLabelValues(def.Name).Inc()
	}

	return ex.runStages(ctx, def, plan, rc, 0, startedAt)
}

// Resume re-enters a paused run after its approval was resolved. The gate
// step's output comes from the approval resolution; execution continues at
// the stage after the stored checkpoint.
func (ex *Executor) Resume(ctx context.Context, runID, approvalID string) (*RunResult, error) {
	run, err := ex.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, &errors.ValidationError{
			Field:   "run",
			Message: fmt.Sprintf("run %s is already %s", runID, run.Status),
		}
	}
	req, err := ex.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if !req.Status.Terminal() {
		return nil, &errors.ValidationError{
			Field:   "approval",
			Message: fmt.Sprintf("approval %s is still pending", approvalID),
		}
	}

	def, err := ex.loader.Load(ctx, run.WorkflowName)
	if err != nil {
		return nil, err
	}
	plan, err := BuildPlan(def)
	if err != nil {
		return nil, err
	}

	rc := NewRunContext(runID, run.Input)
	rc.MaxCostUSD = run.MaxCostUSD
	rc.Depth = run.Depth
	rc.TenantID = run.TenantID

	cp, err := ex.store.LatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	nextStage := 0
	if cp != nil {
		rc.Restore(cp.StepOutputs, cp.Costs)
		nextStage = cp.StageIndex + 1
	}

	startedAt := run.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}

	// Apply the gate decision.
	switch req.Status {
	case store.ApprovalRejected:
		return ex.finalize(ctx, def, rc, startedAt, OutcomeFailed,
			fmt.Sprintf("approval %s rejected by %s", approvalID, req.ReviewerID))
	case store.ApprovalTimedOut:
		if req.OnTimeout == approval.OnTimeoutAbort {
			return ex.finalize(ctx, def, rc, startedAt, OutcomeFailed,
				fmt.Sprintf("approval %s timed out", approvalID))
		}
		rc.SetOutput(req.StepID, nil)
	default:
		output := approval.Output(req)
		rc.SetOutput(req.StepID, output)
		gateStep := &store.RunStep{
			ID:            uuid.NewString(),
			RunID:         runID,
			StepID:        req.StepID,
			ParallelIndex: -1,
			Status:        store.StepCompleted,
			Output:        output,
			StartedAt:     req.CreatedAt,
			CompletedAt:   req.ResolvedAt,
		}
		if err := ex.store.SaveRunStep(ctx, gateStep); err != nil {
			ex.logger.Warn("gate step record save failed", "run_id", runID, "error", err)
		}
	}

	// The gate's stage is now complete; checkpoint it before moving on.
	gateStage := plan.StageOf(req.StepID)
	if gateStage >= 0 {
		ex.checkpoint(ctx, rc, gateStage)
		if gateStage >= nextStage {
			nextStage = gateStage + 1
		}
	}

	if err := ex.store.SetRunStatus(ctx, runID, store.RunRunning); err != nil {
		ex.logger.Warn("resuming run status update failed", "run_id", runID, "error", err)
	}

	return ex.runStages(ctx, def, plan, rc, nextStage, startedAt)
}

// Fork replays a finished run from a given step onto a new run. The
// source's checkpoint before that step seeds the new run's context, so
// earlier steps are not re-executed; fork changes overlay the input.
func (ex *Executor) Fork(ctx context.Context, sourceRunID, fromStep string, changes map[string]any) (*RunResult, error) {
	source, err := ex.store.GetRun(ctx, sourceRunID)
	if err != nil {
		return nil, err
	}
	def, err := ex.loader.Load(ctx, source.WorkflowName)
	if err != nil {
		return nil, err
	}
	plan, err := BuildPlan(def)
	if err != nil {
		return nil, err
	}
	stage := plan.StageOf(fromStep)
	if stage < 0 {
		return nil, &errors.NotFoundError{Resource: "step", ID: fromStep}
	}

	input := make(map[string]any, len(source.Input)+len(changes))
	for k, v := range source.Input {
		input[k] = v
	}
	for k, v := range changes {
		input[k] = v
	}

	runID := uuid.NewString()
	run := &store.Run{
		ID:             runID,
		WorkflowName:   source.WorkflowName,
		Status:         store.RunQueued,
		Input:          input,
		TenantID:       source.TenantID,
		MaxCostUSD:     source.MaxCostUSD,
		ParentRunID:    source.ID,
		ReplayFromStep: fromStep,
		ForkChanges:    changes,
		Depth:          source.Depth,
	}
	if _, _, err := ex.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	rc := NewRunContext(runID, input)
	rc.MaxCostUSD = source.MaxCostUSD
	rc.Depth = source.Depth
	rc.TenantID = source.TenantID

	if stage > 0 {
		cp, err := ex.store.CheckpointAt(ctx, sourceRunID, stage-1)
		if err != nil {
			return nil, err
		}
		if cp == nil {
			return nil, &errors.ValidationError{
				Field:   "replay_from_step",
				Message: fmt.Sprintf("run %s has no checkpoint before step %q", sourceRunID, fromStep),
			}
		}
		rc.Restore(cp.StepOutputs, cp.Costs)
		ex.checkpoint(ctx, rc, stage-1)
	}

	startedAt := time.Now().UTC()
	if err := ex.store.MarkRunStarted(ctx, runID); err != nil {
		ex.logger.Warn("marking forked run started failed", "run_id", runID, "error", err)
	}
	ex.publish(events.RunStarted, map[string]any{
		"run_id": runID, "workflow": def.Name, "forked_from": sourceRunID,
	})

	return ex.runStages(ctx, def, plan, rc, stage, startedAt)
}

// runStages executes the plan from startStage onward and finalizes the
// run.
func (ex *Executor) runStages(ctx context.Context, def *Definition, plan *Plan, rc *RunContext, startStage int, startedAt time.Time) (*RunResult, error) {
	cancel := ex.registerCancel(rc.RunID)
	defer ex.dropCancel(rc.RunID)

	for stageIndex := startStage; stageIndex < len(plan.Stages); stageIndex++ {
		if cancel.Cancelled() {
			return ex.finalize(ctx, def, rc, startedAt, OutcomeCancelled, "run cancelled")
		}

		if rc.MaxCostUSD > 0 {
			ratio := rc.TotalCost() / rc.MaxCostUSD
			if ratio >= 1.0 {
				return ex.finalize(ctx, def, rc, startedAt, OutcomeBudgetExceeded,
					fmt.Sprintf("budget exceeded: spent %.4f of %.4f USD", rc.TotalCost(), rc.MaxCostUSD))
			}
			if ratio >= 0.8 {
				ex.logger.Warn("budget pressure",
					"run_id", rc.RunID, "spent", rc.TotalCost(), "max", rc.MaxCostUSD)
			}
		}

		stage := plan.Stages[stageIndex]

		// Approval gates pause the run; execute them after the stage's
		// standard steps so their siblings' outputs are checkpointed.
		var gates []*Step
		var standard []*Step
		for _, stepID := range stage {
			step, err := def.GetStep(stepID)
			if err != nil {
				return nil, err
			}
			if step.Type == StepTypeApproval {
				gates = append(gates, step)
			} else {
				standard = append(standard, step)
			}
		}

		outcome, errMsg, injected, err := ex.runStage(ctx, def, standard, rc, cancel)
		if err != nil {
			return nil, err
		}
		if outcome != "" {
			return ex.finalize(ctx, def, rc, startedAt, outcome, errMsg)
		}

		ex.checkpoint(ctx, rc, stageIndex)

		// Policy-injected gates from this stage's steps pause before the
		// declared ones.
		if injected != nil {
			return ex.pause(ctx, rc, startedAt, injected)
		}

		if len(gates) > 0 {
			gate := gates[0]
			req := approval.CreateRequest{
				RunID:        rc.RunID,
				StepID:       gate.ID,
				Message:      rc.ResolveTemplates(gate.Approval.Message),
				TimeoutHours: gate.Approval.TimeoutHours,
				OnTimeout:    gate.Approval.OnTimeout,
				AllowEdit:    gate.Approval.AllowEdit,
			}
			if gate.Approval.ShowData != "" {
				if snapshot := rc.ResolveVariable(gate.Approval.ShowData); snapshot != nil {
					req.RequestData = map[string]any{gate.Approval.ShowData: snapshot}
				}
			}
			return ex.pause(ctx, rc, startedAt, &req)
		}
	}

	return ex.finalizeSuccess(ctx, def, rc, startedAt)
}

// runStage executes one stage's standard steps with bounded concurrency.
// A non-empty outcome aborts the run; an inject_approval verdict is
// returned for the stage loop to pause on.
func (ex *Executor) runStage(ctx context.Context, def *Definition, steps []*Step, rc *RunContext, cancel *Cancel) (Outcome, string, *approval.CreateRequest, error) {
	concurrency := def.MaxConcurrency
	if concurrency <= 0 {
		concurrency = DefaultStageConcurrency
	}

	type stepOutcome struct {
		step    *Step
		results []*StepResult
	}

	outcomes := make([]stepOutcome, len(steps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, step := range steps {
		g.Go(func() error {
			results, err := ex.runStep(gctx, def, step, rc, cancel)
			if err != nil {
				return err
			}
			outcomes[i] = stepOutcome{step: step, results: results}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if stderrors.Is(err, context.Canceled) && cancel.Cancelled() {
			return OutcomeCancelled, "run cancelled", nil, nil
		}
		return "", "", nil, err
	}

	var injected *approval.CreateRequest

	// Fold results into the context after the barrier: the stage boundary
	// is the happens-before edge for later stages.
	for _, oc := range outcomes {
		step := oc.step
		retry := step.EffectiveRetry()

		if step.ParallelOver != "" {
			outputs := make([]any, len(oc.results))
			for _, result := range oc.results {
				outputs[result.ParallelIndex] = result.Output
				rc.AddCost(result.CostUSD)
				ex.persistStepResult(ctx, rc, def, result)
				if result.Status == store.StepFailed {
					if retry.OnFailure == "abort" {
						return OutcomeFailed, (&errors.StepError{
							StepID: step.ID, ParallelIndex: result.ParallelIndex,
							Message: result.Error,
						}).Error(), nil, nil
					}
					outputs[result.ParallelIndex] = nil
				}
			}
			rc.SetOutput(step.ID, outputs)
		} else {
			result := oc.results[0]
			rc.AddCost(result.CostUSD)
			ex.persistStepResult(ctx, rc, def, result)
			if result.Status == store.StepFailed {
				if retry.OnFailure == "abort" {
					return OutcomeFailed, (&errors.StepError{
						StepID: step.ID, ParallelIndex: -1, Message: result.Error,
					}).Error(), nil, nil
				}
				rc.SetOutput(step.ID, nil)
			} else {
				rc.SetOutput(step.ID, result.Output)
			}

			if result.Policy != nil && result.Policy.RedactTargets["webhook"] {
				rc.SetWebhookOutput(step.ID, result.Policy.RedactedOutput)
			}

			if result.Policy != nil && result.Policy.ShouldInjectApproval {
				cfg := result.Policy.ApprovalConfig
				req := &approval.CreateRequest{
					RunID:   rc.RunID,
					StepID:  step.ID,
					Message: stringFrom(cfg, "message", "Approval required"),
				}
				if hours, ok := cfg["timeout_hours"].(float64); ok {
					req.TimeoutHours = hours
				}
				req.OnTimeout = stringFrom(cfg, "on_timeout", approval.OnTimeoutAbort)
				injected = req
			}
		}

		if step.CSVOutput != nil {
			if out, ok := rc.Output(step.ID); ok && out != nil {
				if err := writeCSVOutput(step.CSVOutput, step.ID, out); err != nil {
					ex.logger.Warn("csv output failed", "step_id", step.ID, "error", err)
				}
			}
		}
	}

	return "", "", injected, nil
}

func stringFrom(m map[string]any, key, fallback string) string {
	if m != nil {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return fallback
}

// runStep executes one step definition, fanning out over parallel_over.
func (ex *Executor) runStep(ctx context.Context, def *Definition, step *Step, rc *RunContext, cancel *Cancel) ([]*StepResult, error) {
	ex.publish(events.StepStarted, map[string]any{
		"run_id": rc.RunID, "step_id": step.ID,
	})

	if step.Type == StepTypeSubWorkflow {
		result, err := ex.runSubWorkflow(ctx, def, step, rc, cancel)
		if err != nil {
			return nil, err
		}
		return []*StepResult{result}, nil
	}

	if step.ParallelOver == "" {
		result, err := ex.steps.Execute(ctx, def, step, rc, cancel, -1)
		if err != nil {
			return nil, err
		}
		ex.applyStepPolicies(def, step, result, rc)
		ex.publishStepDone(rc.RunID, result)
		return []*StepResult{result}, nil
	}

	// Fan-out: one invocation per item, bounded by the stage cap through
	// a per-step errgroup plus the runtime's global semaphore.
	items := rc.ResolveVariable(step.ParallelOver)
	list, ok := items.([]any)
	if !ok {
		if items == nil {
			list = []any{}
		} else {
			list = []any{items}
		}
	}

	results := make([]*StepResult, len(list))
	g, gctx := errgroup.WithContext(ctx)
	concurrency := def.MaxConcurrency
	if concurrency <= 0 {
		concurrency = DefaultStageConcurrency
	}
	g.SetLimit(concurrency)

	for i, item := range list {
		g.Go(func() error {
			child := rc.WithItem(item, i)
			result, err := ex.steps.Execute(gctx, def, step, child, cancel, i)
			if err != nil {
				return err
			}
			ex.applyStepPolicies(def, step, result, rc)
			results[i] = result
			ex.publishStepDone(rc.RunID, result)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// applyStepPolicies resolves the step's effective policy list and runs the
// engine over the result.
func (ex *Executor) applyStepPolicies(def *Definition, step *Step, result *StepResult, rc *RunContext) {
	defs := policy.ResolveStepPolicies(step.Policies, def.Policies, ex.logger)
	if len(defs) == 0 {
		return
	}
	engine, err := policy.NewEngine(defs, ex.logger)
	if err != nil {
		ex.logger.Warn("policy engine build failed", "step_id", step.ID, "error", err)
		return
	}
	ex.steps.ApplyPolicies(engine, result, rc)
}

// runSubWorkflow loads the child workflow, executes it recursively one
// depth down, and maps outputs back onto the parent step.
func (ex *Executor) runSubWorkflow(ctx context.Context, def *Definition, step *Step, rc *RunContext, cancel *Cancel) (*StepResult, error) {
	startedAt := time.Now()
	result := &StepResult{StepID: step.ID, ParallelIndex: -1, Attempt: 1}

	if rc.Depth+1 > ex.maxDepth {
		result.Status = store.StepFailed
		result.Error = fmt.Sprintf("sub-workflow depth %d exceeds maximum %d", rc.Depth+1, ex.maxDepth)
		return result, nil
	}

	child, err := ex.loader.Load(ctx, step.SubWorkflow.Workflow)
	if err != nil {
		result.Status = store.StepFailed
		result.Error = fmt.Sprintf("loading sub-workflow %q: %v", step.SubWorkflow.Workflow, err)
		return result, nil
	}

	childInput := make(map[string]any, len(step.SubWorkflow.InputMapping))
	for key, template := range step.SubWorkflow.InputMapping {
		childInput[key] = templateValue(rc, template)
	}

	childResult, err := ex.Execute(ctx, child, childInput, RunOptions{
		ParentRunID:   rc.RunID,
		SubWorkflowOf: step.ID,
		Depth:         rc.Depth + 1,
		MaxCostUSD:    rc.MaxCostUSD,
		TenantID:      rc.TenantID,
	})
	result.DurationSeconds = time.Since(startedAt).Seconds()
	if err != nil {
		result.Status = store.StepFailed
		result.Error = err.Error()
		return result, nil
	}

	result.CostUSD = childResult.TotalCostUSD
	if childResult.Outcome != OutcomeCompleted {
		result.Status = store.StepFailed
		result.Error = fmt.Sprintf("sub-workflow %q ended %s: %s",
			step.SubWorkflow.Workflow, childResult.Outcome, childResult.Error)
		return result, nil
	}

	output := map[string]any{}
	if len(step.SubWorkflow.OutputMapping) == 0 {
		for k, v := range childResult.Outputs {
			output[k] = v
		}
	} else {
		childCtx := NewRunContext(childResult.RunID, childInput)
		childCtx.Restore(childResult.Outputs, nil)
		for key, template := range step.SubWorkflow.OutputMapping {
			output[key] = templateValue(childCtx, template)
		}
	}
	result.Output = output
	result.Status = store.StepCompleted
	ex.publishStepDone(rc.RunID, result)
	return result, nil
}

// templateValue resolves a mapping value: a single {token} keeps its
// native type, anything else is string-resolved.
func templateValue(rc *RunContext, template string) any {
	trimmed := strings.TrimSpace(template)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") && strings.Count(trimmed, "{") == 1 {
		if value := rc.ResolveVariable(trimmed[1 : len(trimmed)-1]); value != nil {
			return value
		}
	}
	return rc.ResolveTemplates(template)
}

// persistStepResult writes a run_step row and its policy violations.
func (ex *Executor) persistStepResult(ctx context.Context, rc *RunContext, def *Definition, result *StepResult) {
	record := &store.RunStep{
		ID:              uuid.NewString(),
		RunID:           rc.RunID,
		StepID:          result.StepID,
		ParallelIndex:   result.ParallelIndex,
		Status:          result.Status,
		InputPrompt:     result.Prompt,
		Output:          result.Output,
		CostUSD:         result.CostUSD,
		DurationSeconds: result.DurationSeconds,
		Attempt:         result.Attempt,
		Error:           result.Error,
		Model:           result.Model,
		StartedAt:       time.Now().UTC().Add(-time.Duration(result.DurationSeconds * float64(time.Second))),
		CompletedAt:     time.Now().UTC(),
	}
	if result.Policy != nil {
		record.PolicyViolationsCount = len(result.Policy.Violations)
		for _, v := range result.Policy.Violations {
			record.PolicyActions = append(record.PolicyActions, v.ActionTaken)
		}
		// The persisted output honors redact apply_to=storage.
		if result.Policy.RedactTargets["storage"] {
			record.Output = result.Policy.RedactedOutput
		}
	}
	if err := ex.store.SaveRunStep(ctx, record); err != nil {
		ex.logger.Warn("step record save failed",
			"run_id", rc.RunID, "step_id", result.StepID, "error", err)
	}
	if ex.metrics != nil {
		ex.metrics.StepDuration.WithLabelValues(def.Name, string(result.Status)).
			Observe(result.DurationSeconds)
		ex.metrics.StepCostUSD.WithLabelValues(def.Name).Add(result.CostUSD)
		if result.CacheHit {
			ex.metrics.CacheHits.Inc()
		}
	}
	if err := ex.store.AddRunCost(ctx, rc.RunID, result.CostUSD); err != nil {
		ex.logger.Warn("run cost update failed", "run_id", rc.RunID, "error", err)
	}

	if result.Policy != nil {
		for _, v := range result.Policy.Violations {
			err := ex.store.SavePolicyViolation(ctx, &store.PolicyViolationRow{
				RunID:          rc.RunID,
				StepID:         result.StepID,
				PolicyID:       v.PolicyID,
				Severity:       v.Severity,
				TriggerDetails: v.TriggerDetails,
				ActionTaken:    v.ActionTaken,
				OutputModified: v.OutputModified,
			})
			if err != nil {
				ex.logger.Warn("policy violation save failed", "run_id", rc.RunID, "error", err)
			}
		}
	}

	// A failover that changed the serving model leaves a routing trail.
	if step, err := def.GetStep(result.StepID); err == nil && step.SLO == nil &&
		result.Model != "" && result.Model != step.Model && !result.CacheHit {
		ex.steps.RecordFailoverRouting(ctx, rc.RunID, result.StepID, step.Model, result.Model)
	}
}

func (ex *Executor) publishStepDone(runID string, result *StepResult) {
	kind := events.StepCompleted
	if result.Status == store.StepFailed {
		kind = events.StepFailed
	}
	ex.publish(kind, map[string]any{
		"run_id": runID, "step_id": result.StepID,
		"status": string(result.Status), "cost_usd": result.CostUSD,
	})
}

// checkpoint snapshots the run context after a completed stage.
func (ex *Executor) checkpoint(ctx context.Context, rc *RunContext, stageIndex int) {
	err := ex.store.SaveCheckpoint(ctx, &store.Checkpoint{
		ID:          uuid.NewString(),
		RunID:       rc.RunID,
		StageIndex:  stageIndex,
		StepOutputs: rc.Outputs(),
		Costs:       rc.Costs(),
	})
	if err != nil {
		ex.logger.Warn("checkpoint save failed",
			"run_id", rc.RunID, "stage", stageIndex, "error", err)
	}
}

// pause persists the gate, marks the run awaiting approval, and returns a
// Paused result.
func (ex *Executor) pause(ctx context.Context, rc *RunContext, startedAt time.Time, req *approval.CreateRequest) (*RunResult, error) {
	record, err := ex.gate.Create(ctx, *req)
	if err != nil {
		return nil, err
	}
	if err := ex.store.SetRunStatus(ctx, rc.RunID, store.RunAwaitingApproval); err != nil {
		ex.logger.Warn("run status update failed", "run_id", rc.RunID, "error", err)
	}
	stepRecord := &store.RunStep{
		ID:            uuid.NewString(),
		RunID:         rc.RunID,
		StepID:        req.StepID,
		ParallelIndex: -1,
		Status:        store.StepAwaitingApproval,
		StartedAt:     time.Now().UTC(),
	}
	if err := ex.store.SaveRunStep(ctx, stepRecord); err != nil {
		ex.logger.Warn("approval step record save failed", "run_id", rc.RunID, "error", err)
	}

	return &RunResult{
		RunID:        rc.RunID,
		Outcome:      OutcomePaused,
		Outputs:      rc.Outputs(),
		TotalCostUSD: rc.TotalCost(),
		ApprovalID:   record.ID,
		StartedAt:    startedAt,
	}, nil
}

// finalizeSuccess completes the run: storage sink, webhook, final status.
// Runs whose steps were skipped or failed (without aborting) end partial.
func (ex *Executor) finalizeSuccess(ctx context.Context, def *Definition, rc *RunContext, startedAt time.Time) (*RunResult, error) {
	outcome := OutcomeCompleted
	if steps, err := ex.store.RunSteps(ctx, rc.RunID); err == nil {
		for _, s := range steps {
			if s.Status == store.StepFailed || s.Status == store.StepSkipped {
				outcome = OutcomePartial
				break
			}
		}
	}

	if def.OnComplete != nil && def.OnComplete.StoragePath != "" {
		path := rc.ResolveTemplates(def.OnComplete.StoragePath)
		payload, err := json.Marshal(rc.Outputs())
		if err == nil {
			if err := ex.steps.storage.Write(ctx, path, string(payload)); err != nil {
				ex.logger.Warn("completion storage write failed",
					"run_id", rc.RunID, "path", path, "error", err)
			}
		}
	}

	return ex.finalize(ctx, def, rc, startedAt, outcome, "")
}

// finalize persists the terminal state, fires the webhook, and emits the
// terminal event. Persistence failures are logged but never prevent the
// in-memory result from being returned.
func (ex *Executor) finalize(ctx context.Context, def *Definition, rc *RunContext, startedAt time.Time, outcome Outcome, errMsg string) (*RunResult, error) {
	completedAt := time.Now().UTC()
	result := &RunResult{
		RunID:        rc.RunID,
		Outcome:      outcome,
		Outputs:      rc.Outputs(),
		TotalCostUSD: rc.TotalCost(),
		Error:        errMsg,
		StartedAt:    startedAt,
		CompletedAt:  completedAt,
	}

	if err := ex.store.FinalizeRun(ctx, rc.RunID, store.RunStatus(outcome),
		result.Outputs, result.TotalCostUSD, errMsg); err != nil {
		ex.logger.Warn("run finalize failed", "run_id", rc.RunID, "error", err)
	}

	success := outcome == OutcomeCompleted || outcome == OutcomePartial
	eventKind := events.RunCompleted
	webhookEvent := "workflow.completed"
	if !success {
		eventKind = events.RunFailed
		webhookEvent = "workflow.failed"
	}
	ex.publish(eventKind, map[string]any{
		"run_id": rc.RunID, "workflow": def.Name,
		"status": string(outcome), "total_cost_usd": result.TotalCostUSD,
	})
	if ex.metrics != nil {
		ex.metrics.RunsFinished.WithLabelValues(def.Name, string(outcome)).Inc()
	}

	// Dead-letter every failed step when the workflow asks for it.
	if !success && def.OnFailure != nil && def.OnFailure.DeadLetter {
		ex.writeDeadLetters(ctx, rc)
	}

	url := ""
	if success && def.OnComplete != nil {
		url = def.OnComplete.Webhook
	} else if !success && def.OnFailure != nil {
		url = def.OnFailure.Webhook
	}
	if url == "" {
		url = rc.CallbackURL
	}
	if url != "" && ex.dispatcher != nil {
		payload := webhook.Payload{
			Event:           webhookEvent,
			RunID:           rc.RunID,
			Workflow:        def.Name,
			Status:          string(outcome),
			Outputs:         ex.webhookOutputs(rc),
			Costs:           result.TotalCostUSD,
			DurationSeconds: completedAt.Sub(startedAt).Seconds(),
			Error:           errMsg,
		}
		ex.dispatcher.Dispatch(ctx, url, payload)
	}

	return result, nil
}

// webhookOutputs returns the run outputs with redact apply_to=webhook
// policies honored.
func (ex *Executor) webhookOutputs(rc *RunContext) map[string]any {
	outputs := rc.Outputs()
	for stepID, redacted := range rc.WebhookOutputs() {
		outputs[stepID] = redacted
	}
	return outputs
}

func (ex *Executor) writeDeadLetters(ctx context.Context, rc *RunContext) {
	steps, err := ex.store.RunSteps(ctx, rc.RunID)
	if err != nil {
		ex.logger.Warn("dead letter sweep failed", "run_id", rc.RunID, "error", err)
		return
	}
	for _, s := range steps {
		if s.Status != store.StepFailed {
			continue
		}
		item := &store.DeadLetterItem{
			ID:            uuid.NewString(),
			RunID:         rc.RunID,
			StepID:        s.StepID,
			ParallelIndex: s.ParallelIndex,
			Error:         s.Error,
			Input:         map[string]any{"prompt": s.InputPrompt},
			Attempts:      s.Attempt,
		}
		if err := ex.store.SaveDeadLetter(ctx, item); err != nil {
			ex.logger.Warn("dead letter save failed", "run_id", rc.RunID, "error", err)
			continue
		}
		ex.publish(events.DLQNew, map[string]any{
			"run_id": rc.RunID, "step_id": s.StepID, "error": s.Error,
		})
	}
}

func (ex *Executor) publish(kind events.Kind, data map[string]any) {
	if ex.bus != nil {
		ex.bus.Publish(kind, data)
	}
}
