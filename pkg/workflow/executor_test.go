package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gizmax/sandcastle/internal/store"
	"github.com/gizmax/sandcastle/pkg/approval"
	"github.com/gizmax/sandcastle/pkg/autopilot"
	"github.com/gizmax/sandcastle/pkg/events"
	"github.com/gizmax/sandcastle/pkg/optimizer"
	"github.com/gizmax/sandcastle/pkg/policy"
	"github.com/gizmax/sandcastle/pkg/providers"
	"github.com/gizmax/sandcastle/pkg/sandbox"
	"github.com/gizmax/sandcastle/pkg/webhook"
)

// scriptedBackend answers each sandbox request from a handler function.
type scriptedBackend struct {
	handler func(req sandbox.Request) []sandbox.Event
}

func (b *scriptedBackend) Name() string                    { return "scripted" }
func (b *scriptedBackend) Health(ctx context.Context) bool { return true }
func (b *scriptedBackend) Close() error                    { return nil }

func (b *scriptedBackend) Start(ctx context.Context, spec sandbox.RunSpec) (<-chan sandbox.Event, error) {
	var req sandbox.Request
	if err := json.Unmarshal([]byte(spec.Env["SANDCASTLE_REQUEST"]), &req); err != nil {
		return nil, err
	}
	out := make(chan sandbox.Event, 16)
	go func() {
		defer close(out)
		for _, event := range b.handler(req) {
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func okEvent(text string, cost float64) sandbox.Event {
	return sandbox.Event{Kind: sandbox.EventResult, Payload: map[string]any{
		"type": "result", "result": text, "total_cost_usd": cost, "num_turns": float64(1),
	}}
}

func failEvent(msg string) sandbox.Event {
	return sandbox.Event{Kind: sandbox.EventError, Payload: map[string]any{
		"type": "error", "error": msg,
	}}
}

// echoHandler returns "out:<prompt>" at a fixed cost.
func echoHandler(cost float64) func(req sandbox.Request) []sandbox.Event {
	return func(req sandbox.Request) []sandbox.Event {
		return []sandbox.Event{okEvent("out:"+req.Prompt, cost)}
	}
}

type mapLoader map[string]*Definition

func (m mapLoader) Load(ctx context.Context, name string) (*Definition, error) {
	def, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", name)
	}
	return def, nil
}

type harness struct {
	store    *store.Store
	failover *providers.Failover
	bus      *events.Bus
	gate     *approval.Gate
	loader   mapLoader
	executor *Executor
	blobs    *fakeStorage
}

func newHarness(t *testing.T, handler func(req sandbox.Request) []sandbox.Event) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	failover := providers.NewFailover(0)
	runtime := sandbox.NewRuntime(&scriptedBackend{handler: handler}, failover, sandbox.Options{
		AnthropicAPIKey: "test-key",
	})
	bus := events.NewBus(nil)
	gate := approval.NewGate(st, bus, nil)
	blobs := &fakeStorage{blobs: map[string]string{}}

	steps := NewStepExecutor(st, blobs, runtime, optimizer.New(st, nil), autopilot.New(st, nil, nil), nil)
	steps.sleep = func(time.Duration) {}

	h := &harness{
		store:    st,
		failover: failover,
		bus:      bus,
		gate:     gate,
		loader:   mapLoader{},
		blobs:    blobs,
	}
	h.executor = NewExecutor(ExecutorOptions{
		Store:      st,
		Steps:      steps,
		Bus:        bus,
		Gate:       gate,
		Dispatcher: webhook.NewDispatcher("test-secret", 1, nil),
		Loader:     h.loader,
		MaxDepth:   3,
	})
	return h
}

func linearDef() *Definition {
	def := &Definition{
		Name: "linear",
		Steps: []Step{
			{ID: "a", Prompt: "Greet {input.name}"},
			{ID: "b", Prompt: "Expand {steps.a.output}", DependsOn: []string{"a"}},
			{ID: "c", Prompt: "Polish {steps.b.output}", DependsOn: []string{"b"}},
		},
	}
	def.applyDefaults()
	for i := range def.Steps {
		def.Steps[i].Model = "haiku"
	}
	return def
}

func TestLinearSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, echoHandler(0.01))
	sub := h.bus.Subscribe()
	defer sub.Unsubscribe()

	result, err := h.executor.Execute(ctx, linearDef(), map[string]any{"name": "World"}, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.InDelta(t, 0.03, result.TotalCostUSD, 1e-9)
	assert.Equal(t, "out:Greet World", result.Outputs["a"])
	assert.Equal(t, "out:Expand out:Greet World", result.Outputs["b"])
	assert.Contains(t, result.Outputs["c"], "out:Polish")

	run, err := h.store.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
	assert.InDelta(t, 0.03, run.TotalCostUSD, 1e-9)
	assert.True(t, !run.CompletedAt.Before(run.StartedAt))

	steps, err := h.store.RunSteps(ctx, result.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for _, s := range steps {
		assert.Equal(t, store.StepCompleted, s.Status)
		assert.Equal(t, "haiku", s.Model)
		assert.Greater(t, s.CostUSD, 0.0)
	}

	// Checkpoint per completed stage.
	for stage := 0; stage < 3; stage++ {
		cp, err := h.store.CheckpointAt(ctx, result.RunID, stage)
		require.NoError(t, err)
		assert.NotNil(t, cp, "stage %d", stage)
	}

	kinds := drainEventKinds(sub)
	assert.Contains(t, kinds, events.RunStarted)
	assert.Contains(t, kinds, events.StepCompleted)
	assert.Contains(t, kinds, events.RunCompleted)
}

func drainEventKinds(sub *events.Subscription) []events.Kind {
	var kinds []events.Kind
	for {
		select {
		case event := <-sub.C:
			kinds = append(kinds, event.Kind)
		default:
			return kinds
		}
	}
}

func TestRetriableFailover(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	t.Setenv("MINIMAX_API_KEY", "test-key")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")

	ctx := context.Background()
	h := newHarness(t, func(req sandbox.Request) []sandbox.Event {
		if req.Model == "sonnet" {
			return []sandbox.Event{failEvent("429 rate limit")}
		}
		return []sandbox.Event{okEvent("served by "+req.Model, 0.004)}
	})

	def := &Definition{Name: "failover", Steps: []Step{{ID: "only", Prompt: "go"}}}
	def.applyDefaults()

	result, err := h.executor.Execute(ctx, def, nil, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	steps, err := h.store.RunSteps(ctx, result.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, store.StepCompleted, steps[0].Status)
	assert.Equal(t, "minimax/m2.5", steps[0].Model)

	decisions, err := h.store.RoutingDecisions(ctx, result.RunID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "minimax/m2.5", decisions[0].SelectedModel)
	assert.Contains(t, decisions[0].Reason, "Failover from sonnet")

	// The offending key stays on cooldown for the rest of the run.
	assert.False(t, h.failover.Available("ANTHROPIC_API_KEY"))
}

func TestBudgetExceeded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(req sandbox.Request) []sandbox.Event {
		if strings.Contains(req.Prompt, "expensive") {
			return []sandbox.Event{okEvent("big result", 2.0)}
		}
		return []sandbox.Event{okEvent("small result", 0.01)}
	})

	def := &Definition{Name: "budget", Steps: []Step{
		{ID: "expensive", Prompt: "expensive analysis"},
		{ID: "cheap", Prompt: "cheap summary", DependsOn: []string{"expensive"}},
	}}
	def.applyDefaults()

	result, err := h.executor.Execute(ctx, def, nil, RunOptions{MaxCostUSD: 1.0})
	require.NoError(t, err)

	assert.Equal(t, OutcomeBudgetExceeded, result.Outcome)
	assert.Equal(t, "big result", result.Outputs["expensive"])
	_, hasCheap := result.Outputs["cheap"]
	assert.False(t, hasCheap)

	run, err := h.store.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunBudgetExceeded, run.Status)

	steps, err := h.store.RunSteps(ctx, result.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "expensive", steps[0].StepID)
}

func TestCancellationMidFlight(t *testing.T) {
	ctx := context.Background()
	runID := "11111111-2222-4333-8444-555555555555"

	var gotWebhook map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotWebhook)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var h *harness
	h = newHarness(t, func(req sandbox.Request) []sandbox.Event {
		if strings.Contains(req.Prompt, "second") {
			// The cancel lands while this step is in flight; the runtime
			// stops the stream at the next event yield.
			_ = h.executor.Cancel(context.Background(), runID)
		}
		return []sandbox.Event{okEvent("out:"+req.Prompt, 0.01)}
	})

	def := &Definition{Name: "cancellable", OnFailure: &FailureConfig{Webhook: server.URL},
		Steps: []Step{
			{ID: "s1", Prompt: "first"},
			{ID: "s2", Prompt: "second", DependsOn: []string{"s1"}},
			{ID: "s3", Prompt: "third", DependsOn: []string{"s2"}},
		}}
	def.applyDefaults()

	result, err := h.executor.Execute(ctx, def, nil, RunOptions{RunID: runID})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCancelled, result.Outcome)
	assert.Equal(t, "out:first", result.Outputs["s1"])
	_, hasS2 := result.Outputs["s2"]
	assert.False(t, hasS2)

	run, err := h.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, run.Status)

	require.NotNil(t, gotWebhook)
	assert.Equal(t, "workflow.failed", gotWebhook["event"])
}

func TestApprovalPauseAndResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, echoHandler(0.01))

	def := &Definition{Name: "gated", Steps: []Step{
		{ID: "prepare", Prompt: "prepare data"},
		{ID: "review", Prompt: "", Type: StepTypeApproval, DependsOn: []string{"prepare"},
			Approval: &ApprovalConfig{Message: "Review {steps.prepare.output}", OnTimeout: "abort"}},
		{ID: "finalize", Prompt: "finalize {steps.review.output}", DependsOn: []string{"review"}},
	}}
	def.applyDefaults()
	h.loader["gated"] = def

	result, err := h.executor.Execute(ctx, def, nil, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, result.Outcome)
	require.NotEmpty(t, result.ApprovalID)

	run, err := h.store.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunAwaitingApproval, run.Status)

	req, err := h.store.GetApproval(ctx, result.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalPending, req.Status)
	assert.Equal(t, "Review out:prepare data", req.Message)

	cp, err := h.store.CheckpointAt(ctx, result.RunID, 1)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "out:prepare data", cp.StepOutputs["prepare"])

	_, err = h.gate.Resolve(ctx, result.ApprovalID, approval.Resolution{
		Decision: approval.DecisionApproved, ReviewerID: "alice",
	})
	require.NoError(t, err)

	resumed, err := h.executor.Resume(ctx, result.RunID, result.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, resumed.Outcome)
	assert.Contains(t, resumed.Outputs, "prepare")
	assert.Contains(t, resumed.Outputs, "review")
	assert.Contains(t, resumed.Outputs, "finalize")

	run, err = h.store.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
}

func TestApprovalRejectedFailsRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, echoHandler(0.01))

	def := &Definition{Name: "gated", Steps: []Step{
		{ID: "prepare", Prompt: "prepare"},
		{ID: "review", Prompt: "", Type: StepTypeApproval, DependsOn: []string{"prepare"},
			Approval: &ApprovalConfig{Message: "check", OnTimeout: "abort"}},
	}}
	def.applyDefaults()
	h.loader["gated"] = def

	result, err := h.executor.Execute(ctx, def, nil, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomePaused, result.Outcome)

	_, err = h.gate.Resolve(ctx, result.ApprovalID, approval.Resolution{
		Decision: approval.DecisionRejected, ReviewerID: "bob",
	})
	require.NoError(t, err)

	resumed, err := h.executor.Resume(ctx, result.RunID, result.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, resumed.Outcome)
	assert.Contains(t, resumed.Error, "rejected")
}

func TestPIIRedactAppliesToWebhookOnly(t *testing.T) {
	ctx := context.Background()

	var gotWebhook map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotWebhook)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	h := newHarness(t, func(req sandbox.Request) []sandbox.Event {
		return []sandbox.Event{okEvent("contact a@b.com for access", 0.01)}
	})

	def := &Definition{
		Name:       "pii",
		OnComplete: &CompletionConfig{Webhook: server.URL},
		Policies: []policy.Definition{{
			ID:       "redact-email",
			Severity: "high",
			Trigger: policy.Trigger{Type: "output_contains",
				Patterns: []policy.Pattern{{Type: "email"}}},
			Action: policy.Action{Type: "redact", Replacement: "[REDACTED]",
				ApplyTo: []string{"webhook"}},
		}},
		Steps: []Step{{ID: "step", Prompt: "draft the access note"}},
	}
	def.applyDefaults()

	result, err := h.executor.Execute(ctx, def, nil, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	// The persisted step output keeps the raw address.
	steps, err := h.store.RunSteps(ctx, result.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Contains(t, steps[0].Output.(string), "a@b.com")

	// The webhook body sees the redacted form.
	require.NotNil(t, gotWebhook)
	outputs := gotWebhook["outputs"].(map[string]any)
	assert.Contains(t, outputs["step"].(string), "[REDACTED]")
	assert.NotContains(t, outputs["step"].(string), "a@b.com")

	violations, err := h.store.PolicyViolations(ctx, result.RunID)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "redact-email", violations[0].PolicyID)
}

func TestPolicyBlockFailsStep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(req sandbox.Request) []sandbox.Event {
		return []sandbox.Event{okEvent("the key is sk-abcdef1234567890abcd", 0.01)}
	})

	def := &Definition{
		Name: "blocked",
		Policies: []policy.Definition{{
			ID: "no-secrets",
			Trigger: policy.Trigger{Type: "output_contains",
				Patterns: []policy.Pattern{{Type: "regex", Pattern: `sk-[a-zA-Z0-9]{16,}`}}},
			Action: policy.Action{Type: "block", Message: "secret material detected"},
		}},
		Steps: []Step{{ID: "leaky", Prompt: "emit"}},
	}
	def.applyDefaults()

	result, err := h.executor.Execute(ctx, def, nil, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Contains(t, result.Error, "secret material detected")
}

func TestFanOutOrdering(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, echoHandler(0.005))

	def := &Definition{Name: "fan", Steps: []Step{
		{ID: "fan", Prompt: "Process {input._item}", ParallelOver: "input.items"},
	}}
	def.applyDefaults()

	result, err := h.executor.Execute(ctx, def, map[string]any{
		"items": []any{"alpha", "beta", "gamma"},
	}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	outputs, ok := result.Outputs["fan"].([]any)
	require.True(t, ok)
	require.Len(t, outputs, 3)
	assert.Equal(t, "out:Process alpha", outputs[0])
	assert.Equal(t, "out:Process beta", outputs[1])
	assert.Equal(t, "out:Process gamma", outputs[2])

	steps, err := h.store.RunSteps(ctx, result.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	indexes := map[int]bool{}
	for _, s := range steps {
		indexes[s.ParallelIndex] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, indexes)
}

func TestStepCacheSecondRunIsFree(t *testing.T) {
	ctx := context.Background()
	calls := 0
	h := newHarness(t, func(req sandbox.Request) []sandbox.Event {
		calls++
		return []sandbox.Event{okEvent("stable output", 0.02)}
	})

	def := &Definition{Name: "cached", Steps: []Step{{ID: "s", Prompt: "fixed prompt"}}}
	def.applyDefaults()

	first, err := h.executor.Execute(ctx, def, nil, RunOptions{})
	require.NoError(t, err)
	assert.InDelta(t, 0.02, first.TotalCostUSD, 1e-9)

	second, err := h.executor.Execute(ctx, def, nil, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.Outputs["s"], second.Outputs["s"])
	assert.Equal(t, 0.0, second.TotalCostUSD)
	assert.Equal(t, 1, calls)

	// The hit still produced a step record.
	steps, err := h.store.RunSteps(ctx, second.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, store.StepCompleted, steps[0].Status)
	assert.Equal(t, 0.0, steps[0].CostUSD)
}

func TestRetryThenFallback(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	h := newHarness(t, func(req sandbox.Request) []sandbox.Event {
		if strings.Contains(req.Prompt, "primary") {
			attempts++
			return []sandbox.Event{failEvent("invalid request: malformed tool output")}
		}
		return []sandbox.Event{okEvent("fallback saved the day", 0.01)}
	})

	def := &Definition{Name: "fallbacks", Steps: []Step{{
		ID: "s", Prompt: "primary attempt",
		Retry:    &RetryConfig{MaxAttempts: 2, Backoff: "exponential", OnFailure: "fallback"},
		Fallback: &FallbackConfig{Prompt: "simpler fallback prompt", Model: "haiku"},
	}}}
	def.applyDefaults()

	result, err := h.executor.Execute(ctx, def, nil, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, "fallback saved the day", result.Outputs["s"])
	assert.Equal(t, 2, attempts)

	steps, err := h.store.RunSteps(ctx, result.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 3, steps[0].Attempt)
}

func TestOnFailureSkipContinuesRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(req sandbox.Request) []sandbox.Event {
		if strings.Contains(req.Prompt, "broken") {
			return []sandbox.Event{failEvent("model not found")}
		}
		return []sandbox.Event{okEvent("fine", 0.01)}
	})

	def := &Definition{Name: "skippy", Steps: []Step{
		{ID: "broken", Prompt: "broken step",
			Retry: &RetryConfig{MaxAttempts: 1, OnFailure: "skip"}},
		{ID: "after", Prompt: "after {steps.broken.output}", DependsOn: []string{"broken"}},
	}}
	def.applyDefaults()

	result, err := h.executor.Execute(ctx, def, nil, RunOptions{})
	require.NoError(t, err)

	// The run reaches the end, but a failed step makes it partial.
	assert.Equal(t, OutcomePartial, result.Outcome)
	assert.Nil(t, result.Outputs["broken"])
	assert.Equal(t, "fine", result.Outputs["after"])
}

func TestDeadLetterOnFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(req sandbox.Request) []sandbox.Event {
		return []sandbox.Event{failEvent("model not found")}
	})

	def := &Definition{
		Name:      "doomed",
		OnFailure: &FailureConfig{DeadLetter: true},
		Steps:     []Step{{ID: "s", Prompt: "will fail"}},
	}
	def.applyDefaults()

	result, err := h.executor.Execute(ctx, def, nil, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)

	items, err := h.store.DeadLetters(ctx, result.RunID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "s", items[0].StepID)
	assert.Contains(t, items[0].Error, "model not found")
}

func TestSubWorkflowRecursion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, echoHandler(0.01))

	child := &Definition{Name: "child", Steps: []Step{
		{ID: "score", Prompt: "Score {input.lead}"},
	}}
	child.applyDefaults()
	h.loader["child"] = child

	parent := &Definition{Name: "parent", Steps: []Step{
		{ID: "enrich", Prompt: "", Type: StepTypeSubWorkflow, SubWorkflow: &SubWorkflowConfig{
			Workflow:      "child",
			InputMapping:  map[string]string{"lead": "{input.lead}"},
			OutputMapping: map[string]string{"result": "{steps.score.output}"},
		}},
	}}
	parent.applyDefaults()
	h.loader["parent"] = parent

	result, err := h.executor.Execute(ctx, parent, map[string]any{"lead": "ACME"}, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	enriched := result.Outputs["enrich"].(map[string]any)
	assert.Equal(t, "out:Score ACME", enriched["result"])

	children, err := h.store.ChildRuns(ctx, result.RunID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "child", children[0].WorkflowName)
	assert.Equal(t, 1, children[0].Depth)
	assert.Equal(t, result.RunID, children[0].ParentRunID)
	assert.Equal(t, store.RunCompleted, children[0].Status)
}

func TestSubWorkflowDepthLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, echoHandler(0.01))

	// Force a shallow limit.
	h.executor.maxDepth = 1

	grandchild := &Definition{Name: "grandchild", Steps: []Step{{ID: "leaf", Prompt: "leaf"}}}
	grandchild.applyDefaults()
	child := &Definition{Name: "child", Steps: []Step{
		{ID: "deeper", Prompt: "", Type: StepTypeSubWorkflow, SubWorkflow: &SubWorkflowConfig{Workflow: "grandchild"}},
	}}
	child.applyDefaults()
	parent := &Definition{Name: "parent", Steps: []Step{
		{ID: "sub", Prompt: "", Type: StepTypeSubWorkflow, SubWorkflow: &SubWorkflowConfig{Workflow: "child"}},
	}}
	parent.applyDefaults()
	h.loader["grandchild"] = grandchild
	h.loader["child"] = child
	h.loader["parent"] = parent

	result, err := h.executor.Execute(ctx, parent, nil, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Contains(t, result.Error, "depth")
}

func TestIdempotencyKeyProducesOneRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, echoHandler(0.01))
	def := linearDef()

	opts := RunOptions{TenantID: "tenant-a", IdempotencyKey: "submit-42"}
	first, err := h.executor.Execute(ctx, def, map[string]any{"name": "World"}, opts)
	require.NoError(t, err)

	second, err := h.executor.Execute(ctx, def, map[string]any{"name": "World"}, opts)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, OutcomeCompleted, second.Outcome)
}

func TestValidationErrorsRejectedBeforeExecution(t *testing.T) {
	ctx := context.Background()
	calls := 0
	h := newHarness(t, func(req sandbox.Request) []sandbox.Event {
		calls++
		return []sandbox.Event{okEvent("x", 0.01)}
	})

	def := &Definition{Name: "", Steps: []Step{
		{ID: "dup", Prompt: "p", Model: "sonnet"},
		{ID: "dup", Prompt: "p", Model: "sonnet"},
	}}

	_, err := h.executor.Execute(ctx, def, nil, RunOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "Duplicate step ID")
	assert.Equal(t, 0, calls)
}

func TestStoragePromptRefsAndCompletionSink(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, echoHandler(0.01))
	h.blobs.blobs["prompts/system.txt"] = "Be terse."

	def := &Definition{
		Name:       "sink",
		OnComplete: &CompletionConfig{StoragePath: "results/{run_id}.json"},
		Steps:      []Step{{ID: "s", Prompt: "{storage.prompts/system.txt} Then answer."}},
	}
	def.applyDefaults()

	result, err := h.executor.Execute(ctx, def, nil, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "out:Be terse. Then answer.", result.Outputs["s"])

	stored, ok := h.blobs.blobs["results/"+result.RunID+".json"]
	require.True(t, ok)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(stored), &parsed))
	assert.Equal(t, "out:Be terse. Then answer.", parsed["s"])
}

func TestSLORoutingRecordsDecision(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, echoHandler(0.01))

	def := &Definition{Name: "routed", Steps: []Step{{
		ID:     "s",
		Prompt: "analyze",
		SLO: &optimizer.SLO{
			QualityMin: 0.5, CostMaxUSD: 0.5, LatencyMaxSeconds: 300, OptimizeFor: "balanced",
		},
	}}}
	def.applyDefaults()

	result, err := h.executor.Execute(ctx, def, nil, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	// No history: the optimizer cold-starts on the middle-cost option.
	decisions, err := h.store.RoutingDecisions(ctx, result.RunID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "sonnet", decisions[0].SelectedModel)
	assert.Contains(t, decisions[0].Reason, "Cold start")
	assert.Equal(t, 0.1, decisions[0].Confidence)

	steps, err := h.store.RunSteps(ctx, result.RunID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "sonnet", steps[0].Model)
}

func TestAutoPilotSamplesVariants(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, echoHandler(0.01))

	def := &Definition{Name: "piloted", Steps: []Step{{
		ID:     "s",
		Prompt: "base prompt",
		OutputSchema: map[string]any{
			"properties": map[string]any{"answer": map[string]any{}},
		},
		AutoPilot: &autopilot.Config{
			Enabled:     true,
			OptimizeFor: "quality",
			Variants: []autopilot.VariantConfig{
				{ID: "v-haiku", Model: "haiku"},
				{ID: "v-sonnet", Model: "sonnet"},
			},
			MinSamples:       10,
			QualityThreshold: 0.5,
		},
	}}}
	def.applyDefaults()

	result, err := h.executor.Execute(ctx, def, nil, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)

	exp, err := h.store.LatestExperiment(ctx, "piloted", "s")
	require.NoError(t, err)
	require.NotNil(t, exp)
	assert.Equal(t, store.ExperimentRunning, exp.Status)

	counts, err := h.store.SampleCounts(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["v-haiku"])
}

func TestForkReplaysFromStep(t *testing.T) {
	ctx := context.Background()
	runs := map[string]int{}
	h := newHarness(t, func(req sandbox.Request) []sandbox.Event {
		runs[req.Prompt]++
		return []sandbox.Event{okEvent("out:"+req.Prompt, 0.01)}
	})

	def := linearDef()
	h.loader["linear"] = def

	source, err := h.executor.Execute(ctx, def, map[string]any{"name": "World"}, RunOptions{})
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, source.Outcome)

	// Fork from step c: a and b come from the source checkpoint.
	forked, err := h.executor.Fork(ctx, source.RunID, "c", map[string]any{"name": "Again"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, forked.Outcome)
	assert.NotEqual(t, source.RunID, forked.RunID)

	// Upstream outputs carried over without re-execution.
	assert.Equal(t, source.Outputs["a"], forked.Outputs["a"])
	assert.Equal(t, source.Outputs["b"], forked.Outputs["b"])
	assert.Equal(t, 1, runs["Greet World"])

	run, err := h.store.GetRun(ctx, forked.RunID)
	require.NoError(t, err)
	assert.Equal(t, source.RunID, run.ParentRunID)
	assert.Equal(t, "c", run.ReplayFromStep)
	assert.Equal(t, "Again", run.ForkChanges["name"])
}
