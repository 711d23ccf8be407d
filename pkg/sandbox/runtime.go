package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gizmax/sandcastle/pkg/errors"
	"github.com/gizmax/sandcastle/pkg/providers"
)

// DefaultMaxConcurrent caps simultaneous sandbox executions per runtime.
const DefaultMaxConcurrent = 5

// healthCacheTTL is how long a positive health probe stays valid.
const healthCacheTTL = 60 * time.Second

// Canceller exposes a run's shared cancel flag. The runtime checks it
// between streamed events.
type Canceller interface {
	Cancelled() bool
}

// Runtime wraps exactly one backend and layers concurrency limits, health
// caching, retriable-error detection, and model failover above it.
type Runtime struct {
	backend  Backend
	failover *providers.Failover
	sem      *semaphore.Weighted
	logger   *slog.Logger

	anthropicAPIKey string
	defaultTimeout  int

	healthMu     sync.Mutex
	healthOK     bool
	healthProbed time.Time
}

// Options configures a Runtime.
type Options struct {
	// MaxConcurrent caps simultaneous executions (default 5).
	MaxConcurrent int

	// AnthropicAPIKey authenticates the Claude runner.
	AnthropicAPIKey string

	// DefaultTimeoutSeconds applies when a request has no timeout.
	DefaultTimeoutSeconds int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// NewRuntime creates a runtime around one backend. The failover tracker is
// shared process-wide so cooldowns observed by one run apply to all.
func NewRuntime(backend Backend, failover *providers.Failover, opts Options) *Runtime {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.DefaultTimeoutSeconds <= 0 {
		opts.DefaultTimeoutSeconds = 300
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runtime{
		backend:         backend,
		failover:        failover,
		sem:             semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		logger:          opts.Logger,
		anthropicAPIKey: opts.AnthropicAPIKey,
		defaultTimeout:  opts.DefaultTimeoutSeconds,
	}
}

// BackendName returns the active backend's name.
func (r *Runtime) BackendName() string { return r.backend.Name() }

// Close releases the underlying backend.
func (r *Runtime) Close() error { return r.backend.Close() }

// retriablePattern matches 5xx status codes 500-504 embedded in messages.
var retriablePattern = regexp.MustCompile(`\b50[0-4]\b`)

// IsRetriable reports whether an error message indicates a transient
// provider failure that failover may recover from.
func IsRetriable(msg string) bool {
	m := strings.ToLower(msg)
	if strings.Contains(m, "429") || strings.Contains(m, "rate limit") || strings.Contains(m, "too many requests") {
		return true
	}
	if retriablePattern.MatchString(m) {
		return true
	}
	return strings.Contains(m, "server error") || strings.Contains(m, "overloaded") || strings.Contains(m, "capacity")
}

// Health returns the cached backend health, probing when stale. Only
// positive results are cached.
func (r *Runtime) Health(ctx context.Context) bool {
	r.healthMu.Lock()
	if r.healthOK && time.Since(r.healthProbed) < healthCacheTTL {
		r.healthMu.Unlock()
		return true
	}
	r.healthMu.Unlock()

	ok := r.backend.Health(ctx)

	r.healthMu.Lock()
	r.healthOK = ok
	r.healthProbed = time.Now()
	r.healthMu.Unlock()
	return ok
}

// buildSpec resolves the model and assembles the runner environment.
func (r *Runtime) buildSpec(req Request) (RunSpec, providers.ModelInfo, error) {
	model := req.Model
	if model == "" {
		model = "sonnet"
	}
	info, err := providers.Resolve(model)
	if err != nil {
		return RunSpec{}, providers.ModelInfo{}, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return RunSpec{}, providers.ModelInfo{}, fmt.Errorf("encoding sandbox request: %w", err)
	}

	env := map[string]string{
		"SANDCASTLE_REQUEST": string(payload),
	}
	useClaude := info.Provider == "claude"
	if useClaude {
		env["ANTHROPIC_API_KEY"] = r.anthropicAPIKey
	} else {
		env["MODEL_API_KEY"] = providers.APIKey(info)
		env["MODEL_ID"] = info.APIModelID
		env["MODEL_INPUT_PRICE"] = fmt.Sprintf("%g", info.InputPricePerM)
		env["MODEL_OUTPUT_PRICE"] = fmt.Sprintf("%g", info.OutputPricePerM)
		if info.APIBaseURL != "" {
			env["MODEL_BASE_URL"] = info.APIBaseURL
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	return RunSpec{
		RunnerFile:      info.Runner,
		Env:             env,
		UseClaudeRunner: useClaude,
		TimeoutSeconds:  timeout,
	}, info, nil
}

// queryOnce executes one attempt against the backend, invoking fn for each
// streamed event. A retriable error event aborts the stream with a
// ProviderError (Retriable=true) so failover can catch it.
func (r *Runtime) queryOnce(ctx context.Context, req Request, cancel Canceller, fn func(Event)) error {
	spec, info, err := r.buildSpec(req)
	if err != nil {
		return err
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)

	// Safety deadline on top of the backend's own timeout enforcement.
	ctx, stop := context.WithTimeout(ctx, time.Duration(spec.TimeoutSeconds+30)*time.Second)
	defer stop()

	events, err := r.backend.Start(ctx, spec)
	if err != nil {
		return &errors.ProviderError{
			Provider: info.Provider, Model: req.Model,
			Message: err.Error(), Retriable: IsRetriable(err.Error()), Cause: err,
		}
	}

	for event := range events {
		if cancel != nil && cancel.Cancelled() {
			r.logger.Info("cancellation requested, stopping sandbox stream",
				"backend", r.backend.Name())
			stop()
			return context.Canceled
		}
		if event.Kind == EventError {
			msg, _ := event.Payload["error"].(string)
			if msg == "" {
				msg = "unknown runtime error"
			}
			return &errors.ProviderError{
				Provider: info.Provider, Model: req.Model,
				Message: msg, Retriable: IsRetriable(msg),
			}
		}
		fn(event)
	}
	return ctx.Err()
}

// Query executes a request with automatic model failover on retriable
// errors and returns the aggregated result. The second return value names
// the model that actually served the request.
func (r *Runtime) Query(ctx context.Context, req Request, cancel Canceller) (*Result, string, error) {
	result, err := r.collect(ctx, req, cancel)
	if err == nil {
		return result, req.Model, nil
	}

	perr, ok := err.(*errors.ProviderError)
	if !ok || !perr.Retriable {
		return nil, req.Model, err
	}

	// Mark the primary model's key on cooldown and walk the chain.
	if info, rerr := providers.Resolve(req.Model); rerr == nil {
		r.failover.MarkCooldown(info.APIKeyEnv)
		r.logger.Warn("model hit retriable error, trying alternatives",
			"model", req.Model, "error", perr.Message)
	} else {
		return nil, req.Model, err
	}

	alternatives := r.failover.Alternatives(req.Model)
	if len(alternatives) == 0 {
		return nil, req.Model, &errors.ProviderError{
			Provider: "failover", Model: req.Model,
			Message: fmt.Sprintf("model %q is rate-limited and no alternatives are available", req.Model),
			Cause:   err,
		}
	}

	lastErr := err
	for _, alt := range alternatives {
		altReq := req
		altReq.Model = alt
		r.logger.Info("failing over", "from", req.Model, "to", alt)
		result, err := r.collect(ctx, altReq, cancel)
		if err == nil {
			return result, alt, nil
		}
		lastErr = err
		if perr, ok := err.(*errors.ProviderError); ok && perr.Retriable {
			if info, rerr := providers.Resolve(alt); rerr == nil {
				r.failover.MarkCooldown(info.APIKeyEnv)
			}
			continue
		}
		return nil, alt, err
	}

	return nil, req.Model, &errors.ProviderError{
		Provider: "failover", Model: req.Model,
		Message: fmt.Sprintf("all failover alternatives exhausted for %q", req.Model),
		Cause:   lastErr,
	}
}

// collect drains one attempt's stream into a Result. When the result event
// carries no text, the last assistant message is used instead.
func (r *Runtime) collect(ctx context.Context, req Request, cancel Canceller) (*Result, error) {
	result := &Result{}
	var assistantTexts []string
	sawResult := false

	err := r.queryOnce(ctx, req, cancel, func(event Event) {
		switch event.Kind {
		case EventResult:
			sawResult = true
			if text, ok := event.Payload["result"].(string); ok && text != "" {
				result.Text = text
			} else if text, ok := event.Payload["text"].(string); ok {
				result.Text = text
			}
			if so, ok := event.Payload["structured_output"].(map[string]any); ok {
				result.StructuredOutput = so
			}
			if cost, ok := event.Payload["total_cost_usd"].(float64); ok {
				result.TotalCostUSD = cost
			}
			if turns, ok := event.Payload["num_turns"].(float64); ok {
				result.NumTurns = int(turns)
			}
		case EventAssistant:
			if text := extractText(event.Payload); text != "" {
				assistantTexts = append(assistantTexts, text)
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if !sawResult && len(assistantTexts) == 0 {
		return nil, &errors.ProviderError{
			Provider: "sandbox", Model: req.Model,
			Message: "stream ended without a result event",
		}
	}
	if result.Text == "" && len(assistantTexts) > 0 {
		result.Text = assistantTexts[len(assistantTexts)-1]
	}
	return result, nil
}

// extractText pulls text content out of the message shapes runners emit.
func extractText(payload map[string]any) string {
	for _, key := range []string{"text", "content", "result"} {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	if msg, ok := payload["message"].(map[string]any); ok {
		if blocks, ok := msg["content"].([]any); ok {
			for _, b := range blocks {
				if block, ok := b.(map[string]any); ok && block["type"] == "text" {
					if t, ok := block["text"].(string); ok && t != "" {
						return t
					}
				}
			}
		}
	}
	if blocks, ok := payload["content"].([]any); ok {
		for _, b := range blocks {
			if block, ok := b.(map[string]any); ok && block["type"] == "text" {
				if t, ok := block["text"].(string); ok && t != "" {
					return t
				}
			}
		}
	}
	return ""
}
