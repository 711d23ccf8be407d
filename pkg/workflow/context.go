package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Cancel is a run's shared cancellation flag. The workflow executor checks
// it at stage boundaries and the sandbox runtime between streamed events.
type Cancel struct {
	flag atomic.Bool
}

// NewCancel creates an unset cancel flag.
func NewCancel() *Cancel { return &Cancel{} }

// Set requests cancellation.
func (c *Cancel) Set() { c.flag.Store(true) }

// Cancelled reports whether cancellation was requested.
func (c *Cancel) Cancelled() bool {
	if c == nil {
		return false
	}
	return c.flag.Load()
}

// RunContext is the mutable context threaded through one run's execution.
// Mutations happen only between stages (the stage boundary is the
// happens-before edge); within a stage, siblings see a frozen snapshot.
type RunContext struct {
	RunID string
	Input map[string]any

	mu             sync.Mutex
	stepOutputs    map[string]any
	webhookOutputs map[string]any
	costs          []float64

	MaxCostUSD  float64
	Depth       int
	TenantID    string
	CallbackURL string

	now func() time.Time
}

// NewRunContext creates a context for a fresh run.
func NewRunContext(runID string, input map[string]any) *RunContext {
	if input == nil {
		input = make(map[string]any)
	}
	return &RunContext{
		RunID:          runID,
		Input:          input,
		stepOutputs:    make(map[string]any),
		webhookOutputs: make(map[string]any),
		now:            time.Now,
	}
}

// Restore rebuilds a context from a checkpoint snapshot.
func (c *RunContext) Restore(stepOutputs map[string]any, costs []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepOutputs = make(map[string]any, len(stepOutputs))
	for k, v := range stepOutputs {
		c.stepOutputs[k] = v
	}
	c.costs = append([]float64(nil), costs...)
}

// SetOutput stores a step output.
func (c *RunContext) SetOutput(stepID string, output any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepOutputs[stepID] = output
}

// Output reads a step output.
func (c *RunContext) Output(stepID string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.stepOutputs[stepID]
	return v, ok
}

// Outputs returns a copy of all step outputs.
func (c *RunContext) Outputs() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.stepOutputs))
	for k, v := range c.stepOutputs {
		out[k] = v
	}
	return out
}

// SetWebhookOutput stores the redacted form of a step output destined for
// webhook payloads (redact policies with apply_to: [webhook]).
func (c *RunContext) SetWebhookOutput(stepID string, output any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.webhookOutputs[stepID] = output
}

// WebhookOutputs returns a copy of the redacted-for-webhook overrides.
func (c *RunContext) WebhookOutputs() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.webhookOutputs))
	for k, v := range c.webhookOutputs {
		out[k] = v
	}
	return out
}

// AddCost appends a step cost. Total cost is monotonically non-decreasing.
func (c *RunContext) AddCost(cost float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.costs = append(c.costs, cost)
}

// TotalCost sums all recorded costs.
func (c *RunContext) TotalCost() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total float64
	for _, cost := range c.costs {
		total += cost
	}
	return total
}

// Costs returns a copy of the cost list.
func (c *RunContext) Costs() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.costs...)
}

// WithItem derives a child context for one parallel_over item. The child
// snapshots outputs and starts with an empty cost list of its own (the
// stage loop adds each item's cost to the parent), and its input gains
// _item and _index.
func (c *RunContext) WithItem(item any, index int) *RunContext {
	input := make(map[string]any, len(c.Input)+2)
	for k, v := range c.Input {
		input[k] = v
	}
	input["_item"] = item
	input["_index"] = index

	child := NewRunContext(c.RunID, input)
	child.MaxCostUSD = c.MaxCostUSD
	child.Depth = c.Depth
	child.TenantID = c.TenantID
	child.Restore(c.Outputs(), nil)
	return child
}

// tokenPattern matches {token} template variables.
var tokenPattern = regexp.MustCompile(`\{([^}]+)\}`)

// ResolveVariable walks a dotted variable path against the run context.
// Supported roots: input.X, steps.S.output[.path], run_id, date.
// Integer path segments index lists. Returns nil when unresolvable.
func (c *RunContext) ResolveVariable(path string) any {
	if path == "run_id" {
		return c.RunID
	}
	if path == "date" {
		return c.now().UTC().Format("2006-01-02")
	}

	parts := strings.Split(path, ".")
	switch parts[0] {
	case "input":
		return walkPath(c.Input, parts[1:])
	case "steps":
		if len(parts) < 3 || parts[2] != "output" {
			return nil
		}
		output, ok := c.Output(parts[1])
		if !ok {
			return nil
		}
		if len(parts) == 3 {
			return output
		}
		return walkPath(output, parts[3:])
	}
	return nil
}

// walkPath descends maps by key and lists by integer index.
func walkPath(obj any, parts []string) any {
	for _, part := range parts {
		switch v := obj.(type) {
		case map[string]any:
			obj = v[part]
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil
			}
			obj = v[idx]
		default:
			return nil
		}
	}
	return obj
}

// ResolveTemplates replaces {var.path} tokens in a string. Unresolved
// tokens are left verbatim; non-string values are JSON-encoded.
func (c *RunContext) ResolveTemplates(template string) string {
	return tokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		path := token[1 : len(token)-1]
		if strings.HasPrefix(path, "storage.") {
			// Resolved in the storage pass.
			return token
		}
		value := c.ResolveVariable(path)
		if value == nil {
			return token
		}
		switch v := value.(type) {
		case string:
			return v
		case map[string]any, []any:
			data, err := json.Marshal(v)
			if err != nil {
				return token
			}
			return string(data)
		default:
			return fmt.Sprintf("%v", v)
		}
	})
}

// storagePattern matches {storage.PATH} references.
var storagePattern = regexp.MustCompile(`\{storage\.([^}]+)\}`)

// StorageReader is the read side of the storage backend used by template
// resolution.
type StorageReader interface {
	Read(ctx context.Context, key string) (content string, ok bool, err error)
}

// ResolveStorageRefs replaces {storage.PATH} references by reading blobs
// from the storage backend, sequentially to preserve ordering. Missing
// keys leave the reference verbatim.
func ResolveStorageRefs(ctx context.Context, prompt string, backend StorageReader) (string, error) {
	matches := storagePattern.FindAllStringSubmatch(prompt, -1)
	result := prompt
	for _, match := range matches {
		content, ok, err := backend.Read(ctx, match[1])
		if err != nil {
			return "", fmt.Errorf("resolving storage ref %q: %w", match[1], err)
		}
		if !ok {
			continue
		}
		result = strings.Replace(result, match[0], content, 1)
	}
	return result, nil
}
