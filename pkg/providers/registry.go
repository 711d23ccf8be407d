// Package providers maps model strings to runner configuration, API keys,
// and pricing, and tracks per-key cooldowns for failover routing.
//
// Claude models run on the Claude Agent SDK runner (runner.mjs); all other
// providers use the OpenAI-compatible runner (runner-openai.mjs).
package providers

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// ModelInfo is the configuration for a single model.
type ModelInfo struct {
	// Provider is the provider family ("claude", "minimax", "openai", "google").
	Provider string

	// APIModelID is the model identifier sent to the provider API.
	APIModelID string

	// Runner is the runner script executed inside the sandbox.
	Runner string

	// APIKeyEnv is the environment variable holding the API key.
	APIKeyEnv string

	// APIBaseURL overrides the provider default endpoint (empty = default).
	APIBaseURL string

	// InputPricePerM is USD per 1M input tokens.
	InputPricePerM float64

	// OutputPricePerM is USD per 1M output tokens.
	OutputPricePerM float64
}

// Runner script names.
const (
	ClaudeRunner = "runner.mjs"
	OpenAIRunner = "runner-openai.mjs"
)

// registry holds every supported model, keyed by the model string used in
// workflow definitions.
var registry = map[string]ModelInfo{
	// Claude models keep bare names for backward compatibility.
	"sonnet": {Provider: "claude", APIModelID: "sonnet", Runner: ClaudeRunner,
		APIKeyEnv: "ANTHROPIC_API_KEY", InputPricePerM: 3.0, OutputPricePerM: 15.0},
	"opus": {Provider: "claude", APIModelID: "opus", Runner: ClaudeRunner,
		APIKeyEnv: "ANTHROPIC_API_KEY", InputPricePerM: 15.0, OutputPricePerM: 75.0},
	"haiku": {Provider: "claude", APIModelID: "haiku", Runner: ClaudeRunner,
		APIKeyEnv: "ANTHROPIC_API_KEY", InputPricePerM: 0.80, OutputPricePerM: 4.0},

	"minimax/m2.5": {Provider: "minimax", APIModelID: "MiniMax-M2.5", Runner: OpenAIRunner,
		APIKeyEnv: "MINIMAX_API_KEY", APIBaseURL: "https://api.minimaxi.chat/v1",
		InputPricePerM: 0.30, OutputPricePerM: 1.20},

	"openai/codex-mini": {Provider: "openai", APIModelID: "codex-mini", Runner: OpenAIRunner,
		APIKeyEnv: "OPENAI_API_KEY", APIBaseURL: "https://api.openai.com/v1",
		InputPricePerM: 0.25, OutputPricePerM: 2.0},
	"openai/codex": {Provider: "openai", APIModelID: "codex", Runner: OpenAIRunner,
		APIKeyEnv: "OPENAI_API_KEY", APIBaseURL: "https://api.openai.com/v1",
		InputPricePerM: 1.25, OutputPricePerM: 10.0},

	"google/gemini-2.5-pro": {Provider: "google", APIModelID: "google/gemini-2.5-pro", Runner: OpenAIRunner,
		APIKeyEnv: "OPENROUTER_API_KEY", APIBaseURL: "https://openrouter.ai/api/v1",
		InputPricePerM: 4.0, OutputPricePerM: 20.0},
}

// failoverChains lists ordered fallback models per model: same-provider
// cheaper first, then same-provider pricier, then cross-provider.
var failoverChains = map[string][]string{
	"sonnet": {"haiku", "opus", "openai/codex-mini", "minimax/m2.5", "google/gemini-2.5-pro"},
	"opus":   {"sonnet", "haiku", "google/gemini-2.5-pro", "openai/codex"},
	"haiku":  {"sonnet", "opus", "minimax/m2.5", "openai/codex-mini"},

	"minimax/m2.5":      {"openai/codex-mini", "haiku", "sonnet"},
	"openai/codex-mini": {"openai/codex", "minimax/m2.5", "haiku", "sonnet"},
	"openai/codex":      {"openai/codex-mini", "sonnet", "google/gemini-2.5-pro"},

	"google/gemini-2.5-pro": {"sonnet", "opus", "openai/codex", "minimax/m2.5"},
}

// Resolve returns the configuration for a model string.
func Resolve(model string) (ModelInfo, error) {
	info, ok := registry[model]
	if !ok {
		return ModelInfo{}, fmt.Errorf("unknown model %q (available: %s)",
			model, strings.Join(Known(), ", "))
	}
	return info, nil
}

// Known returns all supported model names, sorted.
func Known() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsKnown reports whether the model string is in the registry.
func IsKnown(model string) bool {
	_, ok := registry[model]
	return ok
}

// IsClaudeModel reports whether the model resolves to a Claude model.
func IsClaudeModel(model string) bool {
	info, ok := registry[model]
	return ok && info.Provider == "claude"
}

// APIKey reads the API key for a model from the environment.
func APIKey(info ModelInfo) string {
	return os.Getenv(info.APIKeyEnv)
}

// DefaultCooldown is how long a rate-limited key stays off rotation.
const DefaultCooldown = 5 * time.Minute

// Failover tracks per-API-key cooldowns and answers which alternative
// models are currently viable. Safe for concurrent use; one instance is
// shared by every run in the process.
type Failover struct {
	mu        sync.Mutex
	cooldowns map[string]time.Time
	now       func() time.Time
	cooldown  time.Duration
}

// NewFailover creates a failover tracker with the given cooldown duration.
// A zero duration uses DefaultCooldown.
func NewFailover(cooldown time.Duration) *Failover {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Failover{
		cooldowns: make(map[string]time.Time),
		now:       time.Now,
		cooldown:  cooldown,
	}
}

// MarkCooldown puts an API key env on cooldown until now + the configured
// duration.
func (f *Failover) MarkCooldown(apiKeyEnv string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cooldowns[apiKeyEnv] = f.now().Add(f.cooldown)
}

// Available reports whether an API key env is NOT on cooldown. Expired
// entries are pruned on read.
func (f *Failover) Available(apiKeyEnv string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	deadline, ok := f.cooldowns[apiKeyEnv]
	if !ok {
		return true
	}
	if !f.now().Before(deadline) {
		delete(f.cooldowns, apiKeyEnv)
		return true
	}
	return false
}

// Alternatives returns the ordered fallback models for a model, filtered
// to those whose API key is configured and not on cooldown.
func (f *Failover) Alternatives(model string) []string {
	var result []string
	for _, alt := range failoverChains[model] {
		info, ok := registry[alt]
		if !ok {
			continue
		}
		if !f.Available(info.APIKeyEnv) {
			continue
		}
		if APIKey(info) == "" {
			continue
		}
		result = append(result, alt)
	}
	return result
}

// Status reports active cooldowns (remaining seconds) and which models are
// currently routable.
func (f *Failover) Status() (cooldowns map[string]float64, available, unavailable []string) {
	now := f.now()
	f.mu.Lock()
	cooldowns = make(map[string]float64)
	for key, deadline := range f.cooldowns {
		remaining := deadline.Sub(now)
		if remaining > 0 {
			cooldowns[key] = remaining.Seconds()
		} else {
			delete(f.cooldowns, key)
		}
	}
	f.mu.Unlock()

	for _, model := range Known() {
		info := registry[model]
		if APIKey(info) != "" && f.Available(info.APIKeyEnv) {
			available = append(available, model)
		} else {
			unavailable = append(unavailable, model)
		}
	}
	return cooldowns, available, unavailable
}
