// Package policy evaluates declarative rules against step outputs and
// applies actions: redact, inject approval gates, block, alert, log.
package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Built-in pattern names usable in output_contains triggers.
var builtinPatterns = map[string]string{
	"email":       `[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`,
	"phone":       `[\+]?[(]?[0-9]{1,4}[)]?[-\s\./0-9]{7,15}`,
	"ssn":         `\b\d{3}-\d{2}-\d{4}\b`,
	"credit_card": `\b(?:\d[ \-]*?){13,19}\b`,
}

// Pattern is one pattern to match in step output. Type is a built-in name
// or "regex" with a custom expression.
type Pattern struct {
	Type    string `yaml:"type" json:"type"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

// Trigger decides when a policy fires.
type Trigger struct {
	// Type is "output_contains" or "condition".
	Type string `yaml:"type" json:"type"`

	// Patterns apply to output_contains triggers.
	Patterns []Pattern `yaml:"patterns,omitempty" json:"patterns,omitempty"`

	// Expression is a safe condition over output, step_id, run_id,
	// step_cost_usd, total_cost_usd.
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`
}

// Action decides what happens when a policy fires.
type Action struct {
	// Type is "redact", "inject_approval", "block", "alert", or "log".
	Type string `yaml:"type" json:"type"`

	// Replacement substitutes pattern matches for redact (default [REDACTED]).
	Replacement string `yaml:"replacement,omitempty" json:"replacement,omitempty"`

	// ApplyTo selects downstream targets for redact: storage, webhook, output.
	ApplyTo []string `yaml:"apply_to,omitempty" json:"apply_to,omitempty"`

	// ApprovalConfig configures the injected gate for inject_approval.
	ApprovalConfig map[string]any `yaml:"approval_config,omitempty" json:"approval_config,omitempty"`

	// Message is the alert/block text.
	Message string `yaml:"message,omitempty" json:"message,omitempty"`
}

// Definition is a single policy rule.
type Definition struct {
	ID          string  `yaml:"id" json:"id"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Severity    string  `yaml:"severity,omitempty" json:"severity,omitempty"`
	Trigger     Trigger `yaml:"trigger" json:"trigger"`
	Action      Action  `yaml:"action" json:"action"`
}

// Violation records one triggered policy.
type Violation struct {
	PolicyID       string
	Severity       string
	TriggerDetails string
	ActionTaken    string
	OutputModified bool
	Timestamp      time.Time
}

// EvalContext carries the variables visible to condition expressions and
// message templates.
type EvalContext struct {
	RunID        string
	StepID       string
	Input        map[string]any
	TotalCostUSD float64
}

// EvalResult is the outcome of evaluating all policies against one output.
type EvalResult struct {
	Violations []Violation

	// ModifiedOutput is the in-memory value passed to later steps.
	ModifiedOutput any

	// RedactedOutput is the version for storage/webhook targets.
	RedactedOutput any

	// RedactTargets accumulates apply_to targets across redact policies.
	RedactTargets map[string]bool

	ShouldInjectApproval bool
	ApprovalConfig       map[string]any

	ShouldBlock bool
	BlockReason string
}

// Engine evaluates a fixed-order policy list. Regexes are compiled once
// and cached keyed by (policy id, pattern).
type Engine struct {
	policies []Definition
	compiled map[string]*regexp.Regexp
	programs *programCache
	logger   *slog.Logger
}

// NewEngine compiles the policies' patterns and condition expressions.
// Invalid patterns or expressions are reported immediately.
func NewEngine(policies []Definition, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		policies: policies,
		compiled: make(map[string]*regexp.Regexp),
		programs: newProgramCache(),
		logger:   logger,
	}
	for _, p := range policies {
		for _, pat := range p.Trigger.Patterns {
			key := patternKey(p.ID, pat)
			if _, ok := e.compiled[key]; ok {
				continue
			}
			re, err := compilePattern(pat)
			if err != nil {
				return nil, fmt.Errorf("policy %q: %w", p.ID, err)
			}
			e.compiled[key] = re
		}
		if p.Trigger.Type == "condition" && p.Trigger.Expression != "" {
			if err := e.programs.compile(p.Trigger.Expression); err != nil {
				return nil, fmt.Errorf("policy %q condition: %w", p.ID, err)
			}
		}
	}
	return e, nil
}

func patternKey(policyID string, p Pattern) string {
	return policyID + ":" + p.Type + ":" + p.Pattern
}

func compilePattern(p Pattern) (*regexp.Regexp, error) {
	if p.Type == "regex" {
		if p.Pattern == "" {
			return nil, fmt.Errorf("regex pattern requires a pattern field")
		}
		return regexp.Compile(p.Pattern)
	}
	src, ok := builtinPatterns[p.Type]
	if !ok {
		return nil, fmt.Errorf("unknown pattern type %q", p.Type)
	}
	return regexp.Compile(src)
}

// Evaluate runs every policy against the output in list order. Every
// policy is evaluated; block does not stop the sweep but marks the result.
func (e *Engine) Evaluate(output any, stepCostUSD float64, ctx EvalContext) EvalResult {
	result := EvalResult{
		ModifiedOutput: deepCopy(output),
		RedactTargets:  make(map[string]bool),
	}

	for _, p := range e.policies {
		matched, details := e.checkTrigger(p, result.ModifiedOutput, stepCostUSD, ctx)
		if !matched {
			continue
		}

		violation := Violation{
			PolicyID:       p.ID,
			Severity:       severityOrDefault(p.Severity),
			TriggerDetails: details,
			ActionTaken:    p.Action.Type,
			Timestamp:      time.Now().UTC(),
		}

		switch p.Action.Type {
		case "redact":
			// Without apply_to the redaction hits every target, including
			// the in-memory value later steps read. With apply_to only the
			// listed targets see it; "output" opts the in-memory value in.
			targetsOutput := len(p.Action.ApplyTo) == 0
			for _, target := range p.Action.ApplyTo {
				result.RedactTargets[target] = true
				if target == "output" {
					targetsOutput = true
				}
			}
			if targetsOutput {
				result.ModifiedOutput = e.redact(result.ModifiedOutput, p.ID, p.Trigger.Patterns, p.Action.Replacement)
			}
			violation.OutputModified = true

		case "inject_approval":
			result.ShouldInjectApproval = true
			cfg := make(map[string]any, len(p.Action.ApprovalConfig))
			for k, v := range p.Action.ApprovalConfig {
				cfg[k] = v
			}
			if msg, ok := cfg["message"].(string); ok {
				cfg["message"] = resolveMessageTemplate(msg, output, ctx)
			}
			result.ApprovalConfig = cfg

		case "block":
			result.ShouldBlock = true
			result.BlockReason = p.Action.Message
			if result.BlockReason == "" {
				result.BlockReason = "Policy violation: output blocked"
			}
			if len(p.Trigger.Patterns) > 0 {
				result.ModifiedOutput = e.redact(result.ModifiedOutput, p.ID, p.Trigger.Patterns, "[BLOCKED]")
				violation.OutputModified = true
			}

		case "alert":
			msg := p.Action.Message
			if msg == "" {
				msg = fmt.Sprintf("Policy %q triggered", p.ID)
			}
			e.logger.Warn("policy alert",
				"policy", p.ID, "severity", violation.Severity,
				"message", resolveMessageTemplate(msg, output, ctx))

		case "log":
			e.logger.Info("policy log", "policy", p.ID, "details", details)
		}

		result.Violations = append(result.Violations, violation)
	}

	// Build the storage/webhook version from the original output when any
	// redact policy declared apply_to targets.
	result.RedactedOutput = result.ModifiedOutput
	if len(result.RedactTargets) > 0 {
		redacted := deepCopy(output)
		for _, p := range e.policies {
			if p.Action.Type == "redact" && len(p.Trigger.Patterns) > 0 {
				redacted = e.redact(redacted, p.ID, p.Trigger.Patterns, p.Action.Replacement)
			}
		}
		result.RedactedOutput = redacted
	}

	return result
}

func severityOrDefault(s string) string {
	if s == "" {
		return "medium"
	}
	return s
}

// checkTrigger reports whether the policy fires and a details string.
func (e *Engine) checkTrigger(p Definition, output any, stepCostUSD float64, ctx EvalContext) (bool, string) {
	switch p.Trigger.Type {
	case "output_contains":
		if len(p.Trigger.Patterns) == 0 {
			return false, ""
		}
		text := stringify(output)
		for _, pat := range p.Trigger.Patterns {
			re := e.compiled[patternKey(p.ID, pat)]
			if re == nil {
				var err error
				re, err = compilePattern(pat)
				if err != nil {
					continue
				}
			}
			matches := re.FindAllString(text, -1)
			if len(matches) > 0 {
				return true, fmt.Sprintf("Pattern %q found: %d match(es)", pat.Type, len(matches))
			}
		}
		return false, ""

	case "condition":
		if p.Trigger.Expression == "" {
			return false, ""
		}
		truthy, err := e.programs.eval(p.Trigger.Expression, map[string]any{
			"output":         output,
			"step_id":        ctx.StepID,
			"run_id":         ctx.RunID,
			"step_cost_usd":  stepCostUSD,
			"total_cost_usd": ctx.TotalCostUSD,
		})
		if err != nil {
			e.logger.Warn("policy condition eval error", "policy", p.ID, "error", err)
			return false, ""
		}
		if truthy {
			return true, fmt.Sprintf("Condition %q = true", p.Trigger.Expression)
		}
		return false, ""
	}
	return false, ""
}

// redact replaces all pattern matches in the output's JSON text form. Map
// outputs are re-parsed afterwards so structure survives when possible.
func (e *Engine) redact(output any, policyID string, patterns []Pattern, replacement string) any {
	if replacement == "" {
		replacement = "[REDACTED]"
	}
	_, isMap := output.(map[string]any)
	text := stringify(output)
	for _, pat := range patterns {
		re := e.compiled[patternKey(policyID, pat)]
		if re == nil {
			var err error
			re, err = compilePattern(pat)
			if err != nil {
				continue
			}
		}
		text = re.ReplaceAllString(text, replacement)
	}
	if isMap {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(text), &parsed); err == nil {
			return parsed
		}
	}
	return text
}

// stringify renders an output value for pattern matching.
func stringify(output any) string {
	switch v := output.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// deepCopy clones output through JSON so redaction never mutates the
// caller's value.
func deepCopy(output any) any {
	switch output.(type) {
	case string, nil, float64, int, bool:
		return output
	}
	data, err := json.Marshal(output)
	if err != nil {
		return output
	}
	var clone any
	if err := json.Unmarshal(data, &clone); err != nil {
		return output
	}
	return clone
}

// resolveMessageTemplate substitutes {output.field} and {input.field}
// placeholders in alert/approval messages.
func resolveMessageTemplate(template string, output any, ctx EvalContext) string {
	return messagePattern.ReplaceAllStringFunc(template, func(token string) string {
		path := strings.Split(token[1:len(token)-1], ".")
		var obj any
		switch path[0] {
		case "output":
			obj = output
		case "input":
			obj = ctx.Input
		default:
			return token
		}
		for _, part := range path[1:] {
			m, ok := obj.(map[string]any)
			if !ok {
				return token
			}
			obj, ok = m[part]
			if !ok {
				return token
			}
		}
		return fmt.Sprintf("%v", obj)
	})
}

var messagePattern = regexp.MustCompile(`\{([^}]+)\}`)

// ResolveStepPolicies decides which policies apply to a step.
// A nil step list means all global policies; an empty list means none;
// otherwise id references are looked up and inline definitions kept.
func ResolveStepPolicies(stepPolicies []StepPolicyRef, globals []Definition, logger *slog.Logger) []Definition {
	if stepPolicies == nil {
		return globals
	}
	if len(stepPolicies) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	globalByID := make(map[string]Definition, len(globals))
	for _, g := range globals {
		globalByID[g.ID] = g
	}

	var result []Definition
	for _, ref := range stepPolicies {
		if ref.ID != "" && ref.Inline == nil {
			g, ok := globalByID[ref.ID]
			if !ok {
				logger.Warn("policy not found in global policies", "policy", ref.ID)
				continue
			}
			result = append(result, g)
			continue
		}
		if ref.Inline != nil {
			result = append(result, *ref.Inline)
		}
	}
	return result
}

// StepPolicyRef is either a reference to a global policy by id or an
// inline definition. It unmarshals from a YAML string or mapping.
type StepPolicyRef struct {
	ID     string
	Inline *Definition
}

// UnmarshalYAML accepts either a bare string (reference) or a mapping
// (inline definition).
func (r *StepPolicyRef) UnmarshalYAML(unmarshal func(any) error) error {
	var id string
	if err := unmarshal(&id); err == nil {
		r.ID = id
		return nil
	}
	var def Definition
	if err := unmarshal(&def); err != nil {
		return err
	}
	r.Inline = &def
	return nil
}
