package workflow

import (
	"fmt"

	"github.com/gizmax/sandcastle/pkg/optimizer"
	"github.com/gizmax/sandcastle/pkg/providers"
)

// Validate checks a workflow definition and returns every error found;
// an empty slice means the definition is valid. Validation never
// short-circuits so callers see the full picture at once.
func Validate(def *Definition) []string {
	var errs []string

	if def.Name == "" {
		errs = append(errs, "Workflow name is required")
	}
	if len(def.Steps) == 0 {
		errs = append(errs, "Workflow must have at least one step")
	}

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		stepIDs[step.ID] = true
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if seen[step.ID] {
			errs = append(errs, fmt.Sprintf("Duplicate step ID: %q", step.ID))
		}
		seen[step.ID] = true
	}

	for _, step := range def.Steps {
		for _, dep := range step.DependsOn {
			if !stepIDs[dep] {
				errs = append(errs, fmt.Sprintf("Step %q depends on unknown step %q", step.ID, dep))
			}
		}
	}

	errs = append(errs, detectCycles(def.Steps)...)

	for _, step := range def.Steps {
		switch step.Type {
		case StepTypeApproval:
			if step.Approval == nil || step.Approval.Message == "" {
				errs = append(errs, fmt.Sprintf("Approval step %q requires approval_config.message", step.ID))
			}
		case StepTypeSubWorkflow:
			if step.SubWorkflow == nil || step.SubWorkflow.Workflow == "" {
				errs = append(errs, fmt.Sprintf("Sub-workflow step %q requires sub_workflow.workflow", step.ID))
			}
		}

		if step.SLO != nil && step.SLO.OptimizeFor != "" && !optimizer.Objectives[step.SLO.OptimizeFor] {
			errs = append(errs, fmt.Sprintf("Step %q: slo.optimize_for %q is not one of cost, quality, latency, balanced, pareto",
				step.ID, step.SLO.OptimizeFor))
		}

		if step.Model != "" && !providers.IsKnown(step.Model) {
			errs = append(errs, fmt.Sprintf("Step %q uses unknown model %q", step.ID, step.Model))
		}
	}

	return errs
}

// detectCycles runs a DFS over the depends_on graph, reporting each cycle
// edge it finds.
func detectCycles(steps []Step) []string {
	adj := make(map[string][]string, len(steps))
	for _, step := range steps {
		adj[step.ID] = step.DependsOn
	}

	visited := make(map[string]bool)
	inStack := make(map[string]bool)
	var errs []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		visited[node] = true
		inStack[node] = true
		for _, neighbor := range adj[node] {
			if inStack[neighbor] {
				errs = append(errs, fmt.Sprintf("Cycle detected involving step %q -> %q", node, neighbor))
				return true
			}
			if !visited[neighbor] {
				if dfs(neighbor) {
					return true
				}
			}
		}
		delete(inStack, node)
		return false
	}

	for _, step := range steps {
		if !visited[step.ID] {
			dfs(step.ID)
		}
	}
	return errs
}
