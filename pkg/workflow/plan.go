package workflow

import (
	"fmt"
	"sort"
	"strings"
)

// Plan is a topologically layered execution order. Each stage is a set of
// step ids whose dependencies are all satisfied by earlier stages; steps
// within a stage may run concurrently.
type Plan struct {
	Stages [][]string
}

// BuildPlan layers the workflow's steps with Kahn's algorithm. Stages are
// sorted lexicographically for determinism. Returns an error when steps
// remain unschedulable (a cycle survived validation).
func BuildPlan(def *Definition) (*Plan, error) {
	inDegree := make(map[string]int, len(def.Steps))
	dependents := make(map[string][]string, len(def.Steps))
	for _, step := range def.Steps {
		inDegree[step.ID] = 0
	}
	for _, step := range def.Steps {
		for _, dep := range step.DependsOn {
			inDegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var stages [][]string
	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	scheduled := 0
	for len(ready) > 0 {
		stage := make([]string, len(ready))
		copy(stage, ready)
		sort.Strings(stage)
		stages = append(stages, stage)
		scheduled += len(stage)

		var next []string
		for _, id := range stage {
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		ready = next
	}

	if scheduled != len(def.Steps) {
		var unscheduled []string
		for id, deg := range inDegree {
			if deg > 0 {
				unscheduled = append(unscheduled, id)
			}
		}
		sort.Strings(unscheduled)
		return nil, fmt.Errorf("cannot build plan: unschedulable steps (cycle?): %s",
			strings.Join(unscheduled, ", "))
	}

	return &Plan{Stages: stages}, nil
}

// StageOf returns the stage index containing a step, or -1.
func (p *Plan) StageOf(stepID string) int {
	for i, stage := range p.Stages {
		for _, id := range stage {
			if id == stepID {
				return i
			}
		}
	}
	return -1
}
