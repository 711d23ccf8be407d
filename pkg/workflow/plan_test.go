package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stepsFrom(pairs map[string][]string) []Step {
	var steps []Step
	for id, deps := range pairs {
		steps = append(steps, Step{ID: id, Prompt: "p", DependsOn: deps})
	}
	return steps
}

func TestBuildPlanLinear(t *testing.T) {
	def := &Definition{Name: "demo", Steps: []Step{
		{ID: "a", Prompt: "p"},
		{ID: "b", Prompt: "p", DependsOn: []string{"a"}},
		{ID: "c", Prompt: "p", DependsOn: []string{"b"}},
	}}
	plan, err := BuildPlan(def)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b"}, {"c"}}, plan.Stages)
}

func TestBuildPlanDiamond(t *testing.T) {
	def := &Definition{Name: "demo", Steps: stepsFrom(map[string][]string{
		"fetch":   nil,
		"enrich":  {"fetch"},
		"score":   {"fetch"},
		"publish": {"enrich", "score"},
	})}
	plan, err := BuildPlan(def)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"fetch"}, {"enrich", "score"}, {"publish"}}, plan.Stages)
}

func TestBuildPlanDeterministicOrdering(t *testing.T) {
	// Root steps sort lexicographically regardless of declaration order.
	def := &Definition{Name: "demo", Steps: []Step{
		{ID: "zeta", Prompt: "p"},
		{ID: "alpha", Prompt: "p"},
		{ID: "mid", Prompt: "p"},
	}}
	for i := 0; i < 5; i++ {
		plan, err := BuildPlan(def)
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"alpha", "mid", "zeta"}}, plan.Stages)
	}
}

func TestBuildPlanEqualForRearrangedYAML(t *testing.T) {
	a, err := Parse([]byte(`
name: demo
steps:
  - id: extract
    prompt: p
  - id: transform
    prompt: p
    depends_on: [extract]
  - id: load
    prompt: p
    depends_on: [transform]
`))
	require.NoError(t, err)

	b, err := Parse([]byte(`
name: demo
steps:
  - id: load
    prompt: p
    depends_on: [transform]
  - id: extract
    prompt: p
  - id: transform
    prompt: p
    depends_on: [extract]
`))
	require.NoError(t, err)

	planA, err := BuildPlan(a)
	require.NoError(t, err)
	planB, err := BuildPlan(b)
	require.NoError(t, err)
	assert.Equal(t, planA.Stages, planB.Stages)
}

func TestBuildPlanTopologicalSoundness(t *testing.T) {
	def := &Definition{Name: "demo", Steps: stepsFrom(map[string][]string{
		"a": nil, "b": {"a"}, "c": {"a", "b"}, "d": {"b"}, "e": {"c", "d"},
	})}
	plan, err := BuildPlan(def)
	require.NoError(t, err)

	for _, step := range def.Steps {
		for _, dep := range step.DependsOn {
			assert.Less(t, plan.StageOf(dep), plan.StageOf(step.ID),
				"dependency %s must be staged before %s", dep, step.ID)
		}
	}
}

func TestBuildPlanRejectsCycle(t *testing.T) {
	def := &Definition{Name: "demo", Steps: []Step{
		{ID: "a", Prompt: "p", DependsOn: []string{"c"}},
		{ID: "b", Prompt: "p", DependsOn: []string{"a"}},
		{ID: "c", Prompt: "p", DependsOn: []string{"b"}},
	}}
	_, err := BuildPlan(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestStageOfMissingStep(t *testing.T) {
	plan := &Plan{Stages: [][]string{{"a"}}}
	assert.Equal(t, -1, plan.StageOf("ghost"))
}
