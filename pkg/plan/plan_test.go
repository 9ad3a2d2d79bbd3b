package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeStepType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ai_processing", "llm_decision"},
		{"switch", "conditional"},
		{"validation", "transform"},
		{"enrichment", "transform"},
		{"comparison", "transform"},
		{"sub_workflow", "action"},
		{"human_approval", "action"},
		{"scatter_gather", "parallel_group"},
		{"summarize", "llm_decision"},
		{"extract", "llm_decision"},
		{"generate", "llm_decision"},
		{"action", "action"},
		{"loop", "loop"},
		{"delay", "delay"},
		{"custom_kind", "custom_kind"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeStepType(tt.in))
		})
	}
}

func TestPlan_RemainingAfter(t *testing.T) {
	p := &Plan{Steps: []Step{
		{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"},
	}}

	assert.Equal(t, []string{"c", "d"}, p.RemainingAfter([]string{"a", "b"}))
	assert.Equal(t, []string{"a", "b", "c", "d"}, p.RemainingAfter(nil))
	assert.Nil(t, p.RemainingAfter([]string{"a", "b", "c", "d"}))

	// Completion order does not matter.
	assert.Equal(t, []string{"b", "d"}, p.RemainingAfter([]string{"c", "a"}))
}

func TestPlan_StepByID(t *testing.T) {
	p := &Plan{Steps: []Step{{ID: "a", Name: "first"}, {ID: "b"}}}

	step := p.StepByID("a")
	assert.NotNil(t, step)
	assert.Equal(t, "first", step.Name)
	assert.Nil(t, p.StepByID("missing"))
}
