package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	eval := New()
	env := map[string]any{
		"input": map[string]any{
			"mode":  "strict",
			"count": 7,
		},
		"steps": map[string]any{
			"classify": map[string]any{"is_urgent": true},
		},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{``, true},
		{`input.mode == "strict"`, true},
		{`input.mode == "lenient"`, false},
		{`input.count > 5`, true},
		{`steps.classify.is_urgent`, true},
		{`input.count > 5 && steps.classify.is_urgent`, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := eval.Evaluate(tt.expr, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_HasAndLength(t *testing.T) {
	eval := New()
	env := map[string]any{
		"input": map[string]any{
			"tags": []any{"billing", "urgent"},
		},
	}

	got, err := eval.Evaluate(`has(input.tags, "urgent")`, env)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = eval.Evaluate(`length(input.tags) == 2`, env)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluate_Errors(t *testing.T) {
	eval := New()

	_, err := eval.Evaluate(`input.mode ==`, map[string]any{})
	assert.Error(t, err)
}

func TestEvaluate_CachesPrograms(t *testing.T) {
	eval := New()
	env := map[string]any{"input": map[string]any{"n": 1}}

	for i := 0; i < 3; i++ {
		_, err := eval.Evaluate(`input.n == 1`, env)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, len(eval.cache))
}
