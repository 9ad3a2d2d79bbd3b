package plan

// Normalized step types written to durable step records. Input step kinds
// are folded into this closed set so downstream analytics see a stable
// vocabulary.
const (
	TypeAction        = "action"
	TypeLLMDecision   = "llm_decision"
	TypeConditional   = "conditional"
	TypeLoop          = "loop"
	TypeTransform     = "transform"
	TypeDelay         = "delay"
	TypeParallelGroup = "parallel_group"
)

var normalizedTypes = map[string]string{
	"ai_processing":  TypeLLMDecision,
	"switch":         TypeConditional,
	"validation":     TypeTransform,
	"enrichment":     TypeTransform,
	"comparison":     TypeTransform,
	"sub_workflow":   TypeAction,
	"human_approval": TypeAction,
	"scatter_gather": TypeParallelGroup,
	"summarize":      TypeLLMDecision,
	"extract":        TypeLLMDecision,
	"generate":       TypeLLMDecision,
}

// NormalizeStepType maps a step kind to the closed set used in step
// execution records. Unmapped values pass through unchanged.
func NormalizeStepType(kind string) string {
	if t, ok := normalizedTypes[kind]; ok {
		return t
	}
	return kind
}
