package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvalCondition(t *testing.T) {
	ctx := map[string]interface{}{
		"score":    float64(7),
		"name":     "ada",
		"verified": true,
		"nested":   map[string]interface{}{"level": float64(2)},
	}

	tests := []struct {
		name     string
		expr     string
		expected bool
	}{
		{"numeric equality", "context.score == 7", true},
		{"numeric inequality", "context.score != 7", false},
		{"less than", "context.score < 10", true},
		{"greater or equal", "context.score >= 8", false},
		{"string equality", `context.name == "ada"`, true},
		{"single quotes", "context.name == 'ada'", true},
		{"bool literal", "true", true},
		{"negation", "!context.verified", false},
		{"and", "context.score > 5 && context.verified", true},
		{"or short circuit", "context.score > 100 || context.name == 'ada'", true},
		{"parentheses", "(context.score > 100 || context.score < 10) && true", true},
		{"nested path", "context.nested.level == 2", true},
		{"missing path is null", "context.missing == null", true},
		{"missing path falsy", "context.missing", false},
		{"number vs string equality", `context.score == "7"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvalCondition(tt.expr, ctx)
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEvalCondition_BlockedExpressions(t *testing.T) {
	ctx := map[string]interface{}{}

	blocked := []string{
		"context.x == 1; context.y = 2",
		"process.exit(1)",
		"global.leak",
		"window.open",
		"document.cookie",
		"require('fs')",
		"import('fs')",
		"eval('1')",
		"{} == {}",
	}

	for _, expr := range blocked {
		got, err := EvalCondition(expr, ctx)
		assert.Error(t, err, "expression %q should be rejected", expr)
		assert.False(t, got)
	}

	// "eval" only as a whole identifier; substrings are fine.
	got, err := EvalCondition("context.evaluation == 1", map[string]interface{}{"evaluation": float64(1)})
	assert.NoError(t, err)
	assert.True(t, got)
}

func TestEvalCondition_Malformed(t *testing.T) {
	ctx := map[string]interface{}{}

	for _, expr := range []string{
		"",
		"context.x ==",
		"(context.x == 1",
		"'unterminated",
		"someFunc()",
		"context.x == 1 extra",
	} {
		got, err := EvalCondition(expr, ctx)
		assert.Error(t, err, "expression %q should fail", expr)
		assert.False(t, got)
	}
}

func TestEvalCondition_OrderingTypeMismatch(t *testing.T) {
	got, err := EvalCondition(`context.name < 5`, map[string]interface{}{"name": "ada"})
	assert.Error(t, err)
	assert.False(t, got)
}
