package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEngineEvaluate(t *testing.T) {
	engine := NewExprEngine()

	data := map[string]any{
		"trigger": map[string]any{"budget": 15000},
		"outputs": map[string]any{
			"qualify": map[string]any{"tier": "enterprise", "contacts": []any{"a", "b", "c"}},
		},
	}

	tests := []struct {
		name       string
		expression string
		want       any
		wantErr    bool
	}{
		{name: "arithmetic", expression: `trigger.budget * 2`, want: 30000},
		{name: "ternary", expression: `trigger.budget > 10000 ? "priority" : "standard"`, want: "priority"},
		{name: "len builtin", expression: `len(outputs.qualify.contacts)`, want: 3},
		{name: "string concat", expression: `outputs.qualify.tier + "-plan"`, want: "enterprise-plan"},
		{name: "undefined variable is nil", expression: `outputs.missing`, want: nil},
		{name: "compile error", expression: `1 +`, wantErr: true},
		{name: "empty expression", expression: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Evaluate(context.Background(), tt.expression, data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.EqualValues(t, tt.want, got)
		})
	}

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := engine.Evaluate(ctx, `1 + 1`, data)
		assert.Error(t, err)
	})
}
