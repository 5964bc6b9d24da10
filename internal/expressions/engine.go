package expressions

import "context"

// Engine evaluates expressions against the execution context.
// Three implementations: CEL (step condition guards), GoJQ (jq: mapping
// transforms), Expr (expr: mapping transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
