package expressions

import "context"

// Engine evaluates expressions against workflow data.
// Three implementations: CEL (data_ready preconditions), Expr (skip_if guards),
// GoJQ (result_path extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
