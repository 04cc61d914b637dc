package ports

// Bindings are the names visible to a sandboxed expression: resolved
// upstream output under "json", variables under "vars", and per-node
// outputs under "node".
type Bindings struct {
	JSON  map[string]interface{}
	Vars  map[string]interface{}
	Nodes map[string]map[string]interface{}
}

// SandboxPort evaluates user-authored expressions with no ambient
// authority. Failures are classified domain.ExpressionError values.
type SandboxPort interface {
	// Evaluate runs a single bare expression.
	Evaluate(expression string, bindings Bindings) (interface{}, error)

	// Render resolves a parameter value: literal strings pass through,
	// a single `{{ expr }}` yields the expression's value, and mixed
	// text interpolates each expression into a string.
	Render(value string, bindings Bindings) (interface{}, error)
}
