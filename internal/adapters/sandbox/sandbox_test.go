package sandbox

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/domain"
	"github.com/loomworks/loom/internal/ports"
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func testConfig() domain.SandboxConfig {
	return domain.SandboxConfig{
		Timeout:       50 * time.Millisecond,
		MaxIterations: 10_000,
		MaxStringLen:  1 << 20,
		MaxArrayLen:   100_000,
		MaxDepth:      32,
	}
}

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	return New(testConfig(), createTestLogger())
}

func TestEvaluateArithmetic(t *testing.T) {
	s := newTestSandbox(t)
	bindings := ports.Bindings{
		JSON: map[string]interface{}{"a": float64(2), "b": float64(3)},
	}

	value, err := s.Evaluate("$json.a + $json.b", bindings)
	require.NoError(t, err)
	assert.Equal(t, float64(5), value)
}

func TestRenderSingleExpressionKeepsType(t *testing.T) {
	s := newTestSandbox(t)
	bindings := ports.Bindings{
		JSON: map[string]interface{}{"a": float64(2), "b": float64(3)},
	}

	value, err := s.Render("{{ $json.a + $json.b }}", bindings)
	require.NoError(t, err)
	assert.Equal(t, float64(5), value)
}

func TestRenderLiteralPassthrough(t *testing.T) {
	s := newTestSandbox(t)

	value, err := s.Render("plain text, no templates", ports.Bindings{})
	require.NoError(t, err)
	assert.Equal(t, "plain text, no templates", value)
}

func TestRenderInterpolatesMixedText(t *testing.T) {
	s := newTestSandbox(t)
	bindings := ports.Bindings{
		Vars: map[string]interface{}{"name": "ada", "count": float64(3)},
	}

	value, err := s.Render("hello {{ upper($vars.name) }}, {{ $vars.count + 1 }} items", bindings)
	require.NoError(t, err)
	assert.Equal(t, "hello ADA, 4 items", value)
}

func TestRenderUnterminatedTemplate(t *testing.T) {
	s := newTestSandbox(t)

	_, err := s.Render("value is {{ $json.a", ports.Bindings{})
	require.Error(t, err)
	assert.True(t, domain.IsExpressionError(err, domain.ExpressionSyntax))
}

func TestNodeBindingAccessor(t *testing.T) {
	s := newTestSandbox(t)
	bindings := ports.Bindings{
		Nodes: map[string]map[string]interface{}{
			"fetch": {"status": float64(200)},
		},
	}

	value, err := s.Evaluate(`$node("fetch").status`, bindings)
	require.NoError(t, err)
	assert.Equal(t, float64(200), value)

	value, err = s.Evaluate(`$node("missing")`, bindings)
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestSecurityScreenRejectsHostAccess(t *testing.T) {
	s := newTestSandbox(t)

	cases := []string{
		"process.exit()",
		`require("fs")`,
		"eval($json.payload)",
		"globalThis.toString()",
		"x.constructor.name",
		"__proto__.polluted = true",
		"setTimeout(1, 1000)",
	}
	for _, expr := range cases {
		_, err := s.Evaluate(expr, ports.Bindings{})
		require.Error(t, err, "expression %q should be rejected", expr)

		var exprErr *domain.ExpressionError
		require.ErrorAs(t, err, &exprErr)
		assert.Equal(t, domain.ExpressionSecurity, exprErr.Kind, "expression %q", expr)
	}
}

func TestSecurityScreenAllowsSimilarIdentifiers(t *testing.T) {
	s := newTestSandbox(t)
	bindings := ports.Bindings{
		Vars: map[string]interface{}{"imported_total": float64(7), "processed": float64(2)},
	}

	value, err := s.Evaluate("$vars.imported_total + $vars.processed", bindings)
	require.NoError(t, err)
	assert.Equal(t, float64(9), value)
}

func TestUnboundedLoopHitsBudget(t *testing.T) {
	s := newTestSandbox(t)

	src := "let i = 0; while (i < 100000) { i = i + 1 } return i"
	_, err := s.Evaluate(src, ports.Bindings{})
	require.Error(t, err)

	var exprErr *domain.ExpressionError
	require.ErrorAs(t, err, &exprErr)
	assert.Equal(t, domain.ExpressionTimeout, exprErr.Kind)
}

func TestBoundedLoopCompletes(t *testing.T) {
	s := newTestSandbox(t)

	src := "let sum = 0; let i = 0; while (i < 10) { sum = sum + i; i = i + 1 } return sum"
	value, err := s.Evaluate(src, ports.Bindings{})
	require.NoError(t, err)
	assert.Equal(t, float64(45), value)
}

func TestStringCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxStringLen = 64
	s := New(cfg, createTestLogger())

	src := `let s = "xxxxxxxx"; let i = 0; while (i < 10) { s = s + s; i = i + 1 } return s`
	_, err := s.Evaluate(src, ports.Bindings{})
	require.Error(t, err)

	var exprErr *domain.ExpressionError
	require.ErrorAs(t, err, &exprErr)
	assert.Equal(t, domain.ExpressionResource, exprErr.Kind)
}

func TestArrayCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxArrayLen = 8
	s := New(cfg, createTestLogger())

	_, err := s.Evaluate("range(0, 100)", ports.Bindings{})
	require.Error(t, err)

	var exprErr *domain.ExpressionError
	require.ErrorAs(t, err, &exprErr)
	assert.Equal(t, domain.ExpressionResource, exprErr.Kind)
}

func TestNestingDepthCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.MaxDepth = 4
	s := New(cfg, createTestLogger())

	_, err := s.Evaluate("((((((1))))))", ports.Bindings{})
	require.Error(t, err)

	var exprErr *domain.ExpressionError
	require.ErrorAs(t, err, &exprErr)
	assert.Equal(t, domain.ExpressionResource, exprErr.Kind)
}

func TestSyntaxErrorReportsPosition(t *testing.T) {
	s := newTestSandbox(t)

	_, err := s.Evaluate("1 + ", ports.Bindings{})
	require.Error(t, err)

	var exprErr *domain.ExpressionError
	require.ErrorAs(t, err, &exprErr)
	assert.Equal(t, domain.ExpressionSyntax, exprErr.Kind)
}

func TestUnknownIdentifier(t *testing.T) {
	s := newTestSandbox(t)

	_, err := s.Evaluate("missing_var + 1", ports.Bindings{})
	require.Error(t, err)
	assert.True(t, domain.IsExpressionError(err, domain.ExpressionSyntax))
}

func TestConditionalsAndTernary(t *testing.T) {
	s := newTestSandbox(t)
	bindings := ports.Bindings{
		JSON: map[string]interface{}{"n": float64(7)},
	}

	value, err := s.Evaluate(`$json.n > 5 ? "big" : "small"`, bindings)
	require.NoError(t, err)
	assert.Equal(t, "big", value)

	value, err = s.Evaluate(`if ($json.n > 5) { return "big" } else { return "small" }`, bindings)
	require.NoError(t, err)
	assert.Equal(t, "big", value)
}

func TestObjectAndArrayLiterals(t *testing.T) {
	s := newTestSandbox(t)

	value, err := s.Evaluate(`let o = {"a": 1, "b": [1, 2, 3]}; return len(o.b)`, ports.Bindings{})
	require.NoError(t, err)
	assert.Equal(t, float64(3), value)

	value, err = s.Evaluate(`[10, 20, 30][1]`, ports.Bindings{})
	require.NoError(t, err)
	assert.Equal(t, float64(20), value)
}

func TestBuiltins(t *testing.T) {
	s := newTestSandbox(t)

	cases := []struct {
		expr string
		want interface{}
	}{
		{`len("hello")`, float64(5)},
		{`upper("go")`, "GO"},
		{`lower("GO")`, "go"},
		{`trim("  x  ")`, "x"},
		{`join(split("a,b,c", ","), "-")`, "a-b-c"},
		{`replace("a.b.c", ".", "/")`, "a/b/c"},
		{`substring("workflow", 0, 4)`, "work"},
		{`contains([1, 2, 3], 2)`, true},
		{`contains("abc", "z")`, false},
		{`abs(-4)`, float64(4)},
		{`floor(3.7)`, float64(3)},
		{`ceil(3.2)`, float64(4)},
		{`round(3.5)`, float64(4)},
		{`min(3, 1, 2)`, float64(1)},
		{`max(3, 1, 2)`, float64(3)},
		{`first([7, 8])`, float64(7)},
		{`last([7, 8])`, float64(8)},
		{`str(12)`, "12"},
		{`num("3.5")`, float64(3.5)},
		{`len(keys({"a": 1, "b": 2}))`, float64(2)},
	}
	for _, tc := range cases {
		value, err := s.Evaluate(tc.expr, ports.Bindings{})
		require.NoError(t, err, "expression %q", tc.expr)
		assert.Equal(t, tc.want, value, "expression %q", tc.expr)
	}
}

func TestShortCircuitEvaluation(t *testing.T) {
	s := newTestSandbox(t)

	// The right side would fail on a nil object if it were evaluated.
	value, err := s.Evaluate(`false && missing_var`, ports.Bindings{})
	require.NoError(t, err)
	assert.Equal(t, false, value)

	value, err = s.Evaluate(`true || missing_var`, ports.Bindings{})
	require.NoError(t, err)
	assert.Equal(t, true, value)
}

func TestDivisionByZero(t *testing.T) {
	s := newTestSandbox(t)

	_, err := s.Evaluate("1 / 0", ports.Bindings{})
	require.Error(t, err)
	assert.True(t, domain.IsExpressionError(err, domain.ExpressionSyntax))
}

func TestCompiledProgramCache(t *testing.T) {
	s := newTestSandbox(t)
	bindings := ports.Bindings{JSON: map[string]interface{}{"a": float64(1), "b": float64(2)}}

	for i := 0; i < 3; i++ {
		value, err := s.Evaluate("$json.a + $json.b", bindings)
		require.NoError(t, err)
		assert.Equal(t, float64(3), value)
	}

	s.mu.RLock()
	cached := len(s.cache)
	s.mu.RUnlock()
	assert.Equal(t, 1, cached)
}

func TestMissingFieldIsNull(t *testing.T) {
	s := newTestSandbox(t)
	bindings := ports.Bindings{JSON: map[string]interface{}{"a": float64(1)}}

	value, err := s.Evaluate("$json.missing", bindings)
	require.NoError(t, err)
	assert.Nil(t, value)

	value, err = s.Evaluate(`$json.missing == null ? "absent" : "present"`, bindings)
	require.NoError(t, err)
	assert.Equal(t, "absent", value)
}
