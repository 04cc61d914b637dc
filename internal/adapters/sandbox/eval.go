package sandbox

import (
	"fmt"
	"math"
	"time"

	"github.com/loomworks/loom/internal/domain"
)

// evaluator walks the parsed statements under a wall-clock deadline and
// hard resource ceilings. There is no cooperative yielding: the deadline
// is checked at every step point and loop iteration, so a runaway
// expression is cut off within one step of its budget.
type evaluator struct {
	src      string
	limits   domain.SandboxConfig
	deadline time.Time

	scope    map[string]interface{}
	builtins map[string]builtin

	steps int
}

type returnSignal struct {
	value interface{}
}

func (r returnSignal) Error() string { return "return" }

func newEvaluator(src string, limits domain.SandboxConfig, scope map[string]interface{}) *evaluator {
	return &evaluator{
		src:      src,
		limits:   limits,
		deadline: time.Now().Add(limits.Timeout),
		scope:    scope,
		builtins: builtinTable,
	}
}

// step burns one unit of the evaluation budget and enforces the deadline.
// Budget exhaustion is reported as a timeout: it is the deterministic
// stand-in for the wall clock.
func (e *evaluator) step(pos int) error {
	e.steps++
	if e.steps > e.limits.MaxIterations {
		return domain.NewExpressionError(domain.ExpressionTimeout, e.src,
			fmt.Sprintf("evaluation budget of %d steps exceeded", e.limits.MaxIterations), pos)
	}
	if e.steps%64 == 0 && time.Now().After(e.deadline) {
		return domain.NewExpressionError(domain.ExpressionTimeout, e.src,
			fmt.Sprintf("evaluation exceeded %s budget", e.limits.Timeout), pos)
	}
	return nil
}

func (e *evaluator) run(stmts []node) (interface{}, error) {
	var last interface{}
	for _, stmt := range stmts {
		value, err := e.exec(stmt)
		if err != nil {
			if ret, ok := err.(returnSignal); ok {
				return ret.value, nil
			}
			return nil, err
		}
		last = value
	}
	return last, nil
}

func (e *evaluator) exec(stmt node) (interface{}, error) {
	if err := e.step(stmt.position()); err != nil {
		return nil, err
	}

	switch s := stmt.(type) {
	case *letStmt:
		value, err := e.eval(s.value)
		if err != nil {
			return nil, err
		}
		e.scope[s.name] = value
		return value, nil

	case *assignStmt:
		if _, exists := e.scope[s.name]; !exists {
			return nil, domain.NewExpressionError(domain.ExpressionSyntax, e.src,
				fmt.Sprintf("assignment to undeclared variable %q", s.name), s.pos)
		}
		value, err := e.eval(s.value)
		if err != nil {
			return nil, err
		}
		e.scope[s.name] = value
		return value, nil

	case *ifStmt:
		cond, err := e.eval(s.cond)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return e.execBlock(s.then)
		}
		return e.execBlock(s.otherwise)

	case *whileStmt:
		var last interface{}
		for {
			if err := e.step(s.pos); err != nil {
				return nil, err
			}
			cond, err := e.eval(s.cond)
			if err != nil {
				return nil, err
			}
			if !truthy(cond) {
				return last, nil
			}
			last, err = e.execBlock(s.body)
			if err != nil {
				return nil, err
			}
		}

	case *returnStmt:
		value, err := e.eval(s.value)
		if err != nil {
			return nil, err
		}
		return nil, returnSignal{value: value}

	case *exprStmt:
		return e.eval(s.expr)

	default:
		return e.eval(stmt)
	}
}

func (e *evaluator) execBlock(stmts []node) (interface{}, error) {
	var last interface{}
	for _, stmt := range stmts {
		value, err := e.exec(stmt)
		if err != nil {
			return nil, err
		}
		last = value
	}
	return last, nil
}

func (e *evaluator) eval(expr node) (interface{}, error) {
	if err := e.step(expr.position()); err != nil {
		return nil, err
	}

	switch n := expr.(type) {
	case *numberLit:
		return n.value, nil
	case *stringLit:
		return n.value, nil
	case *boolLit:
		return n.value, nil
	case *nullLit:
		return nil, nil

	case *arrayLit:
		if len(n.elems) > e.limits.MaxArrayLen {
			return nil, e.resourceError(n.pos, "array literal exceeds ceiling")
		}
		out := make([]interface{}, 0, len(n.elems))
		for _, elem := range n.elems {
			value, err := e.eval(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, value)
		}
		return out, nil

	case *objectLit:
		out := make(map[string]interface{}, len(n.keys))
		for i, key := range n.keys {
			value, err := e.eval(n.values[i])
			if err != nil {
				return nil, err
			}
			out[key] = value
		}
		return out, nil

	case *identExpr:
		if value, ok := e.scope[n.name]; ok {
			return value, nil
		}
		if fn, ok := e.builtins[n.name]; ok {
			return fn, nil
		}
		return nil, domain.NewExpressionError(domain.ExpressionSyntax, e.src,
			fmt.Sprintf("unknown identifier %q", n.name), n.pos)

	case *bindingExpr:
		if value, ok := e.scope[n.name]; ok {
			return value, nil
		}
		return nil, domain.NewExpressionError(domain.ExpressionSyntax, e.src,
			fmt.Sprintf("unknown binding %q", n.name), n.pos)

	case *memberExpr:
		object, err := e.eval(n.object)
		if err != nil {
			return nil, err
		}
		return e.member(object, n.field, n.pos)

	case *indexExpr:
		return e.evalIndex(n)

	case *callExpr:
		return e.evalCall(n)

	case *unaryExpr:
		operand, err := e.eval(n.operand)
		if err != nil {
			return nil, err
		}
		switch n.op {
		case "!":
			return !truthy(operand), nil
		case "-":
			num, ok := asNumber(operand)
			if !ok {
				return nil, e.typeError(n.pos, "unary '-' needs a number")
			}
			return -num, nil
		}
		return nil, e.typeError(n.pos, "unknown unary operator "+n.op)

	case *binaryExpr:
		return e.evalBinary(n)

	case *ternaryExpr:
		cond, err := e.eval(n.cond)
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return e.eval(n.then)
		}
		return e.eval(n.otherwise)
	}

	return nil, e.typeError(expr.position(), "unsupported expression")
}

func (e *evaluator) member(object interface{}, field string, pos int) (interface{}, error) {
	m, ok := object.(map[string]interface{})
	if !ok {
		return nil, e.typeError(pos, fmt.Sprintf("cannot access field %q on non-object", field))
	}
	return m[field], nil
}

func (e *evaluator) evalIndex(n *indexExpr) (interface{}, error) {
	object, err := e.eval(n.object)
	if err != nil {
		return nil, err
	}
	index, err := e.eval(n.index)
	if err != nil {
		return nil, err
	}

	switch obj := object.(type) {
	case []interface{}:
		num, ok := asNumber(index)
		if !ok {
			return nil, e.typeError(n.pos, "array index must be a number")
		}
		i := int(num)
		if i < 0 || i >= len(obj) {
			return nil, nil
		}
		return obj[i], nil
	case map[string]interface{}:
		key, ok := index.(string)
		if !ok {
			return nil, e.typeError(n.pos, "object key must be a string")
		}
		return obj[key], nil
	case string:
		num, ok := asNumber(index)
		if !ok {
			return nil, e.typeError(n.pos, "string index must be a number")
		}
		i := int(num)
		if i < 0 || i >= len(obj) {
			return nil, nil
		}
		return string(obj[i]), nil
	}
	return nil, e.typeError(n.pos, "value is not indexable")
}

func (e *evaluator) evalCall(n *callExpr) (interface{}, error) {
	callee, err := e.eval(n.callee)
	if err != nil {
		return nil, err
	}

	args := make([]interface{}, 0, len(n.args))
	for _, arg := range n.args {
		value, err := e.eval(arg)
		if err != nil {
			return nil, err
		}
		args = append(args, value)
	}

	switch fn := callee.(type) {
	case builtin:
		return fn(e, n.pos, args)
	case func(...interface{}) (interface{}, error):
		// Host-injected accessors such as $node.
		return fn(args...)
	}
	return nil, e.typeError(n.pos, "value is not callable")
}

func (e *evaluator) evalBinary(n *binaryExpr) (interface{}, error) {
	// Short-circuit forms evaluate the right side lazily.
	if n.op == "&&" || n.op == "||" {
		left, err := e.eval(n.left)
		if err != nil {
			return nil, err
		}
		if n.op == "&&" && !truthy(left) {
			return false, nil
		}
		if n.op == "||" && truthy(left) {
			return true, nil
		}
		right, err := e.eval(n.right)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	left, err := e.eval(n.left)
	if err != nil {
		return nil, err
	}
	right, err := e.eval(n.right)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	}

	if n.op == "+" {
		// String concatenation when either side is a string.
		if ls, ok := left.(string); ok {
			rs := stringify(right)
			if len(ls)+len(rs) > e.limits.MaxStringLen {
				return nil, e.resourceError(n.pos, "string length ceiling exceeded")
			}
			return ls + rs, nil
		}
		if rs, ok := right.(string); ok {
			ls := stringify(left)
			if len(ls)+len(rs) > e.limits.MaxStringLen {
				return nil, e.resourceError(n.pos, "string length ceiling exceeded")
			}
			return ls + rs, nil
		}
	}

	ln, lok := asNumber(left)
	rn, rok := asNumber(right)
	if !lok || !rok {
		return nil, e.typeError(n.pos, fmt.Sprintf("operator %q needs numeric operands", n.op))
	}

	switch n.op {
	case "+":
		return ln + rn, nil
	case "-":
		return ln - rn, nil
	case "*":
		return ln * rn, nil
	case "/":
		if rn == 0 {
			return nil, e.typeError(n.pos, "division by zero")
		}
		return ln / rn, nil
	case "%":
		if rn == 0 {
			return nil, e.typeError(n.pos, "modulo by zero")
		}
		return math.Mod(ln, rn), nil
	case "<":
		return ln < rn, nil
	case "<=":
		return ln <= rn, nil
	case ">":
		return ln > rn, nil
	case ">=":
		return ln >= rn, nil
	}

	return nil, e.typeError(n.pos, "unknown operator "+n.op)
}

func (e *evaluator) typeError(pos int, message string) error {
	return domain.NewExpressionError(domain.ExpressionSyntax, e.src, message, pos)
}

func (e *evaluator) resourceError(pos int, message string) error {
	return domain.NewExpressionError(domain.ExpressionResource, e.src, message, pos)
}

func truthy(v interface{}) bool {
	switch value := v.(type) {
	case nil:
		return false
	case bool:
		return value
	case float64:
		return value != 0
	case string:
		return value != ""
	case []interface{}:
		return len(value) > 0
	case map[string]interface{}:
		return len(value) > 0
	}
	return true
}

func asNumber(v interface{}) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	}
	return 0, false
}

func looseEqual(a, b interface{}) bool {
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if aok && bok {
		return an == bn
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b) && fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}

func stringify(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		if value == math.Trunc(value) && math.Abs(value) < 1e15 {
			return fmt.Sprintf("%d", int64(value))
		}
		return fmt.Sprintf("%g", value)
	case bool:
		if value {
			return "true"
		}
		return "false"
	}
	return fmt.Sprintf("%v", v)
}
