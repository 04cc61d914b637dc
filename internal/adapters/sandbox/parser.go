package sandbox

import (
	"fmt"
	"strconv"

	"github.com/loomworks/loom/internal/domain"
)

// The expression language is a deliberately small imperative subset:
// let bindings, assignment, if/else, while, return, and an expression
// grammar with the usual precedence. There is no way to reach module,
// process, or host state from inside it.

type node interface{ position() int }

type (
	numberLit struct {
		pos   int
		value float64
	}
	stringLit struct {
		pos   int
		value string
	}
	boolLit struct {
		pos   int
		value bool
	}
	nullLit struct {
		pos int
	}
	arrayLit struct {
		pos   int
		elems []node
	}
	objectLit struct {
		pos    int
		keys   []string
		values []node
	}
	identExpr struct {
		pos  int
		name string
	}
	bindingExpr struct {
		pos  int
		name string // $json, $vars, $node
	}
	memberExpr struct {
		pos    int
		object node
		field  string
	}
	indexExpr struct {
		pos    int
		object node
		index  node
	}
	callExpr struct {
		pos    int
		callee node
		args   []node
	}
	unaryExpr struct {
		pos     int
		op      string
		operand node
	}
	binaryExpr struct {
		pos   int
		op    string
		left  node
		right node
	}
	ternaryExpr struct {
		pos       int
		cond      node
		then      node
		otherwise node
	}

	letStmt struct {
		pos   int
		name  string
		value node
	}
	assignStmt struct {
		pos   int
		name  string
		value node
	}
	ifStmt struct {
		pos       int
		cond      node
		then      []node
		otherwise []node
	}
	whileStmt struct {
		pos  int
		cond node
		body []node
	}
	returnStmt struct {
		pos   int
		value node
	}
	exprStmt struct {
		pos  int
		expr node
	}
)

func (n *numberLit) position() int   { return n.pos }
func (n *stringLit) position() int   { return n.pos }
func (n *boolLit) position() int     { return n.pos }
func (n *nullLit) position() int     { return n.pos }
func (n *arrayLit) position() int    { return n.pos }
func (n *objectLit) position() int   { return n.pos }
func (n *identExpr) position() int   { return n.pos }
func (n *bindingExpr) position() int { return n.pos }
func (n *memberExpr) position() int  { return n.pos }
func (n *indexExpr) position() int   { return n.pos }
func (n *callExpr) position() int    { return n.pos }
func (n *unaryExpr) position() int   { return n.pos }
func (n *binaryExpr) position() int  { return n.pos }
func (n *ternaryExpr) position() int { return n.pos }
func (n *letStmt) position() int     { return n.pos }
func (n *assignStmt) position() int  { return n.pos }
func (n *ifStmt) position() int      { return n.pos }
func (n *whileStmt) position() int   { return n.pos }
func (n *returnStmt) position() int  { return n.pos }
func (n *exprStmt) position() int    { return n.pos }

type parser struct {
	src    string
	tokens []token
	idx    int
}

func parse(src string) ([]node, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}

	p := &parser{src: src, tokens: tokens}
	var stmts []node
	for !p.atEOF() {
		stmt, err := p.statement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
		p.accept(";")
	}

	if len(stmts) == 0 {
		return nil, domain.NewExpressionError(domain.ExpressionSyntax, src, "empty expression", 0)
	}
	return stmts, nil
}

func (p *parser) peek() token    { return p.tokens[p.idx] }
func (p *parser) advance() token { t := p.tokens[p.idx]; p.idx++; return t }
func (p *parser) atEOF() bool    { return p.peek().kind == tokEOF }

func (p *parser) accept(punct string) bool {
	if p.peek().kind == tokPunct && p.peek().text == punct {
		p.idx++
		return true
	}
	return false
}

func (p *parser) expect(punct string) error {
	if !p.accept(punct) {
		return p.errorf("expected %q", punct)
	}
	return nil
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return domain.NewExpressionError(domain.ExpressionSyntax, p.src,
		fmt.Sprintf(format, args...), p.peek().pos)
}

func (p *parser) statement() (node, error) {
	tok := p.peek()

	if tok.kind == tokKeyword {
		switch tok.text {
		case "let":
			return p.letStatement()
		case "if":
			return p.ifStatement()
		case "while":
			return p.whileStatement()
		case "return":
			p.advance()
			value, err := p.expression()
			if err != nil {
				return nil, err
			}
			return &returnStmt{pos: tok.pos, value: value}, nil
		}
	}

	// Plain assignment: IDENT "=" expr (but not "==").
	if tok.kind == tokIdent && p.tokens[p.idx+1].kind == tokPunct && p.tokens[p.idx+1].text == "=" {
		p.advance()
		p.advance()
		value, err := p.expression()
		if err != nil {
			return nil, err
		}
		return &assignStmt{pos: tok.pos, name: tok.text, value: value}, nil
	}

	expr, err := p.expression()
	if err != nil {
		return nil, err
	}
	return &exprStmt{pos: tok.pos, expr: expr}, nil
}

func (p *parser) letStatement() (node, error) {
	tok := p.advance()
	name := p.peek()
	if name.kind != tokIdent {
		return nil, p.errorf("expected identifier after let")
	}
	p.advance()
	if err := p.expect("="); err != nil {
		return nil, err
	}
	value, err := p.expression()
	if err != nil {
		return nil, err
	}
	return &letStmt{pos: tok.pos, name: name.text, value: value}, nil
}

func (p *parser) ifStatement() (node, error) {
	tok := p.advance()
	if err := p.expect("("); err != nil {
		return nil, err
	}
	cond, err := p.expression()
	if err != nil {
		return nil, err
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	then, err := p.block()
	if err != nil {
		return nil, err
	}

	stmt := &ifStmt{pos: tok.pos, cond: cond, then: then}
	if p.peek().kind == tokKeyword && p.peek().text == "else" {
		p.advance()
		if p.peek().kind == tokKeyword && p.peek().text == "if" {
			chained, err := p.ifStatement()
			if err != nil {
				return nil, err
			}
			stmt.otherwise = []node{chained}
		} else {
			otherwise, err := p.block()
			if err != nil {
				return nil, err
			}
			stmt.otherwise = otherwise
		}
	}
	return stmt, nil
}

func (p *parser) whileStatement() (node, error) {
	tok := p.advance()
	if err := p.expect("("); err != nil {
		return nil, err
	}
	cond, err := p.expression()
	if err != nil {
		return nil, err
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	body, err := p.block()
	if err != nil {
		return nil, err
	}
	return &whileStmt{pos: tok.pos, cond: cond, body: body}, nil
}

func (p *parser) block() ([]node, error) {
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	var stmts []node
	for !p.atEOF() && !(p.peek().kind == tokPunct && p.peek().text == "}") {
		stmt, err := p.statement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
		p.accept(";")
	}
	if err := p.expect("}"); err != nil {
		return nil, err
	}
	return stmts, nil
}

func (p *parser) expression() (node, error) {
	return p.ternary()
}

func (p *parser) ternary() (node, error) {
	cond, err := p.logicalOr()
	if err != nil {
		return nil, err
	}
	if !p.accept("?") {
		return cond, nil
	}
	then, err := p.expression()
	if err != nil {
		return nil, err
	}
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	otherwise, err := p.expression()
	if err != nil {
		return nil, err
	}
	return &ternaryExpr{pos: cond.position(), cond: cond, then: then, otherwise: otherwise}, nil
}

func (p *parser) binaryLevel(ops []string, next func() (node, error)) (node, error) {
	left, err := next()
	if err != nil {
		return nil, err
	}
	for {
		matched := ""
		if p.peek().kind == tokPunct {
			for _, op := range ops {
				if p.peek().text == op {
					matched = op
					break
				}
			}
		}
		if matched == "" {
			return left, nil
		}
		p.advance()
		right, err := next()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{pos: left.position(), op: matched, left: left, right: right}
	}
}

func (p *parser) logicalOr() (node, error) {
	return p.binaryLevel([]string{"||"}, p.logicalAnd)
}

func (p *parser) logicalAnd() (node, error) {
	return p.binaryLevel([]string{"&&"}, p.equality)
}

func (p *parser) equality() (node, error) {
	return p.binaryLevel([]string{"==", "!="}, p.comparison)
}

func (p *parser) comparison() (node, error) {
	return p.binaryLevel([]string{"<=", ">=", "<", ">"}, p.additive)
}

func (p *parser) additive() (node, error) {
	return p.binaryLevel([]string{"+", "-"}, p.multiplicative)
}

func (p *parser) multiplicative() (node, error) {
	return p.binaryLevel([]string{"*", "/", "%"}, p.unary)
}

func (p *parser) unary() (node, error) {
	tok := p.peek()
	if tok.kind == tokPunct && (tok.text == "!" || tok.text == "-") {
		p.advance()
		operand, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &unaryExpr{pos: tok.pos, op: tok.text, operand: operand}, nil
	}
	return p.postfix()
}

func (p *parser) postfix() (node, error) {
	expr, err := p.primary()
	if err != nil {
		return nil, err
	}

	for {
		switch {
		case p.accept("."):
			field := p.peek()
			if field.kind != tokIdent && field.kind != tokKeyword {
				return nil, p.errorf("expected field name after '.'")
			}
			p.advance()
			expr = &memberExpr{pos: expr.position(), object: expr, field: field.text}
		case p.accept("["):
			index, err := p.expression()
			if err != nil {
				return nil, err
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			expr = &indexExpr{pos: expr.position(), object: expr, index: index}
		case p.accept("("):
			var args []node
			for !(p.peek().kind == tokPunct && p.peek().text == ")") {
				arg, err := p.expression()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if !p.accept(",") {
					break
				}
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			expr = &callExpr{pos: expr.position(), callee: expr, args: args}
		default:
			return expr, nil
		}
	}
}

func (p *parser) primary() (node, error) {
	tok := p.peek()

	switch tok.kind {
	case tokNumber:
		p.advance()
		value, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, p.errorf("malformed number %q", tok.text)
		}
		return &numberLit{pos: tok.pos, value: value}, nil

	case tokString:
		p.advance()
		return &stringLit{pos: tok.pos, value: tok.text}, nil

	case tokKeyword:
		switch tok.text {
		case "true", "false":
			p.advance()
			return &boolLit{pos: tok.pos, value: tok.text == "true"}, nil
		case "null":
			p.advance()
			return &nullLit{pos: tok.pos}, nil
		}
		return nil, p.errorf("unexpected keyword %q", tok.text)

	case tokIdent:
		p.advance()
		return &identExpr{pos: tok.pos, name: tok.text}, nil

	case tokDollar:
		p.advance()
		return &bindingExpr{pos: tok.pos, name: tok.text}, nil

	case tokPunct:
		switch tok.text {
		case "(":
			p.advance()
			expr, err := p.expression()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return expr, nil
		case "[":
			return p.arrayLiteral()
		case "{":
			return p.objectLiteral()
		}
	}

	return nil, p.errorf("unexpected token %q", tok.text)
}

func (p *parser) arrayLiteral() (node, error) {
	tok := p.advance()
	var elems []node
	for !(p.peek().kind == tokPunct && p.peek().text == "]") {
		elem, err := p.expression()
		if err != nil {
			return nil, err
		}
		elems = append(elems, elem)
		if !p.accept(",") {
			break
		}
	}
	if err := p.expect("]"); err != nil {
		return nil, err
	}
	return &arrayLit{pos: tok.pos, elems: elems}, nil
}

func (p *parser) objectLiteral() (node, error) {
	tok := p.advance()
	lit := &objectLit{pos: tok.pos}
	for !(p.peek().kind == tokPunct && p.peek().text == "}") {
		key := p.peek()
		if key.kind != tokIdent && key.kind != tokString {
			return nil, p.errorf("expected object key")
		}
		p.advance()
		if err := p.expect(":"); err != nil {
			return nil, err
		}
		value, err := p.expression()
		if err != nil {
			return nil, err
		}
		lit.keys = append(lit.keys, key.text)
		lit.values = append(lit.values, value)
		if !p.accept(",") {
			break
		}
	}
	if err := p.expect("}"); err != nil {
		return nil, err
	}
	return lit, nil
}
