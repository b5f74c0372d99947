package expr

// Node is an evaluable AST node.
type Node interface {
	eval(env *environment) (any, error)
}

// literalNode holds a constant value.
type literalNode struct {
	value any
}

// nameNode references a variable binding.
type nameNode struct {
	name string
}

// listNode is a list or tuple literal. Both evaluate to a []any; the
// distinction only matters in the source syntax.
type listNode struct {
	elems []Node
}

// unaryNode applies +, -, or not.
type unaryNode struct {
	op      string
	operand Node
}

// binaryNode applies an arithmetic operator.
type binaryNode struct {
	op    string
	left  Node
	right Node
}

// boolNode applies and/or with short-circuit, returning operand values.
type boolNode struct {
	op    string // "and" | "or"
	exprs []Node
}

// compareNode is a possibly chained comparison: a < b <= c.
type compareNode struct {
	first    Node
	ops      []string
	operands []Node
}

// callNode invokes a whitelisted function by bare name.
type callNode struct {
	name string
	args []Node
}

// parser is a recursive-descent parser over the lexer's token stream.
type parser struct {
	lx  lexer
	cur token
	err error
}

func newParser(src string) *parser {
	p := &parser{lx: lexer{src: src}}
	p.advance()
	return p
}

func (p *parser) advance() {
	if p.err != nil {
		return
	}
	tok, err := p.lx.next()
	if err != nil {
		p.err = err
		return
	}
	p.cur = tok
}

// accept consumes the current token if it is the given operator or keyword.
func (p *parser) accept(kind tokenKind, text string) bool {
	if p.err == nil && p.cur.kind == kind && p.cur.text == text {
		p.advance()
		return true
	}
	return false
}

func (p *parser) expect(kind tokenKind, text string) error {
	if p.err != nil {
		return p.err
	}
	if p.cur.kind != kind || p.cur.text != text {
		return errorf("expected %q at position %d", text, p.cur.pos)
	}
	p.advance()
	return nil
}

func (p *parser) parse() (Node, error) {
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.err != nil {
		return nil, p.err
	}
	if p.cur.kind != tokEOF {
		return nil, errorf("unexpected %q at position %d", p.cur.text, p.cur.pos)
	}
	return node, nil
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokKeyword || p.cur.text != "or" {
		return left, nil
	}
	exprs := []Node{left}
	for p.accept(tokKeyword, "or") {
		n, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, n)
	}
	return &boolNode{op: "or", exprs: exprs}, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokKeyword || p.cur.text != "and" {
		return left, nil
	}
	exprs := []Node{left}
	for p.accept(tokKeyword, "and") {
		n, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, n)
	}
	return &boolNode{op: "and", exprs: exprs}, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.accept(tokKeyword, "not") {
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "not", operand: operand}, nil
	}
	return p.parseComparison()
}

// parseComparison handles chained comparisons: each adjacent pair must hold,
// as in a < b <= c.
func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	var ops []string
	var operands []Node
	for {
		op, ok := p.comparisonOp()
		if !ok {
			break
		}
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
		operands = append(operands, right)
	}
	if len(ops) == 0 {
		return left, nil
	}
	return &compareNode{first: left, ops: ops, operands: operands}, nil
}

// comparisonOp consumes a comparison operator if present, including the
// two-word form "not in".
func (p *parser) comparisonOp() (string, bool) {
	if p.err != nil {
		return "", false
	}
	if p.cur.kind == tokOp {
		switch p.cur.text {
		case "==", "!=", "<", "<=", ">", ">=":
			op := p.cur.text
			p.advance()
			return op, true
		}
	}
	if p.cur.kind == tokKeyword && p.cur.text == "in" {
		p.advance()
		return "in", true
	}
	if p.cur.kind == tokKeyword && p.cur.text == "not" {
		// Lookahead: "not in" is the only comparison use of "not" here.
		save := *p
		p.advance()
		if p.cur.kind == tokKeyword && p.cur.text == "in" {
			p.advance()
			return "not in", true
		}
		*p = save
	}
	return "", false
}

func (p *parser) parseAdditive() (Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.accept(tokOp, "+"):
			op = "+"
		case p.accept(tokOp, "-"):
			op = "-"
		default:
			return left, nil
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.accept(tokOp, "*"):
			op = "*"
		case p.accept(tokOp, "/"):
			op = "/"
		case p.accept(tokOp, "%"):
			op = "%"
		default:
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

// parseUnary handles prefix +/-. Unary minus binds looser than ** on its
// left operand, so -2**2 parses as -(2**2).
func (p *parser) parseUnary() (Node, error) {
	switch {
	case p.accept(tokOp, "-"):
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "-", operand: operand}, nil
	case p.accept(tokOp, "+"):
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "+", operand: operand}, nil
	}
	return p.parsePower()
}

func (p *parser) parsePower() (Node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.accept(tokOp, "**") {
		// Right-associative; the exponent may itself be unary (2**-1).
		exp, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &binaryNode{op: "**", left: base, right: exp}, nil
	}
	return base, nil
}

func (p *parser) parsePrimary() (Node, error) {
	if p.err != nil {
		return nil, p.err
	}

	var node Node
	switch p.cur.kind {
	case tokNumber:
		if p.cur.isFloat {
			node = &literalNode{value: p.cur.floatVal}
		} else {
			node = &literalNode{value: p.cur.intVal}
		}
		p.advance()

	case tokString:
		node = &literalNode{value: p.cur.text}
		p.advance()

	case tokKeyword:
		switch p.cur.text {
		case "True", "true":
			node = &literalNode{value: true}
			p.advance()
		case "False", "false":
			node = &literalNode{value: false}
			p.advance()
		case "None", "none":
			node = &literalNode{value: nil}
			p.advance()
		default:
			return nil, errorf("unexpected keyword %q at position %d", p.cur.text, p.cur.pos)
		}

	case tokIdent:
		name := p.cur.text
		p.advance()
		if p.err == nil && p.cur.kind == tokOp && p.cur.text == "(" {
			call, err := p.parseCall(name)
			if err != nil {
				return nil, err
			}
			node = call
		} else {
			node = &nameNode{name: name}
		}

	case tokOp:
		switch p.cur.text {
		case "(":
			p.advance()
			grouped, err := p.parseParenthesized()
			if err != nil {
				return nil, err
			}
			node = grouped
		case "[":
			p.advance()
			list, err := p.parseList()
			if err != nil {
				return nil, err
			}
			node = list
		default:
			return nil, errorf("unexpected %q at position %d", p.cur.text, p.cur.pos)
		}

	default:
		return nil, errorf("unexpected end of expression")
	}

	if p.err != nil {
		return nil, p.err
	}

	// Postfix constructs are forbidden, not merely unimplemented.
	if p.cur.kind == tokOp {
		switch p.cur.text {
		case "[":
			return nil, errorf("subscript not allowed")
		case "(":
			return nil, errorf("only simple function calls allowed")
		}
	}
	return node, nil
}

// parseCall parses the argument list of a whitelisted function call. Unknown
// function names are rejected here, at parse time.
func (p *parser) parseCall(name string) (Node, error) {
	if _, ok := builtins[name]; !ok {
		return nil, errorf("function %q not allowed", name)
	}
	if err := p.expect(tokOp, "("); err != nil {
		return nil, err
	}

	var args []Node
	if !p.accept(tokOp, ")") {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.accept(tokOp, ",") {
				continue
			}
			if err := p.expect(tokOp, ")"); err != nil {
				return nil, err
			}
			break
		}
	}
	return &callNode{name: name, args: args}, nil
}

// parseParenthesized parses either a grouped expression or a tuple literal.
func (p *parser) parseParenthesized() (Node, error) {
	if p.accept(tokOp, ")") {
		return &listNode{}, nil // empty tuple
	}
	first, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.accept(tokOp, ",") {
		if err := p.expect(tokOp, ")"); err != nil {
			return nil, err
		}
		return first, nil
	}

	elems := []Node{first}
	for {
		if p.accept(tokOp, ")") {
			return &listNode{elems: elems}, nil
		}
		elem, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		elems = append(elems, elem)
		if p.accept(tokOp, ",") {
			continue
		}
		if err := p.expect(tokOp, ")"); err != nil {
			return nil, err
		}
		return &listNode{elems: elems}, nil
	}
}

func (p *parser) parseList() (Node, error) {
	var elems []Node
	if p.accept(tokOp, "]") {
		return &listNode{}, nil
	}
	for {
		elem, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		elems = append(elems, elem)
		if p.accept(tokOp, ",") {
			if p.accept(tokOp, "]") { // trailing comma
				return &listNode{elems: elems}, nil
			}
			continue
		}
		if err := p.expect(tokOp, "]"); err != nil {
			return nil, err
		}
		return &listNode{elems: elems}, nil
	}
}
