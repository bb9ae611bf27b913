// Package expr parses and evaluates the arithmetic formulas used by
// expression virtual tags.
//
// The grammar is deliberately small:
//
//	expr    = term { ("+" | "-") term }
//	term    = unary { ("*" | "/") unary }
//	unary   = ("+" | "-") unary | primary
//	primary = number | identifier | "(" expr ")"
//
// There are no functions, exponents or comparisons. Adding any of them means
// revisiting the character allow-list enforced by the lexer.
package expr

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// maxDepth bounds parser recursion for pathological inputs such as "((((...".
const maxDepth = 128

var (
	// ErrSyntax reports a formula outside the supported grammar.
	ErrSyntax = errors.New("malformed formula")
	// ErrDivisionByZero reports a zero divisor during evaluation.
	ErrDivisionByZero = errors.New("division by zero")
	// ErrNonFinite reports an evaluation that produced NaN or an infinity.
	ErrNonFinite = errors.New("non-finite result")
)

// Expr is a parsed formula. It is immutable and safe for concurrent use.
type Expr struct {
	source string
	root   node
	idents []string
}

// Parse compiles a formula into an expression tree.
func Parse(formula string) (*Expr, error) {
	tokens, err := lex(formula)
	if err != nil {
		return nil, err
	}

	p := &parser{tokens: tokens, idents: make(map[string]struct{})}
	root, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokenEOF {
		return nil, fmt.Errorf("%w: unexpected %s at position %d", ErrSyntax, tok.kind, tok.pos)
	}

	idents := make([]string, 0, len(p.idents))
	for name := range p.idents {
		idents = append(idents, name)
	}
	sort.Strings(idents)

	return &Expr{source: formula, root: root, idents: idents}, nil
}

// String returns the formula text the expression was parsed from.
func (e *Expr) String() string {
	return e.source
}

// Identifiers returns the distinct identifiers referenced by the formula, sorted.
func (e *Expr) Identifiers() []string {
	out := make([]string, len(e.idents))
	copy(out, e.idents)
	return out
}

// Eval evaluates the expression, asking resolve for every identifier it meets.
func (e *Expr) Eval(resolve Resolver) (float64, error) {
	v, err := e.root.eval(resolve)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrNonFinite
	}
	return v, nil
}

type parser struct {
	tokens []token
	pos    int
	idents map[string]struct{}
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) parseExpr(depth int) (node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: formula nested too deeply", ErrSyntax)
	}

	left, err := p.parseTerm(depth)
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokenPlus && tok.kind != tokenMinus {
			return left, nil
		}
		p.next()
		right, err := p.parseTerm(depth)
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tok.kind, left: left, right: right}
	}
}

func (p *parser) parseTerm(depth int) (node, error) {
	left, err := p.parseUnary(depth)
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokenStar && tok.kind != tokenSlash {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary(depth)
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: tok.kind, left: left, right: right}
	}
}

func (p *parser) parseUnary(depth int) (node, error) {
	tok := p.peek()
	if tok.kind == tokenPlus || tok.kind == tokenMinus {
		if depth > maxDepth {
			return nil, fmt.Errorf("%w: formula nested too deeply", ErrSyntax)
		}
		p.next()
		operand, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: tok.kind, operand: operand}, nil
	}
	return p.parsePrimary(depth)
}

func (p *parser) parsePrimary(depth int) (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokenNumber:
		return &numberNode{value: tok.num}, nil
	case tokenIdent:
		p.idents[tok.text] = struct{}{}
		return &identNode{name: tok.text}, nil
	case tokenLParen:
		inner, err := p.parseExpr(depth + 1)
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokenRParen {
			return nil, fmt.Errorf("%w: expected ')' at position %d, found %s", ErrSyntax, closing.pos, closing.kind)
		}
		return inner, nil
	default:
		return nil, fmt.Errorf("%w: unexpected %s at position %d", ErrSyntax, tok.kind, tok.pos)
	}
}
