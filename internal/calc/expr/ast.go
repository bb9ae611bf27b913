package expr

import (
	"fmt"
	"math"
)

// Resolver returns the value bound to an identifier.
type Resolver func(name string) (float64, error)

type node interface {
	eval(resolve Resolver) (float64, error)
}

type numberNode struct {
	value float64
}

func (n *numberNode) eval(Resolver) (float64, error) {
	return n.value, nil
}

type identNode struct {
	name string
}

func (n *identNode) eval(resolve Resolver) (float64, error) {
	v, err := resolve(n.name)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s resolved to %v", ErrNonFinite, n.name, v)
	}
	return v, nil
}

type unaryNode struct {
	op      tokenKind
	operand node
}

func (n *unaryNode) eval(resolve Resolver) (float64, error) {
	v, err := n.operand.eval(resolve)
	if err != nil {
		return 0, err
	}
	if n.op == tokenMinus {
		return -v, nil
	}
	return v, nil
}

type binaryNode struct {
	op          tokenKind
	left, right node
}

func (n *binaryNode) eval(resolve Resolver) (float64, error) {
	l, err := n.left.eval(resolve)
	if err != nil {
		return 0, err
	}
	r, err := n.right.eval(resolve)
	if err != nil {
		return 0, err
	}

	switch n.op {
	case tokenPlus:
		return l + r, nil
	case tokenMinus:
		return l - r, nil
	case tokenStar:
		return l * r, nil
	case tokenSlash:
		if r == 0 {
			return 0, ErrDivisionByZero
		}
		return l / r, nil
	default:
		return 0, fmt.Errorf("%w: unknown operator %s", ErrSyntax, n.op)
	}
}
