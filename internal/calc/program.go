package calc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ksys/vtag-engine/internal/calc/expr"
)

// Definition is the evaluator-facing view of a virtual tag definition.
type Definition struct {
	ID            string
	Kind          Kind
	Config        json.RawMessage
	Bounds        Bounds
	MissingPolicy MissingPolicy
}

// Outcome is what an evaluator produced before classification. A nil Value
// means "no number", and Quality then says why (Uncertain or Bad). Message is
// carried into the stored result.
type Outcome struct {
	Value   *float64
	Label   string
	Quality Quality
	Message string
}

func valueOutcome(v float64) Outcome {
	return Outcome{Value: &v, Quality: QualityGood}
}

// Program is a compiled definition, ready to evaluate repeatedly.
type Program interface {
	Kind() Kind
	Dependencies() []Dependency
	Evaluate(ctx context.Context, src ValueSource) (Outcome, error)
}

// Compile validates def and builds its evaluator. All authoring errors
// (malformed formula, unsupported function, invalid comparator, bad config)
// are reported here, never at evaluation time.
func Compile(def Definition) (Program, error) {
	if err := def.Bounds.Validate(); err != nil {
		return nil, err
	}

	switch def.Kind {
	case KindExpression:
		cfg, err := ParseExpressionConfig(def.Config)
		if err != nil {
			return nil, err
		}
		return compileExpression(cfg, def.MissingPolicy)
	case KindStatistical:
		cfg, err := ParseStatisticalConfig(def.Config)
		if err != nil {
			return nil, err
		}
		return &statisticalProgram{cfg: cfg}, nil
	case KindConditional:
		cfg, err := ParseConditionalConfig(def.Config)
		if err != nil {
			return nil, err
		}
		return &conditionalProgram{cfg: cfg}, nil
	default:
		return nil, fmt.Errorf("%w: unknown calculation type %q", ErrInvalidConfig, def.Kind)
	}
}

type expressionProgram struct {
	cfg    *ExpressionConfig
	ast    *expr.Expr
	policy MissingPolicy
}

func compileExpression(cfg *ExpressionConfig, policy MissingPolicy) (*expressionProgram, error) {
	if policy == "" {
		policy = MissingAsZero
	}
	if !policy.Valid() {
		return nil, fmt.Errorf("%w: unknown missing policy %q", ErrInvalidConfig, policy)
	}

	ast, err := expr.Parse(cfg.Formula)
	if err != nil {
		return nil, err
	}

	var undeclared []string
	for _, name := range ast.Identifiers() {
		_, isVar := cfg.Variables[name]
		_, isConst := cfg.Constants[name]
		if !isVar && !isConst {
			undeclared = append(undeclared, name)
		}
	}
	if len(undeclared) > 0 {
		return nil, fmt.Errorf("%w: undeclared identifiers %s", ErrMalformedFormula, strings.Join(undeclared, ", "))
	}

	return &expressionProgram{cfg: cfg, ast: ast, policy: policy}, nil
}

func (p *expressionProgram) Kind() Kind { return KindExpression }

func (p *expressionProgram) Dependencies() []Dependency {
	tags := make([]string, 0, len(p.cfg.Variables))
	for _, v := range p.cfg.Variables {
		if v.Type == VariableTag {
			tags = append(tags, v.Tag)
		}
	}
	return dependenciesOf(KindExpression, tags)
}

// Evaluate reads every referenced tag fresh from src. Missing tags follow the
// program's MissingPolicy; missing names are listed in the outcome message.
func (p *expressionProgram) Evaluate(ctx context.Context, src ValueSource) (Outcome, error) {
	var missing []string
	resolve := func(name string) (float64, error) {
		if c, ok := p.cfg.Constants[name]; ok {
			return c, nil
		}
		v := p.cfg.Variables[name]
		if v.Type == VariableConstant {
			return *v.Value, nil
		}
		val, ok, err := src.Latest(ctx, v.Tag)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", v.Tag, err)
		}
		if !ok {
			if p.policy == MissingStrict {
				return 0, fmt.Errorf("%w: tag %s for variable %s", ErrMissingInput, v.Tag, name)
			}
			missing = append(missing, v.Tag)
			return 0, nil
		}
		return val, nil
	}

	v, err := p.ast.Eval(resolve)
	if err != nil {
		return Outcome{}, err
	}

	out := valueOutcome(v)
	if len(missing) > 0 {
		out.Message = "missing inputs substituted with 0: " + strings.Join(missing, ", ")
	}
	return out, nil
}
