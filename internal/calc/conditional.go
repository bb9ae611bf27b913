package calc

import (
	"context"
	"fmt"
)

// UnknownLabel marks a conditional result whose input had no value.
const UnknownLabel = "Unknown"

type conditionalProgram struct {
	cfg *ConditionalConfig
}

func (p *conditionalProgram) Kind() Kind { return KindConditional }

func (p *conditionalProgram) Dependencies() []Dependency {
	return dependenciesOf(KindConditional, []string{p.cfg.InputTag})
}

// Evaluate tries the rules in declaration order and stops at the first match.
func (p *conditionalProgram) Evaluate(ctx context.Context, src ValueSource) (Outcome, error) {
	input, ok, err := src.Latest(ctx, p.cfg.InputTag)
	if err != nil {
		return Outcome{}, fmt.Errorf("read %s: %w", p.cfg.InputTag, err)
	}
	if !ok {
		return Outcome{
			Label:   UnknownLabel,
			Quality: QualityBad,
			Message: fmt.Sprintf("input tag %s not found", p.cfg.InputTag),
		}, nil
	}

	result, label := p.cfg.DefaultResult, p.cfg.DefaultLabel
	for _, c := range p.cfg.Conditions {
		if c.Matches(input) {
			result, label = c.Result, c.Label
			break
		}
	}

	out := valueOutcome(float64(result))
	out.Label = label
	return out, nil
}
