package calc

import (
	"context"
	"fmt"
	"math"
)

const noDataMessage = "no data in window"

type statisticalProgram struct {
	cfg *StatisticalConfig
}

func (p *statisticalProgram) Kind() Kind { return KindStatistical }

func (p *statisticalProgram) Dependencies() []Dependency {
	return dependenciesOf(KindStatistical, p.cfg.InputTags)
}

// Evaluate reads one flattened window across all input tags and aggregates it
// as a single multiset.
func (p *statisticalProgram) Evaluate(ctx context.Context, src ValueSource) (Outcome, error) {
	values, err := src.Window(ctx, p.cfg.InputTags, p.cfg.Window.Duration())
	if err != nil {
		return Outcome{}, fmt.Errorf("read window: %w", err)
	}

	v, ok := Aggregate(p.cfg.Function, values)
	if len(values) == 0 {
		out := Outcome{Quality: QualityUncertain, Message: noDataMessage}
		if ok {
			out.Value = &v
		}
		return out, nil
	}
	if !ok {
		return Outcome{
			Quality: QualityUncertain,
			Message: fmt.Sprintf("%s needs more samples (have %d)", p.cfg.Function, len(values)),
		}, nil
	}
	return valueOutcome(v), nil
}

// Aggregate applies fn to values. ok is false when the function has no value
// for this input: avg, min and max of nothing, and stddev of fewer than two
// samples. sum and count of nothing are 0.
func Aggregate(fn string, values []float64) (result float64, ok bool) {
	n := len(values)
	switch fn {
	case FuncCount:
		return float64(n), true
	case FuncSum:
		return sum(values), true
	case FuncAvg:
		if n == 0 {
			return 0, false
		}
		return sum(values) / float64(n), true
	case FuncMin:
		if n == 0 {
			return 0, false
		}
		m := values[0]
		for _, v := range values[1:] {
			m = math.Min(m, v)
		}
		return m, true
	case FuncMax:
		if n == 0 {
			return 0, false
		}
		m := values[0]
		for _, v := range values[1:] {
			m = math.Max(m, v)
		}
		return m, true
	case FuncStddev:
		if n < 2 {
			return 0, false
		}
		mean := sum(values) / float64(n)
		var sq float64
		for _, v := range values {
			d := v - mean
			sq += d * d
		}
		return math.Sqrt(sq / float64(n-1)), true
	default:
		return 0, false
	}
}

func sum(values []float64) float64 {
	var s float64
	for _, v := range values {
		s += v
	}
	return s
}
