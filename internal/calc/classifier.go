package calc

import (
	"fmt"
	"strconv"
)

// Bounds is the optional validation range of a definition.
type Bounds struct {
	Min *float64 `json:"min_value,omitempty"`
	Max *float64 `json:"max_value,omitempty"`
}

// Validate rejects non-finite or inverted bounds.
func (b Bounds) Validate() error {
	if b.Min != nil && !isFinite(*b.Min) {
		return fmt.Errorf("%w: min_value must be finite", ErrInvalidConfig)
	}
	if b.Max != nil && !isFinite(*b.Max) {
		return fmt.Errorf("%w: max_value must be finite", ErrInvalidConfig)
	}
	if b.Min != nil && b.Max != nil && *b.Min > *b.Max {
		return fmt.Errorf("%w: min_value %s is greater than max_value %s",
			ErrInvalidConfig, formatFloat(*b.Min), formatFloat(*b.Max))
	}
	return nil
}

// Classification is the stored form of one evaluation.
type Classification struct {
	Value   *float64
	Label   *string
	Quality Quality
	Message string
}

// Classify turns an evaluator outcome or failure into a quality-coded result.
// A failure is Error with its message and no value. Out-of-bounds values are
// kept and flagged Uncertain.
func Classify(out Outcome, err error, bounds Bounds) Classification {
	if err != nil {
		return Classification{Quality: QualityError, Message: err.Error()}
	}

	c := Classification{Value: out.Value, Quality: out.Quality, Message: out.Message}
	if out.Label != "" {
		label := out.Label
		c.Label = &label
	}

	switch out.Quality {
	case QualityGood, QualityUncertain:
	case QualityBad, QualityError:
		return c
	default:
		return Classification{Quality: QualityError, Message: fmt.Sprintf("unknown quality %d", out.Quality)}
	}

	if out.Value == nil {
		if out.Quality == QualityGood {
			c.Quality = QualityError
			if c.Message == "" {
				c.Message = "evaluator produced no value"
			}
		}
		return c
	}

	v := *out.Value
	if !isFinite(v) {
		return Classification{Quality: QualityError, Message: ErrNonFinite.Error()}
	}

	var boundsMsg string
	switch {
	case bounds.Min != nil && v < *bounds.Min:
		boundsMsg = fmt.Sprintf("value %s below minimum %s", formatFloat(v), formatFloat(*bounds.Min))
	case bounds.Max != nil && v > *bounds.Max:
		boundsMsg = fmt.Sprintf("value %s above maximum %s", formatFloat(v), formatFloat(*bounds.Max))
	}
	if boundsMsg != "" {
		c.Quality = QualityUncertain
		c.Message = joinMessages(c.Message, boundsMsg)
	}
	return c
}

func joinMessages(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "; " + b
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
