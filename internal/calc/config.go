package calc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind is the calculation type of a virtual tag.
type Kind string

const (
	KindExpression  Kind = "expression"
	KindStatistical Kind = "statistical"
	KindConditional Kind = "conditional"
)

// Valid reports whether k names a supported calculation kind.
func (k Kind) Valid() bool {
	switch k {
	case KindExpression, KindStatistical, KindConditional:
		return true
	default:
		return false
	}
}

// MissingPolicy decides what an expression does with a variable whose source
// tag has no current value.
type MissingPolicy string

const (
	// MissingAsZero substitutes 0 so one silent sensor does not blank a
	// composite metric.
	MissingAsZero MissingPolicy = "zero"
	// MissingStrict fails the evaluation with ErrMissingInput.
	MissingStrict MissingPolicy = "strict"
)

// Valid reports whether p is a known policy.
func (p MissingPolicy) Valid() bool {
	return p == MissingAsZero || p == MissingStrict
}

// Variable types accepted in an expression config.
const (
	VariableTag      = "tag"
	VariableConstant = "constant"
)

// Variable binds an expression identifier either to a source tag or to a
// literal. The JSON form is {"type":"tag","tag":"D100"}; a bare string is
// shorthand for a tag reference.
type Variable struct {
	Type  string   `json:"type"`
	Tag   string   `json:"tag,omitempty"`
	Value *float64 `json:"value,omitempty"`
}

// UnmarshalJSON accepts either the object form or a bare tag name.
func (v *Variable) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var tag string
		if err := json.Unmarshal(data, &tag); err != nil {
			return err
		}
		*v = Variable{Type: VariableTag, Tag: tag}
		return nil
	}

	type plain Variable
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.Type == "" {
		p.Type = VariableTag
	}
	*v = Variable(p)
	return nil
}

// ExpressionConfig is the config of an expression tag.
type ExpressionConfig struct {
	Formula   string              `json:"formula"`
	Variables map[string]Variable `json:"variables"`
	Constants map[string]float64  `json:"constants,omitempty"`
}

// Statistical functions.
const (
	FuncAvg    = "avg"
	FuncSum    = "sum"
	FuncMin    = "min"
	FuncMax    = "max"
	FuncCount  = "count"
	FuncStddev = "stddev"
)

// SupportedFunctions lists the statistical functions in a stable order.
func SupportedFunctions() []string {
	return []string{FuncAvg, FuncSum, FuncMin, FuncMax, FuncCount, FuncStddev}
}

// Window is a look-back duration. In JSON it is either a Go duration string
// ("5m", "1h30m") or a number of seconds.
type Window time.Duration

// Duration returns w as a time.Duration.
func (w Window) Duration() time.Duration {
	return time.Duration(w)
}

// MarshalJSON writes the window as a duration string.
func (w Window) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(w).String())
}

// UnmarshalJSON reads a duration string or a number of seconds.
func (w *Window) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch val := raw.(type) {
	case string:
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid window %q: %w", val, err)
		}
		*w = Window(d)
	case float64:
		*w = Window(time.Duration(val * float64(time.Second)))
	default:
		return fmt.Errorf("invalid window %s", string(data))
	}
	return nil
}

// StatisticalConfig is the config of a statistical tag.
type StatisticalConfig struct {
	Function  string   `json:"function"`
	Window    Window   `json:"window"`
	InputTags []string `json:"input_tags"`
}

// Comparators accepted by conditional rules.
const (
	OpGreater      = ">"
	OpLess         = "<"
	OpGreaterEqual = ">="
	OpLessEqual    = "<="
)

// Condition is one threshold rule. Rules are tried in declaration order.
type Condition struct {
	Operator  string  `json:"operator"`
	Threshold float64 `json:"threshold"`
	Result    int     `json:"result"`
	Label     string  `json:"label,omitempty"`
}

// Matches reports whether value satisfies the rule.
func (c Condition) Matches(value float64) bool {
	switch c.Operator {
	case OpGreater:
		return value > c.Threshold
	case OpLess:
		return value < c.Threshold
	case OpGreaterEqual:
		return value >= c.Threshold
	case OpLessEqual:
		return value <= c.Threshold
	default:
		return false
	}
}

// ConditionalConfig is the config of a conditional tag.
type ConditionalConfig struct {
	InputTag      string      `json:"input_tag"`
	Conditions    []Condition `json:"conditions"`
	DefaultResult int         `json:"default_result"`
	DefaultLabel  string      `json:"default_label,omitempty"`
}

// ParseExpressionConfig decodes and checks an expression config. Formula
// syntax is checked by Compile.
func ParseExpressionConfig(raw []byte) (*ExpressionConfig, error) {
	var cfg ExpressionConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Formula) == "" {
		return nil, fmt.Errorf("%w: formula is required", ErrInvalidConfig)
	}
	for name, v := range cfg.Variables {
		switch v.Type {
		case VariableTag:
			if strings.TrimSpace(v.Tag) == "" {
				return nil, fmt.Errorf("%w: variable %s has no tag", ErrInvalidConfig, name)
			}
		case VariableConstant:
			if v.Value == nil || !isFinite(*v.Value) {
				return nil, fmt.Errorf("%w: variable %s needs a finite value", ErrInvalidConfig, name)
			}
		default:
			return nil, fmt.Errorf("%w: variable %s has unknown type %q", ErrInvalidConfig, name, v.Type)
		}
		if _, dup := cfg.Constants[name]; dup {
			return nil, fmt.Errorf("%w: %s is declared as both variable and constant", ErrInvalidConfig, name)
		}
	}
	for name, c := range cfg.Constants {
		if !isFinite(c) {
			return nil, fmt.Errorf("%w: constant %s must be finite", ErrInvalidConfig, name)
		}
	}
	return &cfg, nil
}

// ParseStatisticalConfig decodes and checks a statistical config.
func ParseStatisticalConfig(raw []byte) (*StatisticalConfig, error) {
	var cfg StatisticalConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	cfg.Function = strings.ToLower(strings.TrimSpace(cfg.Function))
	if !isSupportedFunction(cfg.Function) {
		return nil, fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedFunction, cfg.Function, strings.Join(SupportedFunctions(), ", "))
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("%w: window must be positive", ErrInvalidConfig)
	}
	if len(cfg.InputTags) == 0 {
		return nil, fmt.Errorf("%w: at least one input tag is required", ErrInvalidConfig)
	}
	for _, tag := range cfg.InputTags {
		if strings.TrimSpace(tag) == "" {
			return nil, fmt.Errorf("%w: empty input tag", ErrInvalidConfig)
		}
	}
	return &cfg, nil
}

// ParseConditionalConfig decodes and checks a conditional config.
func ParseConditionalConfig(raw []byte) (*ConditionalConfig, error) {
	var cfg ConditionalConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.InputTag) == "" {
		return nil, fmt.Errorf("%w: input_tag is required", ErrInvalidConfig)
	}
	for i, c := range cfg.Conditions {
		switch c.Operator {
		case OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		default:
			return nil, fmt.Errorf("%w: %q in condition %d", ErrInvalidComparator, c.Operator, i)
		}
		if !isFinite(c.Threshold) {
			return nil, fmt.Errorf("%w: condition %d threshold must be finite", ErrInvalidConfig, i)
		}
	}
	return &cfg, nil
}

func decodeStrict(raw []byte, v interface{}) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: config is empty", ErrInvalidConfig)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func isSupportedFunction(fn string) bool {
	for _, f := range SupportedFunctions() {
		if f == fn {
			return true
		}
	}
	return false
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
