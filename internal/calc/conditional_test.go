package calc_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ksys/vtag-engine/internal/calc"
	"github.com/ksys/vtag-engine/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const levelConfig = `{
  "input_tag": "TEMP",
  "conditions": [
    {"operator": ">", "threshold": 90, "result": 3, "label": "Critical"},
    {"operator": ">", "threshold": 70, "result": 2, "label": "Warning"},
    {"operator": ">", "threshold": 50, "result": 1, "label": "Caution"}
  ],
  "default_result": 0,
  "default_label": "Normal"
}`

func TestConditional_FirstMatchWins(t *testing.T) {
	program, err := calc.Compile(calc.Definition{ID: "VT_LEVEL", Kind: calc.KindConditional, Config: json.RawMessage(levelConfig)})
	require.NoError(t, err)

	tests := []struct {
		input     float64
		wantValue float64
		wantLabel string
	}{
		{95, 3, "Critical"},
		{72, 2, "Warning"},
		{50.5, 1, "Caution"},
		{50, 0, "Normal"},
		{10, 0, "Normal"},
	}

	for _, tt := range tests {
		src := testutil.NewStaticSource(map[string]float64{"TEMP": tt.input})
		out, err := program.Evaluate(context.Background(), src)
		require.NoError(t, err)
		require.NotNil(t, out.Value)
		assert.Equal(t, tt.wantValue, *out.Value, "input %v", tt.input)
		assert.Equal(t, tt.wantLabel, out.Label, "input %v", tt.input)
		assert.Equal(t, calc.QualityGood, out.Quality)
	}
}

func TestConditional_RuleOrderMatters(t *testing.T) {
	reversed := `{
  "input_tag": "TEMP",
  "conditions": [
    {"operator": ">", "threshold": 50, "result": 1},
    {"operator": ">", "threshold": 90, "result": 3}
  ],
  "default_result": 0
}`
	program, err := calc.Compile(calc.Definition{Kind: calc.KindConditional, Config: json.RawMessage(reversed)})
	require.NoError(t, err)

	out, err := program.Evaluate(context.Background(), testutil.NewStaticSource(map[string]float64{"TEMP": 95}))
	require.NoError(t, err)
	assert.Equal(t, 1.0, *out.Value)
}

func TestConditional_MissingInput(t *testing.T) {
	program, err := calc.Compile(calc.Definition{Kind: calc.KindConditional, Config: json.RawMessage(levelConfig)})
	require.NoError(t, err)

	out, err := program.Evaluate(context.Background(), testutil.NewStaticSource(nil))
	require.NoError(t, err)
	assert.Nil(t, out.Value)
	assert.Equal(t, calc.UnknownLabel, out.Label)
	assert.Equal(t, calc.QualityBad, out.Quality)
	assert.Contains(t, out.Message, "not found")

	c := calc.Classify(out, nil, calc.Bounds{})
	assert.Equal(t, calc.QualityBad, c.Quality)
	require.NotNil(t, c.Label)
	assert.Equal(t, "Unknown", *c.Label)
	assert.Equal(t, "input tag TEMP not found", c.Message)
}

func TestConditional_Comparators(t *testing.T) {
	tests := []struct {
		op    string
		value float64
		want  bool
	}{
		{">", 10, false},
		{">", 10.1, true},
		{"<", 9.9, true},
		{"<", 10, false},
		{">=", 10, true},
		{">=", 9.9, false},
		{"<=", 10, true},
		{"<=", 10.1, false},
		{"!=", 1, false},
	}

	for _, tt := range tests {
		c := calc.Condition{Operator: tt.op, Threshold: 10}
		assert.Equal(t, tt.want, c.Matches(tt.value), "%v %s 10", tt.value, tt.op)
	}
}
