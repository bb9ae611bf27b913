package calc_test

import (
	"errors"
	"math"
	"testing"

	"github.com/ksys/vtag-engine/internal/calc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	bounds := calc.Bounds{Min: ptr(0), Max: ptr(100)}

	t.Run("above maximum keeps the value", func(t *testing.T) {
		c := calc.Classify(calc.Outcome{Value: ptr(150), Quality: calc.QualityGood}, nil, bounds)
		require.NotNil(t, c.Value)
		assert.Equal(t, 150.0, *c.Value)
		assert.Equal(t, calc.QualityUncertain, c.Quality)
		assert.Contains(t, c.Message, "above maximum")
		assert.Equal(t, "value 150 above maximum 100", c.Message)
	})

	t.Run("below minimum", func(t *testing.T) {
		c := calc.Classify(calc.Outcome{Value: ptr(-0.5), Quality: calc.QualityGood}, nil, bounds)
		assert.Equal(t, calc.QualityUncertain, c.Quality)
		assert.Equal(t, "value -0.5 below minimum 0", c.Message)
	})

	t.Run("inside bounds", func(t *testing.T) {
		c := calc.Classify(calc.Outcome{Value: ptr(100), Quality: calc.QualityGood}, nil, bounds)
		assert.Equal(t, calc.QualityGood, c.Quality)
		assert.Empty(t, c.Message)
	})

	t.Run("no bounds", func(t *testing.T) {
		c := calc.Classify(calc.Outcome{Value: ptr(1e9), Quality: calc.QualityGood}, nil, calc.Bounds{})
		assert.Equal(t, calc.QualityGood, c.Quality)
	})

	t.Run("only a maximum", func(t *testing.T) {
		c := calc.Classify(calc.Outcome{Value: ptr(-1e9), Quality: calc.QualityGood}, nil, calc.Bounds{Max: ptr(10)})
		assert.Equal(t, calc.QualityGood, c.Quality)
	})

	t.Run("failure is error without value", func(t *testing.T) {
		c := calc.Classify(calc.Outcome{Value: ptr(1)}, errors.New("boom"), bounds)
		assert.Equal(t, calc.QualityError, c.Quality)
		assert.Nil(t, c.Value)
		assert.Equal(t, "boom", c.Message)
	})

	t.Run("non-finite value is error", func(t *testing.T) {
		c := calc.Classify(calc.Outcome{Value: ptr(math.NaN()), Quality: calc.QualityGood}, nil, calc.Bounds{})
		assert.Equal(t, calc.QualityError, c.Quality)
		assert.Nil(t, c.Value)
	})

	t.Run("good without value is error", func(t *testing.T) {
		c := calc.Classify(calc.Outcome{Quality: calc.QualityGood}, nil, calc.Bounds{})
		assert.Equal(t, calc.QualityError, c.Quality)
	})

	t.Run("uncertain message is kept alongside bounds", func(t *testing.T) {
		out := calc.Outcome{Value: ptr(0), Quality: calc.QualityUncertain, Message: "no data in window"}
		c := calc.Classify(out, nil, calc.Bounds{Min: ptr(1)})
		assert.Equal(t, calc.QualityUncertain, c.Quality)
		assert.Equal(t, "no data in window; value 0 below minimum 1", c.Message)
	})

	t.Run("label is carried", func(t *testing.T) {
		c := calc.Classify(calc.Outcome{Value: ptr(2), Label: "Warning", Quality: calc.QualityGood}, nil, calc.Bounds{})
		require.NotNil(t, c.Label)
		assert.Equal(t, "Warning", *c.Label)
	})
}

func TestQuality(t *testing.T) {
	assert.Equal(t, []calc.Quality{0, 1, 2, 3}, calc.Qualities())
	assert.Equal(t, "Good", calc.QualityGood.String())
	assert.Equal(t, "Uncertain", calc.QualityUncertain.String())
	assert.Equal(t, "Bad", calc.QualityBad.String())
	assert.Equal(t, "Error", calc.QualityError.String())
	assert.False(t, calc.Quality(7).Valid())
	assert.Equal(t, "quality(7)", calc.Quality(7).String())
}
