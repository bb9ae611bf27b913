package calc_test

import (
	"testing"

	"github.com/ksys/vtag-engine/internal/calc"
	"github.com/stretchr/testify/assert"
)

func TestGraph_FindCycle(t *testing.T) {
	g := calc.NewGraph()
	g.SetEdges("VT_A", []string{"D100", "VT_B"})
	g.SetEdges("VT_B", []string{"D101"})
	assert.Nil(t, g.FindCycle())
	assert.NoError(t, g.CheckAcyclic())

	g.SetEdges("VT_B", []string{"VT_C"})
	g.SetEdges("VT_C", []string{"VT_A"})
	assert.Equal(t, []string{"VT_A", "VT_B", "VT_C", "VT_A"}, g.FindCycle())

	err := g.CheckAcyclic()
	assert.ErrorIs(t, err, calc.ErrCyclicDependency)
	assert.Contains(t, err.Error(), "VT_A -> VT_B -> VT_C -> VT_A")

	g.Remove("VT_C")
	assert.NoError(t, g.CheckAcyclic())
}

func TestGraph_SelfReference(t *testing.T) {
	g := calc.NewGraph()
	g.SetEdges("VT_A", []string{"VT_A"})
	assert.Equal(t, []string{"VT_A", "VT_A"}, g.FindCycle())
}

func TestGraph_Levels(t *testing.T) {
	g := calc.NewGraph()
	g.SetEdges("VT_A", []string{"D100"})
	g.SetEdges("VT_B", []string{"VT_A"})
	g.SetEdges("VT_C", []string{"VT_A", "VT_B"})
	g.SetEdges("VT_D", []string{"D200"})

	levels := g.Levels([]string{"VT_C", "VT_B", "VT_A", "VT_D"})
	assert.Equal(t, [][]string{{"VT_A", "VT_D"}, {"VT_B"}, {"VT_C"}}, levels)

	// Dependencies that are not part of the batch do not hold anything back.
	assert.Equal(t, [][]string{{"VT_B"}}, g.Levels([]string{"VT_B"}))
	assert.Equal(t, [][]string{{"VT_B"}, {"VT_C"}}, g.Levels([]string{"VT_C", "VT_B"}))
}
