package expr

import (
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func testMatrix(t *testing.T) *Matrix {
	m, err := New(
		[]string{"Nanog", "Ccnb1", "Actb"},
		[]string{"G1_c1", "S_c1", "G2M_c1", "G2M_c2"},
		[]float64{
			5, 2, 7, 4,
			1, 6, 9, 8,
			100, 110, 95, 90,
		})
	assert.NoError(t, err)
	return m
}

func TestNewShapeMismatch(t *testing.T) {
	_, err := New([]string{"a"}, []string{"c1", "c2"}, []float64{1})
	expect.HasSubstr(t, err.Error(), "does not match")
	_, err = New([]string{"a", "a"}, []string{"c1"}, []float64{1, 2})
	expect.HasSubstr(t, err.Error(), "duplicate gene")
}

func TestAccessors(t *testing.T) {
	m := testMatrix(t)
	expect.EQ(t, m.NGenes(), 3)
	expect.EQ(t, m.NCells(), 4)
	expect.EQ(t, m.GeneRow("Ccnb1"), 1)
	expect.EQ(t, m.GeneRow("Xist"), -1)
	expect.EQ(t, m.Row(1), []float64{1, 6, 9, 8})
	expect.EQ(t, m.At(2, 3), 90.0)
	r, c := m.Dense().Dims()
	expect.EQ(t, r, 3)
	expect.EQ(t, c, 4)
}

func TestSubset(t *testing.T) {
	m := testMatrix(t)
	sub, err := m.Subset([]string{"Actb", "Nanog"})
	assert.NoError(t, err)
	expect.EQ(t, sub.Genes(), []string{"Actb", "Nanog"})
	expect.EQ(t, sub.Row(0), []float64{100, 110, 95, 90})
	expect.EQ(t, sub.Row(1), []float64{5, 2, 7, 4})

	_, err = m.Subset([]string{"Xist"})
	expect.HasSubstr(t, err.Error(), "not in matrix")
}

func TestSubsetFlags(t *testing.T) {
	m := testMatrix(t)
	sub, err := m.SubsetFlags([]bool{true, false, true})
	assert.NoError(t, err)
	expect.EQ(t, sub.Genes(), []string{"Nanog", "Actb"})

	_, err = m.SubsetFlags([]bool{true})
	expect.HasSubstr(t, err.Error(), "flag vector")
}

func TestPhase(t *testing.T) {
	expect.EQ(t, Phase("G2M_cell07"), "G2M")
	expect.EQ(t, Phase("G1_c1"), "G1")
	expect.EQ(t, Phase("nolabel"), "nolabel")
	m := testMatrix(t)
	expect.EQ(t, m.Phases(), []string{"G1", "S", "G2M", "G2M"})
}
