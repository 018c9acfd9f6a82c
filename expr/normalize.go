package expr

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// SizeFactors computes per-cell size factors by the median-of-ratios
// method: for each cell, the median over genes of the ratio between the
// cell's count and the gene's geometric mean across cells. Genes with a
// zero count in any cell are excluded from the reference.
func (m *Matrix) SizeFactors() ([]float64, error) {
	ng, nc := m.NGenes(), m.NCells()
	// Geometric means of all-positive genes.
	ref := make([]float64, ng)
	usable := 0
	for i := 0; i < ng; i++ {
		row := m.Row(i)
		sumLog, ok := 0.0, true
		for _, v := range row {
			if v <= 0 {
				ok = false
				break
			}
			sumLog += math.Log(v)
		}
		if ok {
			ref[i] = math.Exp(sumLog / float64(nc))
			usable++
		}
	}
	if usable == 0 {
		return nil, errors.New("expr: no gene with all-positive counts; cannot compute size factors")
	}
	factors := make([]float64, nc)
	ratios := make([]float64, 0, usable)
	for j := 0; j < nc; j++ {
		ratios = ratios[:0]
		for i := 0; i < ng; i++ {
			if ref[i] > 0 {
				ratios = append(ratios, m.At(i, j)/ref[i])
			}
		}
		sort.Float64s(ratios)
		n := len(ratios)
		if n%2 == 1 {
			factors[j] = ratios[n/2]
		} else {
			factors[j] = 0.5 * (ratios[n/2-1] + ratios[n/2])
		}
		if factors[j] <= 0 {
			return nil, errors.Errorf("expr: non-positive size factor for cell %s", m.cells[j])
		}
	}
	return factors, nil
}

// Normalized returns a new matrix with each cell's counts divided by its
// size factor.
func (m *Matrix) Normalized(factors []float64) (*Matrix, error) {
	if len(factors) != m.NCells() {
		return nil, errors.Errorf("expr: %d size factors for %d cells", len(factors), m.NCells())
	}
	ng, nc := m.NGenes(), m.NCells()
	data := make([]float64, ng*nc)
	for i := 0; i < ng; i++ {
		row := m.Row(i)
		for j, v := range row {
			data[i*nc+j] = v / factors[j]
		}
	}
	return New(m.genes, m.cells, data)
}

// Log10 returns a new matrix holding log10(1+x) of each entry. This is the
// scale on which the latent factor is fit and variance decomposed.
func (m *Matrix) Log10() *Matrix {
	data := make([]float64, len(m.data))
	for i, v := range m.data {
		data[i] = math.Log10(1 + v)
	}
	out, _ := New(m.genes, m.cells, data) // shape is unchanged; cannot fail
	return out
}
