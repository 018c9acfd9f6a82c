package pca_test

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"

	"github.com/biospectra/scvar/expr"
	"github.com/biospectra/scvar/pca"
)

// gradientMatrix builds ng genes x 20 cells where every gene follows one
// shared cell gradient, so the first component carries almost everything.
func gradientMatrix(t *testing.T, ng int) (*expr.Matrix, []float64) {
	const nc = 20
	rng := rand.New(rand.NewSource(11))
	grad := make([]float64, nc)
	for j := range grad {
		grad[j] = float64(j) - float64(nc-1)/2
	}
	genes := make([]string, ng)
	cells := make([]string, nc)
	for j := range cells {
		cells[j] = fmt.Sprintf("S_c%02d", j)
	}
	data := make([]float64, ng*nc)
	for i := 0; i < ng; i++ {
		genes[i] = fmt.Sprintf("g%03d", i)
		coef := 1 + rng.Float64()
		for j := 0; j < nc; j++ {
			data[i*nc+j] = coef*grad[j] + 0.01*rng.NormFloat64()
		}
	}
	m, err := expr.New(genes, cells, data)
	assert.NoError(t, err)
	return m, grad
}

func TestProjectDims(t *testing.T) {
	// Output stays cells x 2 whatever the gene-subset size.
	for _, ng := range []int{2, 5, 50} {
		m, _ := gradientMatrix(t, ng)
		proj, err := pca.Project(m, 2)
		assert.NoError(t, err)
		r, c := proj.Dims()
		expect.EQ(t, r, m.NCells())
		expect.EQ(t, c, 2)
	}
}

func TestProjectGradient(t *testing.T) {
	m, grad := gradientMatrix(t, 30)
	proj, err := pca.Project(m, 2)
	assert.NoError(t, err)
	// PC1 is perfectly correlated (up to sign) with the generating
	// gradient.
	n := len(grad)
	var num, dx, dy float64
	for j := 0; j < n; j++ {
		x := grad[j]
		y := proj.At(j, 0)
		num += x * y
		dx += x * x
		dy += y * y
	}
	corr := math.Abs(num / math.Sqrt(dx*dy))
	if corr < 0.999 {
		t.Errorf("PC1 correlation with gradient = %v", corr)
	}
}

func TestProjectErrors(t *testing.T) {
	m, _ := gradientMatrix(t, 5)
	_, err := pca.Project(m, 0)
	expect.HasSubstr(t, err.Error(), "out of range")
	_, err = pca.Project(m, m.NCells()+1)
	expect.HasSubstr(t, err.Error(), "components for")

	// A single gene supports only one component.
	one, err := m.Subset([]string{"g000"})
	assert.NoError(t, err)
	_, err = pca.Project(one, 2)
	expect.HasSubstr(t, err.Error(), "rank is at most")
}
