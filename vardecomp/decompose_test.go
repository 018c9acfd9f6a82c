package vardecomp_test

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/biospectra/scvar/expr"
	"github.com/biospectra/scvar/vardecomp"
)

const nCells = 50

// testKernel builds a rank-1 cell-cell kernel with unit mean diagonal from
// per-cell factor values.
func testKernel(s []float64) (*mat.SymDense, []float64) {
	n := len(s)
	var ss float64
	for _, v := range s {
		ss += v * v
	}
	scale := float64(n) / ss
	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			k.SetSym(i, j, scale*s[i]*s[j])
		}
	}
	return k, s
}

// testData builds three genes against a rank-1 kernel: one driven by the
// kernel factor, one pure noise at the technical level, and one with
// extra non-kernel biological variance.
func testData(t *testing.T) (*expr.Matrix, *mat.SymDense, []float64) {
	rng := rand.New(rand.NewSource(7))
	s := make([]float64, nCells)
	for j := range s {
		s[j] = rng.NormFloat64()
	}
	k, _ := testKernel(s)

	cells := make([]string, nCells)
	for j := range cells {
		cells[j] = fmt.Sprintf("G1_c%02d", j)
	}
	genes := []string{"cycling", "flat", "bio"}
	data := make([]float64, len(genes)*nCells)
	for j := 0; j < nCells; j++ {
		data[0*nCells+j] = 2*s[j] + 0.1*rng.NormFloat64()
		data[1*nCells+j] = 0.3 * rng.NormFloat64()
		data[2*nCells+j] = 1.0 * rng.NormFloat64()
	}
	m, err := expr.New(genes, cells, data)
	require.NoError(t, err)
	tech := []float64{0.01, 0.09, 0.09}
	return m, k, tech
}

func TestDecompose(t *testing.T) {
	m, k, tech := testData(t)
	table, err := vardecomp.Decompose(context.Background(), m, k, tech, vardecomp.Opts{Parallelism: 2})
	require.NoError(t, err)
	require.Len(t, table.Rows, 3)

	for _, r := range table.Rows {
		require.True(t, r.Converged, "gene %s did not converge", r.Gene)
		sum := r.CellCycle + r.BioVar + r.Noise
		assert.InDelta(t, 1.0, sum, 1e-9, "gene %s fractions sum to %v", r.Gene, sum)
		for _, f := range []float64{r.CellCycle, r.BioVar, r.Noise} {
			assert.True(t, f >= 0 && f <= 1, "gene %s fraction %v", r.Gene, f)
		}
	}

	cycling, flat, bio := table.Rows[0], table.Rows[1], table.Rows[2]
	assert.True(t, cycling.CellCycle > 0.8, "cycling gene cell-cycle fraction %v", cycling.CellCycle)
	assert.True(t, flat.CellCycle < 0.3, "flat gene cell-cycle fraction %v", flat.CellCycle)
	assert.True(t, flat.Noise > 0.5, "flat gene noise fraction %v", flat.Noise)
	assert.True(t, bio.BioVar > cycling.BioVar, "bio gene biological fraction %v", bio.BioVar)
}

func TestConvergedFilter(t *testing.T) {
	table := &vardecomp.Table{Rows: []vardecomp.Row{
		{Gene: "a", Converged: true},
		{Gene: "b"},
		{Gene: "c", Converged: true},
	}}
	conv := table.Converged()
	require.Len(t, conv.Rows, 2)
	assert.True(t, len(conv.Rows) <= len(table.Rows))
	assert.Equal(t, "a", conv.Rows[0].Gene)
	assert.Equal(t, "c", conv.Rows[1].Gene)

	empty := (&vardecomp.Table{}).Converged()
	assert.Len(t, empty.Rows, 0)
}

func TestDecomposeArgErrors(t *testing.T) {
	m, k, tech := testData(t)
	_, err := vardecomp.Decompose(context.Background(), m, k, tech[:1], vardecomp.Opts{})
	assert.Error(t, err)
	small := mat.NewSymDense(3, nil)
	_, err = vardecomp.Decompose(context.Background(), m, small, tech, vardecomp.Opts{})
	assert.Error(t, err)
}

func TestDecomposeCancel(t *testing.T) {
	m, k, tech := testData(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := vardecomp.Decompose(ctx, m, k, tech, vardecomp.Opts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context canceled")
}

func TestCorrect(t *testing.T) {
	m, k, tech := testData(t)
	table, err := vardecomp.Decompose(context.Background(), m, k, tech, vardecomp.Opts{})
	require.NoError(t, err)
	corrected, err := vardecomp.Correct(m, k, tech, table)
	require.NoError(t, err)
	require.Equal(t, m.NGenes(), corrected.NGenes())
	require.Equal(t, m.NCells(), corrected.NCells())

	// The cycling gene loses most of its variance with the factor removed.
	assert.True(t, rowVar(corrected.Row(0)) < 0.2*rowVar(m.Row(0)),
		"corrected cycling variance %v vs %v", rowVar(corrected.Row(0)), rowVar(m.Row(0)))
	// The flat gene is essentially untouched.
	assert.InDelta(t, rowVar(m.Row(1)), rowVar(corrected.Row(1)), 0.3*rowVar(m.Row(1)))
}

func TestCorrectPassthroughNonConverged(t *testing.T) {
	m, k, tech := testData(t)
	table := &vardecomp.Table{Rows: []vardecomp.Row{
		{Gene: "cycling"},
		{Gene: "flat"},
		{Gene: "bio"},
	}}
	corrected, err := vardecomp.Correct(m, k, tech, table)
	require.NoError(t, err)
	for i := 0; i < m.NGenes(); i++ {
		assert.Equal(t, m.Row(i), corrected.Row(i))
	}
}

func TestWriteTSV(t *testing.T) {
	m, k, tech := testData(t)
	table, err := vardecomp.Decompose(context.Background(), m, k, tech, vardecomp.Opts{})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "decomp.tsv")
	require.NoError(t, table.WriteTSV(context.Background(), path))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "gene\tcell_cycle\tbio_var\tnoise\tconverged", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "cycling\t"))
}

func rowVar(row []float64) float64 {
	var mu float64
	for _, v := range row {
		mu += v
	}
	mu /= float64(len(row))
	var ss float64
	for _, v := range row {
		d := v - mu
		ss += d * d
	}
	return ss / float64(len(row)-1)
}
