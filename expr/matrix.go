// Package expr holds gene-by-cell expression matrices and their standard
// derivations (size-factor normalization, log transform, gene subsetting).
//
// A Matrix is immutable once loaded; every derivation returns a new Matrix
// backed by fresh storage.
package expr

import (
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Matrix is a genes x cells expression matrix. Raw read counts are
// non-negative integers, but values are stored as float64 so that derived
// matrices (normalized, log-scale) share the representation.
type Matrix struct {
	genes []string
	cells []string
	// geneIndex maps a gene symbol to its row. Built once at construction.
	geneIndex map[string]int
	// data is row-major, len(genes)*len(cells).
	data []float64
}

// New creates a Matrix from row-major data. The data slice is retained by
// the Matrix; callers must not modify it afterwards.
func New(genes, cells []string, data []float64) (*Matrix, error) {
	if len(data) != len(genes)*len(cells) {
		return nil, errors.Errorf("expr: data length %d does not match %d genes x %d cells",
			len(data), len(genes), len(cells))
	}
	idx := make(map[string]int, len(genes))
	for i, g := range genes {
		if _, ok := idx[g]; ok {
			return nil, errors.Errorf("expr: duplicate gene %q", g)
		}
		idx[g] = i
	}
	return &Matrix{genes: genes, cells: cells, geneIndex: idx, data: data}, nil
}

// NGenes returns the number of genes (rows).
func (m *Matrix) NGenes() int { return len(m.genes) }

// NCells returns the number of cells (columns).
func (m *Matrix) NCells() int { return len(m.cells) }

// Genes returns the gene symbols in row order.
func (m *Matrix) Genes() []string { return m.genes }

// Cells returns the cell labels in column order.
func (m *Matrix) Cells() []string { return m.cells }

// GeneRow returns the row index of the given gene symbol, or -1.
func (m *Matrix) GeneRow(gene string) int {
	if i, ok := m.geneIndex[gene]; ok {
		return i
	}
	return -1
}

// Row returns the expression vector of the i'th gene across cells. The
// returned slice aliases the matrix storage and must not be modified.
func (m *Matrix) Row(i int) []float64 {
	nc := len(m.cells)
	return m.data[i*nc : (i+1)*nc]
}

// At returns the value for gene row i, cell column j.
func (m *Matrix) At(i, j int) float64 { return m.data[i*len(m.cells)+j] }

// Dense returns the matrix as a gonum dense matrix. The result shares
// storage with the Matrix and must be treated as read-only.
func (m *Matrix) Dense() *mat.Dense {
	return mat.NewDense(len(m.genes), len(m.cells), m.data)
}

// Subset returns a new Matrix restricted to the named genes, in the given
// order. Unknown genes are an error.
func (m *Matrix) Subset(genes []string) (*Matrix, error) {
	nc := len(m.cells)
	data := make([]float64, 0, len(genes)*nc)
	for _, g := range genes {
		i, ok := m.geneIndex[g]
		if !ok {
			return nil, errors.Errorf("expr: gene %q not in matrix", g)
		}
		data = append(data, m.Row(i)...)
	}
	sub := make([]string, len(genes))
	copy(sub, genes)
	return New(sub, m.cells, data)
}

// SubsetFlags returns a new Matrix keeping the genes whose flag is true.
// The flag vector must have one entry per gene row.
func (m *Matrix) SubsetFlags(keep []bool) (*Matrix, error) {
	if len(keep) != len(m.genes) {
		return nil, errors.Errorf("expr: flag vector length %d != %d genes", len(keep), len(m.genes))
	}
	var genes []string
	for i, k := range keep {
		if k {
			genes = append(genes, m.genes[i])
		}
	}
	return m.Subset(genes)
}

// Phase returns the cell-cycle phase encoded in a cell label. Labels take
// the form "<phase>_<cell>", e.g. "G2M_cell07"; the phase is the part
// before the first underscore. A label without an underscore is returned
// whole.
func Phase(cell string) string {
	if i := strings.IndexByte(cell, '_'); i >= 0 {
		return cell[:i]
	}
	return cell
}

// Phases returns the per-cell phase labels, in column order.
func (m *Matrix) Phases() []string {
	phases := make([]string, len(m.cells))
	for j, c := range m.cells {
		phases[j] = Phase(c)
	}
	return phases
}
