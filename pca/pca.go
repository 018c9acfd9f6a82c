// Package pca projects cells of an expression matrix onto their leading
// principal components.
package pca

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/biospectra/scvar/expr"
)

// Project computes the first k principal components of the cells of the
// log-scale expression matrix y (genes x cells). Cells are the samples and
// genes the features; features are mean-centered. The result is always
// cells x k, whatever the size of the gene subset.
func Project(y *expr.Matrix, k int) (*mat.Dense, error) {
	ng, nc := y.NGenes(), y.NCells()
	if k <= 0 {
		return nil, errors.Errorf("pca: %d components out of range", k)
	}
	if k > nc {
		return nil, errors.Errorf("pca: %d components for %d cells", k, nc)
	}
	// cells x genes, gene means removed.
	x := mat.NewDense(nc, ng, nil)
	for i := 0; i < ng; i++ {
		row := y.Row(i)
		var mu float64
		for _, v := range row {
			mu += v
		}
		mu /= float64(nc)
		for j, v := range row {
			x.Set(j, i, v-mu)
		}
	}
	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDThin) {
		return nil, errors.New("pca: SVD failed")
	}
	var u mat.Dense
	svd.UTo(&u)
	s := svd.Values(nil)
	if k > len(s) {
		return nil, errors.Errorf("pca: %d components but rank is at most %d", k, len(s))
	}
	out := mat.NewDense(nc, k, nil)
	for j := 0; j < k; j++ {
		for i := 0; i < nc; i++ {
			out.Set(i, j, u.At(i, j)*s[j])
		}
	}
	return out, nil
}
