package vardecomp

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/biospectra/scvar/expr"
)

// Correct removes the fitted cell-cycle component from the log-scale
// expression matrix y. For each converged gene the component is the best
// linear unbiased predictor sCC*K*Sigma^-1*(y-mu), computed in the kernel
// eigenbasis; non-converged genes are passed through unchanged. tech must
// be the same vector given to Decompose.
func Correct(y *expr.Matrix, k *mat.SymDense, tech []float64, table *Table) (*expr.Matrix, error) {
	ng, nc := y.NGenes(), y.NCells()
	if len(table.Rows) != ng {
		return nil, errors.Errorf("vardecomp: table has %d rows for %d genes", len(table.Rows), ng)
	}
	if len(tech) != ng {
		return nil, errors.Errorf("vardecomp: %d technical variances for %d genes", len(tech), ng)
	}
	ke, err := newKernelEigen(k)
	if err != nil {
		return nil, err
	}
	data := make([]float64, ng*nc)
	centered := make([]float64, nc)
	scaled := make([]float64, nc)
	for i := 0; i < ng; i++ {
		row := y.Row(i)
		out := data[i*nc : (i+1)*nc]
		r := table.Rows[i]
		if r.Gene != y.Genes()[i] {
			return nil, errors.Errorf("vardecomp: table row %d is %s, matrix row is %s", i, r.Gene, y.Genes()[i])
		}
		if !r.Converged {
			copy(out, row)
			continue
		}
		var mu float64
		for _, v := range row {
			mu += v
		}
		mu /= float64(nc)
		for j, v := range row {
			centered[j] = v - mu
		}
		// In the eigenbasis Sigma is diagonal, so the predictor scales
		// each rotated coordinate by sCC*lambda/(sCC*lambda+sBio+tech).
		rot := ke.rotate(centered)
		for j := 0; j < nc; j++ {
			d := r.sCC*ke.vals[j] + r.sBio + tech[i]
			scaled[j] = rot[j] * r.sCC * ke.vals[j] / d
		}
		// Rotate back: cc = U * scaled; corrected = y - cc.
		for j := 0; j < nc; j++ {
			var cc float64
			for l := 0; l < nc; l++ {
				cc += ke.vecs.At(j, l) * scaled[l]
			}
			out[j] = row[j] - cc
		}
	}
	return expr.New(y.Genes(), y.Cells(), data)
}
