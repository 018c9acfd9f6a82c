// Package vardecomp decomposes per-gene expression variance into a
// cell-cycle component (through a cell-cell kernel), residual biological
// variance, and technical noise, and regresses the cell-cycle component
// out of the expression matrix.
package vardecomp

import (
	"context"
	"math"
	"runtime"

	"github.com/grailbio/base/traverse"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/biospectra/scvar/expr"
)

// Opts configures the decomposition.
type Opts struct {
	// Parallelism is the number of concurrent per-gene fitting jobs; 0
	// means runtime.NumCPU(). Genes are sharded contiguously across jobs.
	Parallelism int
	// MaxIter bounds the per-gene optimizer.
	MaxIter int
}

// DefaultOpts holds the default decomposition configuration.
var DefaultOpts = Opts{
	MaxIter: 200,
}

// Row is the variance decomposition of one gene. For converged rows the
// three fractions sum to 1.
type Row struct {
	Gene      string
	CellCycle float64
	BioVar    float64
	Noise     float64
	Converged bool
	// sCC and sBio are the fitted variance-component magnitudes on the
	// expression scale, kept for the correction step.
	sCC, sBio float64
}

// Table holds per-gene decomposition rows, in the gene order of the input
// matrix.
type Table struct {
	Rows []Row
}

// Converged returns a new table holding only the rows whose per-gene fit
// converged. The result never has more rows than the receiver.
func (t *Table) Converged() *Table {
	out := &Table{}
	for _, r := range t.Rows {
		if r.Converged {
			out.Rows = append(out.Rows, r)
		}
	}
	return out
}

// kernelEigen is the one-time eigendecomposition of the kernel, shared by
// every per-gene fit and by the correction step.
type kernelEigen struct {
	vals []float64 // ascending, clamped to >= 0
	vecs mat.Dense // column i pairs with vals[i]
}

func newKernelEigen(k *mat.SymDense) (*kernelEigen, error) {
	var es mat.EigenSym
	if !es.Factorize(k, true) {
		return nil, errors.New("vardecomp: kernel eigendecomposition failed")
	}
	ke := &kernelEigen{vals: es.Values(nil)}
	es.VectorsTo(&ke.vecs)
	for i, v := range ke.vals {
		if v < 0 {
			ke.vals[i] = 0
		}
	}
	return ke, nil
}

// rotate returns U' y.
func (ke *kernelEigen) rotate(y []float64) []float64 {
	n := len(y)
	out := make([]float64, n)
	for k := 0; k < n; k++ {
		var s float64
		for j := 0; j < n; j++ {
			s += ke.vecs.At(j, k) * y[j]
		}
		out[k] = s
	}
	return out
}

// Decompose fits, for every gene of the log-scale expression matrix y, the
// model y_g ~ N(0, sCC*K + sBio*I + tech_g*I) with tech_g fixed, and
// returns the per-gene variance fractions. tech holds one log-scale
// technical variance per gene row of y. Genes whose optimizer fails are
// flagged Converged=false rather than failing the call.
func Decompose(ctx context.Context, y *expr.Matrix, k *mat.SymDense, tech []float64, opts Opts) (*Table, error) {
	ng, nc := y.NGenes(), y.NCells()
	if k.SymmetricDim() != nc {
		return nil, errors.Errorf("vardecomp: kernel is %d x %d for %d cells", k.SymmetricDim(), k.SymmetricDim(), nc)
	}
	if len(tech) != ng {
		return nil, errors.Errorf("vardecomp: %d technical variances for %d genes", len(tech), ng)
	}
	ke, err := newKernelEigen(k)
	if err != nil {
		return nil, err
	}
	maxIter := opts.MaxIter
	if maxIter <= 0 {
		maxIter = DefaultOpts.MaxIter
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	if parallelism > ng {
		parallelism = ng
	}

	table := &Table{Rows: make([]Row, ng)}
	err = traverse.Each(parallelism, func(jobIdx int) error {
		start := (jobIdx * ng) / parallelism
		end := ((jobIdx + 1) * ng) / parallelism
		for i := start; i < end; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			table.Rows[i] = decomposeGene(y.Genes()[i], y.Row(i), ke, tech[i], maxIter)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return table, nil
}

// decomposeGene maximizes the restricted likelihood of one gene over
// (sCC, sBio) in the kernel eigenbasis, where the covariance is diagonal.
func decomposeGene(gene string, row []float64, ke *kernelEigen, tech float64, maxIter int) Row {
	n := len(row)
	// Center.
	var mu float64
	for _, v := range row {
		mu += v
	}
	mu /= float64(n)
	y := make([]float64, n)
	var total float64
	for j, v := range row {
		y[j] = v - mu
		total += y[j] * y[j]
	}
	total /= float64(n - 1)
	if total <= 0 || tech < 0 {
		return Row{Gene: gene}
	}
	yr := ke.rotate(y)

	// Parameters are log variances, so the optimizer is unconstrained.
	nll := func(p []float64) float64 {
		sCC, sBio := math.Exp(p[0]), math.Exp(p[1])
		var v float64
		for i := 0; i < n; i++ {
			d := sCC*ke.vals[i] + sBio + tech
			v += math.Log(d) + yr[i]*yr[i]/d
		}
		return 0.5 * v
	}
	grad := func(g, p []float64) {
		sCC, sBio := math.Exp(p[0]), math.Exp(p[1])
		g[0], g[1] = 0, 0
		for i := 0; i < n; i++ {
			d := sCC*ke.vals[i] + sBio + tech
			common := 0.5 * (1/d - yr[i]*yr[i]/(d*d))
			g[0] += common * ke.vals[i] * sCC
			g[1] += common * sBio
		}
	}
	init := total - tech
	if init < 1e-6 {
		init = 1e-6
	}
	x0 := []float64{math.Log(init / 2), math.Log(init / 2)}
	settings := &optimize.Settings{MajorIterations: maxIter, GradientThreshold: 1e-8}
	res, err := optimize.Minimize(optimize.Problem{Func: nll, Grad: grad}, x0, settings, &optimize.LBFGS{})
	if err != nil {
		return Row{Gene: gene}
	}
	switch res.Status {
	case optimize.Success, optimize.FunctionConvergence, optimize.GradientThreshold, optimize.StepConvergence:
	default:
		return Row{Gene: gene}
	}
	sCC, sBio := math.Exp(res.X[0]), math.Exp(res.X[1])
	// The kernel diagonal averages 1, so sCC is already on the variance
	// scale of the data.
	sum := sCC + sBio + tech
	return Row{
		Gene:      gene,
		CellCycle: sCC / sum,
		BioVar:    sBio / sum,
		Noise:     tech / sum,
		Converged: true,
		sCC:       sCC,
		sBio:      sBio,
	}
}
