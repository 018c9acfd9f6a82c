// Package latent fits a low-rank factor model to log-scale expression of a
// gene subset (here: annotated cell-cycle genes) and exposes the induced
// cell-cell similarity kernel.
//
// With ARD enabled, per-factor precisions drive unneeded factors toward
// zero loading norm; the fraction of variance explained per factor is
// reported so the analyst can pick a rank and refit with it. Rank
// selection is deliberately not automated.
package latent

import (
	"math"

	"github.com/grailbio/base/log"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/biospectra/scvar/expr"
)

// Opts configures a factor-model fit.
type Opts struct {
	// Rank is the number of factors. With ARD it is the maximum rank
	// explored; otherwise it is fixed.
	Rank int
	// ARD enables per-factor automatic relevance determination.
	ARD bool
	// MaxIter bounds the EM iterations.
	MaxIter int
	// Tol is the relative log-likelihood change below which EM stops.
	Tol float64
	// Verbose logs the likelihood trace.
	Verbose bool
}

// DefaultOpts holds the default fit configuration.
var DefaultOpts = Opts{
	Rank:    10,
	ARD:     true,
	MaxIter: 2000,
	Tol:     1e-6,
}

// Model is a fitted factor model. It is rebuilt from scratch on every Fit
// call; refitting with a different rank never reuses state.
type Model struct {
	rank int
	// scores is cells x rank, the posterior factor means per cell.
	scores *mat.Dense
	// loadings is genes x rank.
	loadings *mat.Dense
	// varExplained per factor, descending; sums to at most 1.
	varExplained []float64
	sigma2       float64
}

// Rank returns the number of fitted factors.
func (m *Model) Rank() int { return m.rank }

// Scores returns the cells x rank posterior factor means.
func (m *Model) Scores() *mat.Dense { return m.scores }

// Loadings returns the genes x rank factor loadings.
func (m *Model) Loadings() *mat.Dense { return m.loadings }

// VarExplained returns the fraction of model variance attributed to each
// factor, in descending order. Under ARD, a sharp drop marks the adequate
// rank.
func (m *Model) VarExplained() []float64 { return m.varExplained }

// ResidualVar returns the fitted isotropic residual variance.
func (m *Model) ResidualVar() float64 { return m.sigma2 }

// Kernel returns the cell-cell similarity matrix K = S*S' scaled to unit
// mean diagonal. K is symmetric positive semi-definite.
func (m *Model) Kernel() *mat.SymDense {
	n, _ := m.scores.Dims()
	var p mat.Dense
	p.Mul(m.scores, m.scores.T())
	var trace float64
	for i := 0; i < n; i++ {
		trace += p.At(i, i)
	}
	scale := 1.0
	if trace > 0 {
		scale = float64(n) / trace
	}
	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			k.SetSym(i, j, scale*0.5*(p.At(i, j)+p.At(j, i)))
		}
	}
	return k
}

// Fit fits a factor model to the log-expression matrix y (genes x cells),
// typically y restricted to an annotated gene set. Gene means are removed
// before fitting.
func Fit(y *expr.Matrix, opts Opts) (*Model, error) {
	d, n := y.NGenes(), y.NCells()
	if opts.Rank <= 0 {
		return nil, errors.Errorf("latent: rank %d out of range", opts.Rank)
	}
	if opts.Rank >= n || opts.Rank >= d {
		return nil, errors.Errorf("latent: rank %d too large for %d genes x %d cells", opts.Rank, d, n)
	}
	maxIter := opts.MaxIter
	if maxIter <= 0 {
		maxIter = DefaultOpts.MaxIter
	}
	tol := opts.Tol
	if tol <= 0 {
		tol = DefaultOpts.Tol
	}
	q := opts.Rank

	// Center each gene across cells.
	yc := mat.NewDense(d, n, nil)
	for i := 0; i < d; i++ {
		row := y.Row(i)
		mu := floats.Sum(row) / float64(n)
		for j, v := range row {
			yc.Set(i, j, v-mu)
		}
	}

	w, sigma2, err := initPCA(yc, q)
	if err != nil {
		return nil, err
	}
	alpha := make([]float64, q)

	var (
		ex     mat.Dense // q x n, posterior factor means
		ll     = math.Inf(-1)
		conv   bool
		trYY   = frob2(yc)
		m      = mat.NewDense(q, q, nil)
		minv   mat.Dense
		sumExx mat.Dense
	)
	for iter := 0; iter < maxIter; iter++ {
		// E-step: M = W'W + sigma2*I, E[X] = M^-1 W' Y.
		m.Mul(w.T(), w)
		for k := 0; k < q; k++ {
			m.Set(k, k, m.At(k, k)+sigma2)
		}
		if err := minv.Inverse(m); err != nil {
			return nil, errors.Wrap(err, "latent: E-step")
		}
		var wty mat.Dense
		wty.Mul(w.T(), yc)
		ex.Mul(&minv, &wty)
		sumExx.Mul(&ex, ex.T())
		sumExx.Apply(func(i, j int, v float64) float64 {
			return v + float64(n)*sigma2*minv.At(i, j)
		}, &sumExx)

		// M-step: W = (Y E[X]') (Sum E[xx'] + sigma2*diag(alpha))^-1.
		var yex mat.Dense
		yex.Mul(yc, ex.T())
		denom := mat.DenseCopyOf(&sumExx)
		if opts.ARD {
			for k := 0; k < q; k++ {
				denom.Set(k, k, denom.At(k, k)+sigma2*alpha[k])
			}
		}
		var dinv mat.Dense
		if err := dinv.Inverse(denom); err != nil {
			return nil, errors.Wrap(err, "latent: M-step")
		}
		w.Mul(&yex, &dinv)

		// sigma2 = (trYY - 2 tr(W' Y E[X]') + tr(SumExx W'W)) / (n d).
		var wtw mat.Dense
		wtw.Mul(w.T(), w)
		var cross float64
		for k := 0; k < q; k++ {
			for l := 0; l < q; l++ {
				cross += sumExx.At(k, l) * wtw.At(l, k)
			}
		}
		var fit float64
		for k := 0; k < q; k++ {
			for i := 0; i < d; i++ {
				fit += w.At(i, k) * yex.At(i, k)
			}
		}
		sigma2 = (trYY - 2*fit + cross) / float64(n*d)
		if sigma2 < 1e-12 {
			sigma2 = 1e-12
		}

		if opts.ARD {
			for k := 0; k < q; k++ {
				var nk float64
				for i := 0; i < d; i++ {
					nk += w.At(i, k) * w.At(i, k)
				}
				alpha[k] = float64(d) / (nk + 1e-12)
			}
		}

		next := logLik(yc, w, sigma2, trYY)
		if opts.Verbose && iter%50 == 0 {
			log.Printf("latent: iter %d loglik %.6f sigma2 %.3g", iter, next, sigma2)
		}
		if iter > 0 && math.Abs(next-ll) < tol*math.Abs(ll) {
			ll = next
			conv = true
			break
		}
		ll = next
	}
	if !conv {
		return nil, errors.Errorf("latent: EM did not converge in %d iterations", maxIter)
	}

	// Final posterior means under the converged parameters.
	m.Mul(w.T(), w)
	for k := 0; k < q; k++ {
		m.Set(k, k, m.At(k, k)+sigma2)
	}
	if err := minv.Inverse(m); err != nil {
		return nil, errors.Wrap(err, "latent: posterior")
	}
	var wty mat.Dense
	wty.Mul(w.T(), yc)
	ex.Mul(&minv, &wty)

	model := &Model{rank: q, sigma2: sigma2}
	model.orderFactors(w, &ex, d, n, q, sigma2)
	return model, nil
}

// orderFactors sorts factors by descending share of model variance and
// fills in scores, loadings and varExplained.
func (model *Model) orderFactors(w *mat.Dense, ex *mat.Dense, d, n, q int, sigma2 float64) {
	norms := make([]float64, q)
	total := float64(d) * sigma2
	for k := 0; k < q; k++ {
		for i := 0; i < d; i++ {
			norms[k] += w.At(i, k) * w.At(i, k)
		}
		total += norms[k]
	}
	order := make([]int, q)
	floats.Argsort(append([]float64(nil), norms...), order)
	// Argsort is ascending; reverse.
	for i, j := 0, q-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	model.varExplained = make([]float64, q)
	model.loadings = mat.NewDense(d, q, nil)
	model.scores = mat.NewDense(n, q, nil)
	for pos, k := range order {
		model.varExplained[pos] = norms[k] / total
		for i := 0; i < d; i++ {
			model.loadings.Set(i, pos, w.At(i, k))
		}
		for j := 0; j < n; j++ {
			model.scores.Set(j, pos, ex.At(k, j))
		}
	}
}

// initPCA seeds W and sigma2 from a thin SVD of the centered data.
func initPCA(yc *mat.Dense, q int) (*mat.Dense, float64, error) {
	d, n := yc.Dims()
	var svd mat.SVD
	if !svd.Factorize(yc, mat.SVDThin) {
		return nil, 0, errors.New("latent: SVD of centered data failed")
	}
	var u mat.Dense
	svd.UTo(&u)
	s := svd.Values(nil)
	w := mat.NewDense(d, q, nil)
	for k := 0; k < q; k++ {
		scale := s[k] / math.Sqrt(float64(n))
		for i := 0; i < d; i++ {
			w.Set(i, k, u.At(i, k)*scale)
		}
	}
	var resid float64
	for k := q; k < len(s); k++ {
		resid += s[k] * s[k]
	}
	sigma2 := resid / (float64(n) * float64(d-q))
	if sigma2 < 1e-6 {
		sigma2 = 1e-6
	}
	return w, sigma2, nil
}

// logLik computes the marginal Gaussian log-likelihood of the centered
// data under C = W W' + sigma2 I, using the low-rank structure of C.
func logLik(yc, w *mat.Dense, sigma2, trYY float64) float64 {
	d, n := yc.Dims()
	_, q := w.Dims()
	m := mat.NewDense(q, q, nil)
	m.Mul(w.T(), w)
	for k := 0; k < q; k++ {
		m.Set(k, k, m.At(k, k)+sigma2)
	}
	var chol mat.Cholesky
	sym := mat.NewSymDense(q, nil)
	for i := 0; i < q; i++ {
		for j := i; j < q; j++ {
			sym.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	if !chol.Factorize(sym) {
		return math.Inf(-1)
	}
	logDetC := float64(d-q)*math.Log(sigma2) + chol.LogDet()

	// tr(C^-1 S) with S = Y Y'/n and
	// C^-1 = (I - W M^-1 W')/sigma2.
	var wty mat.Dense
	wty.Mul(w.T(), yc) // q x n
	var minvWty mat.Dense
	if err := chol.SolveTo(&minvWty, &wty); err != nil {
		return math.Inf(-1)
	}
	var inner float64
	for k := 0; k < q; k++ {
		for j := 0; j < n; j++ {
			inner += wty.At(k, j) * minvWty.At(k, j)
		}
	}
	trCS := (trYY - inner) / (float64(n) * sigma2)
	return -0.5 * float64(n) * (float64(d)*math.Log(2*math.Pi) + logDetC + trCS)
}

// frob2 returns the squared Frobenius norm.
func frob2(a *mat.Dense) float64 {
	v := mat.Norm(a, 2)
	return v * v
}
