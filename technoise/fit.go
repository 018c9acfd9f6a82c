// Package technoise fits a technical-noise model to a count matrix without
// spike-in controls, and flags genes whose variance exceeds the
// technical baseline.
//
// Two fit families are provided. LogVar regresses log CV² on log mean
// over a mean-windowed subset of endogenous genes and refines the
// coefficients by minimizing relative squared error in CV² space. Local
// fits a tricube-weighted second-order polynomial of log CV² against log
// mean in a sliding neighborhood.
package technoise

import (
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/biospectra/scvar/expr"
)

// Method selects the technical-noise fit family.
type Method string

// Available fit families.
const (
	LogVar Method = "logvar"
	Local  Method = "local"
)

// Opts configures the technical-noise fit.
type Opts struct {
	Method Method
	// UseSpikeIns restricts the fit to spike-in control genes. The mESC
	// dataset carries no spike-ins, so the default is false; setting it
	// without providing SpikeInGenes is an error.
	UseSpikeIns  bool
	SpikeInGenes []string
	// MinMeanQuantile/MaxMeanQuantile define the mean-expression window of
	// genes used for the LogVar fit. Genes outside the window still get a
	// technical-variance estimate from the fitted curve.
	MinMeanQuantile float64
	MaxMeanQuantile float64
	// Span is the fraction of genes in each local neighborhood of the
	// Local fit.
	Span float64
}

// DefaultOpts holds the default fit configuration.
var DefaultOpts = Opts{
	Method:          LogVar,
	MinMeanQuantile: 0.25,
	MaxMeanQuantile: 0.95,
	Span:            0.3,
}

// Fit is a fitted technical-noise curve mapping mean expression to
// expected technical CV² (and hence variance).
type Fit struct {
	method Method
	// LogVar coefficients: log cv2 = a + b*log(mean).
	a, b float64
	// Local fit training points, sorted by x.
	xs, ys []float64 // log mean -> log cv2
	span   float64
}

// Method returns the fit family used.
func (f *Fit) Method() Method { return f.method }

// TechCV2 evaluates the expected technical CV² at the given mean
// expression. Non-positive means evaluate to 0.
func (f *Fit) TechCV2(mean float64) float64 {
	if mean <= 0 {
		return 0
	}
	lm := math.Log(mean)
	switch f.method {
	case LogVar:
		return math.Exp(f.a + f.b*lm)
	case Local:
		return math.Exp(f.localAt(lm))
	}
	panic("technoise: unknown method " + string(f.method))
}

// TechVar evaluates the expected technical variance at the given mean.
func (f *Fit) TechVar(mean float64) float64 {
	return f.TechCV2(mean) * mean * mean
}

// TechVars returns the per-gene technical-variance vector for the given
// per-gene means.
func (f *Fit) TechVars(means []float64) []float64 {
	out := make([]float64, len(means))
	for i, m := range means {
		out[i] = f.TechVar(m)
	}
	return out
}

// TechVarLog10 transfers the technical variance at the given count-scale
// mean onto the log10(1+x) scale by the delta method.
func (f *Fit) TechVarLog10(mean float64) float64 {
	if mean <= 0 {
		return 0
	}
	d := 1 / ((1 + mean) * math.Ln10)
	return f.TechVar(mean) * d * d
}

// TechVarsLog10 is the per-gene vector form of TechVarLog10.
func (f *Fit) TechVarsLog10(means []float64) []float64 {
	out := make([]float64, len(means))
	for i, m := range means {
		out[i] = f.TechVarLog10(m)
	}
	return out
}

// MeanCV2 computes per-gene mean, variance and CV² across cells of a
// (normalized) count matrix. CV² is 0 for genes with zero mean.
func MeanCV2(m *expr.Matrix) (means, vars, cv2 []float64) {
	ng, nc := m.NGenes(), m.NCells()
	means = make([]float64, ng)
	vars = make([]float64, ng)
	cv2 = make([]float64, ng)
	for i := 0; i < ng; i++ {
		row := m.Row(i)
		var sum float64
		for _, v := range row {
			sum += v
		}
		mu := sum / float64(nc)
		var ss float64
		for _, v := range row {
			d := v - mu
			ss += d * d
		}
		means[i] = mu
		vars[i] = ss / float64(nc-1)
		if mu > 0 {
			cv2[i] = vars[i] / (mu * mu)
		}
	}
	return means, vars, cv2
}

// New fits a technical-noise model to a normalized count matrix.
func New(m *expr.Matrix, opts Opts) (*Fit, error) {
	if opts.UseSpikeIns {
		if len(opts.SpikeInGenes) == 0 {
			return nil, errors.New("technoise: spike-in fit requested but no spike-in genes given")
		}
		sub, err := m.Subset(opts.SpikeInGenes)
		if err != nil {
			return nil, errors.Wrap(err, "technoise: spike-in genes")
		}
		m = sub
	}
	means, _, cv2 := MeanCV2(m)
	switch opts.Method {
	case LogVar:
		return fitLogVar(means, cv2, opts)
	case Local:
		return fitLocal(means, cv2, opts)
	}
	return nil, errors.Errorf("technoise: unknown fit method %q", opts.Method)
}

// fitLogVar fits log cv2 = a + b*log(mean) over genes inside the mean
// window, then refines (a, b) by Nelder-Mead on the relative squared error
// in CV² space.
func fitLogVar(means, cv2 []float64, opts Opts) (*Fit, error) {
	var pos []float64
	for i, mu := range means {
		if mu > 0 && cv2[i] > 0 {
			pos = append(pos, mu)
		}
	}
	if len(pos) < 3 {
		return nil, errors.New("technoise: too few expressed genes to fit")
	}
	lo, err := stats.Percentile(stats.Float64Data(pos), 100*opts.MinMeanQuantile)
	if err != nil {
		return nil, errors.Wrap(err, "technoise: mean window")
	}
	hi, err := stats.Percentile(stats.Float64Data(pos), 100*opts.MaxMeanQuantile)
	if err != nil {
		return nil, errors.Wrap(err, "technoise: mean window")
	}
	var xs, ys, ws []float64 // log mean, log cv2, cv2
	for i, mu := range means {
		if mu < lo || mu > hi || mu <= 0 || cv2[i] <= 0 {
			continue
		}
		xs = append(xs, math.Log(mu))
		ys = append(ys, math.Log(cv2[i]))
		ws = append(ws, cv2[i])
	}
	if len(xs) < 3 {
		return nil, errors.New("technoise: mean window selects too few genes")
	}
	a, b := ols(xs, ys)

	// Refine in CV² space: the log-space OLS overweights low-expression
	// genes whose CV² is large.
	obj := func(p []float64) float64 {
		var sum float64
		for i, x := range xs {
			pred := math.Exp(p[0] + p[1]*x)
			r := (ws[i] - pred) / ws[i]
			sum += r * r
		}
		return sum
	}
	res, err := optimize.Minimize(optimize.Problem{Func: obj}, []float64{a, b}, nil, &optimize.NelderMead{})
	if err != nil {
		return nil, errors.Wrap(err, "technoise: refinement did not converge")
	}
	if res.Status != optimize.Success && res.Status != optimize.FunctionConvergence &&
		res.Status != optimize.GradientThreshold {
		return nil, errors.Errorf("technoise: refinement stopped with status %v", res.Status)
	}
	return &Fit{method: LogVar, a: res.X[0], b: res.X[1]}, nil
}

// ols returns intercept and slope of a simple least-squares line.
func ols(xs, ys []float64) (a, b float64) {
	n := float64(len(xs))
	var sx, sy, sxx, sxy float64
	for i, x := range xs {
		sx += x
		sy += ys[i]
		sxx += x * x
		sxy += x * ys[i]
	}
	b = (n*sxy - sx*sy) / (n*sxx - sx*sx)
	a = (sy - b*sx) / n
	return a, b
}

func fitLocal(means, cv2 []float64, opts Opts) (*Fit, error) {
	type pt struct{ x, y float64 }
	var pts []pt
	for i, mu := range means {
		if mu > 0 && cv2[i] > 0 {
			pts = append(pts, pt{math.Log(mu), math.Log(cv2[i])})
		}
	}
	if len(pts) < 10 {
		return nil, errors.New("technoise: too few expressed genes for a local fit")
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].x < pts[j].x })
	xs := make([]float64, len(pts))
	ys := make([]float64, len(pts))
	for i, p := range pts {
		xs[i] = p.x
		ys[i] = p.y
	}
	span := opts.Span
	if span <= 0 {
		span = DefaultOpts.Span
	}
	return &Fit{method: Local, xs: xs, ys: ys, span: span}, nil
}

// localAt evaluates the tricube-weighted quadratic fit at log-mean x.
func (f *Fit) localAt(x float64) float64 {
	n := len(f.xs)
	k := int(math.Ceil(f.span * float64(n)))
	if k < 3 {
		k = 3
	}
	if k > n {
		k = n
	}
	// xs is sorted; find the k nearest points with a sliding window.
	lo := sort.SearchFloat64s(f.xs, x)
	start := lo - k/2
	if start < 0 {
		start = 0
	}
	if start+k > n {
		start = n - k
	}
	// Shift the window while a closer point is adjacent to it.
	for start > 0 && x-f.xs[start-1] < f.xs[start+k-1]-x {
		start--
	}
	for start+k < n && f.xs[start+k]-x < x-f.xs[start] {
		start++
	}
	h := 0.0
	for i := start; i < start+k; i++ {
		if d := math.Abs(f.xs[i] - x); d > h {
			h = d
		}
	}
	if h == 0 {
		h = 1
	}
	design := mat.NewDense(k, 3, nil)
	resp := mat.NewDense(k, 1, nil)
	for i := 0; i < k; i++ {
		xi := f.xs[start+i]
		d := math.Abs(xi-x) / h
		w := 1 - d*d*d
		w = math.Sqrt(w * w * w)
		dx := xi - x
		design.Set(i, 0, w)
		design.Set(i, 1, w*dx)
		design.Set(i, 2, w*dx*dx)
		resp.Set(i, 0, w*f.ys[start+i])
	}
	var coef mat.Dense
	if err := coef.Solve(design, resp); err != nil {
		// Degenerate neighborhood; fall back to the weighted mean.
		var sw, swy float64
		for i := 0; i < k; i++ {
			w := design.At(i, 0)
			sw += w
			swy += w * f.ys[start+i]
		}
		return swy / sw
	}
	return coef.At(0, 0) // fit is centered at x
}
