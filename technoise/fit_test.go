package technoise_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"

	"github.com/biospectra/scvar/expr"
	"github.com/biospectra/scvar/technoise"
)

const testCells = 100

// noiseMatrix builds a matrix whose genes have exact sample mean means[i]
// and exact sample variance vars[i]: half the cells at mean+s, half at
// mean-s with s chosen for the n-1 variance denominator.
func noiseMatrix(t *testing.T, means, vars []float64) *expr.Matrix {
	genes := make([]string, len(means))
	cells := make([]string, testCells)
	for j := range cells {
		cells[j] = fmt.Sprintf("G1_c%03d", j)
	}
	data := make([]float64, 0, len(means)*testCells)
	for i, mu := range means {
		genes[i] = fmt.Sprintf("gene%03d", i)
		s := math.Sqrt(vars[i] * float64(testCells-1) / float64(testCells))
		for j := 0; j < testCells; j++ {
			if j%2 == 0 {
				data = append(data, mu+s)
			} else {
				data = append(data, mu-s)
			}
		}
	}
	m, err := expr.New(genes, cells, data)
	assert.NoError(t, err)
	return m
}

// nullMeansVars spreads n genes log-uniformly over means [1,100] with
// variance 0.5*mean, i.e. CV^2 = 0.5/mean exactly.
func nullMeansVars(n int) (means, vars []float64) {
	means = make([]float64, n)
	vars = make([]float64, n)
	for i := 0; i < n; i++ {
		mu := math.Exp(float64(i) / float64(n-1) * math.Log(100))
		means[i] = mu
		vars[i] = 0.5 * mu
	}
	return means, vars
}

func TestMeanCV2(t *testing.T) {
	means, vars := nullMeansVars(10)
	m := noiseMatrix(t, means, vars)
	gotMeans, gotVars, gotCV2 := technoise.MeanCV2(m)
	for i := range means {
		if math.Abs(gotMeans[i]-means[i]) > 1e-9*means[i] {
			t.Errorf("gene %d: mean %v, want %v", i, gotMeans[i], means[i])
		}
		if math.Abs(gotVars[i]-vars[i]) > 1e-6*vars[i] {
			t.Errorf("gene %d: var %v, want %v", i, gotVars[i], vars[i])
		}
		wantCV2 := vars[i] / (means[i] * means[i])
		if math.Abs(gotCV2[i]-wantCV2) > 1e-6*wantCV2 {
			t.Errorf("gene %d: cv2 %v, want %v", i, gotCV2[i], wantCV2)
		}
	}
}

func TestFitLogVarRecovery(t *testing.T) {
	means, vars := nullMeansVars(50)
	m := noiseMatrix(t, means, vars)
	fit, err := technoise.New(m, technoise.DefaultOpts)
	assert.NoError(t, err)
	expect.EQ(t, fit.Method(), technoise.LogVar)
	// The data follow CV^2 = 0.5/mean exactly; the fit must reproduce it
	// over the fitted range.
	for _, mu := range []float64{5, 10, 30} {
		want := 0.5 / mu
		got := fit.TechCV2(mu)
		if math.Abs(got-want) > 0.05*want {
			t.Errorf("TechCV2(%v) = %v, want about %v", mu, got, want)
		}
		wantVar := want * mu * mu
		if gotVar := fit.TechVar(mu); math.Abs(gotVar-wantVar) > 0.05*wantVar {
			t.Errorf("TechVar(%v) = %v, want about %v", mu, gotVar, wantVar)
		}
	}
	expect.EQ(t, fit.TechCV2(0), 0.0)
	expect.EQ(t, fit.TechVar(-1), 0.0)
}

func TestFitLocal(t *testing.T) {
	means, vars := nullMeansVars(50)
	m := noiseMatrix(t, means, vars)
	opts := technoise.DefaultOpts
	opts.Method = technoise.Local
	fit, err := technoise.New(m, opts)
	assert.NoError(t, err)
	expect.EQ(t, fit.Method(), technoise.Local)
	// A local quadratic reproduces an exactly log-linear relation.
	for _, mu := range []float64{3, 10, 40} {
		want := 0.5 / mu
		got := fit.TechCV2(mu)
		if math.Abs(got-want) > 0.1*want {
			t.Errorf("TechCV2(%v) = %v, want about %v", mu, got, want)
		}
	}
}

func TestTechVarLog10(t *testing.T) {
	means, vars := nullMeansVars(50)
	m := noiseMatrix(t, means, vars)
	fit, err := technoise.New(m, technoise.DefaultOpts)
	assert.NoError(t, err)
	lv := fit.TechVarLog10(10)
	expect.True(t, lv > 0)
	// The delta-method factor shrinks the variance for means >> 1.
	expect.True(t, lv < fit.TechVar(10))
	expect.EQ(t, fit.TechVarLog10(0), 0.0)
	vs := fit.TechVarsLog10([]float64{0, 10})
	expect.EQ(t, vs[0], 0.0)
	expect.EQ(t, vs[1], lv)
}

func TestFitErrors(t *testing.T) {
	means, vars := nullMeansVars(50)
	m := noiseMatrix(t, means, vars)

	opts := technoise.DefaultOpts
	opts.Method = technoise.Method("bogus")
	_, err := technoise.New(m, opts)
	expect.HasSubstr(t, err.Error(), "unknown fit method")

	opts = technoise.DefaultOpts
	opts.UseSpikeIns = true
	_, err = technoise.New(m, opts)
	expect.HasSubstr(t, err.Error(), "no spike-in genes")

	opts.SpikeInGenes = []string{"notagene"}
	_, err = technoise.New(m, opts)
	expect.HasSubstr(t, err.Error(), "spike-in genes")
}
