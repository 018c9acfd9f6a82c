package technoise

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/biospectra/scvar/expr"
)

// SelectMethod tags a variable-gene selection rule.
type SelectMethod string

// Available selection rules.
const (
	// FDR flags genes whose total variance is significantly above the
	// technical baseline under a chi-square test, Benjamini-Hochberg
	// corrected.
	FDR SelectMethod = "fdr"
	// Ratio flags genes whose variance exceeds RatioThreshold times the
	// technical baseline.
	Ratio SelectMethod = "ratio"
)

// SelectOpts configures variable-gene selection.
type SelectOpts struct {
	Method SelectMethod
	// FDRLevel is the Benjamini-Hochberg level for the FDR method.
	FDRLevel float64
	// RatioThreshold is the variance/technical-variance cutoff for the
	// Ratio method.
	RatioThreshold float64
}

// DefaultSelectOpts holds the default selection configuration.
var DefaultSelectOpts = SelectOpts{
	Method:         FDR,
	FDRLevel:       0.1,
	RatioThreshold: 1.5,
}

// VariableGenes flags the genes of a normalized count matrix whose
// variance exceeds the technical baseline implied by the fit. The result
// has one entry per gene row.
func VariableGenes(m *expr.Matrix, fit *Fit, opts SelectOpts) ([]bool, error) {
	means, vars, _ := MeanCV2(m)
	tech := fit.TechVars(means)
	switch opts.Method {
	case FDR:
		return selectFDR(m.NCells(), vars, tech, opts.FDRLevel), nil
	case Ratio:
		return selectRatio(vars, tech, opts.RatioThreshold), nil
	}
	return nil, errors.Errorf("technoise: unknown selection method %q", opts.Method)
}

// selectFDR tests (n-1)*var/tech against chi-square with n-1 degrees of
// freedom and applies Benjamini-Hochberg at the given level. Genes with no
// technical-variance estimate are never flagged.
func selectFDR(ncells int, vars, tech []float64, level float64) []bool {
	df := float64(ncells - 1)
	chi2 := distuv.ChiSquared{K: df}
	type genePV struct {
		gene int
		p    float64
	}
	pvs := make([]genePV, 0, len(vars))
	for i, v := range vars {
		if tech[i] <= 0 {
			continue
		}
		pvs = append(pvs, genePV{i, chi2.Survival(df * v / tech[i])})
	}
	sort.Slice(pvs, func(i, j int) bool { return pvs[i].p < pvs[j].p })
	// Largest k with p_(k) <= k/m * level.
	m := float64(len(pvs))
	cut := -1
	for k, pv := range pvs {
		if pv.p <= float64(k+1)/m*level {
			cut = k
		}
	}
	flags := make([]bool, len(vars))
	for k := 0; k <= cut; k++ {
		flags[pvs[k].gene] = true
	}
	return flags
}

func selectRatio(vars, tech []float64, threshold float64) []bool {
	flags := make([]bool, len(vars))
	for i, v := range vars {
		if tech[i] > 0 && v > threshold*tech[i] {
			flags[i] = true
		}
	}
	return flags
}
