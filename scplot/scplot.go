// Package scplot renders the figures of the cell-cycle analysis: the
// cell-cell kernel heatmap, the ARD variance-explained scatter, the
// average variance-composition pie, and phase-colored PCA projections.
package scplot

import (
	"image/color"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// phaseColors maps cell-cycle phases to plot colors. Unknown phases fall
// back to gray.
var phaseColors = map[string]color.RGBA{
	"G1":  {R: 0x1b, G: 0x9e, B: 0x77, A: 0xff},
	"S":   {R: 0xd9, G: 0x5f, B: 0x02, A: 0xff},
	"G2M": {R: 0x75, G: 0x70, B: 0xb3, A: 0xff},
}

var grayColor = color.RGBA{R: 0x99, G: 0x99, B: 0x99, A: 0xff}

func phaseColor(phase string) color.RGBA {
	if c, ok := phaseColors[phase]; ok {
		return c
	}
	return grayColor
}

// kernelGrid adapts a symmetric kernel to the heatmap grid interface.
type kernelGrid struct{ k *mat.SymDense }

func (g kernelGrid) Dims() (int, int)   { n := g.k.SymmetricDim(); return n, n }
func (g kernelGrid) X(c int) float64    { return float64(c) }
func (g kernelGrid) Y(r int) float64    { return float64(r) }
func (g kernelGrid) Z(c, r int) float64 { return g.k.At(r, c) }

// KernelHeatmap renders the cell-cell similarity matrix and saves it as a
// PNG.
func KernelHeatmap(k *mat.SymDense, title, path string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "cell"
	p.Y.Label.Text = "cell"
	pal := moreland.SmoothBlueRed().Palette(255)
	p.Add(plotter.NewHeatMap(kernelGrid{k}, pal))
	if err := p.Save(5*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "scplot: save %s", path)
	}
	return nil
}

// VarExplainedScatter renders the per-factor variance-explained values
// from an ARD fit, the plot an analyst inspects to pick the rank.
func VarExplainedScatter(varExplained []float64, path string) error {
	p := plot.New()
	p.Title.Text = "Variance explained per factor"
	p.X.Label.Text = "factor"
	p.Y.Label.Text = "fraction of variance"
	pts := make(plotter.XYs, len(varExplained))
	for i, v := range varExplained {
		pts[i].X = float64(i + 1)
		pts[i].Y = v
	}
	sc, err := plotter.NewScatter(pts)
	if err != nil {
		return errors.Wrap(err, "scplot: variance-explained scatter")
	}
	sc.GlyphStyle.Color = phaseColors["S"]
	sc.GlyphStyle.Radius = vg.Points(3)
	p.Add(sc)
	p.Y.Min = 0
	if err := p.Save(5*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "scplot: save %s", path)
	}
	return nil
}

// PCAScatter renders a cells x 2 projection colored by per-cell phase.
func PCAScatter(proj *mat.Dense, phases []string, title, path string) error {
	n, c := proj.Dims()
	if c != 2 {
		return errors.Errorf("scplot: projection has %d columns, want 2", c)
	}
	if len(phases) != n {
		return errors.Errorf("scplot: %d phases for %d cells", len(phases), n)
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "PC1"
	p.Y.Label.Text = "PC2"

	byPhase := map[string]plotter.XYs{}
	var order []string
	for i, ph := range phases {
		if _, ok := byPhase[ph]; !ok {
			order = append(order, ph)
		}
		byPhase[ph] = append(byPhase[ph], plotter.XY{X: proj.At(i, 0), Y: proj.At(i, 1)})
	}
	for _, ph := range order {
		sc, err := plotter.NewScatter(byPhase[ph])
		if err != nil {
			return errors.Wrapf(err, "scplot: phase %s", ph)
		}
		sc.GlyphStyle.Color = phaseColor(ph)
		sc.GlyphStyle.Radius = vg.Points(2.5)
		p.Add(sc)
		p.Legend.Add(ph, sc)
	}
	p.Legend.Top = true
	if err := p.Save(5*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "scplot: save %s", path)
	}
	return nil
}
