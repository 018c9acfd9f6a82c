package scplot

import (
	"image/color"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// pie is a minimal pie-chart plotter; gonum/plot ships no stock one. It
// draws one wedge per labeled fraction around the data-space origin.
type pie struct {
	fractions []float64
	colors    []color.RGBA
}

// Plot implements plot.Plotter.
func (pc pie) Plot(c draw.Canvas, plt *plot.Plot) {
	trX, trY := plt.Transforms(&c)
	cx, cy := trX(0), trY(0)
	radius := trX(0.9) - cx
	if ry := trY(0.9) - cy; ry < radius {
		radius = ry
	}
	center := vg.Point{X: cx, Y: cy}
	start := math.Pi / 2 // noon, clockwise like conventional pies
	for i, f := range pc.fractions {
		angle := -2 * math.Pi * f
		var path vg.Path
		path.Move(center)
		path.Line(vg.Point{
			X: center.X + radius*vg.Length(math.Cos(start)),
			Y: center.Y + radius*vg.Length(math.Sin(start)),
		})
		path.Arc(center, radius, start, angle)
		path.Close()
		c.SetColor(pc.colors[i%len(pc.colors)])
		c.Fill(path)
		start += angle
	}
}

// DataRange implements plot.DataRanger so the wedges stay square-ish.
func (pie) DataRange() (xmin, xmax, ymin, ymax float64) {
	return -1, 1, -1, 1
}

// wedgeThumb renders a legend swatch for one wedge.
type wedgeThumb struct{ c color.RGBA }

func (w wedgeThumb) Thumbnail(c *draw.Canvas) {
	pts := []vg.Point{
		{X: c.Min.X, Y: c.Min.Y},
		{X: c.Min.X, Y: c.Max.Y},
		{X: c.Max.X, Y: c.Max.Y},
		{X: c.Max.X, Y: c.Min.Y},
	}
	c.FillPolygon(w.c, pts)
}

// VarFractionPie renders the average variance composition across genes as
// a pie with one wedge per named component. Fractions must be
// non-negative and sum to about 1.
func VarFractionPie(labels []string, fractions []float64, title, path string) error {
	if len(labels) != len(fractions) {
		return errors.Errorf("scplot: %d labels for %d fractions", len(labels), len(fractions))
	}
	var sum float64
	for _, f := range fractions {
		if f < 0 {
			return errors.Errorf("scplot: negative fraction %v", f)
		}
		sum += f
	}
	if math.Abs(sum-1) > 1e-6 {
		return errors.Errorf("scplot: fractions sum to %v, want 1", sum)
	}
	p := plot.New()
	p.Title.Text = title
	p.HideAxes()
	colors := []color.RGBA{phaseColors["G1"], phaseColors["S"], phaseColors["G2M"], grayColor}
	pc := pie{fractions: fractions, colors: colors}
	p.Add(pc)
	for i, l := range labels {
		p.Legend.Add(l, wedgeThumb{colors[i%len(colors)]})
	}
	p.Legend.Top = true
	if err := p.Save(5*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "scplot: save %s", path)
	}
	return nil
}
