package batch

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.jpl.nasa.gov/bdube/photocal/session"
	"github.jpl.nasa.gov/bdube/photocal/transfer"
)

// curveSamples is how many points the fitted curve is drawn with
const curveSamples = 200

// SavePlot renders one laser's measured points and fitted curve to an
// image file; the format follows the extension (png, pdf, svg, ...)
func SavePlot(path string, row TableRow, rec session.Record) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s (%g nm)", row.Name, row.Wavelength)
	p.X.Label.Text = "Drive (V)"
	p.Y.Label.Text = "Power (mW)"

	pts := make(plotter.XYs, len(rec.Volts))
	for i := range rec.Volts {
		pts[i].X = rec.Volts[i]
		pts[i].Y = rec.MilliWatts[i]
	}
	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}

	lo, hi := rec.Volts[0], rec.Volts[0]
	for _, v := range rec.Volts {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	dense := make([]float64, curveSamples)
	for i := range dense {
		dense[i] = lo + (hi-lo)*float64(i)/float64(curveSamples-1)
	}
	mw, err := transfer.Forward(row.Coefs, dense)
	if err != nil {
		return err
	}
	curve := make(plotter.XYs, curveSamples)
	for i := range dense {
		curve[i].X = dense[i]
		curve[i].Y = mw[i]
	}
	line, err := plotter.NewLine(curve)
	if err != nil {
		return err
	}

	p.Add(scatter, line)
	p.Legend.Add("measured", scatter)
	p.Legend.Add("fit", line)
	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}
