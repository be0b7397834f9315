package report

import (
	"fmt"
	"image/color"

	"github.com/YuminosukeSato/nirpls/metrics"
	"github.com/YuminosukeSato/nirpls/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var (
	pointColor = color.RGBA{R: 31, G: 119, B: 180, A: 160}
	refColor   = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// 画像サイズ
const (
	plotWidth  = 8 * vg.Inch
	plotHeight = 6 * vg.Inch
)

// TruthVsPredictionPlot は実測値と予測値の散布図を y=x の参照線付きで path に保存する。
// 拡張子で出力形式が決まる (.png, .svg, .pdf)。
func TruthVsPredictionPlot(path string, yTrue, yPred []float64, title string) error {
	if err := checkSeries("TruthVsPredictionPlot", yTrue, yPred); err != nil {
		return err
	}
	scores, err := metrics.Regression(yTrue, yPred)
	if err != nil {
		return err
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "True"
	p.Y.Label.Text = "Predicted"

	scatter, err := newScatter(yTrue, yPred)
	if err != nil {
		return err
	}
	p.Add(scatter)
	p.Legend.Add(fmt.Sprintf("R² = %.3f", scores.R2), scatter)

	lo, hi := floats.Min(yTrue), floats.Max(yTrue)
	ref, err := referenceLine(lo, lo, hi, hi)
	if err != nil {
		return err
	}
	p.Add(ref)

	p.Legend.Top = true
	p.Legend.Left = true

	return save(p, path)
}

// ResidualPlot は予測値に対する残差の散布図を y=0 の参照線付きで保存する
func ResidualPlot(path string, yPred, residuals []float64, title string) error {
	if err := checkSeries("ResidualPlot", yPred, residuals); err != nil {
		return err
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Predicted"
	p.Y.Label.Text = "Residuals"

	scatter, err := newScatter(yPred, residuals)
	if err != nil {
		return err
	}
	p.Add(scatter)

	ref, err := referenceLine(floats.Min(yPred), 0, floats.Max(yPred), 0)
	if err != nil {
		return err
	}
	p.Add(ref)

	return save(p, path)
}

func checkSeries(op string, x, y []float64) error {
	if len(x) == 0 {
		return errors.NewValueError(op, "no points to plot")
	}
	if len(x) != len(y) {
		return errors.NewDimensionError(op, len(x), len(y), 0)
	}
	return nil
}

func newScatter(x, y []float64) (*plotter.Scatter, error) {
	pts := make(plotter.XYs, len(x))
	for i := range x {
		pts[i] = plotter.XY{X: x[i], Y: y[i]}
	}
	s, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, errors.Wrap(err, "build scatter")
	}
	s.GlyphStyle.Color = pointColor
	s.GlyphStyle.Radius = vg.Points(3)
	return s, nil
}

func referenceLine(x0, y0, x1, y1 float64) (*plotter.Line, error) {
	l, err := plotter.NewLine(plotter.XYs{{X: x0, Y: y0}, {X: x1, Y: y1}})
	if err != nil {
		return nil, errors.Wrap(err, "build reference line")
	}
	l.Color = refColor
	l.Width = vg.Points(2)
	l.Dashes = []vg.Length{vg.Points(6), vg.Points(4)}
	return l, nil
}

func save(p *plot.Plot, path string) error {
	if err := p.Save(plotWidth, plotHeight, path); err != nil {
		return errors.Wrapf(err, "save plot %s", path)
	}
	return nil
}
