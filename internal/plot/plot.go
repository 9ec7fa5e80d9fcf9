// Package plot renders accumulated metric history into PNG line charts sent
// as Telegram photos.
package plot

import (
	"bytes"
	"sort"

	gplot "gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Point is one (iteration, value) sample of a single metric.
type Point struct {
	Iteration int64
	Value     float64
}

// Render draws every metric of one section as a line-with-markers series over
// iteration, with a legend keyed by metric name. It always redraws the full
// history it is given. Returns (nil, nil) when there is nothing to draw.
//
// A single-point series renders as a lone marker; the caller never needs to
// special-case it.
func Render(series map[string][]Point, title string) ([]byte, error) {
	total := 0
	for _, pts := range series {
		total += len(pts)
	}
	if total == 0 {
		return nil, nil
	}

	p := gplot.New()
	p.Title.Text = title
	p.X.Label.Text = "iteration"
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	names := make([]string, 0, len(series))
	for name := range series {
		if len(series[name]) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for i, name := range names {
		pts := series[name]
		xys := make(plotter.XYs, len(pts))
		for j, pt := range pts {
			xys[j].X = float64(pt.Iteration)
			xys[j].Y = pt.Value
		}
		line, scatter, err := plotter.NewLinePoints(xys)
		if err != nil {
			return nil, err
		}
		line.Color = plotutil.Color(i)
		scatter.Color = plotutil.Color(i)
		scatter.Shape = plotutil.Shape(i)
		p.Add(line, scatter)
		p.Legend.Add(name, line, scatter)
	}

	wt, err := p.WriterTo(8*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
