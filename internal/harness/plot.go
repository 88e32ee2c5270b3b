package harness

import (
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// WriteLatencyHist renders the run's delivery latencies as a histogram
// image. The format follows the file extension (png, svg, pdf).
func (s *Stats) WriteLatencyHist(path string) error {
	if len(s.latencies) == 0 {
		return errors.New("no latency samples to plot")
	}
	p := plot.New()
	p.Title.Text = "delivery latency"
	p.X.Label.Text = "ms"
	p.Y.Label.Text = "transmissions"

	bins := 20
	if len(s.latencies) < bins {
		bins = len(s.latencies)
	}
	h, err := plotter.NewHist(plotter.Values(s.latencies), bins)
	if err != nil {
		return errors.Wrap(err, "latency histogram")
	}
	p.Add(h)

	if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "save %s", path)
	}
	return nil
}
