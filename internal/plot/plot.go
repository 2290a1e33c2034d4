// Package plot renders execution history charts.
package plot

import (
	"errors"
	"image/color"
	"os"
	"path/filepath"

	gonumplot "gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/okessler/scriptctl/internal/store"
)

// Default plot settings
const (
	DefaultWidth  = 4 * vg.Inch
	DefaultHeight = 4 * vg.Inch
	DefaultBins   = 16
)

var (
	DefaultFillColor = color.RGBA{127, 188, 165, 1}
	DefaultLineColor = color.RGBA{255, 0, 0, 255}
)

// DurationSeries plots run durations over time for one script. The export
// format follows the file extension (png, svg, pdf).
func DurationSeries(records []store.ExecutionRecord, title, exportPath string) error {
	points := make(plotter.XYs, 0, len(records))
	for _, rec := range records {
		if rec.FinishedAt.IsZero() {
			continue
		}
		points = append(points, plotter.XY{
			X: float64(rec.StartedAt.Unix()),
			Y: float64(rec.DurationMS) / 1000.0,
		})
	}
	if len(points) == 0 {
		return errors.New("no finished executions to plot")
	}

	p := gonumplot.New()
	p.Title.Text = title
	p.X.Label.Text = "started"
	p.Y.Label.Text = "duration (s)"
	p.X.Tick.Marker = gonumplot.TimeTicks{Format: "01-02 15:04"}

	line, scatter, err := plotter.NewLinePoints(points)
	if err != nil {
		return err
	}
	line.Color = DefaultLineColor
	scatter.Color = DefaultLineColor
	p.Add(line, scatter)

	return save(p, exportPath)
}

// DurationHistogram plots the distribution of run durations for one script.
func DurationHistogram(records []store.ExecutionRecord, title, exportPath string) error {
	values := make(plotter.Values, 0, len(records))
	for _, rec := range records {
		if rec.FinishedAt.IsZero() {
			continue
		}
		values = append(values, float64(rec.DurationMS)/1000.0)
	}
	if len(values) == 0 {
		return errors.New("no finished executions to plot")
	}

	p := gonumplot.New()
	p.Title.Text = title
	p.X.Label.Text = "duration (s)"

	hist, err := plotter.NewHist(values, DefaultBins)
	if err != nil {
		return err
	}
	hist.FillColor = DefaultFillColor
	p.Add(hist)

	return save(p, exportPath)
}

func save(p *gonumplot.Plot, exportPath string) error {
	if err := os.MkdirAll(filepath.Dir(exportPath), 0o755); err != nil {
		return err
	}
	return p.Save(DefaultWidth, DefaultHeight, exportPath)
}
