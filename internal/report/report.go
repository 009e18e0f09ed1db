// Package report charts the per-merge statistics of a stitch run as a PNG
// (gonum/plot) or a standalone HTML page (go-echarts).
package report

import (
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"panostitch/internal/stitch"
	"panostitch/internal/storage"
)

// Row is one merge as charted.
type Row struct {
	Step     int
	Matches  int
	Inliers  int
	RMSE     float64
	Width    int
	Height   int
	Duration time.Duration
}

// FromSteps converts in-memory merge steps.
func FromSteps(steps []stitch.Step) []Row {
	rows := make([]Row, len(steps))
	for i, s := range steps {
		rows[i] = Row{
			Step:     s.Index,
			Matches:  s.Matches,
			Inliers:  s.Inliers,
			RMSE:     s.RMSE,
			Width:    s.Layout.Size.X,
			Height:   s.Layout.Size.Y,
			Duration: s.Duration,
		}
	}
	return rows
}

// FromRecords converts persisted merge steps.
func FromRecords(recs []storage.StepRecord) []Row {
	rows := make([]Row, len(recs))
	for i, r := range recs {
		rows[i] = Row{
			Step:     r.Step,
			Matches:  r.Matches,
			Inliers:  r.Inliers,
			RMSE:     r.RMSE,
			Width:    r.CanvasWidth,
			Height:   r.CanvasHeight,
			Duration: time.Duration(r.DurationMS) * time.Millisecond,
		}
	}
	return rows
}

// palette spreads n hues evenly around the HSL wheel.
func palette(n int) []color.Color {
	colors := make([]color.Color, n)
	for i := range colors {
		colors[i] = colorful.Hsl(360*float64(i)/float64(n), 0.7, 0.45).Clamped()
	}
	return colors
}

// WritePlot saves a PNG line chart of matches and inliers per merge step.
func WritePlot(path, title string, rows []Row) error {
	if len(rows) == 0 {
		return fmt.Errorf("no merge steps to plot")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Merge step"
	p.Y.Label.Text = "Correspondences"

	matches := make(plotter.XYs, len(rows))
	inliers := make(plotter.XYs, len(rows))
	for i, r := range rows {
		matches[i] = plotter.XY{X: float64(r.Step), Y: float64(r.Matches)}
		inliers[i] = plotter.XY{X: float64(r.Step), Y: float64(r.Inliers)}
	}

	colors := palette(2)
	for i, s := range []struct {
		name string
		pts  plotter.XYs
	}{{"matches", matches}, {"inliers", inliers}} {
		line, points, err := plotter.NewLinePoints(s.pts)
		if err != nil {
			return fmt.Errorf("%s line: %w", s.name, err)
		}
		line.Color = colors[i]
		line.Width = vg.Points(1.5)
		points.Color = colors[i]
		p.Add(line, points)
		p.Legend.Add(s.name, line, points)
	}
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save plot: %w", err)
	}
	return nil
}

// RenderHTML writes a page with a matches/inliers bar chart and a canvas
// growth line chart.
func RenderHTML(w io.Writer, title string, rows []Row) error {
	x := make([]string, len(rows))
	matches := make([]opts.BarData, len(rows))
	inliers := make([]opts.BarData, len(rows))
	widths := make([]opts.LineData, len(rows))
	heights := make([]opts.LineData, len(rows))
	for i, r := range rows {
		x[i] = strconv.Itoa(r.Step)
		matches[i] = opts.BarData{Value: r.Matches}
		inliers[i] = opts.BarData{Value: r.Inliers}
		widths[i] = opts.LineData{Value: r.Width}
		heights[i] = opts.LineData{Value: r.Height}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Correspondences", Subtitle: title}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("matches", matches).
		AddSeries("inliers", inliers, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Canvas size"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	line.SetXAxis(x).
		AddSeries("width", widths).
		AddSeries("height", heights)

	page := components.NewPage()
	page.PageTitle = title
	page.AddCharts(bar, line)
	return page.Render(w)
}

// Write renders rows to path, choosing the format from the extension:
// .png for a plot, .html for an interactive page.
func Write(path, title string, rows []Row) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return WritePlot(path, title, rows)
	case ".html", ".htm":
	default:
		return fmt.Errorf("unsupported report format %q", filepath.Ext(path))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := RenderHTML(f, title, rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
