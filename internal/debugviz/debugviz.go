// Package debugviz draws inlier correspondences between the canvas and the
// incoming image so a bad merge can be inspected by eye.
package debugviz

import (
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fogleman/gg"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/nfnt/resize"

	"panostitch/internal/homography"
	"panostitch/internal/stitch"
)

// maxLines caps how many correspondences are drawn.
const maxLines = 200

// MaxWidth is the widest debug image written; wider pictures are scaled down.
var MaxWidth uint = 2400

// DrawMatches places train and query side by side and joins each pair of
// corresponding points with a line.
func DrawMatches(train, query image.Image, trainPts, queryPts []homography.Point) image.Image {
	tb, qb := train.Bounds(), query.Bounds()
	w := tb.Dx() + qb.Dx()
	h := max(tb.Dy(), qb.Dy())

	dc := gg.NewContext(w, h)
	dc.SetRGB(0, 0, 0)
	dc.Clear()
	dc.DrawImage(train, -tb.Min.X, -tb.Min.Y)
	dc.DrawImage(query, tb.Dx()-qb.Min.X, -qb.Min.Y)

	n := min(len(trainPts), len(queryPts))
	stride := 1
	if n > maxLines {
		stride = (n + maxLines - 1) / maxLines
	}
	ox := float64(tb.Dx())
	dc.SetLineWidth(1)
	for i := 0; i < n; i += stride {
		c := colorful.Hsv(360*float64(i)/float64(n), 0.9, 1).Clamped()
		dc.SetColor(c)
		t, q := trainPts[i], queryPts[i]
		dc.DrawLine(t.X, t.Y, q.X+ox, q.Y)
		dc.Stroke()
		dc.DrawCircle(t.X, t.Y, 2)
		dc.DrawCircle(q.X+ox, q.Y, 2)
		dc.Fill()
	}
	return dc.Image()
}

// SaveMatches writes the match picture for step into dir and returns its path.
func SaveMatches(dir string, step stitch.Step, train, query image.Image) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create debug dir: %w", err)
	}
	img := shrink(DrawMatches(train, query, step.TrainPoints, step.QueryPoints), MaxWidth)
	dc := gg.NewContextForImage(img)
	dc.SetRGB(1, 1, 1)
	dc.DrawString(fmt.Sprintf("step %d: %d/%d inliers, rmse %.3f", step.Index, step.Inliers, step.Matches, step.RMSE), 10, 20)

	path := filepath.Join(dir, fmt.Sprintf("step-%02d-matches.png", step.Index))
	if err := dc.SavePNG(path); err != nil {
		return "", fmt.Errorf("save matches: %w", err)
	}
	return path, nil
}

// shrink scales img down to at most width pixels across, keeping its aspect.
func shrink(img image.Image, width uint) image.Image {
	if width == 0 || uint(img.Bounds().Dx()) <= width {
		return img
	}
	return resize.Resize(width, 0, img, resize.Bilinear)
}

// Observer returns a stitch.Observer that saves every merge's matches into
// dir. Failures are logged and do not affect the run.
func Observer(dir string, logger *slog.Logger) stitch.Observer {
	return func(step stitch.Step, train, query image.Image) {
		path, err := SaveMatches(dir, step, train, query)
		if err != nil {
			logger.Warn("debug image not written", "step", step.Index, "error", err)
			return
		}
		logger.Debug("debug image written", "step", step.Index, "path", path)
	}
}
