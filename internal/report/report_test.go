package report

import (
	"bytes"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"panostitch/internal/composite"
	"panostitch/internal/stitch"
	"panostitch/internal/storage"
)

var steps = []stitch.Step{
	{Index: 0, Matches: 140, Inliers: 120, RMSE: 0.2, Layout: composite.Layout{Size: image.Pt(210, 100)}, Duration: 40 * time.Millisecond},
	{Index: 1, Matches: 95, Inliers: 71, RMSE: 0.4, Layout: composite.Layout{Size: image.Pt(300, 100)}, Duration: 55 * time.Millisecond},
}

func TestFromStepsAndRecordsAgree(t *testing.T) {
	recs := []storage.StepRecord{
		{Step: 0, Matches: 140, Inliers: 120, RMSE: 0.2, CanvasWidth: 210, CanvasHeight: 100, DurationMS: 40},
		{Step: 1, Matches: 95, Inliers: 71, RMSE: 0.4, CanvasWidth: 300, CanvasHeight: 100, DurationMS: 55},
	}
	a, b := FromSteps(steps), FromRecords(recs)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("row %d: %+v != %+v", i, a[i], b[i])
		}
	}
}

func TestWritePlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plots", "steps.png")
	if err := WritePlot(path, "job-1", FromSteps(steps)); err != nil {
		t.Fatalf("WritePlot: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil || fi.Size() == 0 {
		t.Fatalf("plot not written: %v", err)
	}
	if err := WritePlot(path, "empty", nil); err == nil {
		t.Fatal("expected error for no rows")
	}
}

func TestRenderHTML(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderHTML(&buf, "job-1", FromSteps(steps)); err != nil {
		t.Fatalf("RenderHTML: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"<html", "inliers", "Canvas size"} {
		if !strings.Contains(out, want) {
			t.Fatalf("html missing %q", want)
		}
	}
}

func TestWriteChoosesFormat(t *testing.T) {
	dir := t.TempDir()
	rows := FromSteps(steps)
	for _, name := range []string{"r.png", "r.html"} {
		if err := Write(filepath.Join(dir, name), "job", rows); err != nil {
			t.Fatalf("Write(%s): %v", name, err)
		}
	}
	if err := Write(filepath.Join(dir, "r.pdf"), "job", rows); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}
