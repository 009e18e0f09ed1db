package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"panostitch/internal/config"
	"panostitch/internal/debugviz"
	"panostitch/internal/fsutil"
	"panostitch/internal/imageio"
	"panostitch/internal/logging"
	"panostitch/internal/report"
	"panostitch/internal/stitch"
	"panostitch/internal/storage"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log   *slog.Logger
	store *storage.Store
	cfg   *config.Config
	load  func(paths []string) ([]image.Image, error)
	save  func(path string, img image.Image, opts imageio.Options) error
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) *router {
	return &router{
		log:   logger,
		store: store,
		cfg:   cfg,
		load:  imageio.LoadAll,
		save:  imageio.Save,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobStitch:
		return r.handleStitch(ctx, job)
	case JobRegister:
		return r.handleRegister(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// prepare expands inputs, records their metadata, decodes them and builds
// a stitcher for the job.
func (r *router) prepare(job Job) ([]string, []image.Image, *stitch.Stitcher, error) {
	paths, err := fsutil.ExpandInputs(job.Inputs)
	if err != nil {
		return nil, nil, nil, err
	}
	logging.LogProcessingStep(r.log, job.ID, "load", "started", map[string]any{"inputs": len(paths)})
	r.recordInputs(job.ID, paths)

	imgs, err := r.load(paths)
	if err != nil {
		return paths, nil, nil, err
	}

	opts, err := StitchOptions(r.cfg.Stitching, job.Options)
	if err != nil {
		return paths, nil, nil, err
	}
	logger := r.log.With("job", job.ID)
	opts.Logger = logger
	if dir := optString(job.Options, "debugDir", r.cfg.Paths.DebugDir); dir != "" {
		opts.Observer = debugviz.Observer(filepath.Join(dir, job.ID), logger)
	}
	st, err := stitch.New(opts)
	if err != nil {
		return paths, nil, nil, err
	}
	return paths, imgs, st, nil
}

func (r *router) recordInputs(jobID string, paths []string) {
	if r.store == nil {
		return
	}
	for i, p := range paths {
		md, err := imageio.ReadMetadata(p)
		if err != nil {
			r.log.Debug("metadata unavailable", "path", p, "error", err)
			continue
		}
		_ = r.store.RecordImageMetadata(storage.ImageMetadata{
			JobID:       jobID,
			Seq:         i,
			FilePath:    p,
			CameraMake:  md.Make,
			CameraModel: md.Model,
			FocalLength: md.FocalLength,
			ISO:         md.ISO,
			Orientation: md.Orientation,
			Taken:       md.Taken,
			Width:       md.Width,
			Height:      md.Height,
		})
	}
}

func (r *router) handleStitch(ctx context.Context, job Job) Result {
	meta := map[string]any{}
	paths, imgs, st, err := r.prepare(job)
	meta["inputs"] = len(paths)
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}

	res, err := st.Stitch(ctx, imgs)
	r.recordSteps(job.ID, res.Steps)
	meta["steps"] = len(res.Steps)
	meta["trace"] = traceString(res.Trace)
	if err != nil {
		if idx, ok := stitch.IsUnregistrable(err); ok {
			meta["failedIndex"] = idx
			meta["failedInput"] = paths[idx]
		}
		return Result{Job: job, Error: err, Meta: meta}
	}

	if path := optString(job.Options, "report", ""); path != "" {
		if err := report.Write(path, job.ID, report.FromSteps(res.Steps)); err != nil {
			r.log.Warn("report not written", "job", job.ID, "error", err)
		} else {
			meta["report"] = path
		}
	}

	b := res.Panorama.Bounds()
	meta["width"], meta["height"] = b.Dx(), b.Dy()
	meta["pixels"] = humanize.SIWithDigits(float64(b.Dx()*b.Dy()), 1, "px")
	if job.Output == "" {
		return Result{Job: job, Meta: meta}
	}
	if err := r.save(job.Output, res.Panorama, imageio.Options{Quality: r.cfg.Processing.JPEGQuality}); err != nil {
		return Result{Job: job, Error: fmt.Errorf("save panorama: %w", err), Meta: meta}
	}
	meta["output"] = job.Output
	return Result{Job: job, Meta: meta}
}

// PairSummary is the serialised outcome of one adjacent-pair registration.
type PairSummary struct {
	Train      int        `json:"train"`
	Query      int        `json:"query"`
	Matches    int        `json:"matches,omitempty"`
	Inliers    int        `json:"inliers,omitempty"`
	RMSE       float64    `json:"rmse,omitempty"`
	Homography [9]float64 `json:"homography,omitempty"`
	Error      string     `json:"error,omitempty"`
}

func (r *router) handleRegister(ctx context.Context, job Job) Result {
	meta := map[string]any{}
	paths, imgs, st, err := r.prepare(job)
	meta["inputs"] = len(paths)
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}

	regs, errs, err := st.Pairwise(ctx, imgs)
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}

	summaries := make([]PairSummary, 0, len(imgs)-1)
	var firstErr error
	for i := 0; i+1 < len(imgs); i++ {
		pair := stitch.Pair{Train: i, Query: i + 1}
		s := PairSummary{Train: i, Query: i + 1}
		if reg, ok := regs[pair]; ok {
			s.Matches, s.Inliers, s.RMSE = reg.Matches, len(reg.Estimate.Inliers), reg.Estimate.RMSE
			s.Homography = reg.Estimate.H
		} else if perr := errs[pair]; perr != nil {
			s.Error = perr.Error()
			if firstErr == nil {
				firstErr = &stitch.UnregistrableError{Index: i + 1, Pair: pair, Stage: stitch.StagePairwise, Err: perr}
				meta["failedIndex"] = i + 1
				meta["failedInput"] = paths[i+1]
			}
		}
		summaries = append(summaries, s)
	}
	meta["pairs"] = summaries
	meta["registered"] = len(regs)

	if job.Output != "" {
		if err := writeJSON(job.Output, summaries); err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		meta["output"] = job.Output
	}
	return Result{Job: job, Error: firstErr, Meta: meta}
}

func (r *router) recordSteps(jobID string, steps []stitch.Step) {
	if r.store == nil {
		return
	}
	for _, s := range steps {
		err := r.store.RecordStitchStep(storage.StepRecord{
			JobID:        jobID,
			Step:         s.Index,
			Matches:      s.Matches,
			Inliers:      s.Inliers,
			RMSE:         s.RMSE,
			CanvasWidth:  s.Layout.Size.X,
			CanvasHeight: s.Layout.Size.Y,
			OffsetX:      s.Layout.Offset.X,
			OffsetY:      s.Layout.Offset.Y,
			Homography:   s.H,
			DurationMS:   s.Duration.Milliseconds(),
		})
		if err != nil {
			r.log.Warn("step not recorded", "job", jobID, "step", s.Index, "error", err)
		}
	}
}

func traceString(states []stitch.State) string {
	parts := make([]string, len(states))
	for i, s := range states {
		parts[i] = s.String()
	}
	return strings.Join(parts, ">")
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// SortedKeys returns meta's keys in order, for stable printing.
func SortedKeys(meta map[string]any) []string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
