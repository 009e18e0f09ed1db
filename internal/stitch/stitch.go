// Package stitch assembles an ordered sequence of overlapping images into a
// single panorama by registering each image against the growing canvas.
package stitch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"panostitch/internal/composite"
	"panostitch/internal/features"
	"panostitch/internal/homography"
	"panostitch/internal/logging"
	"panostitch/internal/match"
)

// State is the orchestrator's progress through a run.
type State int

const (
	StateInit State = iota
	StatePairwise
	StateMerging
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePairwise:
		return "pairwise"
	case StateMerging:
		return "merging"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Pair identifies a registration: Query is mapped into Train's frame. For
// canvas merges Train is the last image already on the canvas.
type Pair struct {
	Train int
	Query int
}

func (p Pair) String() string { return fmt.Sprintf("%d<-%d", p.Train, p.Query) }

// Registration is a successful query to train alignment.
type Registration struct {
	Pair     Pair
	Matches  int // correspondences surviving the ratio test
	Estimate homography.Estimate
	// inlier correspondences in train and query pixel coordinates
	TrainPoints []homography.Point
	QueryPoints []homography.Point
}

// Step describes one merge.
type Step struct {
	Index         int // merge index i; image i+1 joins the canvas
	TrainFeatures int
	QueryFeatures int
	Matches       int
	Inliers       int
	RMSE          float64
	H             homography.Matrix
	Layout        composite.Layout
	Duration      time.Duration
	// inlier correspondences in train and query pixel coordinates
	TrainPoints []homography.Point
	QueryPoints []homography.Point
}

// Observer is told about every completed merge. train is the canvas (or
// image 0) before the merge, query the image being added.
type Observer func(step Step, train, query image.Image)

// Options configure a Stitcher. Zero values take defaults.
type Options struct {
	Extractor       features.Extractor
	Matcher         match.Matcher
	Estimator       homography.Estimator // Rand is ignored; see Seed
	Compositor      composite.Compositor
	Ratio           float64
	Parallelism     int
	PrecomputePairs bool
	Budget          time.Duration // wall-clock limit for a run; 0 is unlimited
	Seed            int64         // RANSAC seed; 0 picks one from the clock
	Logger          *slog.Logger
	Observer        Observer
}

// Result is the outcome of a run. On failure it holds whatever completed.
type Result struct {
	Panorama       *image.RGBA
	Pairwise       map[Pair]Registration
	PairwiseErrors map[Pair]error
	Steps          []Step
	Trace          []State
}

// Stitcher runs the registration and compositing pipeline. It is safe for
// concurrent use; each Stitch call keeps its own state.
type Stitcher struct {
	opts Options
	log  *slog.Logger
}

// New validates opts and fills in defaults.
func New(opts Options) (*Stitcher, error) {
	if opts.Ratio == 0 {
		opts.Ratio = match.DefaultRatio
	}
	if err := match.ValidateRatio(opts.Ratio); err != nil {
		return nil, err
	}
	if opts.Extractor == nil {
		opts.Extractor = features.NewHarris(features.Options{})
	}
	if opts.Matcher == nil {
		opts.Matcher = match.BruteForce{}
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Stitcher{opts: opts, log: log}, nil
}

type run struct {
	*Stitcher
	res   *Result
	state State
}

func (r *run) transition(to State) {
	r.log.Debug("stitch state", "from", r.state, "to", to)
	r.state = to
	r.res.Trace = append(r.res.Trace, to)
}

func (r *run) fail(err error) (Result, error) {
	r.transition(StateFailed)
	return *r.res, err
}

// Stitch merges images left to right. images[0] defines the output frame.
func (s *Stitcher) Stitch(ctx context.Context, images []image.Image) (Result, error) {
	r := &run{Stitcher: s, res: &Result{}}
	r.res.Trace = []State{StateInit}

	if len(images) < 2 {
		return r.fail(fmt.Errorf("%w: got %d", ErrTooFewImages, len(images)))
	}
	if s.opts.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Budget)
		defer cancel()
	}

	sets, err := s.extractAll(ctx, images)
	if err != nil {
		return r.fail(err)
	}

	r.transition(StatePairwise)
	upTo := len(images) - 1
	if !s.opts.PrecomputePairs {
		upTo = 1
	}
	regs, errs, err := s.pairwise(ctx, sets[:upTo+1])
	if err != nil {
		return r.fail(err)
	}
	r.res.Pairwise, r.res.PairwiseErrors = regs, errs

	first := Pair{Train: 0, Query: 1}
	if perr, ok := errs[first]; ok {
		return r.fail(&UnregistrableError{Index: 1, Pair: first, Stage: StagePairwise, Err: perr})
	}

	r.transition(StateMerging)
	var canvas image.Image = images[0]
	for i := 0; i < len(images)-1; i++ {
		if err := ctx.Err(); err != nil {
			return r.fail(err)
		}
		start := time.Now()
		pair := Pair{Train: i, Query: i + 1}

		reg := regs[first]
		trainFeatures := sets[0].Len()
		if i > 0 {
			// the canvas has changed, so earlier pairwise results do not apply
			canvasSet, err := s.opts.Extractor.Extract(ctx, canvas)
			if err != nil {
				return r.fail(fmt.Errorf("extract canvas features: %w", err))
			}
			trainFeatures = canvasSet.Len()
			reg, err = s.register(sets[i+1], canvasSet, pair, s.opts.Seed+int64(len(images)+i))
			if err != nil {
				return r.fail(&UnregistrableError{Index: i + 1, Pair: pair, Stage: StageCanvas, Err: err})
			}
		}

		merged, layout, err := s.opts.Compositor.Compose(canvas, images[i+1], reg.Estimate.H)
		if err != nil {
			return r.fail(&UnregistrableError{Index: i + 1, Pair: pair, Stage: StageComposite, Err: err})
		}

		step := Step{
			Index:         i,
			TrainFeatures: trainFeatures,
			QueryFeatures: sets[i+1].Len(),
			Matches:       reg.Matches,
			Inliers:       len(reg.Estimate.Inliers),
			RMSE:          reg.Estimate.RMSE,
			H:             reg.Estimate.H,
			Layout:        layout,
			Duration:      time.Since(start),
			TrainPoints:   reg.TrainPoints,
			QueryPoints:   reg.QueryPoints,
		}
		r.res.Steps = append(r.res.Steps, step)
		logging.LogStitchStep(s.log, i, step.Matches, step.Inliers, layout.Size.X, layout.Size.Y, step.Duration)
		if s.opts.Observer != nil {
			s.opts.Observer(step, canvas, images[i+1])
		}
		canvas = merged
	}

	r.res.Panorama = canvas.(*image.RGBA)
	r.transition(StateDone)
	return *r.res, nil
}

// Pairwise registers every adjacent pair (i, i+1) of images without merging.
func (s *Stitcher) Pairwise(ctx context.Context, images []image.Image) (map[Pair]Registration, map[Pair]error, error) {
	if len(images) < 2 {
		return nil, nil, fmt.Errorf("%w: got %d", ErrTooFewImages, len(images))
	}
	sets, err := s.extractAll(ctx, images)
	if err != nil {
		return nil, nil, err
	}
	return s.pairwise(ctx, sets)
}

func (s *Stitcher) extractAll(ctx context.Context, images []image.Image) ([]features.Set, error) {
	sets := make([]features.Set, len(images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Parallelism)
	for i, img := range images {
		g.Go(func() error {
			set, err := s.opts.Extractor.Extract(gctx, img)
			if err != nil {
				return fmt.Errorf("extract features from image %d: %w", i, err)
			}
			s.log.Debug("features extracted", "image", i, "count", set.Len(), "extractor", s.opts.Extractor.Name())
			sets[i] = set
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sets, nil
}

// pairwise registers (i, i+1) for all adjacent sets concurrently. A pair that
// cannot be registered lands in the error map; only cancellation aborts.
func (s *Stitcher) pairwise(ctx context.Context, sets []features.Set) (map[Pair]Registration, map[Pair]error, error) {
	n := len(sets) - 1
	regs := make([]Registration, n)
	errs := make([]error, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Parallelism)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			pair := Pair{Train: i, Query: i + 1}
			regs[i], errs[i] = s.register(sets[i+1], sets[i], pair, s.opts.Seed+int64(i))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	okRegs := make(map[Pair]Registration, n)
	failed := map[Pair]error{}
	for i := 0; i < n; i++ {
		pair := Pair{Train: i, Query: i + 1}
		if errs[i] != nil {
			s.log.Warn("pair not registrable", "pair", pair.String(), "error", errs[i])
			failed[pair] = errs[i]
			continue
		}
		okRegs[pair] = regs[i]
	}
	return okRegs, failed, nil
}

func (s *Stitcher) register(query, train features.Set, pair Pair, seed int64) (Registration, error) {
	corrs := match.Match(s.opts.Matcher, query, train, s.opts.Ratio)
	reg := Registration{Pair: pair, Matches: len(corrs)}

	src := make([]homography.Point, len(corrs))
	dst := make([]homography.Point, len(corrs))
	for i, c := range corrs {
		q, t := query.Keypoints[c.Query], train.Keypoints[c.Train]
		src[i] = homography.Point{X: q.X, Y: q.Y}
		dst[i] = homography.Point{X: t.X, Y: t.Y}
	}

	est := s.opts.Estimator
	est.Rand = rand.New(rand.NewSource(seed))
	e, err := est.Estimate(src, dst)
	if err != nil {
		return reg, fmt.Errorf("%d matches: %w", len(corrs), err)
	}
	reg.Estimate = e
	for _, k := range e.Inliers {
		reg.QueryPoints = append(reg.QueryPoints, src[k])
		reg.TrainPoints = append(reg.TrainPoints, dst[k])
	}
	s.log.Debug("pair registered", "pair", pair.String(), "matches", len(corrs),
		"inliers", len(e.Inliers), "rmse", e.RMSE, "iterations", e.Iterations)
	return reg, nil
}

// IsUnregistrable reports whether err is an unregistrable-pair failure and
// returns the failing image index.
func IsUnregistrable(err error) (int, bool) {
	var ue *UnregistrableError
	if errors.As(err, &ue) {
		return ue.Index, true
	}
	return 0, false
}
