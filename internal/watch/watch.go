// Package watch stitches a hot folder: once new images stop arriving for a
// quiet period, everything in the folder is submitted as one stitch job.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"panostitch/internal/fsutil"
	"panostitch/internal/pipeline"
)

// DefaultSettle is the quiet period used when none is configured.
const DefaultSettle = 5 * time.Second

// Submitter accepts jobs; *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Watcher monitors one directory.
type Watcher struct {
	Dir     string
	Output  string
	Settle  time.Duration
	Options map[string]any

	submit  Submitter
	log     *slog.Logger
	watcher *fsnotify.Watcher
	last    []string
}

// New creates a watcher for dir that writes panoramas to output.
func New(dir, output string, settle time.Duration, submit Submitter, log *slog.Logger) (*Watcher, error) {
	if settle <= 0 {
		settle = DefaultSettle
	}
	abs, err := filepath.Abs(output)
	if err != nil {
		return nil, err
	}
	return &Watcher{Dir: dir, Output: abs, Settle: settle, submit: submit, log: log}, nil
}

// Start registers the directory and processes events in the background
// until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.Dir); err != nil {
		fw.Close()
		return fmt.Errorf("watch %s: %w", w.Dir, err)
	}
	w.watcher = fw
	w.log.Info("watching directory", "dir", w.Dir, "settle", w.Settle)
	go w.loop(ctx)
	return nil
}

// Run is Start followed by blocking until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.watcher.Close()

	timer := time.NewTimer(w.Settle)
	timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.log.Debug("watch event", "path", event.Name, "op", event.Op.String())
			timer.Reset(w.Settle)
			pending = true

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("filesystem watcher error", "error", err)

		case <-timer.C:
			if pending {
				pending = false
				if err := w.flush(); err != nil {
					w.log.Warn("hot folder not submitted", "dir", w.Dir, "error", err)
				}
			}
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Rename) {
		return false
	}
	if !fsutil.IsImageFile(event.Name) {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	return err != nil || abs != w.Output
}

var errTooFew = errors.New("need at least two images")

// flush submits the folder contents unless they match the last submission.
func (w *Watcher) flush() error {
	files, err := fsutil.ListImages(w.Dir)
	if err != nil {
		return err
	}
	files = slices.DeleteFunc(files, func(p string) bool {
		abs, err := filepath.Abs(p)
		return err == nil && abs == w.Output
	})
	if len(files) < 2 {
		return fmt.Errorf("%w, have %d", errTooFew, len(files))
	}
	if slices.Equal(files, w.last) {
		w.log.Debug("folder unchanged since last submission", "dir", w.Dir)
		return nil
	}

	job := pipeline.Job{
		ID:      "watch-" + uuid.NewString(),
		Type:    pipeline.JobStitch,
		Inputs:  files,
		Output:  w.Output,
		Options: w.Options,
	}
	if err := w.submit.Submit(job); err != nil {
		return err
	}
	w.last = files
	w.log.Info("hot folder submitted", "job", job.ID, "images", len(files))
	return nil
}
