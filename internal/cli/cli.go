package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"panostitch/internal/config"
	"panostitch/internal/grpcserver"
	"panostitch/internal/pipeline"
	"panostitch/internal/server"
	"panostitch/internal/stitch"
	"panostitch/internal/storage"
	"panostitch/internal/watch"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, httpAddr, grpcAddr string) error

type remoteSubmitFunc func(ctx context.Context, addr string, job pipeline.Job) (string, error)

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
	remoteFn remoteSubmitFunc
	out      io.Writer
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	r := &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		remoteFn: remoteSubmit,
		out:      os.Stdout,
	}
	r.serveFn = func(ctx context.Context, httpAddr, grpcAddr string) error {
		return r.serve(ctx, pl, httpAddr, grpcAddr)
	}
	return r
}

// serve runs the HTTP API, the gRPC service and, if configured, the hot
// folder watcher until ctx is cancelled or one of them fails.
func (r *Root) serve(ctx context.Context, pl *pipeline.Pipeline, httpAddr, grpcAddr string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.NewServer(httpAddr, r.store, pl, r.log).Start(ctx)
	})
	if grpcAddr != "" {
		g.Go(func() error {
			return grpcserver.Serve(ctx, grpcAddr, grpcserver.NewService(pl, r.store, r.log), r.log)
		})
	}
	if dir := r.cfg.Server.WatchDir; dir != "" {
		settle, err := r.cfg.Server.SettleDuration()
		if err != nil {
			return err
		}
		w, err := watch.New(dir, filepath.Join(r.cfg.Paths.DefaultOutput, "panorama.jpg"), settle, pl, r.log)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}

func remoteSubmit(ctx context.Context, addr string, job pipeline.Job) (string, error) {
	client, conn, err := grpcserver.Dial(addr)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return client.Submit(ctx, string(job.Type), job.Inputs, job.Output, job.Options)
}

// enqueueAndWait submits job and blocks until its result arrives.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.pipeline.Submit(job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// ExitCode maps a command error to a process exit status: 0 on success,
// 2 when an image could not be registered, 1 otherwise.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, stitch.ErrUnregistrable):
		return 2
	default:
		return 1
	}
}

// describeFailure prefixes an unregistrable-pair error with the input path.
func describeFailure(res pipeline.Result, err error) error {
	if _, ok := stitch.IsUnregistrable(err); !ok {
		return err
	}
	if path, _ := res.Meta["failedInput"].(string); path != "" {
		return fmt.Errorf("%s: %w", path, err)
	}
	return err
}
