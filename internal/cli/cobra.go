package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"panostitch/internal/config"
	"panostitch/internal/features"
	"panostitch/internal/pipeline"
	"panostitch/internal/storage"
	"panostitch/internal/watch"
)

// Version is overridden at build time with -ldflags.
var Version = "0.1.0-dev"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "panostitch",
		Short: "panostitch registers overlapping photos and merges them into a panorama",
		Long: `panostitch matches local features between overlapping images, estimates a
homography for each with RANSAC and composites them left to right onto a
growing planar canvas.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(root.out)

	rootCmd.AddCommand(newStitchCmd(root))
	rootCmd.AddCommand(newRegisterCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newSubmitCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))
	return rootCmd
}

// tuning holds the matching flags shared by stitch, register and submit.
type tuning struct {
	ratio     float64
	matcher   string
	extractor string
	threshold float64
	seed      int64
}

func (t *tuning) register(cmd *cobra.Command) {
	cmd.Flags().Float64Var(&t.ratio, "ratio", 0.75, "Lowe ratio; a match is kept when best < ratio * second best")
	cmd.Flags().StringVar(&t.matcher, "matcher", "", "descriptor matcher (bruteforce|kdtree), config default if empty")
	cmd.Flags().StringVar(&t.extractor, "extractor", "", "feature extractor ("+strings.Join(features.Names(), "|")+"), config default if empty")
	cmd.Flags().Float64Var(&t.threshold, "threshold", 0, "RANSAC reprojection threshold in pixels, config default if 0")
	cmd.Flags().Int64Var(&t.seed, "seed", 0, "RANSAC seed, 0 for time based")
}

// options returns only the flags the user set, so config defaults apply.
func (t *tuning) options(cmd *cobra.Command) map[string]any {
	opts := map[string]any{"source": "cli"}
	if cmd.Flags().Changed("ratio") {
		opts["ratio"] = t.ratio
	}
	if t.matcher != "" {
		opts["matcher"] = t.matcher
	}
	if t.extractor != "" {
		opts["extractor"] = t.extractor
	}
	if t.threshold > 0 {
		opts["reprojThreshold"] = t.threshold
	}
	if t.seed != 0 {
		opts["seed"] = t.seed
	}
	return opts
}

func newStitchCmd(root *Root) *cobra.Command {
	var (
		tune     tuning
		output   string
		report   string
		debugDir string
	)

	cmd := &cobra.Command{
		Use:   "stitch <image|dir>...",
		Short: "Stitch overlapping images into a panorama",
		Long: `Stitch registers each image against the canvas built so far, left to right.
The first image defines the output frame. Directories expand to their images in
natural order.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = filepath.Join(root.cfg.Paths.DefaultOutput, "panorama.jpg")
			}
			opts := tune.options(cmd)
			if report != "" {
				opts["report"] = report
			}
			if debugDir != "" {
				opts["debugDir"] = debugDir
			}
			job := pipeline.Job{
				ID:      newID("stitch"),
				Type:    pipeline.JobStitch,
				Inputs:  args,
				Output:  output,
				Options: opts,
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return describeFailure(res, err)
			}
			cmd.Printf("panorama %vx%v (%v) written to %s\n", res.Meta["width"], res.Meta["height"], res.Meta["pixels"], output)
			if p, ok := res.Meta["report"].(string); ok {
				cmd.Printf("report written to %s\n", p)
			}
			return nil
		},
	}

	tune.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output image path (.jpg, .png, .tif, .bmp)")
	cmd.Flags().StringVar(&report, "report", "", "write per-step statistics to a .png plot or .html page")
	cmd.Flags().StringVar(&debugDir, "debug-dir", "", "save inlier match images for every merge step")
	return cmd
}

func newRegisterCmd(root *Root) *cobra.Command {
	var (
		tune   tuning
		output string
	)

	cmd := &cobra.Command{
		Use:   "register <image|dir>...",
		Short: "Estimate homographies between adjacent images without merging",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:      newID("register"),
				Type:    pipeline.JobRegister,
				Inputs:  args,
				Output:  output,
				Options: tune.options(cmd),
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if pairs, ok := res.Meta["pairs"].([]pipeline.PairSummary); ok {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PAIR\tMATCHES\tINLIERS\tRMSE\tHOMOGRAPHY")
				for _, p := range pairs {
					if p.Error != "" {
						fmt.Fprintf(tw, "%d<-%d\t-\t-\t-\t%s\n", p.Train, p.Query, p.Error)
						continue
					}
					fmt.Fprintf(tw, "%d<-%d\t%d\t%d\t%.3f\t%s\n", p.Train, p.Query, p.Matches, p.Inliers, p.RMSE, formatMatrix(p.Homography))
				}
				tw.Flush()
			}
			if err != nil {
				return describeFailure(res, err)
			}
			return nil
		},
	}

	tune.register(cmd)
	cmd.Flags().StringVarP(&output, "output", "o", "", "also write the pair summaries as JSON")
	return cmd
}

func formatMatrix(h [9]float64) string {
	parts := make([]string, len(h))
	for i, v := range h {
		parts[i] = fmt.Sprintf("%.4g", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr     string
		grpcAddr string
		watchDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and gRPC job service",
		Long: `Start an HTTP server for job submission and monitoring (/jobs, /stream, /ws)
and a gRPC endpoint for remote submission.

Examples:
  panostitch serve --addr :8080 --grpc-addr :9090
  panostitch serve --watch /photos/incoming`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if watchDir != "" {
				root.cfg.Server.WatchDir = watchDir
			}
			root.log.Info("starting server",
				"addr", addr,
				"grpc_addr", grpcAddr,
				"watch_dir", root.cfg.Server.WatchDir,
			)
			return root.serveFn(cmd.Context(), addr, grpcAddr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.HTTPAddr, "HTTP address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC address, empty to disable")
	cmd.Flags().StringVar(&watchDir, "watch", "", "hot folder to stitch automatically")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		output string
		settle time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Stitch a folder whenever new images settle in it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = filepath.Join(root.cfg.Paths.DefaultOutput, "panorama.jpg")
			}
			if settle == 0 {
				d, err := root.cfg.Server.SettleDuration()
				if err != nil {
					return err
				}
				settle = d
			}
			w, err := watch.New(args[0], output, settle, root.pipeline, root.log)
			if err != nil {
				return err
			}

			results, unsubscribe := root.pipeline.Subscribe()
			defer unsubscribe()
			go func() {
				for res := range results {
					if res.Error != nil {
						cmd.PrintErrf("%s failed: %v\n", res.Job.ID, describeFailure(res, res.Error))
						continue
					}
					cmd.Printf("%s: panorama written to %s\n", res.Job.ID, res.Job.Output)
				}
			}()
			return w.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "panorama path")
	cmd.Flags().DurationVar(&settle, "settle", 0, "quiet period before stitching, config default if 0")
	return cmd
}

func newSubmitCmd(root *Root) *cobra.Command {
	var (
		tune     tuning
		remote   string
		output   string
		register bool
	)

	cmd := &cobra.Command{
		Use:   "submit <image|dir>...",
		Short: "Queue a job on a remote panostitch server over gRPC",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobType := pipeline.JobStitch
			if register {
				jobType = pipeline.JobRegister
			}
			job := pipeline.Job{Type: jobType, Inputs: args, Output: output, Options: tune.options(cmd)}
			id, err := root.remoteFn(cmd.Context(), remote, job)
			if err != nil {
				return fmt.Errorf("submit to %s: %w", remote, err)
			}
			cmd.Println(id)
			return nil
		},
	}

	tune.register(cmd)
	cmd.Flags().StringVar(&remote, "remote", "localhost"+root.cfg.Server.GRPCAddr, "gRPC address of the server")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path on the server")
	cmd.Flags().BoolVar(&register, "register", false, "only estimate pairwise homographies")
	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return fmt.Errorf("job store unavailable")
			}
			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tINPUTS\tCREATED\tERROR")
			for _, rec := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", rec.ID, rec.JobType, rec.Status, len(rec.Inputs), humanize.Time(rec.CreatedAt), rec.Error)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to show")
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("panostitch v%s\n", Version)
			cmd.Printf("Built with Go %s\n", runtime.Version())
			cmd.Printf("Feature extractors: %s\n", strings.Join(features.Names(), ", "))
		},
	}
}
