package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"panostitch/internal/config"
	"panostitch/internal/homography"
	"panostitch/internal/logging"
	"panostitch/internal/pipeline"
	"panostitch/internal/stitch"
	"panostitch/internal/storage"
)

func TestStitchCommandBuildsJob(t *testing.T) {
	root, fakePipe, out := newTestRoot(t)
	dir := t.TempDir()

	err := run(root, "stitch", filepath.Join(dir, "a.jpg"), filepath.Join(dir, "b.jpg"),
		"-o", filepath.Join(dir, "pano.png"), "--ratio", "0.6", "--matcher", "kdtree", "--report", filepath.Join(dir, "r.html"))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(fakePipe.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
	}
	job := fakePipe.jobs[0]
	if job.Type != pipeline.JobStitch || len(job.Inputs) != 2 {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Options["ratio"] != 0.6 || job.Options["matcher"] != "kdtree" {
		t.Fatalf("flags not forwarded: %v", job.Options)
	}
	if _, ok := job.Options["reprojThreshold"]; ok {
		t.Fatalf("unset flag leaked into options: %v", job.Options)
	}
	if !strings.Contains(out.String(), "written to "+filepath.Join(dir, "pano.png")) {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestStitchCommandDefaultsOutput(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	if err := run(root, "stitch", "a.jpg", "b.jpg"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	want := filepath.Join(root.cfg.Paths.DefaultOutput, "panorama.jpg")
	if fakePipe.jobs[0].Output != want {
		t.Fatalf("expected output %s, got %s", want, fakePipe.jobs[0].Output)
	}
	if _, ok := fakePipe.jobs[0].Options["ratio"]; ok {
		t.Fatal("ratio should come from config when the flag is not set")
	}
}

func TestStitchCommandNamesFailingImage(t *testing.T) {
	root, fakePipe, _ := newTestRoot(t)
	fakePipe.fail = &stitch.UnregistrableError{
		Index: 2,
		Pair:  stitch.Pair{Train: 1, Query: 2},
		Stage: stitch.StageCanvas,
		Err:   homography.ErrEstimationFailed,
	}
	fakePipe.meta = map[string]any{"failedIndex": 2, "failedInput": "c.jpg"}

	err := run(root, "stitch", "a.jpg", "b.jpg", "c.jpg")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.HasPrefix(err.Error(), "c.jpg: image 2 could not be registered") {
		t.Fatalf("error does not name the image: %v", err)
	}
	if ExitCode(err) != 2 {
		t.Fatalf("exit code = %d, want 2", ExitCode(err))
	}
	if ExitCode(errors.New("other")) != 1 || ExitCode(nil) != 0 {
		t.Fatal("unexpected exit codes for generic errors")
	}
}

func TestRegisterCommandPrintsPairs(t *testing.T) {
	root, fakePipe, out := newTestRoot(t)
	fakePipe.meta = map[string]any{"pairs": []pipeline.PairSummary{
		{Train: 0, Query: 1, Matches: 120, Inliers: 96, RMSE: 0.12, Homography: [9]float64{1, 0, 90, 0, 1, 0, 0, 0, 1}},
	}}
	if err := run(root, "register", "a.jpg", "b.jpg"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if fakePipe.jobs[0].Type != pipeline.JobRegister {
		t.Fatalf("expected register job, got %s", fakePipe.jobs[0].Type)
	}
	if !strings.Contains(out.String(), "0<-1") || !strings.Contains(out.String(), "96") {
		t.Fatalf("pairs not printed: %q", out.String())
	}
}

func TestRunValidatesArguments(t *testing.T) {
	root, _, _ := newTestRoot(t)
	for _, args := range [][]string{{"stitch"}, {"register"}, {"watch"}, {"submit"}} {
		if err := run(root, args...); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
}

func TestSubmitUsesRemote(t *testing.T) {
	root, _, out := newTestRoot(t)
	var got pipeline.Job
	var addr string
	root.remoteFn = func(ctx context.Context, a string, job pipeline.Job) (string, error) {
		got, addr = job, a
		return "stitch-remote-1", nil
	}
	if err := run(root, "submit", "--remote", "host:9090", "--register", "a.jpg", "b.jpg"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if addr != "host:9090" || got.Type != pipeline.JobRegister || len(got.Inputs) != 2 {
		t.Fatalf("unexpected remote call %s %+v", addr, got)
	}
	if strings.TrimSpace(out.String()) != "stitch-remote-1" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestServeUsesServeFunc(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var httpAddr, grpcAddr string
	root.serveFn = func(ctx context.Context, h, g string) error {
		httpAddr, grpcAddr = h, g
		return nil
	}
	if err := run(root, "serve", "--addr", ":18080", "--watch", "/tmp/in"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if httpAddr != ":18080" || grpcAddr != root.cfg.Server.GRPCAddr {
		t.Fatalf("unexpected addrs %q %q", httpAddr, grpcAddr)
	}
	if root.cfg.Server.WatchDir != "/tmp/in" {
		t.Fatalf("watch dir not applied")
	}
}

func TestJobsCommand(t *testing.T) {
	root, _, out := newTestRoot(t)
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	root.store = store
	if err := store.RecordJobQueued(storage.JobRecord{ID: "stitch-42", JobType: "stitch", Status: "queued", Inputs: []string{"a", "b"}}); err != nil {
		t.Fatal(err)
	}

	if err := run(root, "jobs", "-n", "5"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out.String(), "stitch-42") || !strings.Contains(out.String(), "queued") {
		t.Fatalf("job not listed: %q", out.String())
	}

	root.store = nil
	if err := run(root, "jobs"); err == nil {
		t.Fatal("expected error without a store")
	}
}

func TestConfigCommands(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := run(root, "config", "show"); err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out.String(), "ratio: 0.75") {
		t.Fatalf("config not printed as yaml: %q", out.String())
	}
	if err := run(root, "config", "validate"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	root.cfg.Stitching.Ratio = 1.2
	if err := run(root, "config", "validate"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestVersionCommand(t *testing.T) {
	root, _, out := newTestRoot(t)
	if err := run(root, "version"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "harris") {
		t.Fatalf("extractors not listed: %q", out.String())
	}
}

func run(root *Root, args ...string) error {
	cmd := newRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetErr(&bytes.Buffer{})
	return cmd.ExecuteContext(context.Background())
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline, *bytes.Buffer) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.DefaultOutput = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "panostitch.db")

	out := &bytes.Buffer{}
	pipe := newFakePipeline()
	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logging.Discard(),
		out:      out,
		serveFn: func(ctx context.Context, h, g string) error {
			return fmt.Errorf("serve not stubbed")
		},
		remoteFn: func(ctx context.Context, addr string, job pipeline.Job) (string, error) {
			return "", fmt.Errorf("remote not stubbed")
		},
	}
	return root, pipe, out
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	fail      error
	meta      map[string]any
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{subs: make(map[int]chan pipeline.Result)}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	subs := make([]chan pipeline.Result, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	meta := f.meta
	if meta == nil {
		meta = map[string]any{"width": 300, "height": 100, "pixels": "30 kpx"}
	}
	res := pipeline.Result{Job: job, Error: f.fail, Meta: meta}
	f.mu.Unlock()

	go func() {
		for _, ch := range subs {
			ch <- res
		}
	}()
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}
