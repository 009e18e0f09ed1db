package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panostitch/internal/logging"
	"panostitch/internal/pipeline"
)

type chanSubmitter chan pipeline.Job

func (c chanSubmitter) Submit(job pipeline.Job) error {
	c <- job
	return nil
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestSubmitsAfterSettle(t *testing.T) {
	dir := t.TempDir()
	jobs := make(chanSubmitter, 4)
	w, err := New(dir, filepath.Join(dir, "pano.jpg"), 100*time.Millisecond, jobs, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	touch(t, filepath.Join(dir, "img_10.jpg"))
	touch(t, filepath.Join(dir, "img_2.jpg"))
	touch(t, filepath.Join(dir, "notes.txt"))

	select {
	case job := <-jobs:
		assert.Equal(t, pipeline.JobStitch, job.Type)
		assert.Equal(t, []string{filepath.Join(dir, "img_2.jpg"), filepath.Join(dir, "img_10.jpg")}, job.Inputs)
		assert.Equal(t, filepath.Join(dir, "pano.jpg"), job.Output)
	case <-time.After(5 * time.Second):
		t.Fatal("no job submitted")
	}

	// writing the panorama into the folder must not trigger another run
	touch(t, filepath.Join(dir, "pano.jpg"))
	select {
	case job := <-jobs:
		t.Fatalf("unexpected job %v", job.Inputs)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestFlushNeedsTwoImages(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "only.jpg"))
	w, err := New(dir, filepath.Join(t.TempDir(), "out.jpg"), 0, make(chanSubmitter, 1), logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, DefaultSettle, w.Settle)
	assert.ErrorIs(t, w.flush(), errTooFew)
}

func TestFlushSkipsUnchangedFolder(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.png"))
	touch(t, filepath.Join(dir, "b.png"))
	jobs := make(chanSubmitter, 2)
	w, err := New(dir, filepath.Join(t.TempDir(), "out.jpg"), time.Second, jobs, logging.Discard())
	require.NoError(t, err)

	require.NoError(t, w.flush())
	require.NoError(t, w.flush())
	assert.Len(t, jobs, 1)
}
