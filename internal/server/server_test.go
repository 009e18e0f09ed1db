package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panostitch/internal/logging"
	"panostitch/internal/pipeline"
	"panostitch/internal/storage"
)

type echoProcessor struct{}

func (echoProcessor) Process(ctx context.Context, job pipeline.Job) pipeline.Result {
	return pipeline.Result{Job: job, Meta: map[string]any{"inputs": len(job.Inputs)}}
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pipe := pipeline.NewWithProcessor(context.Background(), 1, logging.Discard(), store, echoProcessor{})
	t.Cleanup(pipe.Stop)

	s := NewServer("", store, pipe, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.forwardEvents(ctx)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, store
}

func submit(t *testing.T, url string, body string) (int, map[string]string) {
	t.Helper()
	resp, err := http.Post(url+"/jobs", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealthz(t *testing.T) {
	_, ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitAndFetchJob(t *testing.T) {
	_, ts, store := newTestServer(t)

	status, out := submit(t, ts.URL, `{"type":"stitch","inputs":["a.jpg","b.jpg"],"output":"pano.jpg"}`)
	require.Equal(t, http.StatusAccepted, status)
	id := out["id"]
	require.True(t, strings.HasPrefix(id, "stitch-"), id)

	require.Eventually(t, func() bool {
		rec, err := store.JobByID(id)
		return err == nil && rec.Status == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(ts.URL + "/jobs/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Job  storage.JobRecord `json:"job"`
		Meta map[string]any    `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, body.Job.Inputs)
	assert.Equal(t, float64(2), body.Meta["inputs"])

	resp2, err := http.Get(ts.URL + "/jobs?limit=5")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var recs []storage.JobRecord
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&recs))
	assert.Len(t, recs, 1)
}

func TestSubmitValidation(t *testing.T) {
	_, ts, _ := newTestServer(t)
	for name, body := range map[string]string{
		"bad json":     `{`,
		"unknown type": `{"type":"timelapse","inputs":["a"]}`,
		"no inputs":    `{"type":"stitch"}`,
	} {
		t.Run(name, func(t *testing.T) {
			status, out := submit(t, ts.URL, body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestJobNotFound(t *testing.T) {
	_, ts, _ := newTestServer(t)
	for _, path := range []string{"/jobs/nope", "/jobs/nope/report"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestStepsAndReport(t *testing.T) {
	_, ts, store := newTestServer(t)
	require.NoError(t, store.RecordStitchStep(storage.StepRecord{JobID: "j1", Step: 0, Matches: 50, Inliers: 40, CanvasWidth: 210, CanvasHeight: 100}))

	resp, err := http.Get(ts.URL + "/jobs/j1/steps")
	require.NoError(t, err)
	defer resp.Body.Close()
	var steps []storage.StepRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&steps))
	require.Len(t, steps, 1)
	assert.Equal(t, 40, steps[0].Inliers)

	rep, err := http.Get(ts.URL + "/jobs/j1/report")
	require.NoError(t, err)
	defer rep.Body.Close()
	assert.Equal(t, http.StatusOK, rep.StatusCode)
	assert.Contains(t, rep.Header.Get("Content-Type"), "text/html")
}

func TestWebsocketReceivesJobEvents(t *testing.T) {
	s, ts, _ := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.hub.size() == 1 }, 2*time.Second, 10*time.Millisecond)

	status, out := submit(t, ts.URL, `{"type":"register","inputs":["a.jpg","b.jpg"]}`)
	require.Equal(t, http.StatusAccepted, status)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, out["id"], ev.ID)
	assert.Equal(t, "register", ev.Type)
	assert.Equal(t, "completed", ev.Status)
}
