package grpcserver

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"panostitch/internal/logging"
	"panostitch/internal/pipeline"
	"panostitch/internal/storage"
)

type okProcessor struct{}

func (okProcessor) Process(ctx context.Context, job pipeline.Job) pipeline.Result {
	return pipeline.Result{Job: job, Meta: map[string]any{"width": 300}}
}

func setup(t *testing.T) (*Client, *grpc.ClientConn, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	pipe := pipeline.NewWithProcessor(context.Background(), 1, logging.Discard(), store, okProcessor{})
	t.Cleanup(pipe.Stop)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	Register(gs, NewService(pipe, store, logging.Discard()))
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn), conn, store
}

func TestSubmitAndJob(t *testing.T) {
	client, _, store := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := client.Submit(ctx, "stitch", []string{"a.jpg", "b.jpg"}, "pano.jpg", map[string]any{"ratio": 0.7})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		rec, err := store.JobByID(id)
		return err == nil && rec.Status == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	job, err := client.Job(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "completed", job["status"])
	assert.Equal(t, []any{"a.jpg", "b.jpg"}, job["inputs"])
	assert.Equal(t, float64(300), job["meta"].(map[string]any)["width"])
}

func TestErrorsMapToCodes(t *testing.T) {
	client, _, _ := setup(t)
	ctx := context.Background()

	_, err := client.Submit(ctx, "stitch", nil, "", nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Submit(ctx, "timelapse", []string{"a"}, "", nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.Job(ctx, "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestHealthService(t *testing.T) {
	_, conn, _ := setup(t)
	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
