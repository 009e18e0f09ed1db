// Package grpcserver exposes job submission over gRPC. Messages are
// google.protobuf.Struct so no generated code is needed.
package grpcserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"panostitch/internal/pipeline"
	"panostitch/internal/storage"
)

const ServiceName = "panostitch.v1.Stitcher"

// StitcherServer is the server API for the Stitcher service.
type StitcherServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Job(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(method string, call func(StitcherServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(StitcherServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(StitcherServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ServiceDesc describes the Stitcher service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StitcherServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler("Submit", StitcherServer.Submit)},
		{MethodName: "Job", Handler: unaryHandler("Job", StitcherServer.Job)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "panostitch/v1/stitcher.proto",
}

// Service implements StitcherServer on top of the job pipeline.
type Service struct {
	pipeline *pipeline.Pipeline
	store    *storage.Store
	log      *slog.Logger
}

func NewService(pipe *pipeline.Pipeline, store *storage.Store, log *slog.Logger) *Service {
	return &Service{pipeline: pipe, store: store, log: log}
}

// Submit queues a job. Request fields: type, inputs, output, options.
func (s *Service) Submit(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := req.GetFields()
	jobType := pipeline.JobType(f["type"].GetStringValue())
	switch jobType {
	case "":
		jobType = pipeline.JobStitch
	case pipeline.JobStitch, pipeline.JobRegister:
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown job type %q", jobType)
	}

	var inputs []string
	for _, v := range f["inputs"].GetListValue().GetValues() {
		if p := v.GetStringValue(); p != "" {
			inputs = append(inputs, p)
		}
	}
	if len(inputs) == 0 {
		return nil, status.Error(codes.InvalidArgument, "inputs are required")
	}

	job := pipeline.Job{
		ID:     string(jobType) + "-" + uuid.NewString(),
		Type:   jobType,
		Inputs: inputs,
		Output: f["output"].GetStringValue(),
	}
	if opts := f["options"].GetStructValue(); opts != nil {
		job.Options = opts.AsMap()
	}
	if err := s.pipeline.Submit(job); err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		}
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	s.log.Info("job submitted", "job", job.ID, "type", job.Type, "inputs", len(inputs), "via", "grpc")
	return structpb.NewStruct(map[string]any{"job_id": job.ID})
}

// Job returns the stored record of a job. Request field: id.
func (s *Service) Job(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	rec, err := s.store.JobByID(id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.Errorf(codes.NotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	inputs := make([]any, len(rec.Inputs))
	for i, p := range rec.Inputs {
		inputs[i] = p
	}
	out := map[string]any{
		"id":         rec.ID,
		"type":       rec.JobType,
		"status":     rec.Status,
		"inputs":     inputs,
		"output":     rec.OutputPath,
		"created_at": rec.CreatedAt.Format(time.RFC3339),
	}
	if rec.Error != "" {
		out["error"] = rec.Error
	}
	if meta, err := s.store.JobMeta(id); err == nil && meta != nil {
		out["meta"] = meta
	}
	resp, err := structpb.NewStruct(out)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

// Register installs the Stitcher and health services on gs.
func Register(gs *grpc.Server, svc StitcherServer) *health.Server {
	gs.RegisterService(&ServiceDesc, svc)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return hs
}

// Serve listens on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, svc StitcherServer, log *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	gs := grpc.NewServer()
	hs := Register(gs, svc)

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		gs.GracefulStop()
	}()

	log.Info("gRPC server starting", "addr", lis.Addr().String())
	return gs.Serve(lis)
}
