package grpcserver

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote Stitcher service.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to addr without transport security.
func Dial(addr string) (*Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return NewClient(conn), conn, nil
}

// Submit queues a job remotely and returns its ID.
func (c *Client) Submit(ctx context.Context, jobType string, inputs []string, output string, options map[string]any) (string, error) {
	list := make([]any, len(inputs))
	for i, p := range inputs {
		list[i] = p
	}
	fields := map[string]any{"type": jobType, "inputs": list, "output": output}
	if len(options) > 0 {
		fields["options"] = options
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Submit", req, resp); err != nil {
		return "", err
	}
	return resp.GetFields()["job_id"].GetStringValue(), nil
}

// Job fetches a job record.
func (c *Client) Job(ctx context.Context, id string) (map[string]any, error) {
	req, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Job", req, resp); err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}
