// Package client dials a running daemon over its Unix domain socket.
package client

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatvault/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket. The connection is lazy; errors
// surface on the first call.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Call invokes a unary CacheService method and returns the response fields.
func (c *Client) Call(ctx context.Context, method string, fields map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), req, resp); err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}

// Watch streams daemon events whose kind starts with namespace and calls fn
// for each one until ctx is cancelled, the stream fails or fn returns an error.
func (c *Client) Watch(ctx context.Context, namespace string, fn func(map[string]any) error) error {
	desc := &grpc.StreamDesc{StreamName: api.MethodWatchEvents, ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, api.FullMethod(api.MethodWatchEvents))
	if err != nil {
		return err
	}
	req, err := structpb.NewStruct(map[string]any{"namespace": namespace})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(structpb.Struct)
		if err := stream.RecvMsg(evt); err != nil {
			return err
		}
		if err := fn(evt.AsMap()); err != nil {
			return err
		}
	}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
