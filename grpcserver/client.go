package grpcserver

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"mcpa2a/a2a"
)

var subscribeDesc = grpc.StreamDesc{StreamName: "SendTaskSubscribe", ServerStreams: true}

// Client calls the task service over an existing connection. Protocol
// errors come back as *a2a.JSONRPCError.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) SendTask(ctx context.Context, params a2a.TaskSendParams) (*a2a.Task, error) {
	return c.unary(ctx, methodSendTask, &params)
}

func (c *Client) GetTask(ctx context.Context, params a2a.TaskQueryParams) (*a2a.Task, error) {
	return c.unary(ctx, methodGetTask, &params)
}

func (c *Client) CancelTask(ctx context.Context, params a2a.TaskIDParams) (*a2a.Task, error) {
	return c.unary(ctx, methodCancelTask, &params)
}

// SendTaskSubscribe passes every event to fn until the final event, the end
// of the stream or an error from fn.
func (c *Client) SendTaskSubscribe(ctx context.Context, params a2a.TaskSendParams, fn func(a2a.StreamEvent) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.cc.NewStream(ctx, &subscribeDesc, methodSendTaskSubscribe, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&params); err != nil {
		return fromStatus(err, stream.Trailer())
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		var ev a2a.StreamEvent
		if err := stream.RecvMsg(&ev); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fromStatus(err, stream.Trailer())
		}
		if err := fn(ev); err != nil {
			return err
		}
		if ev.IsFinal() {
			return nil
		}
	}
}

func (c *Client) unary(ctx context.Context, method string, in any) (*a2a.Task, error) {
	var (
		out     a2a.Task
		trailer metadata.MD
	)
	err := c.cc.Invoke(ctx, method, in, &out, grpc.CallContentSubtype(CodecName), grpc.Trailer(&trailer))
	if err != nil {
		return nil, fromStatus(err, trailer)
	}
	return &out, nil
}
