package grpcserver

import (
	"context"
	"encoding/json"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"parallelmorph/internal/manifest"
	"parallelmorph/internal/pipeline"
)

// Client calls a remote parallelmorph.Morph service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Submit sends m as a job of type t and returns the run ID.
func (c *Client) Submit(ctx context.Context, m *manifest.Manifest, t pipeline.JobType) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", err
	}
	in, err := structpb.NewStruct(map[string]any{"manifest": fields, "type": string(t)})
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, submitMethod, in, out); err != nil {
		return "", err
	}
	return out.GetFields()["id"].GetStringValue(), nil
}

// Cancel asks the server to cancel run id.
func (c *Client) Cancel(ctx context.Context, id string) error {
	in, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, cancelMethod, in, new(structpb.Struct))
}

// Watch calls fn for each event of run id, or of every run when id is empty,
// until the stream ends or fn returns an error.
func (c *Client) Watch(ctx context.Context, id string, fn func(pipeline.Event) error) error {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], watchMethod)
	if err != nil {
		return err
	}
	in, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		data, err := protojson.Marshal(msg)
		if err != nil {
			return err
		}
		var ev pipeline.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
