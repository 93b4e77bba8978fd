// Package grpcserver exposes the job pipeline as the parallelmorph.Morph gRPC
// service.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"parallelmorph/internal/errs"
	"parallelmorph/internal/manifest"
	"parallelmorph/internal/pipeline"
	"parallelmorph/internal/storage"
)

// Pipeline is the part of the job pipeline the service drives.
type Pipeline interface {
	Submit(job pipeline.Job) (string, error)
	Cancel(id string) error
	Subscribe() (<-chan pipeline.Event, func())
}

// RunStore looks up persisted runs so Watch can answer for runs that already
// finished.
type RunStore interface {
	Run(id string) (storage.RunRecord, error)
	RunMeta(id string) (map[string]any, error)
}

// MorphServer implements MorphService on top of a Pipeline.
type MorphServer struct {
	pipeline Pipeline
	store    RunStore
	log      *slog.Logger
}

// NewMorphServer returns a service backed by p. store may be nil.
func NewMorphServer(p Pipeline, store RunStore, log *slog.Logger) *MorphServer {
	return &MorphServer{pipeline: p, store: store, log: log}
}

// Start listens on addr and serves until ctx is cancelled.
func (s *MorphServer) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled, then stops gracefully.
func (s *MorphServer) Serve(ctx context.Context, lis net.Listener) error {
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(4*1024*1024),
	)
	RegisterMorphService(grpcServer, s)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	s.log.Info("gRPC server starting", "addr", lis.Addr().String())
	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Submit expects {"manifest": {...}, "type": "morph"|"probe"} and returns {"id": ...}.
func (s *MorphServer) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	raw, ok := in.GetFields()["manifest"]
	if !ok || raw.GetStructValue() == nil {
		return nil, status.Error(codes.InvalidArgument, "manifest is required")
	}
	data, err := json.Marshal(raw.GetStructValue().AsMap())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode manifest: %v", err)
	}
	m, err := manifest.Parse(data, ".json")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	job := pipeline.ManifestJob(m)
	switch t := in.GetFields()["type"].GetStringValue(); t {
	case "", string(pipeline.JobMorph):
	case string(pipeline.JobProbe):
		job.Type = pipeline.JobProbe
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown job type %q", t)
	}

	id, err := s.pipeline.Submit(job)
	if err != nil {
		return nil, toStatus(err)
	}
	s.log.Info("run submitted", "run", id, "name", m.Name, "transport", "grpc")
	return structpb.NewStruct(map[string]any{"id": id})
}

// Cancel expects {"id": ...}.
func (s *MorphServer) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id := in.GetFields()["id"].GetStringValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	if err := s.pipeline.Cancel(id); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"id": id, "status": "cancelling"})
}

// Watch streams pipeline events. With {"id": ...} only that run's events are
// sent and the stream ends after its terminal event.
func (s *MorphServer) Watch(in *structpb.Struct, stream grpc.ServerStream) error {
	only := in.GetFields()["id"].GetStringValue()
	events, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()

	if only != "" {
		ev, ok, err := s.finished(only)
		if err != nil {
			return err
		}
		if ok {
			msg, err := eventStruct(ev)
			if err != nil {
				return status.Errorf(codes.Internal, "encode event: %v", err)
			}
			return stream.SendMsg(msg)
		}
	}

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if only != "" && ev.JobID != only {
				continue
			}
			msg, err := eventStruct(ev)
			if err != nil {
				return status.Errorf(codes.Internal, "encode event: %v", err)
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
			if only != "" && ev.Kind.Terminal() {
				return nil
			}
		}
	}
}

// finished returns the terminal event of a run that ended before the caller
// subscribed. A run neither stored nor active is NotFound.
func (s *MorphServer) finished(id string) (pipeline.Event, bool, error) {
	if s.store == nil {
		return pipeline.Event{}, false, nil
	}
	rec, err := s.store.Run(id)
	if errors.Is(err, storage.ErrNotFound) && !s.active(id) {
		return pipeline.Event{}, false, status.Errorf(codes.NotFound, "unknown run %s", id)
	}
	if err != nil {
		return pipeline.Event{}, false, nil
	}
	kind := pipeline.EventKind(rec.Status)
	if !kind.Terminal() {
		return pipeline.Event{}, false, nil
	}
	ev := pipeline.Event{
		Kind:    kind,
		JobID:   rec.ID,
		Name:    rec.Name,
		Frames:  rec.FramesDone,
		Percent: rec.Progress,
		Error:   rec.Error,
		Time:    time.Now(),
	}
	if meta, err := s.store.RunMeta(id); err == nil {
		ev.Meta = meta
		ev.ErrorKind, _ = meta["error_kind"].(string)
	}
	return ev, true, nil
}

// active reports whether the pipeline still tracks id. Pipelines that cannot
// tell are treated as not tracking it.
func (s *MorphServer) active(id string) bool {
	t, ok := s.pipeline.(interface{ Active(id string) bool })
	return ok && t.Active(id)
}

func eventStruct(ev pipeline.Event) (*structpb.Struct, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, errs.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, pipeline.ErrQueueFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, pipeline.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, pipeline.ErrUnknownJob):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
