// Package cli wires the morph commands to the job pipeline and its servers.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"parallelmorph/internal/backend"
	"parallelmorph/internal/config"
	"parallelmorph/internal/errs"
	"parallelmorph/internal/grpcserver"
	"parallelmorph/internal/manifest"
	"parallelmorph/internal/pipeline"
	"parallelmorph/internal/server"
	"parallelmorph/internal/storage"
	"parallelmorph/internal/watch"
)

// Version is reported by `morph version`.
var Version = "0.4.0"

type pipelineClient interface {
	Submit(job pipeline.Job) (string, error)
	Cancel(id string) error
	Subscribe() (<-chan pipeline.Event, func())
}

type runStore interface {
	RecentRuns(limit int) ([]storage.RunRecord, error)
	Run(id string) (storage.RunRecord, error)
	RunMeta(id string) (map[string]any, error)
}

// remoteClient is a morph service reached over gRPC.
type remoteClient interface {
	Submit(ctx context.Context, m *manifest.Manifest, t pipeline.JobType) (string, error)
	Cancel(ctx context.Context, id string) error
	Watch(ctx context.Context, id string, fn func(pipeline.Event) error) error
}

type (
	serveFunc func(ctx context.Context, addr string) error
	watchFunc func(ctx context.Context, dirs []string) (<-chan struct{}, error)
	dialFunc  func(addr, caCert string) (remoteClient, io.Closer, error)
)

// Root carries the shared state of every command.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    runStore
	backends *backend.Registry

	serveHTTP  serveFunc
	serveGRPC  serveFunc
	startWatch watchFunc
	dial       dialFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl pipelineClient, cfg *config.Config, logger *slog.Logger, store *storage.Store, backends *backend.Registry) *Root {
	if backends == nil {
		backends = backend.NewRegistry()
	}
	r := &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		backends: backends,
	}
	r.serveHTTP = func(ctx context.Context, addr string) error {
		return server.NewServer(addr, store, pl, backends, logger).Start(ctx)
	}
	r.serveGRPC = func(ctx context.Context, addr string) error {
		return grpcserver.NewMorphServer(pl, store, logger).Start(ctx, addr)
	}
	r.startWatch = func(ctx context.Context, dirs []string) (<-chan struct{}, error) {
		w, err := watch.New(dirs, pl, 0, logger)
		if err != nil {
			return nil, err
		}
		if err := w.Start(ctx); err != nil {
			return nil, err
		}
		return w.Done(), nil
	}
	r.dial = dialRemote
	return r
}

func dialRemote(addr, caCert string) (remoteClient, io.Closer, error) {
	conn, err := grpcserver.Dial(addr, grpcserver.DialOptions{CACertPath: caCert})
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return grpcserver.NewClient(conn), conn, nil
}

// RouterDefaults maps the configuration onto the values the job router falls
// back to.
func RouterDefaults(cfg *config.Config) pipeline.Defaults {
	return pipeline.Defaults{
		Options:   cfg.MorphOptions(),
		Backend:   cfg.Morph.Backend,
		Device:    cfg.Morph.Device,
		Workers:   cfg.Morph.Workers,
		Fit:       cfg.Morph.Fit,
		Format:    cfg.Output.Format,
		FPS:       cfg.Output.FPS,
		FFmpeg:    cfg.Output.FFmpeg,
		OutputDir: cfg.Paths.DefaultOutput,
		TempDir:   cfg.Processing.TempDir,
	}
}

// enqueueAndWait submits job and reports its progress to out until it reaches
// a terminal state. Cancelling ctx cancels the job.
func (r *Root) enqueueAndWait(ctx context.Context, out io.Writer, job pipeline.Job) error {
	evCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	id, err := r.pipeline.Submit(job)
	if err != nil {
		return err
	}
	r.log.Info("job queued", "type", job.Type, "id", id, "name", job.Manifest.Name)

	for {
		select {
		case <-ctx.Done():
			if err := r.pipeline.Cancel(id); err != nil && !errors.Is(err, pipeline.ErrUnknownJob) {
				r.log.Warn("cancel failed", "id", id, "error", err)
			}
			return fmt.Errorf("%w: %w", errs.ErrCancelled, ctx.Err())
		case ev, ok := <-evCh:
			if !ok {
				return fmt.Errorf("pipeline stopped before completion")
			}
			if ev.JobID != id {
				continue
			}
			if done, err := report(out, ev); done {
				return err
			}
		}
	}
}

// report prints ev and says whether it ends the run, with the run's error.
func report(out io.Writer, ev pipeline.Event) (bool, error) {
	switch ev.Kind {
	case pipeline.EventQueued:
		fmt.Fprintf(out, "queued %s\n", ev.JobID)
	case pipeline.EventProgress:
		fmt.Fprintf(out, "frame %d  %3d%%\n", ev.Frames, ev.Percent)
	case pipeline.EventCompleted:
		if path, ok := ev.Meta["output"].(string); ok && path != "" {
			fmt.Fprintf(out, "done: %d frames -> %s\n", ev.Frames, path)
		} else {
			fmt.Fprintf(out, "done: %d frames\n", ev.Frames)
		}
		return true, nil
	case pipeline.EventFailed:
		if err := ev.Err(); err != nil {
			return true, err
		}
		return true, fmt.Errorf("run %s failed", ev.JobID)
	case pipeline.EventCancelled:
		return true, fmt.Errorf("%w: run %s", errs.ErrCancelled, ev.JobID)
	}
	return false, nil
}

var errRunFinished = errors.New("run finished")

// remoteAndWait is enqueueAndWait against a morph service at addr.
func (r *Root) remoteAndWait(ctx context.Context, out io.Writer, addr, caCert string, job pipeline.Job) error {
	client, closer, err := r.dial(addr, caCert)
	if err != nil {
		return err
	}
	defer closer.Close()

	id, err := client.Submit(ctx, job.Manifest, job.Type)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "queued %s on %s\n", id, addr)

	var runErr error
	err = client.Watch(ctx, id, func(ev pipeline.Event) error {
		if ev.Kind == pipeline.EventQueued {
			return nil
		}
		done, err := report(out, ev)
		if done {
			runErr = err
			return errRunFinished
		}
		return nil
	})
	switch {
	case errors.Is(err, errRunFinished):
		return runErr
	case ctx.Err() != nil:
		cancelCtx := context.WithoutCancel(ctx)
		if cerr := client.Cancel(cancelCtx, id); cerr != nil {
			r.log.Warn("remote cancel failed", "id", id, "error", cerr)
		}
		return fmt.Errorf("%w: %w", errs.ErrCancelled, ctx.Err())
	case err == nil:
		return fmt.Errorf("watch ended before run %s finished", id)
	}
	return err
}
