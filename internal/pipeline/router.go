package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"parallelmorph/internal/backend"
	"parallelmorph/internal/errs"
	"parallelmorph/internal/feature"
	"parallelmorph/internal/imageio"
	"parallelmorph/internal/manifest"
	"parallelmorph/internal/morph"
	"parallelmorph/internal/raster"
	"parallelmorph/internal/sink"
)

// Defaults fill in whatever a manifest leaves unset.
type Defaults struct {
	Options   morph.Options
	Backend   string
	Device    string
	Workers   int
	Fit       bool
	Format    string
	FPS       int
	FFmpeg    string
	OutputDir string
	TempDir   string
}

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log      *slog.Logger
	defaults Defaults
	backends *backend.Registry
	loader   imageLoader
	openSink sinkOpener
}

type imageLoader interface {
	LoadPair(startPath, endPath string, fit bool) (start, end *raster.Image, err error)
}

type sinkOpener func(ctx context.Context, opts sink.Options) (sink.Sink, error)

// NewRouter returns the Processor that runs morph and probe jobs.
func NewRouter(logger *slog.Logger, defaults Defaults, backends *backend.Registry, loader imageio.Loader) Processor {
	if backends == nil {
		backends = backend.NewRegistry()
	}
	return &router{
		log:      logger,
		defaults: defaults,
		backends: backends,
		loader:   loader,
		openSink: sink.Open,
	}
}

func (r *router) Process(ctx context.Context, job Job, progress ProgressFunc) Result {
	if job.Manifest == nil {
		return Result{Job: job, Error: fmt.Errorf("%w: job has no manifest", errs.ErrInvalidInput)}
	}
	switch job.Type {
	case JobMorph, "":
		return r.handleMorph(ctx, job, progress)
	case JobProbe:
		return r.handleProbe(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// prepared is everything a run needs once the inputs are loaded.
type prepared struct {
	lines   *feature.Collection
	start   *raster.Image
	end     *raster.Image
	opts    morph.Options
	backend backend.Backend
}

func (r *router) prepare(job Job) (*prepared, error) {
	m := job.Manifest
	lines, err := m.LinePairs()
	if err != nil {
		return nil, err
	}
	start, end, err := r.loader.LoadPair(m.Start, m.End, m.Fit || r.defaults.Fit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrInvalidInput, err)
	}
	opts := m.ToOptions(r.defaults.Options)
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	name := firstNonEmpty(m.Backend, r.defaults.Backend)
	bopts := backend.Options{Workers: r.defaults.Workers, Device: firstNonEmpty(m.Device, r.defaults.Device)}
	if m.Workers > 0 {
		bopts.Workers = m.Workers
	}
	b, err := r.backends.Select(name, bopts)
	if err != nil {
		return nil, err
	}
	return &prepared{lines: lines, start: start, end: end, opts: opts, backend: b}, nil
}

func (r *router) handleProbe(ctx context.Context, job Job) Result {
	p, err := r.prepare(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	meta := map[string]any{
		"width":   p.start.Width,
		"height":  p.start.Height,
		"pairs":   p.lines.Len(),
		"frames":  p.opts.Frames,
		"backend": p.backend.Name(),
	}
	if !p.start.SameSize(p.end) {
		return Result{Job: job, Meta: meta, Error: fmt.Errorf("%w: start is %dx%d, end is %dx%d",
			errs.ErrDimensionMismatch, p.start.Width, p.start.Height, p.end.Width, p.end.Height)}
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleMorph(ctx context.Context, job Job, progress ProgressFunc) Result {
	m := job.Manifest
	p, err := r.prepare(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	sopts := sink.Options{
		Format:  firstNonEmpty(m.Output.Format, r.defaults.Format),
		Path:    m.Output.Path,
		FPS:     r.defaults.FPS,
		FFmpeg:  r.defaults.FFmpeg,
		Frames:  p.opts.Frames,
		TempDir: r.defaults.TempDir,
		Logger:  r.log,
	}
	if m.Output.FPS > 0 {
		sopts.FPS = m.Output.FPS
	}
	if sopts.Path == "" {
		sopts.Path = filepath.Join(r.defaults.OutputDir, firstNonEmpty(m.Name, job.ID))
		if f := sopts.ResolveFormat(); f != sink.FormatPNG {
			sopts.Path += "." + f
		}
	}
	out, err := r.openOutputs(ctx, sopts, m.Extra)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	meta := map[string]any{
		"output":  sopts.Path,
		"format":  sopts.ResolveFormat(),
		"backend": p.backend.Name(),
		"width":   p.start.Width,
		"height":  p.start.Height,
		"pairs":   p.lines.Len(),
	}

	delivered := 0
	counted := morph.SinkFunc(func(index int, img *raster.Image) error {
		if err := out.AddFrame(index, img); err != nil {
			return err
		}
		delivered = index + 1
		return nil
	})
	seq := morph.Sequencer{
		Backend: p.backend,
		Logger:  r.log.With("run", job.ID),
		Observer: morph.ProgressFunc(func(percent int) {
			if progress != nil {
				progress(delivered, percent)
			}
		}),
	}

	err = seq.Render(ctx, p.lines, p.start, p.end, p.opts, counted)
	meta["frames"] = delivered
	if err != nil {
		if derr := out.Discard(); derr != nil {
			r.log.Warn("failed to discard output", "run", job.ID, "error", derr)
		}
		return Result{Job: job, Meta: meta, Error: err}
	}
	if err := out.Close(); err != nil {
		return Result{Job: job, Meta: meta, Error: fmt.Errorf("finalize output: %w", err)}
	}
	return Result{Job: job, Meta: meta}
}

// openOutputs opens the primary sink plus one per extra output. Several sinks
// are combined into a sink.Multi.
func (r *router) openOutputs(ctx context.Context, primary sink.Options, extra []manifest.Output) (sink.Sink, error) {
	first, err := r.openSink(ctx, primary)
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return first, nil
	}
	sinks := sink.Multi{first}
	for _, o := range extra {
		opts := primary
		opts.Format = o.Format
		opts.Path = o.Path
		if o.FPS > 0 {
			opts.FPS = o.FPS
		}
		s, err := r.openSink(ctx, opts)
		if err != nil {
			if derr := sinks.Discard(); derr != nil {
				r.log.Warn("failed to discard output", "error", derr)
			}
			return nil, fmt.Errorf("extra output %s: %w", o.Path, err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ManifestJob wraps a manifest in a morph job.
func ManifestJob(m *manifest.Manifest) Job {
	return Job{Type: JobMorph, Manifest: m}
}
