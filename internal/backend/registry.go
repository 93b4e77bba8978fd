package backend

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"parallelmorph/internal/errs"
)

const (
	ModeSequential  = "sequential"
	ModeParallel    = "parallel"
	ModeAccelerated = "accelerated"
)

// MaxAcceleratedPairs is the number of line pairs an accelerated device accepts.
// Devices keep the pairs in a fixed-size constant buffer.
const MaxAcceleratedPairs = 128

// Options tune the backend a Registry builds.
type Options struct {
	Workers int
	// Device selects an accelerator by path. Empty picks the first registered one.
	Device string
}

// Factory builds a backend from options.
type Factory func(opts Options) (Backend, error)

// Device describes an accelerator that can run frames.
type Device struct {
	Description string
	Path        string
	New         func() (Backend, error)
}

// Registry maps mode names to backend factories and tracks accelerators.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	devices   []Device
}

// NewRegistry returns a registry with the sequential and parallel backends and
// the accelerated mode bound to whatever devices get registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(ModeSequential, func(Options) (Backend, error) { return Sequential{}, nil })
	r.Register(ModeParallel, func(o Options) (Backend, error) { return Parallel{Workers: o.Workers}, nil })
	r.Register(ModeAccelerated, r.accelerated)
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// RegisterDevice makes an accelerator available to the accelerated mode.
func (r *Registry) RegisterDevice(d Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = append(r.devices, d)
}

// Names lists the registered modes, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Devices lists the registered accelerators in registration order.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.devices)
}

// Select builds the backend registered under name. Unknown names fail with
// errs.ErrInvalidInput; factory failures with errs.ErrBackendInit.
func (r *Registry) Select(name string, opts Options) (Backend, error) {
	if name == "" {
		name = ModeParallel
	}
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %q (available: %v)", errs.ErrInvalidInput, name, r.Names())
	}
	b, err := f(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", errs.ErrBackendInit, name, err)
	}
	return b, nil
}

func (r *Registry) accelerated(opts Options) (Backend, error) {
	devices := r.Devices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("no accelerator available")
	}
	for _, d := range devices {
		if opts.Device == "" || opts.Device == d.Path {
			b, err := d.New()
			if err != nil {
				return nil, fmt.Errorf("device %s: %w", d.Path, err)
			}
			return pairLimit{Backend: b, max: MaxAcceleratedPairs}, nil
		}
	}
	return nil, fmt.Errorf("accelerator %q not found", opts.Device)
}

// pairLimit rejects runs with more line pairs than a device can hold.
type pairLimit struct {
	Backend
	max int
}

func (p pairLimit) Open(ctx context.Context, in Inputs) (Session, error) {
	if n := in.Lines.Len(); n > p.max {
		return nil, fmt.Errorf("%d line pairs exceed the device limit of %d", n, p.max)
	}
	return p.Backend.Open(ctx, in)
}
