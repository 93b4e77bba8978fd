package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"parallelmorph/internal/errs"
	"parallelmorph/internal/logging"
	"parallelmorph/internal/manifest"
	"parallelmorph/internal/storage"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	// JobMorph renders every frame of a manifest.
	JobMorph JobType = "morph"
	// JobProbe loads and validates a manifest's inputs without rendering.
	JobProbe JobType = "probe"
)

var (
	ErrQueueFull  = errors.New("job queue is full")
	ErrUnknownJob = errors.New("unknown job")
	ErrStopped    = errors.New("pipeline stopped")
)

// Job represents a single processing request.
type Job struct {
	ID       string             `json:"id"`
	Type     JobType            `json:"type"`
	Manifest *manifest.Manifest `json:"manifest"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// ProgressFunc receives the number of frames delivered and the completed percentage.
type ProgressFunc func(frames, percent int)

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job, progress ProgressFunc) Result
}

// EventKind is the lifecycle stage an Event reports.
type EventKind string

const (
	EventQueued    EventKind = "queued"
	EventStarted   EventKind = "started"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
)

// Terminal reports whether no further events follow for the job.
func (k EventKind) Terminal() bool {
	return k == EventCompleted || k == EventFailed || k == EventCancelled
}

// Event is broadcast to subscribers as jobs move through the pipeline.
type Event struct {
	Kind    EventKind `json:"kind"`
	JobID   string    `json:"job_id"`
	Type    JobType   `json:"type"`
	Name    string    `json:"name,omitempty"`
	Frames  int       `json:"frames,omitempty"`
	Percent int       `json:"percent,omitempty"`
	Error   string    `json:"error,omitempty"`
	// ErrorKind is the errs category of Error, see errs.Kind.
	ErrorKind string         `json:"error_kind,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Time      time.Time      `json:"time"`
}

// Err rebuilds the error of a failed or cancelled event, nil otherwise.
func (e Event) Err() error {
	if e.Error == "" {
		return nil
	}
	return errs.FromKind(e.ErrorKind, e.Error)
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopOnce  sync.Once
	store     *storage.Store

	mu        sync.Mutex
	stopped   bool
	subs      map[int]chan Event
	nextSubID int
	running   map[string]context.CancelFunc
	queued    map[string]bool // true once cancelled before a worker picked it up
}

// New creates a new Pipeline with the given concurrency and processor
// implementation. queueSize bounds how many jobs may wait for a worker.
func New(ctx context.Context, concurrency, queueSize int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueSize < 1 {
		queueSize = concurrency * 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, queueSize),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Event),
		running:   make(map[string]context.CancelFunc),
		queued:    make(map[string]bool),
	}

	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	return p
}

// Submit adds a job to the processing queue and returns its ID, generating one
// when the job has none.
func (p *Pipeline) Submit(job Job) (string, error) {
	if job.Manifest == nil {
		return "", fmt.Errorf("%w: job has no manifest", errs.ErrInvalidInput)
	}
	if job.Type == "" {
		job.Type = JobMorph
	}
	if job.ID == "" {
		job.ID = NewRunID()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return "", ErrStopped
	}
	if _, dup := p.queued[job.ID]; dup {
		return "", fmt.Errorf("job %s already queued", job.ID)
	}
	if _, dup := p.running[job.ID]; dup {
		return "", fmt.Errorf("job %s already running", job.ID)
	}

	select {
	case p.jobs <- job:
	default:
		return "", ErrQueueFull
	}
	p.queued[job.ID] = false

	if p.store != nil {
		manifestJSON, _ := json.Marshal(job.Manifest)
		if err := p.store.RecordRunQueued(storage.RunRecord{
			ID:           job.ID,
			Name:         job.Manifest.Name,
			Status:       storage.StatusQueued,
			StartPath:    job.Manifest.Start,
			EndPath:      job.Manifest.End,
			OutputPath:   job.Manifest.Output.Path,
			Backend:      job.Manifest.Backend,
			Frames:       job.Manifest.Frames,
			ManifestJSON: string(manifestJSON),
		}); err != nil {
			p.log.Warn("failed to record queued run", "run", job.ID, "error", err)
		}
	}
	p.broadcastLocked(Event{Kind: EventQueued, JobID: job.ID, Type: job.Type, Name: job.Manifest.Name, Time: time.Now()})
	return job.ID, nil
}

// Cancel stops a queued or running job. A running job stops before its next
// frame; a queued one is skipped when a worker reaches it.
func (p *Pipeline) Cancel(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.running[id]; ok {
		cancel()
		return nil
	}
	if _, ok := p.queued[id]; ok {
		p.queued[id] = true
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownJob, id)
}

// Active reports whether id is queued or running.
func (p *Pipeline) Active(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, queued := p.queued[id]
	_, running := p.running[id]
	return queued || running
}

// Stop signals workers to exit and waits for completion. Running jobs are
// cancelled and jobs still waiting in the queue end as cancelled.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()

		p.cancel()
		p.wg.Wait()

		for job := range p.jobs {
			p.mu.Lock()
			delete(p.queued, job.ID)
			p.mu.Unlock()
			p.finish(job, storage.StatusCancelled, EventCancelled, nil, 0, fmt.Errorf("%w: pipeline stopped", errs.ErrCancelled))
		}

		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	p.mu.Lock()
	cancelled := p.queued[job.ID]
	delete(p.queued, job.ID)
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !cancelled {
		p.running[job.ID] = cancel
	}
	p.mu.Unlock()

	if cancelled {
		p.finish(job, storage.StatusCancelled, EventCancelled, nil, 0, fmt.Errorf("%w: cancelled before start", errs.ErrCancelled))
		return
	}
	defer func() {
		p.mu.Lock()
		delete(p.running, job.ID)
		p.mu.Unlock()
	}()

	start := time.Now()
	logging.LogRunStart(p.log, job.ID, job.Manifest.Start, job.Manifest.End, job.Manifest.Output.Path, map[string]any{
		"type":    job.Type,
		"frames":  job.Manifest.Frames,
		"backend": job.Manifest.Backend,
	})
	if err := p.store.RecordRunStart(job.ID); err != nil {
		p.log.Warn("failed to record run start", "run", job.ID, "error", err)
	}
	p.broadcast(Event{Kind: EventStarted, JobID: job.ID, Type: job.Type, Name: job.Manifest.Name, Time: time.Now()})

	var delivered int
	res := p.processor.Process(jobCtx, job, func(frames, percent int) {
		delivered = frames
		logging.LogFrame(p.log, job.ID, frames-1, percent)
		if err := p.store.RecordRunProgress(job.ID, frames, percent); err != nil {
			p.log.Warn("failed to record progress", "run", job.ID, "error", err)
		}
		p.broadcast(Event{Kind: EventProgress, JobID: job.ID, Type: job.Type, Name: job.Manifest.Name, Frames: frames, Percent: percent, Time: time.Now()})
	})
	res.Job = job
	duration := time.Since(start)

	switch {
	case res.Error == nil:
		logging.LogRunComplete(p.log, job.ID, delivered, duration)
		p.finish(job, storage.StatusCompleted, EventCompleted, res.Meta, delivered, nil)
	case errors.Is(res.Error, errs.ErrCancelled):
		logging.LogRunError(p.log, job.ID, delivered, duration, res.Error)
		p.finish(job, storage.StatusCancelled, EventCancelled, res.Meta, delivered, res.Error)
	default:
		logging.LogRunError(p.log, job.ID, delivered, duration, res.Error)
		p.finish(job, storage.StatusFailed, EventFailed, res.Meta, delivered, res.Error)
	}
}

func (p *Pipeline) finish(job Job, status string, kind EventKind, meta map[string]any, frames int, err error) {
	errKind := errs.Kind(err)
	if errKind != "" {
		withKind := make(map[string]any, len(meta)+1)
		for k, v := range meta {
			withKind[k] = v
		}
		withKind["error_kind"] = errKind
		meta = withKind
	}
	if e := p.store.RecordRunResult(job.ID, status, meta, errString(err)); e != nil {
		p.log.Warn("failed to record run result", "run", job.ID, "error", e)
	}
	ev := Event{
		Kind:   kind,
		JobID:  job.ID,
		Type:   job.Type,
		Name:   job.Manifest.Name,
		Frames:    frames,
		Error:     errString(err),
		ErrorKind: errKind,
		Meta:      meta,
		Time:      time.Now(),
	}
	if kind == EventCompleted {
		ev.Percent = 100
	}
	p.broadcast(ev)
}

// Subscribe returns a channel for receiving job events and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Event, 64)
	if p.stopped {
		close(ch)
		return ch, func() {}
	}
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcastLocked(ev)
}

func (p *Pipeline) broadcastLocked(ev Event) {
	for id, ch := range p.subs {
		if !deliver(ch, ev) {
			p.log.Warn("event channel full", "subscriber", id, "job", ev.JobID, "kind", ev.Kind)
		}
	}
}

// deliver sends ev without blocking. Progress events are dropped when ch is
// full. Any other event makes room by discarding the buffered progress events;
// the rest keep their order.
func deliver(ch chan Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	default:
	}
	if ev.Kind == EventProgress {
		return false
	}

	kept := make([]Event, 0, cap(ch)+1)
drain:
	for {
		select {
		case old := <-ch:
			if old.Kind != EventProgress {
				kept = append(kept, old)
			}
		default:
			break drain
		}
	}
	kept = append(kept, ev)
	if len(kept) > cap(ch) {
		kept = dropUntilFits(kept, cap(ch))
	}
	for _, e := range kept {
		select {
		case ch <- e:
		default:
			return false
		}
	}
	return true
}

// dropUntilFits removes the oldest non-terminal events until evs fits in n.
func dropUntilFits(evs []Event, n int) []Event {
	excess := len(evs) - n
	out := evs[:0]
	for _, e := range evs {
		if excess > 0 && !e.Kind.Terminal() {
			excess--
			continue
		}
		out = append(out, e)
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}
