// Package watch submits morph manifests dropped into hot folders.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"parallelmorph/internal/fsutil"
	"parallelmorph/internal/manifest"
	"parallelmorph/internal/pipeline"
)

// DefaultSettle is how long a manifest must stay unchanged before it is submitted.
const DefaultSettle = 500 * time.Millisecond

// Submitter accepts jobs.
type Submitter interface {
	Submit(job pipeline.Job) (string, error)
}

// Watcher monitors directories for new or rewritten manifests.
type Watcher struct {
	watcher   *fsnotify.Watcher
	watchDirs []string
	submit    Submitter
	log       *slog.Logger
	settle    time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	done    chan struct{}
}

// New creates a watcher for dirs. A settle of zero uses DefaultSettle.
func New(dirs []string, submit Submitter, settle time.Duration, log *slog.Logger) (*Watcher, error) {
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no directories to watch")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Watcher{
		watcher:   fw,
		watchDirs: dirs,
		submit:    submit,
		log:       log,
		settle:    settle,
		pending:   make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}, nil
}

// Start adds the watch directories and processes events until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	for _, dir := range w.watchDirs {
		if err := w.watcher.Add(dir); err != nil {
			w.watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.log.Info("Watching directory", "dir", dir)
	}
	go w.processEvents(ctx)
	return nil
}

// Done is closed once the watcher has stopped.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)
	defer w.stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fsutil.IsManifest(event.Name) {
				continue
			}
			w.schedule(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("Filesystem watcher error", "error", err)
		}
	}
}

// schedule (re)starts the settle timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.handle(path)
	})
}

func (w *Watcher) handle(path string) {
	m, err := manifest.Load(path)
	if err != nil {
		w.log.Warn("Skipping manifest", "path", path, "error", err)
		return
	}
	id, err := w.submit.Submit(pipeline.ManifestJob(m))
	if err != nil {
		w.log.Error("Manifest submission failed", "path", path, "error", err)
		return
	}
	w.log.Info("Manifest submitted", "path", path, "run", id, "name", m.Name)
}

func (w *Watcher) stop() {
	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.watcher.Close()
}
