// Package errs defines the failure categories a morph run can end with.
// Callers match them with errors.Is; the wrapped message carries the detail.
package errs

import "errors"

var (
	// ErrInvalidInput covers empty or degenerate line pairs and bad options.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDimensionMismatch is returned when start and end images differ in size.
	ErrDimensionMismatch = errors.New("start and end images have different dimensions")
	// ErrBackendInit is returned when a compute backend cannot set up its session.
	ErrBackendInit = errors.New("backend initialization failed")
	// ErrCancelled is returned when a run observes cancellation between frames.
	ErrCancelled = errors.New("morph cancelled")
)

var kinds = []struct {
	name     string
	sentinel error
}{
	{"cancelled", ErrCancelled},
	{"invalid_input", ErrInvalidInput},
	{"dimension_mismatch", ErrDimensionMismatch},
	{"backend_init", ErrBackendInit},
}

// Kind names the category of err, or returns "" when err matches none.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.name
		}
	}
	return ""
}

// FromKind rebuilds an error carried as text, keeping the category named by
// kind so errors.Is still matches after a round trip through an event.
func FromKind(kind, msg string) error {
	for _, k := range kinds {
		if k.name == kind {
			return &kindError{msg: msg, sentinel: k.sentinel}
		}
	}
	return errors.New(msg)
}

type kindError struct {
	msg      string
	sentinel error
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.sentinel }
