package pipeline

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// RunPrefix is the type prefix of run IDs, e.g. run_01h455vb4pex5vsknk084sn02q.
const RunPrefix = "run"

// NewRunID returns a new sortable run ID.
func NewRunID() string {
	return typeid.MustGenerate(RunPrefix).String()
}

// ValidateRunID checks that id is a well formed run ID.
func ValidateRunID(id string) error {
	parsed, err := typeid.Parse(id)
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", id, err)
	}
	if parsed.Prefix() != RunPrefix {
		return fmt.Errorf("expected prefix %q but got %q in id %q", RunPrefix, parsed.Prefix(), id)
	}
	return nil
}
