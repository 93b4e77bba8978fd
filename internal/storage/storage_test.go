package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openStore(t)
	rec := RunRecord{ID: "run_1", Name: "face", StartPath: "a.png", EndPath: "b.png", OutputPath: "out", Backend: "parallel", Frames: 10}
	if err := s.RecordRunQueued(rec); err != nil {
		t.Fatal(err)
	}
	got, err := s.Run("run_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusQueued || got.Frames != 10 || got.StartedAt != nil {
		t.Fatalf("unexpected queued record: %+v", got)
	}

	if err := s.RecordRunStart("run_1"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRunProgress("run_1", 4, 40); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRunResult("run_1", StatusCompleted, map[string]any{"frames": 10}, ""); err != nil {
		t.Fatal(err)
	}

	got, err = s.Run("run_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted || got.FramesDone != 4 || got.Progress != 40 {
		t.Fatalf("unexpected final record: %+v", got)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("expected timestamps, got %+v", got)
	}
	meta, err := s.RunMeta("run_1")
	if err != nil {
		t.Fatal(err)
	}
	if meta["frames"] != float64(10) {
		t.Fatalf("unexpected meta: %v", meta)
	}
}

func TestRecentRunsNewestFirst(t *testing.T) {
	s := openStore(t)
	for _, id := range []string{"run_a", "run_b", "run_c"} {
		if err := s.RecordRunQueued(RunRecord{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RecordRunResult("run_b", StatusFailed, nil, "boom"); err != nil {
		t.Fatal(err)
	}
	recs, err := s.RecentRuns(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].ID != "run_c" || recs[1].ID != "run_b" {
		t.Fatalf("unexpected order: %+v", recs)
	}
	if recs[1].Error != "boom" || recs[1].Status != StatusFailed {
		t.Fatalf("expected failed run_b, got %+v", recs[1])
	}
}

func TestUnknownRun(t *testing.T) {
	s := openStore(t)
	if _, err := s.Run("run_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.RunMeta("run_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	if err := s.RecordRunQueued(RunRecord{ID: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordRunProgress("x", 1, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecentRuns(1); err == nil {
		t.Fatalf("expected error from nil store")
	}
}
