package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"parallelmorph/internal/backend"
	"parallelmorph/internal/pipeline"
	"parallelmorph/internal/storage"
)

type fakePipeline struct {
	mu        sync.Mutex
	submitted []pipeline.Job
	cancelled []string
	submitErr error
	events    chan pipeline.Event
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{events: make(chan pipeline.Event, 16)}
}

func (f *fakePipeline) Submit(job pipeline.Job) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, job)
	return "run_test", nil
}

func (f *fakePipeline) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != "run_test" {
		return pipeline.ErrUnknownJob
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Event, func()) {
	return f.events, func() {}
}

const testManifest = `{"start":"a.png","end":"b.png","frames":5,
"pairs":[{"start":{"p0":{"x":0,"y":0},"p1":{"x":1,"y":0}},"end":{"p0":{"x":0,"y":0},"p1":{"x":1,"y":0}}}]}`

func newTestServer(t *testing.T) (*Server, *fakePipeline, *storage.Store, *httptest.Server) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	pipe := newFakePipeline()
	srv := NewServer(":0", store, pipe, backend.NewRegistry(), slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv.startHub(ctx)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, pipe, store, ts
}

func TestHealthz(t *testing.T) {
	_, _, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", resp.StatusCode, body)
	}
}

func TestSubmitRun(t *testing.T) {
	_, pipe, _, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/runs", "application/json", strings.NewReader(testManifest))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["id"] != "run_test" {
		t.Fatalf("expected id run_test, got %v", got)
	}
	if len(pipe.submitted) != 1 {
		t.Fatalf("expected one submitted job, got %d", len(pipe.submitted))
	}
	job := pipe.submitted[0]
	if job.Type != pipeline.JobMorph || job.Manifest.Frames != 5 {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestSubmitProbe(t *testing.T) {
	_, pipe, _, ts := newTestServer(t)
	resp, err := http.Post(ts.URL+"/runs?type=probe", "application/json", strings.NewReader(testManifest))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if len(pipe.submitted) != 1 || pipe.submitted[0].Type != pipeline.JobProbe {
		t.Fatalf("expected a probe job, got %+v", pipe.submitted)
	}
}

func TestSubmitRejections(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		submitErr error
		want      int
	}{
		{name: "malformed", body: "{", want: http.StatusBadRequest},
		{name: "unknown field", body: `{"start":"a","end":"b","lines":"l","colour":1}`, want: http.StatusBadRequest},
		{name: "missing end", body: `{"start":"a","lines":"l"}`, want: http.StatusBadRequest},
		{name: "queue full", body: testManifest, submitErr: pipeline.ErrQueueFull, want: http.StatusServiceUnavailable},
		{name: "stopped", body: testManifest, submitErr: pipeline.ErrStopped, want: http.StatusServiceUnavailable},
		{name: "other", body: testManifest, submitErr: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, pipe, _, ts := newTestServer(t)
			pipe.submitErr = tt.submitErr
			resp, err := http.Post(ts.URL+"/runs", "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestCancelRun(t *testing.T) {
	_, pipe, _, ts := newTestServer(t)

	do := func(id string) int {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/runs/"+id, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("delete: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := do("run_test"); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	if code := do("run_missing"); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if diff := cmp.Diff([]string{"run_test"}, pipe.cancelled); diff != "" {
		t.Fatalf("cancelled mismatch (-want +got):\n%s", diff)
	}
}

func TestListAndGetRuns(t *testing.T) {
	_, _, store, ts := newTestServer(t)
	if err := store.RecordRunQueued(storage.RunRecord{ID: "run_a", Name: "a", StartPath: "a.png", EndPath: "b.png", Frames: 4}); err != nil {
		t.Fatalf("record: %v", err)
	}

	resp, err := http.Get(ts.URL + "/runs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var runs []storage.RunRecord
	json.NewDecoder(resp.Body).Decode(&runs)
	resp.Body.Close()
	if len(runs) != 1 || runs[0].ID != "run_a" || runs[0].Status != storage.StatusQueued {
		t.Fatalf("unexpected runs %+v", runs)
	}

	resp, err = http.Get(ts.URL + "/runs/run_a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var rec storage.RunRecord
	json.NewDecoder(resp.Body).Decode(&rec)
	resp.Body.Close()
	if rec.Name != "a" || rec.Frames != 4 {
		t.Fatalf("unexpected run %+v", rec)
	}

	resp, err = http.Get(ts.URL + "/runs/run_nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/runs?limit=zero")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestBackends(t *testing.T) {
	_, _, _, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/backends")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var got struct {
		Backends []string `json:"backends"`
		MaxPairs int      `json:"max_pairs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff([]string{backend.ModeAccelerated, backend.ModeParallel, backend.ModeSequential}, got.Backends); diff != "" {
		t.Fatalf("backends mismatch (-want +got):\n%s", diff)
	}
	if got.MaxPairs != backend.MaxAcceleratedPairs {
		t.Fatalf("expected max pairs %d, got %d", backend.MaxAcceleratedPairs, got.MaxPairs)
	}
}

func TestWebSocketReceivesEvents(t *testing.T) {
	srv, pipe, _, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	pipe.events <- pipeline.Event{Kind: pipeline.EventProgress, JobID: "run_x", Frames: 3, Percent: 60}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev pipeline.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Kind != pipeline.EventProgress || ev.JobID != "run_x" || ev.Percent != 60 {
		t.Fatalf("unexpected event %+v", ev)
	}
}
