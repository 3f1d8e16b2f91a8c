package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/user/austudio/internal/gateway"
	"github.com/user/austudio/internal/studio"
	"github.com/user/austudio/internal/types"
	"github.com/user/austudio/pkg/codegen"
)

type openerFunc func(ctx context.Context, req codegen.Request) studio.Stream

func (f openerFunc) Open(ctx context.Context, req codegen.Request) studio.Stream {
	return f(ctx, req)
}

type fakeStream struct {
	ch chan codegen.Event
}

func (s *fakeStream) Events() <-chan codegen.Event { return s.ch }
func (s *fakeStream) Abort()                       {}

func scripted(events ...codegen.Event) openerFunc {
	return func(context.Context, codegen.Request) studio.Stream {
		ch := make(chan codegen.Event, len(events))
		for _, ev := range events {
			ch <- ev
		}
		close(ch)
		return &fakeStream{ch: ch}
	}
}

func setupServer(t *testing.T, opener studio.Opener, maxConcurrent int64) (*Server, *gateway.Gateway) {
	t.Helper()
	gw := gateway.New(opener, maxConcurrent)
	gw.Start(context.Background())
	t.Cleanup(gw.Stop)
	return NewServer(gw), gw
}

// sseSnapshots parses the data lines of an SSE response body.
func sseSnapshots(t *testing.T, body string) []studio.Snapshot {
	t.Helper()
	var snaps []studio.Snapshot
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var snap studio.Snapshot
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap); err != nil {
			t.Fatalf("bad SSE data line: %v", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := setupServer(t, scripted(), 2)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestGenerateStreamsSnapshots(t *testing.T) {
	srv, _ := setupServer(t, scripted(
		codegen.Event{Type: codegen.EventPhaseUpdate, Phase: &codegen.PhaseUpdate{Name: "plan", Status: "active"}},
		codegen.Event{Type: codegen.EventFileWrite, File: &codegen.FileWrite{Path: "App.tsx", Content: "x"}},
		codegen.Event{Type: codegen.EventDone},
	), 2)

	body := `{"prompt":"build a todo app"}`
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/http:a/generate", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	snaps := sseSnapshots(t, w.Body.String())
	if len(snaps) == 0 {
		t.Fatal("no snapshots streamed")
	}
	final := snaps[len(snaps)-1]
	if final.IsStreaming {
		t.Error("final snapshot still streaming")
	}
	if final.RunState != types.RunCompleted {
		t.Errorf("final run state = %s", final.RunState)
	}
	if _, ok := final.Files["App.tsx"]; !ok {
		t.Error("final snapshot missing generated file")
	}
}

func TestGenerateEmptyPrompt(t *testing.T) {
	srv, _ := setupServer(t, scripted(), 2)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/http:a/generate", strings.NewReader(`{"prompt":""}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGenerateInvalidJSON(t *testing.T) {
	srv, _ := setupServer(t, scripted(), 2)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/http:a/generate", strings.NewReader(`{`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGenerateConflictWhileRunning(t *testing.T) {
	held := &fakeStream{ch: make(chan codegen.Event)}
	srv, gw := setupServer(t, openerFunc(func(context.Context, codegen.Request) studio.Stream {
		return held
	}), 2)

	if err := gw.Generate(context.Background(), "http:a", "first"); err != nil {
		t.Fatal(err)
	}
	defer close(held.ch)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/http:a/generate", strings.NewReader(`{"prompt":"second"}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestGenerateBusy(t *testing.T) {
	held := &fakeStream{ch: make(chan codegen.Event)}
	srv, gw := setupServer(t, openerFunc(func(context.Context, codegen.Request) studio.Stream {
		return held
	}), 1)

	if err := gw.Generate(context.Background(), "http:a", "first"); err != nil {
		t.Fatal(err)
	}
	defer close(held.ch)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/http:b/generate", strings.NewReader(`{"prompt":"second"}`))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestStopEndpoint(t *testing.T) {
	held := &fakeStream{ch: make(chan codegen.Event)}
	srv, gw := setupServer(t, openerFunc(func(context.Context, codegen.Request) studio.Stream {
		return held
	}), 2)

	if err := gw.Generate(context.Background(), "http:a", "build"); err != nil {
		t.Fatal(err)
	}
	defer close(held.ch)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/http:a/stop", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	snap := gw.Resolve("http:a").Snapshot()
	if snap.RunState != types.RunCancelled {
		t.Errorf("run state = %s", snap.RunState)
	}
}

func TestStopUnknownSession(t *testing.T) {
	srv, _ := setupServer(t, scripted(), 2)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/nope/stop", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSessionsList(t *testing.T) {
	srv, gw := setupServer(t, scripted(codegen.Event{Type: codegen.EventDone}), 2)

	if err := gw.Generate(context.Background(), "http:a", "build"); err != nil {
		t.Fatal(err)
	}
	if err := gw.Resolve("http:a").Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	gw.Resolve("http:b")

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var result []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if len(result) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(result))
	}
	if result[0]["session_key"] != "http:a" {
		t.Errorf("sessions not ordered by key: %v", result[0])
	}
}

func TestSnapshotAndProjectEndpoints(t *testing.T) {
	srv, gw := setupServer(t, scripted(
		codegen.Event{Type: codegen.EventFileWrite, File: &codegen.FileWrite{Path: "a.ts", Content: "x"}},
		codegen.Event{Type: codegen.EventDone},
	), 2)

	// Unknown session
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/http:a", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", w.Code)
	}

	// No project yet
	gw.Resolve("http:a")
	req = httptest.NewRequest(http.MethodGet, "/api/sessions/http:a/project", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before first run, got %d", w.Code)
	}

	if err := gw.Generate(context.Background(), "http:a", "build"); err != nil {
		t.Fatal(err)
	}
	if err := gw.Resolve("http:a").Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sessions/http:a/project", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var project codegen.AusProject
	if err := json.NewDecoder(w.Body).Decode(&project); err != nil {
		t.Fatal(err)
	}
	if _, ok := project.Files["a.ts"]; !ok {
		t.Error("project missing generated file")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sessions/http:a", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap studio.Snapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.RunState != types.RunCompleted {
		t.Errorf("run state = %s", snap.RunState)
	}
}
