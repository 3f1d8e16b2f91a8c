package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/user/austudio/internal/budget"
	"github.com/user/austudio/internal/gateway"
	"github.com/user/austudio/internal/studio"
	"github.com/user/austudio/internal/types"
	"github.com/user/austudio/pkg/codegen"
)

// Server exposes the gateway over HTTP. Generate responses are re-streamed
// as server-sent events: one state snapshot per applied frame, ending with
// the terminal snapshot.
type Server struct {
	gw  *gateway.Gateway
	mux *http.ServeMux
}

// NewServer creates a Server in front of the given gateway.
func NewServer(gw *gateway.Gateway) *Server {
	s := &Server{
		gw:  gw,
		mux: http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /api/sessions/{key}", s.handleSnapshot)
	s.mux.HandleFunc("GET /api/sessions/{key}/project", s.handleProject)
	s.mux.HandleFunc("POST /api/sessions/{key}/generate", s.handleGenerate)
	s.mux.HandleFunc("POST /api/sessions/{key}/stop", s.handleStop)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// generateRequest is the JSON body for POST /api/sessions/{key}/generate.
// An explicit project makes the run a refine against that base instead of
// the session's current project.
type generateRequest struct {
	Prompt  string              `json:"prompt"`
	Project *codegen.AusProject `json:"project,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	key := types.SessionKey(r.PathValue("key"))

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	// Subscribe before admitting the run so no snapshot is missed.
	sess := s.gw.Resolve(key)
	updates, unsubscribe := sess.Subscribe()
	defer unsubscribe()

	var base []*codegen.AusProject
	if req.Project != nil {
		base = append(base, req.Project)
	}
	if err := s.gw.Generate(r.Context(), key, req.Prompt, base...); err != nil {
		writeGenerateError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = sess.Wait(context.Background())
	}()

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				return
			}
			writeSSE(w, flusher, snap)
			if !snap.IsStreaming {
				return
			}
		case <-runDone:
			// Drain anything still buffered, then emit the terminal
			// snapshot in case the fanout dropped it.
			for {
				select {
				case snap := <-updates:
					writeSSE(w, flusher, snap)
					if !snap.IsStreaming {
						return
					}
				default:
					writeSSE(w, flusher, sess.Snapshot())
					return
				}
			}
		case <-r.Context().Done():
			// The client hung up; the run keeps going server-side.
			return
		}
	}
}

func writeGenerateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, studio.ErrEmptyPrompt):
		http.Error(w, `{"error":"prompt must not be empty"}`, http.StatusBadRequest)
	case errors.Is(err, studio.ErrRunActive):
		http.Error(w, `{"error":"a run is already active for this session"}`, http.StatusConflict)
	case errors.Is(err, gateway.ErrBusy):
		http.Error(w, `{"error":"generation capacity exhausted, try again later"}`, http.StatusServiceUnavailable)
	case errors.Is(err, budget.ErrOverBudget):
		http.Error(w, `{"error":"request exceeds the model's context window"}`, http.StatusRequestEntityTooLarge)
	default:
		slog.Error("generate failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, snap studio.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		slog.Error("marshal snapshot failed", "error", err)
		return
	}
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
	flusher.Flush()
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	key := types.SessionKey(r.PathValue("key"))
	if err := s.gw.StopRun(key); err != nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "stopped"})
}

type sessionResponse struct {
	SessionKey  string    `json:"session_key"`
	RunState    string    `json:"run_state"`
	IsStreaming bool      `json:"is_streaming"`
	Messages    int       `json:"messages"`
	Files       int       `json:"files"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.gw.Sessions()
	result := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		snap := sess.Snapshot()
		result = append(result, sessionResponse{
			SessionKey:  string(snap.SessionKey),
			RunState:    string(snap.RunState),
			IsStreaming: snap.IsStreaming,
			Messages:    len(snap.Messages),
			Files:       len(snap.Files),
			UpdatedAt:   snap.UpdatedAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	key := types.SessionKey(r.PathValue("key"))
	sess, ok := s.gw.Lookup(key)
	if !ok {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sess.Snapshot())
}

func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	key := types.SessionKey(r.PathValue("key"))
	sess, ok := s.gw.Lookup(key)
	if !ok {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}
	snap := sess.Snapshot()
	if snap.Project == nil {
		http.Error(w, `{"error":"session has no project yet"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap.Project)
}
