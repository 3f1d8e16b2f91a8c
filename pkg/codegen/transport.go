package codegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

const (
	defaultGeneratePath = "/api/generate"
	maxErrorBody        = 64 * 1024
)

// Config holds transport configuration for the generation backend.
type Config struct {
	BaseURL string
	Path    string // endpoint path, defaults to /api/generate
	APIKey  string

	// IdleTimeout aborts a stream that produces no frame for this long.
	// Zero disables the watchdog; a hung backend is then indistinguishable
	// from a very slow run.
	IdleTimeout time.Duration

	Logger *slog.Logger
}

// Transport opens streaming generation requests. Each Open issues exactly
// one POST carrying {prompt, project} and yields decoded frames until a
// terminal frame, EOF, or abort. Every failure mode surfaces as a single
// synthetic error frame on the stream so consumers have one failure channel.
type Transport struct {
	config     *Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTransport creates a Transport for the given backend.
func NewTransport(config *Config) *Transport {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		config: config,
		// No client-level timeout: generation streams run for minutes.
		// Hung streams are covered by the idle watchdog instead.
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Stream is one open generation run.
type Stream struct {
	events  chan Event
	cancel  context.CancelFunc
	once    sync.Once
	aborted atomic.Bool
}

// Events returns the run's frame channel. It is closed after a terminal
// frame, at end of stream, or once an abort takes effect.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Abort cancels the underlying request. Idempotent and safe to call after
// the stream has already completed.
func (s *Stream) Abort() {
	s.once.Do(func() {
		s.aborted.Store(true)
		s.cancel()
	})
}

// Open begins one streaming generation run. It never fails directly:
// request construction and network errors arrive as an error frame on the
// returned stream.
func (t *Transport) Open(ctx context.Context, req Request) *Stream {
	runCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan Event, 16),
		cancel: cancel,
	}
	go t.run(runCtx, req, s)
	return s
}

func (t *Transport) run(ctx context.Context, req Request, s *Stream) {
	defer close(s.events)
	defer s.cancel()

	body, err := json.Marshal(req)
	if err != nil {
		t.fail(ctx, s, fmt.Sprintf("encoding request: %v", err))
		return
	}

	path := t.config.Path
	if path == "" {
		path = defaultGeneratePath
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		t.fail(ctx, s, fmt.Sprintf("creating request: %v", err))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson, text/event-stream")
	if t.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.config.APIKey)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if s.aborted.Load() || ctx.Err() != nil {
			return
		}
		t.fail(ctx, s, fmt.Sprintf("contacting generation backend: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.fail(ctx, s, t.readErrorBody(resp))
		return
	}

	// Idle watchdog: cancel the request if the backend stalls between frames.
	var timedOut atomic.Bool
	var watchdog *time.Timer
	if t.config.IdleTimeout > 0 {
		watchdog = time.AfterFunc(t.config.IdleTimeout, func() {
			timedOut.Store(true)
			s.cancel()
		})
		defer watchdog.Stop()
	}

	decoder := NewDecoder(resp.Body, resp.Header.Get("Content-Type"))
	for {
		ev, err := decoder.Next()
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				t.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			if err == io.EOF {
				return
			}
			if s.aborted.Load() {
				return
			}
			if timedOut.Load() {
				t.fail(ctx, s, fmt.Sprintf("generation stream idle for %s, giving up", t.config.IdleTimeout))
				return
			}
			if ctx.Err() != nil {
				return
			}
			t.fail(ctx, s, fmt.Sprintf("reading generation stream: %v", err))
			return
		}

		if watchdog != nil {
			watchdog.Reset(t.config.IdleTimeout)
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}

		if ev.Terminal() {
			return
		}
	}
}

// fail emits one synthetic error frame. The send is non-blocking: the frame
// only fails to fit when the consumer has stopped draining, in which case
// nobody is left to see it anyway.
func (t *Transport) fail(_ context.Context, s *Stream, message string) {
	select {
	case s.events <- Event{Type: EventError, Err: &ErrorFrame{Message: message}}:
	default:
	}
}

// readErrorBody turns a non-2xx response into a user-facing message.
// Proxies and gateways tend to answer with HTML error pages, which are
// flattened to markdown so the message stays readable.
func (t *Transport) readErrorBody(resp *http.Response) string {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(bytes.TrimSpace(body)) == 0 {
		return fmt.Sprintf("backend error (status %d)", resp.StatusCode)
	}

	text := string(body)
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		if md, err := htmltomarkdown.ConvertString(text); err == nil {
			text = md
		}
	}
	text = strings.TrimSpace(text)

	return fmt.Sprintf("backend error (status %d): %s", resp.StatusCode, text)
}
