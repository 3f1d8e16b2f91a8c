package notify

import (
	"fmt"
	"strings"
	"sync"

	"github.com/user/austudio/internal/studio"
	"github.com/user/austudio/internal/types"
)

// Summary is the run outcome pushed to notification channels.
type Summary struct {
	SessionKey types.SessionKey
	RunState   types.RunState
	Files      int
	Error      string
}

// FromSnapshot reduces a terminal snapshot to a Summary.
func FromSnapshot(snap studio.Snapshot) Summary {
	return Summary{
		SessionKey: snap.SessionKey,
		RunState:   snap.RunState,
		Files:      len(snap.Files),
		Error:      snap.Error,
	}
}

// Handler pushes one run summary to a notification channel.
type Handler func(Summary) error

// Registry routes run summaries to the appropriate handler based on session
// key prefix (e.g. "telegram:", "http:"). Transient delivery failures are
// retried with backoff.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	retry    *RetryPolicy
}

// NewRegistry creates an empty notification registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		retry:    DefaultRetryPolicy(),
	}
}

// Register adds a handler for session keys starting with prefix.
func (r *Registry) Register(prefix string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = handler
}

// Notify finds the handler matching the summary's session key prefix and
// delivers to it, retrying transient failures. Returns an error if no handler
// is registered for the prefix or delivery keeps failing.
func (r *Registry) Notify(summary Summary) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for prefix, handler := range r.handlers {
		if strings.HasPrefix(string(summary.SessionKey), prefix) {
			return r.retry.Execute(func() error {
				return handler(summary)
			})
		}
	}
	return fmt.Errorf("no notification handler for session key: %s", summary.SessionKey)
}
