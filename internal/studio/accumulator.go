package studio

import (
	"strings"

	"github.com/user/austudio/internal/types"
)

// Accumulator buffers streaming assistant text for the in-progress turn.
// Deltas concatenate in arrival order; Finalize turns the buffer into an
// immutable transcript message and clears it.
type Accumulator struct {
	buf strings.Builder
}

// Append adds one delta to the buffer.
func (a *Accumulator) Append(delta string) {
	a.buf.WriteString(delta)
}

// Text returns the buffered text so far.
func (a *Accumulator) Text() string {
	return a.buf.String()
}

// Len returns the buffered length in bytes.
func (a *Accumulator) Len() int {
	return a.buf.Len()
}

// Finalize converts the buffer into an assistant message and resets it.
// A run that produced zero deltas still finalizes to an empty-content
// message so the transcript keeps one assistant turn per run.
func (a *Accumulator) Finalize() types.StudioMessage {
	msg := types.NewMessage(types.RoleAssistant, a.buf.String())
	a.buf.Reset()
	return msg
}
