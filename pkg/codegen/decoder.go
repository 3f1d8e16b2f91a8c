package codegen

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
)

// ErrMalformedFrame wraps per-record decode failures. A malformed record is
// dropped by the consumer with a warning; it never ends the stream.
var ErrMalformedFrame = errors.New("malformed frame")

// Decoder turns raw transport bytes into whole protocol events. Transport
// chunk boundaries are not aligned with record boundaries, so implementations
// buffer partial records and emit strictly in arrival order.
type Decoder interface {
	// Next returns the next event. io.EOF ends the stream. An error wrapping
	// ErrMalformedFrame reports a single bad record; the caller may keep
	// calling Next.
	Next() (Event, error)
}

// NewDecoder selects a decoder for the response content type:
// text/event-stream gets the SSE decoder, everything else is treated as
// newline-delimited JSON.
func NewDecoder(r io.Reader, contentType string) Decoder {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt == "text/event-stream" {
		return newSSEDecoder(r)
	}
	return newNDJSONDecoder(r)
}

// ndjsonDecoder reads one JSON envelope per line. bufio buffers partial
// lines across chunk boundaries; a trailing unterminated line is decoded at
// EOF.
type ndjsonDecoder struct {
	r    *bufio.Reader
	done bool
}

func newNDJSONDecoder(r io.Reader) *ndjsonDecoder {
	return &ndjsonDecoder{r: bufio.NewReader(r)}
}

func (d *ndjsonDecoder) Next() (Event, error) {
	if d.done {
		return Event{}, io.EOF
	}

	for {
		line, err := d.r.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				d.done = true
				line = bytes.TrimSpace(line)
				if len(line) == 0 {
					return Event{}, io.EOF
				}
				return d.decode(line)
			}
			return Event{}, err
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return d.decode(line)
	}
}

func (d *ndjsonDecoder) decode(line []byte) (Event, error) {
	ev, err := DecodeEvent(line)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return ev, nil
}

// sseDecoder reads W3C-style server-sent events and decodes each data
// payload as one protocol envelope. Multi-line data fields are joined with
// newlines before decoding; comment lines are skipped.
type sseDecoder struct {
	scan *lineScanner
	done bool
}

func newSSEDecoder(r io.Reader) *sseDecoder {
	return &sseDecoder{scan: newLineScanner(r)}
}

func (d *sseDecoder) Next() (Event, error) {
	if d.done {
		return Event{}, io.EOF
	}

	var dataLines []string
	hasData := false

	for {
		line, err := d.scan.readLine()
		if err != nil {
			if err == io.EOF {
				d.done = true
				if hasData {
					return d.decode(dataLines)
				}
				return Event{}, io.EOF
			}
			return Event{}, err
		}

		// Blank line dispatches the accumulated event.
		if line == "" {
			if !hasData {
				continue
			}
			return d.decode(dataLines)
		}

		// Comment lines start with ':'.
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := parseSSELine(line)
		if field == "data" {
			dataLines = append(dataLines, value)
			hasData = true
		}
		// event/id/retry fields carry nothing this protocol needs; the
		// envelope's own type field discriminates.
	}
}

func (d *sseDecoder) decode(dataLines []string) (Event, error) {
	ev, err := DecodeEvent([]byte(strings.Join(dataLines, "\n")))
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return ev, nil
}

// parseSSELine splits an SSE line into field name and value. The value is
// everything after the first colon with a single leading space stripped.
func parseSSELine(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx == -1 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return field, value
}

// lineScanner reads lines terminated by CR, LF, or CRLF. bufio.Scanner only
// handles LF and CRLF, and SSE permits bare CR.
type lineScanner struct {
	r *bufio.Reader
}

func newLineScanner(r io.Reader) *lineScanner {
	return &lineScanner{r: bufio.NewReader(r)}
}

func (s *lineScanner) readLine() (string, error) {
	var line strings.Builder
	for {
		b, err := s.r.ReadByte()
		if err != nil {
			if err == io.EOF && line.Len() > 0 {
				return line.String(), nil
			}
			return "", err
		}

		if b == '\n' {
			return line.String(), nil
		}

		if b == '\r' {
			next, err := s.r.ReadByte()
			if err == nil && next != '\n' {
				_ = s.r.UnreadByte()
			}
			return line.String(), nil
		}

		line.WriteByte(b)
	}
}
