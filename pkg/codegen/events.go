package codegen

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates the type of a protocol frame.
type EventType string

const (
	EventMessageDelta EventType = "message_delta"
	EventPhaseUpdate  EventType = "phase_update"
	EventFileWrite    EventType = "file_write"
	EventFileDelete   EventType = "file_delete"
	EventProjectMeta  EventType = "project_meta"
	EventError        EventType = "error"
	EventDone         EventType = "done"
)

// MessageDelta carries one increment of streaming assistant text.
type MessageDelta struct {
	Text string `json:"text"`
}

// PhaseUpdate reports a status change for one named phase.
type PhaseUpdate struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// FileWrite replaces the full content of one file path.
type FileWrite struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// FileDelete is a tombstone removing a path from the project.
type FileDelete struct {
	Path string `json:"path"`
}

// ProjectMeta carries the backend-reported project manifest.
type ProjectMeta struct {
	Name         string            `json:"name,omitempty"`
	Description  string            `json:"description,omitempty"`
	FrontendDeps map[string]string `json:"frontend_deps,omitempty"`
	BackendDeps  map[string]string `json:"backend_deps,omitempty"`
}

// ErrorFrame is a backend-reported failure. Message is surfaced to the user
// verbatim.
type ErrorFrame struct {
	Message string `json:"message"`
}

// Event is one decoded protocol frame. Exactly the payload field matching
// Type is non-nil; done frames carry no payload.
type Event struct {
	Type  EventType
	Delta *MessageDelta
	Phase *PhaseUpdate
	File  *FileWrite
	Del   *FileDelete
	Meta  *ProjectMeta
	Err   *ErrorFrame
}

// envelope is the flat wire form of an event, discriminated by "type".
type envelope struct {
	Type         EventType         `json:"type"`
	Text         string            `json:"text,omitempty"`
	Name         string            `json:"name,omitempty"`
	Status       string            `json:"status,omitempty"`
	Detail       string            `json:"detail,omitempty"`
	Path         string            `json:"path,omitempty"`
	Content      string            `json:"content,omitempty"`
	Message      string            `json:"message,omitempty"`
	Description  string            `json:"description,omitempty"`
	FrontendDeps map[string]string `json:"frontend_deps,omitempty"`
	BackendDeps  map[string]string `json:"backend_deps,omitempty"`
}

// DecodeEvent parses one wire record into a typed Event. Records with a
// missing or unrecognised type, or missing required fields, are rejected so
// the caller can drop them without ending the stream.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{}, fmt.Errorf("unmarshal frame: %w", err)
	}

	switch env.Type {
	case EventMessageDelta:
		return Event{Type: env.Type, Delta: &MessageDelta{Text: env.Text}}, nil
	case EventPhaseUpdate:
		if env.Name == "" {
			return Event{}, fmt.Errorf("phase_update frame missing name")
		}
		return Event{Type: env.Type, Phase: &PhaseUpdate{Name: env.Name, Status: env.Status, Detail: env.Detail}}, nil
	case EventFileWrite:
		if env.Path == "" {
			return Event{}, fmt.Errorf("file_write frame missing path")
		}
		return Event{Type: env.Type, File: &FileWrite{Path: env.Path, Content: env.Content}}, nil
	case EventFileDelete:
		if env.Path == "" {
			return Event{}, fmt.Errorf("file_delete frame missing path")
		}
		return Event{Type: env.Type, Del: &FileDelete{Path: env.Path}}, nil
	case EventProjectMeta:
		return Event{Type: env.Type, Meta: &ProjectMeta{
			Name:         env.Name,
			Description:  env.Description,
			FrontendDeps: env.FrontendDeps,
			BackendDeps:  env.BackendDeps,
		}}, nil
	case EventError:
		return Event{Type: env.Type, Err: &ErrorFrame{Message: env.Message}}, nil
	case EventDone:
		return Event{Type: env.Type}, nil
	case "":
		return Event{}, fmt.Errorf("frame missing type")
	default:
		return Event{}, fmt.Errorf("unknown frame type %q", env.Type)
	}
}

// Terminal reports whether the event ends its run.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}
