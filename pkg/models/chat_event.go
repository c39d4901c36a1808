package models

import (
	"time"
)

// ChatEvent is one element of a query response stream.
//
// A stream carries zero or more content events followed by exactly one
// terminal event. Failures travel as error events and end the stream
// without a terminal event.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence for ordering within one query
type ChatEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type ChatEventType `json:"type"`

	// Time is when the event was produced.
	Time time.Time `json:"time"`

	// Sequence is monotonic within one query, starting at 1.
	Sequence uint64 `json:"seq"`

	// QueryID identifies the query that produced the event.
	QueryID string `json:"query_id,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Content  *ContentPayload  `json:"content,omitempty"`
	Terminal *TerminalPayload `json:"terminal,omitempty"`
	Error    *ErrorPayload    `json:"error,omitempty"`
}

// ChatEventType identifies the kind of chat event.
type ChatEventType string

const (
	// ChatEventContent carries an incremental or full answer fragment.
	ChatEventContent ChatEventType = "answer.content"
	// ChatEventTerminal marks completion and carries summary metadata.
	ChatEventTerminal ChatEventType = "answer.done"
	// ChatEventError reports a failure; no terminal event follows.
	ChatEventError ChatEventType = "answer.error"
)

// ContentPayload is an answer fragment.
type ContentPayload struct {
	Delta string `json:"delta"`
}

// TerminalPayload carries completion metadata.
type TerminalPayload struct {
	// Pages lists page numbers referenced by the answer. Never nil on
	// events built with TerminalEvent.
	Pages []int `json:"pages"`
}

// ErrorPayload describes a failed stream.
type ErrorPayload struct {
	// Message is the error description (required).
	Message string `json:"message"`

	// Err is the original error (runtime only, not serialized).
	// Used to preserve error types for errors.Is/errors.As.
	Err error `json:"-"`
}

// IsTerminal reports whether e completes its stream successfully.
func (e ChatEvent) IsTerminal() bool {
	return e.Type == ChatEventTerminal
}

// ContentEvent builds a content event.
func ContentEvent(delta string) ChatEvent {
	return ChatEvent{
		Version: 1,
		Type:    ChatEventContent,
		Time:    time.Now(),
		Content: &ContentPayload{Delta: delta},
	}
}

// TerminalEvent builds a terminal event. A nil pages slice becomes empty.
func TerminalEvent(pages []int) ChatEvent {
	if pages == nil {
		pages = []int{}
	}
	return ChatEvent{
		Version:  1,
		Type:     ChatEventTerminal,
		Time:     time.Now(),
		Terminal: &TerminalPayload{Pages: append([]int{}, pages...)},
	}
}

// ErrorEvent builds an error event wrapping err.
func ErrorEvent(err error) ChatEvent {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return ChatEvent{
		Version: 1,
		Type:    ChatEventError,
		Time:    time.Now(),
		Error:   &ErrorPayload{Message: msg, Err: err},
	}
}
