package models

import (
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in a session's chat log.
// ID and Timestamp are assigned once by the session store and never change.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Pages     []int     `json:"pages,omitempty"` // Pages referenced by an assistant answer
}

// MessagePatch describes an in-place update of an existing message.
// Nil fields are left untouched.
type MessagePatch struct {
	// Content replaces the message content.
	Content *string `json:"content,omitempty"`

	// AppendContent is concatenated after Content has been applied.
	AppendContent string `json:"append_content,omitempty"`

	// Pages replaces the referenced pages when non-nil.
	Pages []int `json:"pages,omitempty"`
}

// Apply merges the patch into msg. Identity fields are never touched.
func (p MessagePatch) Apply(msg *Message) {
	if msg == nil {
		return
	}
	if p.Content != nil {
		msg.Content = *p.Content
	}
	if p.AppendContent != "" {
		msg.Content += p.AppendContent
	}
	if p.Pages != nil {
		msg.Pages = append([]int{}, p.Pages...)
	}
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	clone := m
	if m.Pages != nil {
		clone.Pages = append([]int{}, m.Pages...)
	}
	return clone
}
