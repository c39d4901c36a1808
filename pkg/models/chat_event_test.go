package models

import (
	"errors"
	"testing"
)

func TestChatEventType_Constants(t *testing.T) {
	tests := []struct {
		constant ChatEventType
		expected string
	}{
		{ChatEventContent, "answer.content"},
		{ChatEventTerminal, "answer.done"},
		{ChatEventError, "answer.error"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestContentEvent(t *testing.T) {
	event := ContentEvent("hello")
	if event.Version != 1 {
		t.Errorf("Version = %d, want 1", event.Version)
	}
	if event.Type != ChatEventContent {
		t.Errorf("Type = %q, want %q", event.Type, ChatEventContent)
	}
	if event.Content == nil || event.Content.Delta != "hello" {
		t.Fatalf("Content = %+v, want delta %q", event.Content, "hello")
	}
	if event.Terminal != nil || event.Error != nil {
		t.Errorf("unexpected payloads: %+v", event)
	}
	if event.IsTerminal() {
		t.Error("content event reported as terminal")
	}
}

func TestTerminalEvent_NilPagesBecomeEmpty(t *testing.T) {
	event := TerminalEvent(nil)
	if !event.IsTerminal() {
		t.Fatal("IsTerminal() = false, want true")
	}
	if event.Terminal == nil || event.Terminal.Pages == nil {
		t.Fatalf("Terminal.Pages = nil, want empty slice")
	}
	if len(event.Terminal.Pages) != 0 {
		t.Errorf("Terminal.Pages = %v, want empty", event.Terminal.Pages)
	}
}

func TestTerminalEvent_CopiesPages(t *testing.T) {
	pages := []int{1, 4}
	event := TerminalEvent(pages)
	pages[0] = 7

	if event.Terminal.Pages[0] != 1 {
		t.Errorf("Terminal.Pages aliased caller slice: %v", event.Terminal.Pages)
	}
}

func TestErrorEvent_PreservesError(t *testing.T) {
	sentinel := errors.New("boom")
	event := ErrorEvent(sentinel)

	if event.Type != ChatEventError {
		t.Fatalf("Type = %q, want %q", event.Type, ChatEventError)
	}
	if event.Error.Message != "boom" {
		t.Errorf("Message = %q, want %q", event.Error.Message, "boom")
	}
	if !errors.Is(event.Error.Err, sentinel) {
		t.Errorf("Err = %v, want sentinel", event.Error.Err)
	}

	if got := ErrorEvent(nil).Error.Message; got != "unknown error" {
		t.Errorf("ErrorEvent(nil).Message = %q, want %q", got, "unknown error")
	}
}
