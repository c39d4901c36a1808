package models

import (
	"testing"
	"time"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		constant Role
		expected string
	}{
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestMessagePatch_Apply(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	replaced := "replaced"

	tests := []struct {
		name        string
		patch       MessagePatch
		wantContent string
		wantPages   []int
	}{
		{
			name:        "empty patch leaves message untouched",
			patch:       MessagePatch{},
			wantContent: "hello",
			wantPages:   []int{2},
		},
		{
			name:        "append concatenates",
			patch:       MessagePatch{AppendContent: " world"},
			wantContent: "hello world",
			wantPages:   []int{2},
		},
		{
			name:        "replace then append",
			patch:       MessagePatch{Content: &replaced, AppendContent: "!"},
			wantContent: "replaced!",
			wantPages:   []int{2},
		},
		{
			name:        "empty pages replace existing",
			patch:       MessagePatch{Pages: []int{}},
			wantContent: "hello",
			wantPages:   []int{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Message{ID: "m1", Role: RoleAssistant, Content: "hello", Timestamp: created, Pages: []int{2}}
			tt.patch.Apply(&msg)

			if msg.Content != tt.wantContent {
				t.Errorf("Content = %q, want %q", msg.Content, tt.wantContent)
			}
			if len(msg.Pages) != len(tt.wantPages) {
				t.Fatalf("Pages = %v, want %v", msg.Pages, tt.wantPages)
			}
			for i := range tt.wantPages {
				if msg.Pages[i] != tt.wantPages[i] {
					t.Errorf("Pages[%d] = %d, want %d", i, msg.Pages[i], tt.wantPages[i])
				}
			}
			if msg.ID != "m1" || !msg.Timestamp.Equal(created) {
				t.Errorf("identity changed: id=%q timestamp=%v", msg.ID, msg.Timestamp)
			}
		})
	}
}

func TestMessagePatch_ApplyNil(t *testing.T) {
	// Must not panic.
	MessagePatch{AppendContent: "x"}.Apply(nil)
}

func TestMessage_CloneDoesNotSharePages(t *testing.T) {
	msg := Message{ID: "m1", Pages: []int{1, 2}}
	clone := msg.Clone()
	clone.Pages[0] = 99

	if msg.Pages[0] != 1 {
		t.Errorf("original Pages mutated through clone: %v", msg.Pages)
	}
}
