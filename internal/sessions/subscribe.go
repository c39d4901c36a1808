package sessions

import (
	"sort"

	"github.com/haasonsaas/docchat/pkg/models"
)

// ChangeKind names the mutation that produced a Change.
type ChangeKind string

const (
	ChangeDocumentLoaded  ChangeKind = "document.loaded"
	ChangePageChanged     ChangeKind = "page.changed"
	ChangeChunksReplaced  ChangeKind = "chunks.replaced"
	ChangePinsChanged     ChangeKind = "pins.changed"
	ChangeMessageAppended ChangeKind = "message.appended"
	ChangeMessagePatched  ChangeKind = "message.patched"
	ChangeStreaming       ChangeKind = "streaming.changed"
	ChangeReset           ChangeKind = "session.reset"
)

// ScopeChanged reports whether the change started a new document scope.
func (k ChangeKind) ScopeChanged() bool {
	return k == ChangeDocumentLoaded || k == ChangeReset
}

// Change is delivered to listeners after every mutation.
type Change struct {
	Kind ChangeKind

	// Version is the store version right after the mutation.
	Version uint64

	// MessageID is set for message appends and patches.
	MessageID string

	// Session is a copy of the state right after the mutation.
	Session models.Session
}

// Scope returns the document scope the change was made in.
func (c Change) Scope() Scope {
	return Scope{DocumentID: c.Session.DocumentID, Generation: c.Session.Generation}
}

// Listener receives store changes. Listeners run outside the store lock and
// may call back into the store.
type Listener func(Change)

// Subscribe registers fn for every subsequent change and returns a function
// that removes it. Unsubscribing more than once is harmless.
func (s *Store) Subscribe(fn Listener) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextListener++
	id := s.nextListener
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// listenerSnapshotLocked returns the listeners in registration order.
func (s *Store) listenerSnapshotLocked() []Listener {
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Listener, len(ids))
	for i, id := range ids {
		out[i] = s.listeners[id]
	}
	return out
}
