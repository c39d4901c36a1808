// Package sessions holds the canonical state of a document-chat session.
//
// The Store is the single source of truth shared by the chunk synchronizer,
// the query consumer and any rendering layer. Every exported mutation is an
// atomic transition: it runs under the store lock, replaces the affected
// slice of state wholesale and is immediately visible to Snapshot callers.
// Subscribers are notified after each mutation, in mutation order.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/docchat/internal/observability"
	"github.com/haasonsaas/docchat/pkg/models"
)

// Scope identifies one loaded document. Two loads of the same document id
// produce different scopes, so asynchronous work started under the first
// load can never apply to the second.
type Scope struct {
	DocumentID string
	Generation uint64
}

// Active reports whether the scope refers to a loaded document.
func (s Scope) Active() bool {
	return s.DocumentID != ""
}

// Store holds one session at a time.
type Store struct {
	mu      sync.Mutex
	state   models.Session
	version uint64

	listeners    map[uint64]Listener
	nextListener uint64
	pending      []Change
	flushing     bool

	now    func() time.Time
	newID  func() string
	logger *observability.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides message id generation.
func WithIDGenerator(newID func() string) Option {
	return func(s *Store) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithLogger sets the logger used to report misbehaving listeners.
func WithLogger(logger *observability.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.WithFields("component", "sessions")
		}
	}
}

// NewStore creates a store holding the initial empty session.
func NewStore(opts ...Option) *Store {
	s := &Store{
		state:     initialState(0),
		listeners: map[uint64]Listener{},
		now:       time.Now,
		newID:     uuid.NewString,
		logger:    observability.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func initialState(generation uint64) models.Session {
	return models.Session{
		CurrentPage:    1,
		Chunks:         []models.Chunk{},
		PinnedChunkIDs: []string{},
		Messages:       []models.Message{},
		Generation:     generation,
	}
}

// Snapshot returns a deep copy of the current session.
func (s *Store) Snapshot() models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Scope returns the scope of the currently loaded document.
func (s *Store) Scope() Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scopeLocked()
}

// PinnedChunkIDs returns the pinned ids in pin order.
func (s *Store) PinnedChunkIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.state.PinnedChunkIDs...)
}

// Version returns the number of mutations applied so far.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Store) scopeLocked() Scope {
	return Scope{DocumentID: s.state.DocumentID, Generation: s.state.Generation}
}

// LoadDocument replaces the whole session with a fresh one for id.
// Chunks, pins and messages are cleared, the page resets to 1 and any
// asynchronous work bound to the previous scope becomes stale.
func (s *Store) LoadDocument(id, sourceURL, name string, pages *int) {
	s.mu.Lock()
	next := initialState(s.state.Generation + 1)
	next.DocumentID = id
	next.SourceURL = sourceURL
	next.Name = name
	if pages != nil {
		n := *pages
		next.Pages = &n
	}
	s.state = next
	s.commitLocked(ChangeDocumentLoaded, "")
	s.mu.Unlock()
	s.flush()
}

// SetPage sets the current page. No bounds check is made against Pages.
func (s *Store) SetPage(n int) {
	s.mu.Lock()
	s.state.CurrentPage = n
	s.commitLocked(ChangePageChanged, "")
	s.mu.Unlock()
	s.flush()
}

// ReplaceChunks sets the chunk set and recomputes HasSpatialData.
func (s *Store) ReplaceChunks(chunks []models.Chunk) {
	s.mu.Lock()
	s.replaceChunksLocked(chunks)
	s.mu.Unlock()
	s.flush()
}

// ReplaceChunksInScope replaces the chunk set only if scope is still the
// current one. The check and the write happen atomically.
func (s *Store) ReplaceChunksInScope(scope Scope, chunks []models.Chunk) bool {
	s.mu.Lock()
	if s.scopeLocked() != scope {
		s.mu.Unlock()
		return false
	}
	s.replaceChunksLocked(chunks)
	s.mu.Unlock()
	s.flush()
	return true
}

func (s *Store) replaceChunksLocked(chunks []models.Chunk) {
	s.state.Chunks = models.CloneChunks(chunks)
	s.state.HasSpatialData = len(chunks) > 0
	s.commitLocked(ChangeChunksReplaced, "")
}

// TogglePin removes chunkID from the pins if present, otherwise appends it.
func (s *Store) TogglePin(chunkID string) {
	s.mu.Lock()
	pins := make([]string, 0, len(s.state.PinnedChunkIDs)+1)
	found := false
	for _, id := range s.state.PinnedChunkIDs {
		if id == chunkID {
			found = true
			continue
		}
		pins = append(pins, id)
	}
	if !found {
		pins = append(pins, chunkID)
	}
	s.state.PinnedChunkIDs = pins
	s.commitLocked(ChangePinsChanged, "")
	s.mu.Unlock()
	s.flush()
}

// ClearPins removes every pin.
func (s *Store) ClearPins() {
	s.mu.Lock()
	s.state.PinnedChunkIDs = []string{}
	s.commitLocked(ChangePinsChanged, "")
	s.mu.Unlock()
	s.flush()
}

// AppendMessage assigns a fresh ID and Timestamp to msg, appends it and
// returns the new ID. Any ID or Timestamp already set on msg is ignored.
func (s *Store) AppendMessage(msg models.Message) string {
	s.mu.Lock()
	id := s.appendMessageLocked(msg)
	s.mu.Unlock()
	s.flush()
	return id
}

// AppendMessageInScope appends msg only if scope is still current.
func (s *Store) AppendMessageInScope(scope Scope, msg models.Message) (string, bool) {
	s.mu.Lock()
	if s.scopeLocked() != scope {
		s.mu.Unlock()
		return "", false
	}
	id := s.appendMessageLocked(msg)
	s.mu.Unlock()
	s.flush()
	return id, true
}

func (s *Store) appendMessageLocked(msg models.Message) string {
	created := msg.Clone()
	created.ID = s.newID()
	created.Timestamp = s.now()

	messages := make([]models.Message, len(s.state.Messages), len(s.state.Messages)+1)
	copy(messages, s.state.Messages)
	s.state.Messages = append(messages, created)
	s.commitLocked(ChangeMessageAppended, created.ID)
	return created.ID
}

// PatchMessage merges patch into the message with the given id.
// An unknown id is a benign race and is ignored; it reports false.
func (s *Store) PatchMessage(id string, patch models.MessagePatch) bool {
	s.mu.Lock()
	applied := s.patchMessageLocked(id, patch)
	s.mu.Unlock()
	if applied {
		s.flush()
	}
	return applied
}

// PatchMessageInScope patches a message only if scope is still current.
func (s *Store) PatchMessageInScope(scope Scope, id string, patch models.MessagePatch) bool {
	s.mu.Lock()
	if s.scopeLocked() != scope {
		s.mu.Unlock()
		return false
	}
	applied := s.patchMessageLocked(id, patch)
	s.mu.Unlock()
	if applied {
		s.flush()
	}
	return applied
}

func (s *Store) patchMessageLocked(id string, patch models.MessagePatch) bool {
	i := s.messageIndexLocked(id)
	if i < 0 {
		return false
	}
	messages := make([]models.Message, len(s.state.Messages))
	copy(messages, s.state.Messages)
	updated := messages[i].Clone()
	patch.Apply(&updated)
	messages[i] = updated
	s.state.Messages = messages
	s.commitLocked(ChangeMessagePatched, id)
	return true
}

func (s *Store) messageIndexLocked(id string) int {
	for i := range s.state.Messages {
		if s.state.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// SetStreaming sets the streaming flag.
func (s *Store) SetStreaming(flag bool) {
	s.mu.Lock()
	s.state.IsStreaming = flag
	s.commitLocked(ChangeStreaming, "")
	s.mu.Unlock()
	s.flush()
}

// BeginStreaming sets the streaming flag unless it is already set.
// It reports whether the caller now owns the stream.
func (s *Store) BeginStreaming() bool {
	s.mu.Lock()
	if s.state.IsStreaming {
		s.mu.Unlock()
		return false
	}
	s.state.IsStreaming = true
	s.commitLocked(ChangeStreaming, "")
	s.mu.Unlock()
	s.flush()
	return true
}

// EndStreamingInScope clears the streaming flag only if scope is still current.
func (s *Store) EndStreamingInScope(scope Scope) bool {
	s.mu.Lock()
	if s.scopeLocked() != scope {
		s.mu.Unlock()
		return false
	}
	s.state.IsStreaming = false
	s.commitLocked(ChangeStreaming, "")
	s.mu.Unlock()
	s.flush()
	return true
}

// StartAnswerInScope appends question and sets the streaming flag as a
// single change, so no listener sees one without the other. It reports
// false and leaves the store untouched when scope is no longer current or
// a stream is already running.
func (s *Store) StartAnswerInScope(scope Scope, question models.Message) (string, bool) {
	s.mu.Lock()
	if s.scopeLocked() != scope || s.state.IsStreaming {
		s.mu.Unlock()
		return "", false
	}
	s.state.IsStreaming = true
	id := s.appendMessageLocked(question)
	s.mu.Unlock()
	s.flush()
	return id, true
}

// CompleteMessageInScope applies the final patch to message id and clears
// the streaming flag as a single change. It reports false when scope is no
// longer current or id is unknown.
func (s *Store) CompleteMessageInScope(scope Scope, id string, patch models.MessagePatch) bool {
	s.mu.Lock()
	if s.scopeLocked() != scope || s.messageIndexLocked(id) < 0 {
		s.mu.Unlock()
		return false
	}
	s.state.IsStreaming = false
	s.patchMessageLocked(id, patch)
	s.mu.Unlock()
	s.flush()
	return true
}

// AppendFinalMessageInScope appends msg and clears the streaming flag as a
// single change. It is used when an answer completes before any content
// created its message.
func (s *Store) AppendFinalMessageInScope(scope Scope, msg models.Message) (string, bool) {
	s.mu.Lock()
	if s.scopeLocked() != scope {
		s.mu.Unlock()
		return "", false
	}
	s.state.IsStreaming = false
	id := s.appendMessageLocked(msg)
	s.mu.Unlock()
	s.flush()
	return id, true
}

// ResetAll restores the initial empty session.
func (s *Store) ResetAll() {
	s.mu.Lock()
	s.state = initialState(s.state.Generation + 1)
	s.commitLocked(ChangeReset, "")
	s.mu.Unlock()
	s.flush()
}

// commitLocked records a mutation and queues its notification.
func (s *Store) commitLocked(kind ChangeKind, messageID string) {
	s.version++
	if len(s.listeners) == 0 {
		return
	}
	s.pending = append(s.pending, Change{
		Kind:      kind,
		Version:   s.version,
		MessageID: messageID,
		Session:   s.state.Clone(),
	})
}

// flush delivers queued changes outside the lock. Only one goroutine
// delivers at a time so listeners observe changes in version order;
// mutations made by a listener are queued and delivered by the same loop.
func (s *Store) flush() {
	s.mu.Lock()
	if s.flushing {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	for len(s.pending) > 0 {
		change := s.pending[0]
		s.pending = s.pending[1:]
		listeners := s.listenerSnapshotLocked()
		s.mu.Unlock()
		for _, l := range listeners {
			s.deliver(l, change)
		}
		s.mu.Lock()
	}
	s.pending = nil
	s.flushing = false
	s.mu.Unlock()
}

func (s *Store) deliver(l Listener, change Change) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(context.Background(), "session listener panicked",
				"change", string(change.Kind),
				"version", change.Version,
				"panic", r,
			)
		}
	}()
	l(change)
}
