package models

// Session is the state of one document-chat session.
// A new session replaces the previous one whenever a document is loaded.
type Session struct {
	// DocumentID identifies the loaded document; empty when none is loaded.
	DocumentID string `json:"document_id,omitempty"`

	// SourceURL locates the document for viewers.
	SourceURL string `json:"source_url,omitempty"`

	// Name is the human-readable document name (usually the file name).
	Name string `json:"name,omitempty"`

	// Pages is the page count, nil until known.
	Pages *int `json:"pages,omitempty"`

	// CurrentPage is 1-indexed.
	CurrentPage int `json:"current_page"`

	// Chunks is the last synchronized chunk set for DocumentID.
	Chunks []Chunk `json:"chunks"`

	// PinnedChunkIDs holds user-selected chunk ids in the order they were pinned.
	// Ids may outlive the chunk set they were chosen from.
	PinnedChunkIDs []string `json:"pinned_chunk_ids"`

	// HasSpatialData is true iff the last synchronized chunk set was non-empty.
	HasSpatialData bool `json:"has_spatial_data"`

	// Messages is the chat log in creation order.
	Messages []Message `json:"messages"`

	// IsStreaming is true while a query response is being consumed.
	IsStreaming bool `json:"is_streaming"`

	// Generation changes on every document load or reset.
	Generation uint64 `json:"generation"`
}

// HasDocument reports whether a document is loaded.
func (s Session) HasDocument() bool {
	return s.DocumentID != ""
}

// IsPinned reports whether chunkID is pinned.
func (s Session) IsPinned(chunkID string) bool {
	for _, id := range s.PinnedChunkIDs {
		if id == chunkID {
			return true
		}
	}
	return false
}

// LastMessage returns the most recent message, if any.
func (s Session) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	clone := s
	if s.Pages != nil {
		pages := *s.Pages
		clone.Pages = &pages
	}
	clone.Chunks = CloneChunks(s.Chunks)
	clone.PinnedChunkIDs = append([]string{}, s.PinnedChunkIDs...)
	clone.Messages = make([]Message, len(s.Messages))
	for i, msg := range s.Messages {
		clone.Messages[i] = msg.Clone()
	}
	return clone
}

// IntPtr returns a pointer to v. Handy for optional page counts.
func IntPtr(v int) *int {
	return &v
}
