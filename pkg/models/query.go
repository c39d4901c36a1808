package models

// QueryRequest is one question sent to the backend together with the
// chunks the user pinned at the time it was asked.
type QueryRequest struct {
	Query          string   `json:"query"`
	PinnedChunkIDs []string `json:"pinned_chunk_ids"`
	DocumentID     string   `json:"document_id"`
}

// ChunkUpdate is one pushed chunk set for a document. Err is set when the
// feed failed; Chunks is then nil.
type ChunkUpdate struct {
	DocumentID string
	Chunks     []Chunk
	Err        error
}
