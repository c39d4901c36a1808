package backend

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/haasonsaas/docchat/pkg/models"
)

// chunkRecord is the backend's chunk shape.
type chunkRecord struct {
	ChunkID  string    `json:"chunk_id"`
	Text     string    `json:"text,omitempty"`
	Page     int       `json:"page"`
	BBoxNorm []float64 `json:"bbox_norm,omitempty"`
	Label    string    `json:"label,omitempty"`
}

func (r chunkRecord) toChunk() models.Chunk {
	return models.Chunk{
		ID:          r.ChunkID,
		Text:        r.Text,
		PageNumber:  r.Page,
		BoundingBox: models.BoundingBoxFromSlice(r.BBoxNorm),
		Label:       r.Label,
	}
}

func toChunks(records []chunkRecord) []models.Chunk {
	chunks := make([]models.Chunk, 0, len(records))
	for _, r := range records {
		chunks = append(chunks, r.toChunk())
	}
	return chunks
}

// ListChunks returns the current chunk set for a document. An empty set is
// returned as an empty, non-nil slice.
func (c *Client) ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil, &TransportError{Op: "chunks", Cause: errors.New("document id is required")}
	}

	var records []chunkRecord
	if err := c.getJSON(ctx, "chunks", "/chunks/"+url.PathEscape(documentID), &records); err != nil {
		return nil, err
	}
	return toChunks(records), nil
}
