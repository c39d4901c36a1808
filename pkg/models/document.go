// Package models defines the core data types for docchat.
package models

// Chunk is a retrieved fragment of a document together with its location.
// Chunks are treated as immutable values; a synchronization replaces the
// whole set instead of patching individual chunks.
type Chunk struct {
	// ID identifies the chunk within its document. Pins refer to this value.
	ID string `json:"id"`

	// Text is the chunk content, when the backend provides it.
	Text string `json:"text,omitempty"`

	// PageNumber is the 1-indexed page the chunk was extracted from.
	PageNumber int `json:"page_number"`

	// BoundingBox is the normalized area of the chunk on its page.
	BoundingBox *BoundingBox `json:"bounding_box,omitempty"`

	// Label is an optional layout label (e.g. "paragraph", "table").
	Label string `json:"label,omitempty"`
}

// BoundingBox is a page region normalized to the 0..1 range.
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// BoundingBoxFromSlice builds a box from a [left, top, right, bottom] slice.
// It returns nil unless exactly four values are given.
func BoundingBoxFromSlice(values []float64) *BoundingBox {
	if len(values) != 4 {
		return nil
	}
	return &BoundingBox{
		Left:   values[0],
		Top:    values[1],
		Right:  values[2],
		Bottom: values[3],
	}
}

// Valid reports whether the box lies within the unit square with positive area.
func (b BoundingBox) Valid() bool {
	inUnit := func(v float64) bool { return v >= 0 && v <= 1 }
	return inUnit(b.Left) && inUnit(b.Top) && inUnit(b.Right) && inUnit(b.Bottom) &&
		b.Right > b.Left && b.Bottom > b.Top
}

// Clone returns a copy of the chunk that shares no pointers with c.
func (c Chunk) Clone() Chunk {
	clone := c
	if c.BoundingBox != nil {
		box := *c.BoundingBox
		clone.BoundingBox = &box
	}
	return clone
}

// CloneChunks deep-copies a chunk slice. A nil input yields an empty slice.
func CloneChunks(chunks []Chunk) []Chunk {
	out := make([]Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = c.Clone()
	}
	return out
}
