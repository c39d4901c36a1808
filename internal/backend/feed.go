package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/haasonsaas/docchat/pkg/models"
)

const (
	feedHandshakeTimeout = 10 * time.Second
	feedReadLimit        = 4 << 20
)

// WSChunkFeed receives pushed chunk sets over a websocket. Each text frame
// is a JSON array of chunk records and replaces the previous set.
type WSChunkFeed struct {
	client *Client
	dialer *websocket.Dialer
}

// NewWSChunkFeed creates a push feed for the client's backend.
func NewWSChunkFeed(client *Client) *WSChunkFeed {
	return &WSChunkFeed{
		client: client,
		dialer: &websocket.Dialer{HandshakeTimeout: feedHandshakeTimeout},
	}
}

// Updates connects to the feed for documentID. The returned channel yields
// one update per frame. When the connection fails after it was established
// a final update with Err set is sent; the channel is closed when the
// connection ends or ctx is cancelled.
func (f *WSChunkFeed) Updates(ctx context.Context, documentID string) (<-chan models.ChunkUpdate, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil, &TransportError{Op: "feed", Cause: errors.New("document id is required")}
	}

	endpoint := f.client.wsURL + "/chunks/" + url.PathEscape(documentID) + "/ws"
	header := http.Header{}
	for k, v := range f.client.headers {
		header.Set(k, v)
	}
	f.client.tracer.InjectHTTP(ctx, header)

	conn, resp, err := f.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		tErr := &TransportError{Op: "feed", Cause: err}
		if resp != nil {
			tErr.Status = resp.StatusCode
			resp.Body.Close()
		}
		f.client.metrics.RecordBackendRequest("feed", "error")
		return nil, tErr
	}
	f.client.metrics.RecordBackendRequest("feed", "101")
	conn.SetReadLimit(feedReadLimit)

	out := make(chan models.ChunkUpdate)
	done := make(chan struct{})

	// Unblock ReadMessage when the caller goes away.
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	go func() {
		defer close(out)
		defer close(done)
		defer conn.Close()
		f.readPump(ctx, conn, documentID, out)
	}()
	return out, nil
}

func (f *WSChunkFeed) readPump(ctx context.Context, conn *websocket.Conn, documentID string, out chan<- models.ChunkUpdate) {
	send := func(update models.ChunkUpdate) bool {
		select {
		case out <- update:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		msgType, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			f.client.logger.Warn(ctx, "chunk feed read error", "document_id", documentID, "error", err)
			send(models.ChunkUpdate{DocumentID: documentID, Err: &TransportError{Op: "feed", Cause: err}})
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var records []chunkRecord
		if err := json.Unmarshal(message, &records); err != nil {
			send(models.ChunkUpdate{
				DocumentID: documentID,
				Err:        &TransportError{Op: "feed", Cause: fmt.Errorf("decode frame: %w", err)},
			})
			return
		}
		if !send(models.ChunkUpdate{DocumentID: documentID, Chunks: toChunks(records)}) {
			return
		}
	}
}
