package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/haasonsaas/docchat/pkg/models"
)

const ndjsonContentType = "application/x-ndjson"

// queryRequest is the wire form of models.QueryRequest.
type queryRequest struct {
	Query          string   `json:"query"`
	PinnedChunkIDs []string `json:"pinned_chunk_ids"`
	DocumentID     string   `json:"document_id"`
	Stream         bool     `json:"stream,omitempty"`
}

// queryResponse is a one-shot answer.
type queryResponse struct {
	Success bool   `json:"success"`
	Answer  string `json:"answer"`
	Pages   []int  `json:"pages"`
	Error   string `json:"error"`
}

// streamLine is one line of an incremental answer.
type streamLine struct {
	Content *string `json:"content"`
	Done    bool    `json:"done"`
	Pages   []int   `json:"pages"`
	Success *bool   `json:"success"`
	Error   string  `json:"error"`
}

func newQueryRequest(req models.QueryRequest, stream bool) queryRequest {
	pins := req.PinnedChunkIDs
	if pins == nil {
		pins = []string{}
	}
	return queryRequest{
		Query:          req.Query,
		PinnedChunkIDs: pins,
		DocumentID:     req.DocumentID,
		Stream:         stream,
	}
}

// JSONTransport answers a query with a single JSON payload and presents it
// as a content event followed by a terminal event.
type JSONTransport struct {
	client *Client
}

// NewJSONTransport creates a one-shot query transport.
func NewJSONTransport(client *Client) *JSONTransport {
	return &JSONTransport{client: client}
}

// Stream posts the query and returns the answer as an event stream.
// Transport failures are returned directly; a logical failure is delivered
// as an error event carrying a QueryError.
func (t *JSONTransport) Stream(ctx context.Context, req models.QueryRequest) (<-chan models.ChatEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, t.client.requestTimeout)
	defer cancel()

	resp, err := t.client.do(ctx, request{
		op:     "query",
		method: http.MethodPost,
		path:   "/query",
		body:   newQueryRequest(req, false),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	events, err := decodeAnswer(resp.Body, resp.StatusCode)
	if err != nil {
		return nil, err
	}

	out := make(chan models.ChatEvent, len(events))
	for i, ev := range events {
		ev.Sequence = uint64(i + 1)
		out <- ev
	}
	close(out)
	return out, nil
}

// decodeAnswer maps a one-shot payload to its events.
func decodeAnswer(body io.Reader, status int) ([]models.ChatEvent, error) {
	var payload queryResponse
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		return nil, &TransportError{Op: "query", Status: status, Cause: fmt.Errorf("decode response: %w", err)}
	}
	// An empty answer is a failure even when success is set.
	if !payload.Success || payload.Answer == "" {
		return []models.ChatEvent{models.ErrorEvent(NewQueryError(payload.Error))}, nil
	}
	return []models.ChatEvent{
		models.ContentEvent(payload.Answer),
		models.TerminalEvent(payload.Pages),
	}, nil
}

// NDJSONTransport answers a query incrementally. The backend writes one
// JSON object per line:
//
//	{"content": "This paper"}
//	{"content": " proposes..."}
//	{"done": true, "pages": [1]}
//
// A {"success": false, "error": "..."} line ends the stream with a
// QueryError. If the backend replies with plain application/json the
// payload is handled like JSONTransport does.
type NDJSONTransport struct {
	client *Client
}

// NewNDJSONTransport creates an incremental query transport.
func NewNDJSONTransport(client *Client) *NDJSONTransport {
	return &NDJSONTransport{client: client}
}

// Stream posts the query and returns events as lines arrive. The channel is
// closed after a terminal or error event, when the body ends, or when ctx
// is cancelled. A body that ends without a terminal event just closes the
// channel; callers treat that as an incomplete answer.
func (t *NDJSONTransport) Stream(ctx context.Context, req models.QueryRequest) (<-chan models.ChatEvent, error) {
	cancel := context.CancelFunc(func() {})
	if t.client.streamTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.client.streamTimeout)
	}

	resp, err := t.client.do(ctx, request{
		op:     "query",
		method: http.MethodPost,
		path:   "/query",
		body:   newQueryRequest(req, true),
		accept: ndjsonContentType + ", application/json",
	})
	if err != nil {
		cancel()
		return nil, err
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != ndjsonContentType {
		defer cancel()
		defer resp.Body.Close()
		events, err := decodeAnswer(resp.Body, resp.StatusCode)
		if err != nil {
			return nil, err
		}
		out := make(chan models.ChatEvent, len(events))
		for i, ev := range events {
			ev.Sequence = uint64(i + 1)
			out <- ev
		}
		close(out)
		return out, nil
	}

	out := make(chan models.ChatEvent)
	go func() {
		defer cancel()
		t.streamResponse(ctx, resp.Body, out)
	}()
	return out, nil
}

func (t *NDJSONTransport) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- models.ChatEvent) {
	defer close(out)
	defer body.Close()

	var seq uint64
	send := func(ev models.ChatEvent) bool {
		seq++
		ev.Sequence = seq
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 1024*64)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var msg streamLine
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			send(models.ErrorEvent(&TransportError{Op: "query", Cause: fmt.Errorf("decode stream line: %w", err)}))
			return
		}
		if (msg.Success != nil && !*msg.Success) || msg.Error != "" {
			send(models.ErrorEvent(NewQueryError(msg.Error)))
			return
		}
		if msg.Content != nil && *msg.Content != "" {
			if !send(models.ContentEvent(*msg.Content)) {
				return
			}
		}
		if msg.Done {
			send(models.TerminalEvent(msg.Pages))
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return
		}
		t.client.logger.Debug(ctx, "answer stream interrupted", "error", err)
		send(models.ErrorEvent(&TransportError{Op: "query", Cause: err}))
	}
}
