package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haasonsaas/docchat/internal/backend"
	"github.com/haasonsaas/docchat/internal/observability"
	"github.com/haasonsaas/docchat/internal/sessions"
	"github.com/haasonsaas/docchat/pkg/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

type transportFunc func(ctx context.Context, req models.QueryRequest) (<-chan models.ChatEvent, error)

func (f transportFunc) Stream(ctx context.Context, req models.QueryRequest) (<-chan models.ChatEvent, error) {
	return f(ctx, req)
}

// scripted returns a transport that replays evs and records the request.
func scripted(requests chan<- models.QueryRequest, evs ...models.ChatEvent) Transport {
	return transportFunc(func(ctx context.Context, req models.QueryRequest) (<-chan models.ChatEvent, error) {
		if requests != nil {
			requests <- req
		}
		ch := make(chan models.ChatEvent, len(evs))
		for i, ev := range evs {
			ev.Sequence = uint64(i + 1)
			ch <- ev
		}
		close(ch)
		return ch, nil
	})
}

func newLoadedStore(t *testing.T) *sessions.Store {
	t.Helper()
	n := 0
	store := sessions.NewStore(sessions.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("msg-%d", n)
	}))
	store.LoadDocument("doc1", "http://files/doc1.pdf", "paper.pdf", models.IntPtr(12))
	return store
}

func backendTransport(t *testing.T, body string) (Transport, <-chan map[string]json.RawMessage) {
	t.Helper()
	requests := make(chan map[string]json.RawMessage, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&raw)
		requests <- raw
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	client, err := backend.NewClient(backend.Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return backend.NewJSONTransport(client), requests
}

func TestAsk_ScenarioSuccess(t *testing.T) {
	store := newLoadedStore(t)
	transport, requests := backendTransport(t, `{"success":true,"answer":"This paper proposes...","pages":[1]}`)

	result, err := NewConsumer(store, transport).Ask(context.Background(), "What is the abstract?")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}

	raw := <-requests
	if string(raw["query"]) != `"What is the abstract?"` {
		t.Errorf("query = %s", raw["query"])
	}
	if string(raw["pinned_chunk_ids"]) != "[]" {
		t.Errorf("pinned_chunk_ids = %s, want []", raw["pinned_chunk_ids"])
	}
	if string(raw["document_id"]) != `"doc1"` {
		t.Errorf("document_id = %s", raw["document_id"])
	}

	session := store.Snapshot()
	if session.IsStreaming {
		t.Error("IsStreaming = true after success")
	}
	if len(session.Messages) != 2 {
		t.Fatalf("messages = %+v, want user and assistant", session.Messages)
	}
	user, assistant := session.Messages[0], session.Messages[1]
	if user.Role != models.RoleUser || user.Content != "What is the abstract?" {
		t.Errorf("user message = %+v", user)
	}
	if assistant.Role != models.RoleAssistant || assistant.Content != "This paper proposes..." {
		t.Errorf("assistant message = %+v", assistant)
	}
	if fmt.Sprint(assistant.Pages) != "[1]" {
		t.Errorf("assistant pages = %v, want [1]", assistant.Pages)
	}

	if result.Answer != "This paper proposes..." || result.UserMessageID != user.ID || result.AssistantMessageID != assistant.ID {
		t.Errorf("result = %+v", result)
	}
}

func TestAsk_ScenarioLogicalFailure(t *testing.T) {
	store := newLoadedStore(t)
	transport, _ := backendTransport(t, `{"success":false,"error":"document not indexed"}`)

	result, err := NewConsumer(store, transport).Ask(context.Background(), "What is the abstract?")
	if result != nil {
		t.Errorf("result = %+v, want nil", result)
	}

	var qe *backend.QueryError
	if !errors.As(err, &qe) {
		t.Fatalf("Ask() error = %v, want QueryError", err)
	}
	if qe.Message != "document not indexed" {
		t.Errorf("Message = %q", qe.Message)
	}
	if !IsFailure(err) {
		t.Error("IsFailure() = false for logical failure")
	}

	session := store.Snapshot()
	if session.IsStreaming {
		t.Error("IsStreaming = true after failure")
	}
	if len(session.Messages) != 1 || session.Messages[0].Role != models.RoleUser {
		t.Errorf("messages = %+v, want only the user message", session.Messages)
	}
}

func TestAsk_EmptyAnswerIsFailure(t *testing.T) {
	store := newLoadedStore(t)
	transport, _ := backendTransport(t, `{"success":true,"answer":"","pages":[1]}`)

	_, err := NewConsumer(store, transport).Ask(context.Background(), "q")
	var qe *backend.QueryError
	if !errors.As(err, &qe) || qe.Message != backend.DefaultQueryErrorMessage {
		t.Fatalf("Ask() error = %v, want QueryError %q", err, backend.DefaultQueryErrorMessage)
	}

	session := store.Snapshot()
	if session.IsStreaming {
		t.Error("IsStreaming = true after failure")
	}
	if len(session.Messages) != 1 || session.Messages[0].Role != models.RoleUser {
		t.Errorf("messages = %+v, want only the user message", session.Messages)
	}
}

// TestAsk_ListenersSeeConsistentSessions checks every change delivered while
// answering: streaming never shows without the question, and pages never
// show while streaming.
func TestAsk_ListenersSeeConsistentSessions(t *testing.T) {
	tests := []struct {
		name   string
		events []models.ChatEvent
		pages  string
	}{
		{"content then terminal", []models.ChatEvent{
			models.ContentEvent("This paper"),
			models.ContentEvent(" proposes..."),
			models.TerminalEvent([]int{1}),
		}, "[1]"},
		{"terminal only", []models.ChatEvent{models.TerminalEvent([]int{2, 4})}, "[2 4]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newLoadedStore(t)
			var changes []sessions.Change
			unsubscribe := store.Subscribe(func(ch sessions.Change) { changes = append(changes, ch) })
			defer unsubscribe()

			if _, err := NewConsumer(store, scripted(nil, tt.events...)).Ask(context.Background(), "q"); err != nil {
				t.Fatalf("Ask() error = %v", err)
			}
			if len(changes) == 0 {
				t.Fatal("no changes delivered")
			}

			for _, ch := range changes {
				s := ch.Session
				if s.IsStreaming && len(s.Messages) == 0 {
					t.Errorf("%s (v%d): streaming before the question was appended", ch.Kind, ch.Version)
				}
				if s.IsStreaming && len(s.Messages) > 1 && s.Messages[1].Pages != nil {
					t.Errorf("%s (v%d): pages %v attached while still streaming", ch.Kind, ch.Version, s.Messages[1].Pages)
				}
			}

			last := changes[len(changes)-1].Session
			if last.IsStreaming || len(last.Messages) != 2 || fmt.Sprint(last.Messages[1].Pages) != tt.pages {
				t.Errorf("final session = %+v, want answer with pages %s", last, tt.pages)
			}
		})
	}
}

func TestAsk_SendsPinsInPinOrder(t *testing.T) {
	store := newLoadedStore(t)
	store.TogglePin("c2")
	store.TogglePin("c9")
	store.TogglePin("c1")
	store.TogglePin("c9")

	requests := make(chan models.QueryRequest, 1)
	consumer := NewConsumer(store, scripted(requests, models.ContentEvent("ok"), models.TerminalEvent(nil)))
	if _, err := consumer.Ask(context.Background(), "compare"); err != nil {
		t.Fatalf("Ask() error = %v", err)
	}

	req := <-requests
	if fmt.Sprint(req.PinnedChunkIDs) != "[c2 c1]" {
		t.Errorf("PinnedChunkIDs = %v, want [c2 c1]", req.PinnedChunkIDs)
	}
	if req.DocumentID != "doc1" {
		t.Errorf("DocumentID = %q", req.DocumentID)
	}
}

func TestAsk_IncrementalContent(t *testing.T) {
	store := newLoadedStore(t)

	var changes []sessions.Change
	unsubscribe := store.Subscribe(func(c sessions.Change) { changes = append(changes, c) })
	defer unsubscribe()

	consumer := NewConsumer(store, scripted(nil,
		models.ContentEvent("This"),
		models.ContentEvent(" paper"),
		models.ContentEvent(" proposes..."),
		models.TerminalEvent([]int{1, 3}),
	))
	result, err := consumer.Ask(context.Background(), "q")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if result.ContentEvents != 3 || fmt.Sprint(result.Pages) != "[1 3]" {
		t.Errorf("result = %+v", result)
	}

	session := store.Snapshot()
	var assistants []models.Message
	for _, m := range session.Messages {
		if m.Role == models.RoleAssistant {
			assistants = append(assistants, m)
		}
	}
	if len(assistants) != 1 {
		t.Fatalf("assistant messages = %d, want exactly 1", len(assistants))
	}
	if assistants[0].Content != "This paper proposes..." {
		t.Errorf("content = %q", assistants[0].Content)
	}

	// The assistant message only grows while streaming.
	var seen []string
	for _, c := range changes {
		if last, ok := c.Session.LastMessage(); ok && last.Role == models.RoleAssistant {
			seen = append(seen, last.Content)
		}
	}
	for i := 1; i < len(seen); i++ {
		if len(seen[i]) < len(seen[i-1]) {
			t.Errorf("assistant content shrank: %q -> %q", seen[i-1], seen[i])
		}
	}

	// Once pages are attached streaming is never observed as true again.
	terminal := -1
	for i, c := range changes {
		if last, ok := c.Session.LastMessage(); ok && last.Pages != nil && terminal < 0 {
			terminal = i
		}
	}
	if terminal < 0 {
		t.Fatal("no change attached pages")
	}
	for _, c := range changes[terminal+1:] {
		if c.Session.IsStreaming {
			t.Errorf("IsStreaming = true after terminal event (version %d)", c.Version)
		}
	}
	if session.IsStreaming {
		t.Error("IsStreaming = true at end")
	}
}

func TestAsk_TerminalWithoutContent(t *testing.T) {
	store := newLoadedStore(t)
	consumer := NewConsumer(store, scripted(nil, models.TerminalEvent(nil)))

	result, err := consumer.Ask(context.Background(), "q")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	session := store.Snapshot()
	if len(session.Messages) != 2 {
		t.Fatalf("messages = %+v, want user and assistant", session.Messages)
	}
	assistant := session.Messages[1]
	if assistant.Content != "" || assistant.Pages == nil || len(assistant.Pages) != 0 {
		t.Errorf("assistant = %+v, want empty content and empty pages", assistant)
	}
	if result.Pages == nil {
		t.Error("result pages = nil, want empty slice")
	}
}

func TestAsk_FailureAfterPartialContent(t *testing.T) {
	store := newLoadedStore(t)
	consumer := NewConsumer(store, scripted(nil,
		models.ContentEvent("partial"),
		models.ErrorEvent(backend.NewQueryError("model overloaded")),
	))

	_, err := consumer.Ask(context.Background(), "q")
	if !backend.IsQueryError(err) || err.Error() != "model overloaded" {
		t.Fatalf("Ask() error = %v, want QueryError(model overloaded)", err)
	}

	session := store.Snapshot()
	if session.IsStreaming {
		t.Error("IsStreaming = true after failure")
	}
	if len(session.Messages) != 2 || session.Messages[1].Content != "partial" {
		t.Errorf("messages = %+v, want user and the partial answer", session.Messages)
	}
	if session.Messages[1].Pages != nil {
		t.Errorf("partial answer pages = %v, want nil", session.Messages[1].Pages)
	}
}

func TestAsk_ErrorEventWithoutCause(t *testing.T) {
	store := newLoadedStore(t)
	ev := models.ErrorEvent(nil)
	ev.Error.Err = nil
	ev.Error.Message = "quota exceeded"

	_, err := NewConsumer(store, scripted(nil, ev)).Ask(context.Background(), "q")
	if !backend.IsQueryError(err) || err.Error() != "quota exceeded" {
		t.Fatalf("Ask() error = %v", err)
	}
}

func TestAsk_IncompleteStream(t *testing.T) {
	store := newLoadedStore(t)
	consumer := NewConsumer(store, scripted(nil, models.ContentEvent("cut off")))

	_, err := consumer.Ask(context.Background(), "q")
	if !errors.Is(err, ErrIncompleteStream) {
		t.Fatalf("Ask() error = %v, want ErrIncompleteStream", err)
	}
	if !IsFailure(err) {
		t.Error("IsFailure() = false for incomplete stream")
	}
	if store.Snapshot().IsStreaming {
		t.Error("IsStreaming = true after incomplete stream")
	}
}

func TestAsk_TransportErrorBeforeStream(t *testing.T) {
	store := newLoadedStore(t)
	failure := &backend.TransportError{Op: "query", Status: http.StatusBadGateway}
	transport := transportFunc(func(ctx context.Context, req models.QueryRequest) (<-chan models.ChatEvent, error) {
		return nil, failure
	})

	events := make(chan models.ChatEvent, 4)
	_, err := NewConsumer(store, transport, WithSink(NewChanSink(events))).Ask(context.Background(), "q")
	if !errors.Is(err, failure) {
		t.Fatalf("Ask() error = %v, want %v", err, failure)
	}

	session := store.Snapshot()
	if session.IsStreaming || len(session.Messages) != 1 {
		t.Errorf("session = streaming %v, %d messages", session.IsStreaming, len(session.Messages))
	}
	ev := <-events
	if ev.Type != models.ChatEventError || !errors.Is(ev.Error.Err, failure) {
		t.Errorf("sink event = %+v", ev)
	}
}

func TestAsk_Preconditions(t *testing.T) {
	t.Run("no document", func(t *testing.T) {
		store := sessions.NewStore()
		_, err := NewConsumer(store, scripted(nil)).Ask(context.Background(), "q")
		if !errors.Is(err, ErrNoDocument) {
			t.Fatalf("Ask() error = %v, want ErrNoDocument", err)
		}
		if len(store.Snapshot().Messages) != 0 {
			t.Error("message appended without a document")
		}
	})

	t.Run("empty query", func(t *testing.T) {
		store := newLoadedStore(t)
		_, err := NewConsumer(store, scripted(nil)).Ask(context.Background(), "  \n")
		if !errors.Is(err, ErrEmptyQuery) {
			t.Fatalf("Ask() error = %v, want ErrEmptyQuery", err)
		}
	})

	t.Run("already streaming", func(t *testing.T) {
		store := newLoadedStore(t)
		store.BeginStreaming()
		_, err := NewConsumer(store, scripted(nil)).Ask(context.Background(), "q")
		if !errors.Is(err, ErrStreamInProgress) {
			t.Fatalf("Ask() error = %v, want ErrStreamInProgress", err)
		}
		session := store.Snapshot()
		if len(session.Messages) != 0 || !session.IsStreaming {
			t.Errorf("rejected Ask touched the session: %+v", session)
		}
	})
}

// blockingTransport sends one content event and then waits for ctx.
func blockingTransport(requests chan<- models.QueryRequest) Transport {
	return transportFunc(func(ctx context.Context, req models.QueryRequest) (<-chan models.ChatEvent, error) {
		requests <- req
		ch := make(chan models.ChatEvent)
		go func() {
			defer close(ch)
			select {
			case ch <- models.ContentEvent("first"):
			case <-ctx.Done():
				return
			}
			<-ctx.Done()
		}()
		return ch, nil
	})
}

type askResult struct {
	result *Result
	err    error
}

func TestAsk_DocumentSwitchSupersedes(t *testing.T) {
	store := newLoadedStore(t)
	requests := make(chan models.QueryRequest, 1)
	applied := make(chan struct{}, 1)
	sink := NewCallbackSink(func(ctx context.Context, e models.ChatEvent) {
		if e.Type == models.ChatEventContent {
			applied <- struct{}{}
		}
	})

	done := make(chan askResult, 1)
	go func() {
		r, err := NewConsumer(store, blockingTransport(requests), WithSink(sink)).Ask(context.Background(), "q")
		done <- askResult{r, err}
	}()

	<-requests
	select {
	case <-applied:
	case <-time.After(5 * time.Second):
		t.Fatal("content never applied")
	}

	store.LoadDocument("doc2", "", "", nil)

	var res askResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Ask did not return after document switch")
	}
	if !errors.Is(res.err, ErrSuperseded) {
		t.Fatalf("Ask() error = %v, want ErrSuperseded", res.err)
	}
	if IsFailure(res.err) {
		t.Error("IsFailure() = true for superseded query")
	}

	session := store.Snapshot()
	if session.DocumentID != "doc2" || len(session.Messages) != 0 || session.IsStreaming {
		t.Errorf("new session disturbed: %+v", session)
	}
}

func TestAsk_DocumentSwitchAsAnswerStarts(t *testing.T) {
	store := newLoadedStore(t)
	unsubscribe := store.Subscribe(func(ch sessions.Change) {
		if ch.Kind == sessions.ChangeMessageAppended && ch.Session.DocumentID == "doc1" {
			store.LoadDocument("doc2", "", "", nil)
		}
	})
	defer unsubscribe()

	refused := transportFunc(func(ctx context.Context, req models.QueryRequest) (<-chan models.ChatEvent, error) {
		return nil, &backend.TransportError{Op: "query", Cause: errors.New("connection refused")}
	})

	_, err := NewConsumer(store, refused).Ask(context.Background(), "q")
	if !errors.Is(err, ErrSuperseded) {
		t.Fatalf("Ask() error = %v, want ErrSuperseded", err)
	}
	session := store.Snapshot()
	if session.DocumentID != "doc2" || len(session.Messages) != 0 || session.IsStreaming {
		t.Errorf("new session disturbed: %+v", session)
	}
}

func TestAsk_CallerCancel(t *testing.T) {
	store := newLoadedStore(t)
	requests := make(chan models.QueryRequest, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan askResult, 1)
	go func() {
		r, err := NewConsumer(store, blockingTransport(requests)).Ask(ctx, "q")
		done <- askResult{r, err}
	}()

	<-requests
	cancel()

	res := <-done
	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("Ask() error = %v, want context.Canceled", res.err)
	}
	if store.Snapshot().IsStreaming {
		t.Error("IsStreaming = true after cancel")
	}
}

func TestAsk_SinkAndMetrics(t *testing.T) {
	store := newLoadedStore(t)
	events := make(chan models.ChatEvent, 8)
	metrics := observability.NewMetrics(nil)

	consumer := NewConsumer(store,
		scripted(nil, models.ContentEvent("a"), models.ContentEvent("b"), models.TerminalEvent([]int{2})),
		WithSink(NewChanSink(events)),
		WithMetrics(metrics),
		WithQueryIDGenerator(func() string { return "q-1" }),
	)
	result, err := consumer.Ask(context.Background(), "q")
	if err != nil {
		t.Fatalf("Ask() error = %v", err)
	}
	if result.QueryID != "q-1" {
		t.Errorf("QueryID = %q", result.QueryID)
	}

	close(events)
	var types []models.ChatEventType
	for ev := range events {
		if ev.QueryID != "q-1" {
			t.Errorf("event QueryID = %q, want q-1", ev.QueryID)
		}
		types = append(types, ev.Type)
	}
	want := []models.ChatEventType{models.ChatEventContent, models.ChatEventContent, models.ChatEventTerminal}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Errorf("sink events = %v, want %v", types, want)
	}

	if got := testutil.ToFloat64(metrics.QueryCounter.WithLabelValues("success")); got != 1 {
		t.Errorf("success counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ContentEvents); got != 2 {
		t.Errorf("content events = %v, want 2", got)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{backend.NewQueryError("x"), "failed"},
		{&backend.TransportError{Op: "query"}, "transport_error"},
		{ErrIncompleteStream, "incomplete"},
		{ErrSuperseded, "superseded"},
		{context.Canceled, "canceled"},
	}
	for _, tt := range tests {
		if got := outcome(tt.err); got != tt.want {
			t.Errorf("outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
