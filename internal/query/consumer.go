// Package query turns a user question into an answer in the session log.
//
// The Consumer appends the question, asks the backend through a Transport
// and applies the returned event stream to the session store: the first
// content event creates the assistant message, later ones extend it, and
// the terminal event attaches the referenced pages and ends streaming.
package query

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/docchat/internal/backend"
	"github.com/haasonsaas/docchat/internal/observability"
	"github.com/haasonsaas/docchat/internal/sessions"
	"github.com/haasonsaas/docchat/pkg/models"
	"go.opentelemetry.io/otel/trace"
)

// Transport issues a query and returns its response events in order.
// The channel carries zero or more content events followed by one terminal
// or error event, and is closed when the response ends or ctx is done.
type Transport interface {
	Stream(ctx context.Context, req models.QueryRequest) (<-chan models.ChatEvent, error)
}

// Result describes a completed answer.
type Result struct {
	QueryID            string
	UserMessageID      string
	AssistantMessageID string
	Answer             string
	Pages              []int
	ContentEvents      int
	Duration           time.Duration
}

// Consumer applies query responses to a session store.
type Consumer struct {
	store     *sessions.Store
	transport Transport
	sink      EventSink

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	newID   func() string
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithSink forwards every applied event to sink.
func WithSink(sink EventSink) Option {
	return func(c *Consumer) {
		if sink != nil {
			c.sink = sink
		}
	}
}

func WithLogger(logger *observability.Logger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger.WithFields("component", "query")
		}
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Consumer) {
		c.metrics = metrics
	}
}

func WithTracer(tracer *observability.Tracer) Option {
	return func(c *Consumer) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithQueryIDGenerator overrides query id generation.
func WithQueryIDGenerator(newID func() string) Option {
	return func(c *Consumer) {
		if newID != nil {
			c.newID = newID
		}
	}
}

// NewConsumer creates a consumer for store using transport.
func NewConsumer(store *sessions.Store, transport Transport, opts ...Option) *Consumer {
	c := &Consumer{
		store:     store,
		transport: transport,
		sink:      NopSink{},
		logger:    observability.NewNopLogger(),
		tracer:    observability.NewNopTracer(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ask sends query for the loaded document together with the current pins
// and applies the answer to the session as it streams in.
//
// The user message is appended before the backend is contacted. On failure
// the user message stays, no assistant message is added beyond content
// that already arrived, and streaming is cleared. Backend failures are
// returned as *backend.QueryError or *backend.TransportError. If the
// document changes mid-answer the request is cancelled and ErrSuperseded
// is returned.
func (c *Consumer) Ask(ctx context.Context, query string) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}

	session := c.store.Snapshot()
	scope := sessions.Scope{DocumentID: session.DocumentID, Generation: session.Generation}
	if !scope.Active() {
		return nil, ErrNoDocument
	}

	// Subscribe first: a document switch right after the start must cancel.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	unsubscribe := c.store.Subscribe(func(ch sessions.Change) {
		if ch.Kind.ScopeChanged() && ch.Scope() != scope {
			cancel(ErrSuperseded)
		}
	})
	defer unsubscribe()

	userID, ok := c.store.StartAnswerInScope(scope, models.Message{Role: models.RoleUser, Content: query})
	if !ok {
		if c.store.Scope() != scope {
			return nil, ErrSuperseded
		}
		return nil, ErrStreamInProgress
	}

	run := &answer{
		consumer: c,
		scope:    scope,
		queryID:  c.newID(),
		start:    time.Now(),
		userID:   userID,
	}

	ctx = observability.AddDocumentID(ctx, scope.DocumentID)
	ctx = observability.AddQueryID(ctx, run.queryID)
	ctx, span := c.tracer.TraceQuery(ctx, scope.DocumentID, len(session.PinnedChunkIDs))
	defer span.End()
	run.span = span

	req := models.QueryRequest{
		Query:          query,
		PinnedChunkIDs: append([]string{}, session.PinnedChunkIDs...),
		DocumentID:     scope.DocumentID,
	}
	c.logger.Debug(ctx, "query started", "pinned", len(req.PinnedChunkIDs))

	events, err := c.transport.Stream(ctx, req)
	if err != nil {
		c.sink.Emit(ctx, run.stamp(models.ErrorEvent(err)))
		return nil, run.finish(ctx, run.cause(ctx, err))
	}
	defer func() {
		// Unblock and release the producer if we stopped early.
		cancel(nil)
		for range events {
		}
	}()

	for ev := range events {
		if err := run.apply(ctx, ev); err != nil {
			return nil, run.finish(ctx, run.cause(ctx, err))
		}
		if ev.IsTerminal() {
			return run.result(), run.finish(ctx, nil)
		}
	}
	return nil, run.finish(ctx, run.cause(ctx, ErrIncompleteStream))
}

// answer tracks one Ask call.
type answer struct {
	consumer *Consumer
	scope    sessions.Scope
	queryID  string
	start    time.Time
	span     trace.Span

	userID      string
	assistantID string
	text        strings.Builder
	pages       []int
	contents    int
	ended       bool
}

func (a *answer) stamp(ev models.ChatEvent) models.ChatEvent {
	ev.QueryID = a.queryID
	return ev
}

// apply applies one event to the session. The terminal event attaches the
// pages and ends streaming in the same store change.
func (a *answer) apply(ctx context.Context, ev models.ChatEvent) error {
	c := a.consumer
	ev = a.stamp(ev)

	switch ev.Type {
	case models.ChatEventContent:
		if ev.Content == nil {
			return nil
		}
		delta := ev.Content.Delta
		if a.assistantID == "" {
			id, ok := c.store.AppendMessageInScope(a.scope, models.Message{Role: models.RoleAssistant, Content: delta})
			if !ok {
				return ErrSuperseded
			}
			a.assistantID = id
		} else if !c.store.PatchMessageInScope(a.scope, a.assistantID, models.MessagePatch{AppendContent: delta}) {
			return ErrSuperseded
		}
		a.text.WriteString(delta)
		a.contents++
		c.metrics.ContentApplied()
		if a.span != nil {
			c.tracer.ContentReceived(a.span, ev.Sequence, len(delta))
		}
		c.sink.Emit(ctx, ev)
		return nil

	case models.ChatEventTerminal:
		pages := []int{}
		if ev.Terminal != nil && ev.Terminal.Pages != nil {
			pages = append(pages, ev.Terminal.Pages...)
		}
		if a.assistantID == "" {
			id, ok := c.store.AppendFinalMessageInScope(a.scope, models.Message{Role: models.RoleAssistant, Pages: pages})
			if !ok {
				return ErrSuperseded
			}
			a.assistantID = id
		} else if !c.store.CompleteMessageInScope(a.scope, a.assistantID, models.MessagePatch{Pages: pages}) {
			return ErrSuperseded
		}
		a.pages = pages
		a.ended = true
		c.sink.Emit(ctx, ev)
		return nil

	case models.ChatEventError:
		c.sink.Emit(ctx, ev)
		if ev.Error == nil {
			return backend.NewQueryError("")
		}
		if ev.Error.Err != nil {
			return ev.Error.Err
		}
		return backend.NewQueryError(ev.Error.Message)
	}
	// Unknown event types are skipped.
	return nil
}

// cause maps err to what Ask returns once ctx may have been cancelled.
func (a *answer) cause(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), ErrSuperseded) {
		return ErrSuperseded
	}
	if errors.Is(err, ErrIncompleteStream) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// finish clears streaming, records the outcome and returns err.
func (a *answer) finish(ctx context.Context, err error) error {
	c := a.consumer
	if !a.ended {
		a.ended = true
		c.store.EndStreamingInScope(a.scope)
	}

	elapsed := time.Since(a.start)
	c.metrics.RecordQuery(outcome(err), elapsed.Seconds())

	if err != nil {
		if a.span != nil {
			c.tracer.RecordError(a.span, err)
		}
		if errors.Is(err, ErrSuperseded) {
			c.logger.Info(ctx, "query superseded by document change")
		} else {
			c.logger.Warn(ctx, "query failed", "outcome", outcome(err), "error", err)
		}
		return err
	}

	if a.span != nil {
		c.tracer.SetAttributes(a.span, "content_events", a.contents, "pages", len(a.pages))
	}
	c.logger.Info(ctx, "query answered",
		"content_events", a.contents,
		"pages", a.pages,
		"duration_ms", elapsed.Milliseconds(),
	)
	return nil
}

func (a *answer) result() *Result {
	return &Result{
		QueryID:            a.queryID,
		UserMessageID:      a.userID,
		AssistantMessageID: a.assistantID,
		Answer:             a.text.String(),
		Pages:              append([]int{}, a.pages...),
		ContentEvents:      a.contents,
		Duration:           time.Since(a.start),
	}
}
