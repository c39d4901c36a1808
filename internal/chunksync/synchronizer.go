// Package chunksync keeps the session's chunk set in step with the backend.
//
// A Synchronizer polls the backend for the chunks of the active document on
// a schedule and applies every successful result wholesale. Results are
// applied only if the document scope they were fetched for is still the
// active one, so a slow response for a previous document can never
// overwrite the chunks of the current one.
package chunksync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/docchat/internal/observability"
	"github.com/haasonsaas/docchat/internal/sessions"
	"github.com/haasonsaas/docchat/pkg/models"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoDocument is returned by Refresh when no document is loaded.
	ErrNoDocument = errors.New("chunksync: no document loaded")

	errFeedClosed = errors.New("chunksync: feed closed")
)

// Sync outcomes reported to metrics.
const (
	outcomeApplied = "applied"
	outcomeStale   = "stale"
	outcomeError   = "error"
	outcomeSkipped = "skipped"
)

// Source lists the chunks of a document.
type Source interface {
	ListChunks(ctx context.Context, documentID string) ([]models.Chunk, error)
}

// ErrorHandler receives fetch failures. It must not block.
type ErrorHandler func(documentID string, err error)

// Synchronizer drives chunk fetches for a Store.
type Synchronizer struct {
	store    *sessions.Store
	source   Source
	schedule Schedule
	onError  ErrorHandler

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	group   singleflight.Group
	enabled atomic.Bool
	wake    chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithSchedule sets the polling schedule. The default is Interval(DefaultInterval).
func WithSchedule(schedule Schedule) Option {
	return func(s *Synchronizer) {
		if schedule != nil {
			s.schedule = schedule
		}
	}
}

// WithErrorHandler sets the callback for fetch failures.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(s *Synchronizer) {
		s.onError = fn
	}
}

func WithLogger(logger *observability.Logger) Option {
	return func(s *Synchronizer) {
		if logger != nil {
			s.logger = logger.WithFields("component", "chunksync")
		}
	}
}

func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Synchronizer) {
		s.metrics = metrics
	}
}

func WithTracer(tracer *observability.Tracer) Option {
	return func(s *Synchronizer) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// New creates an enabled synchronizer for store backed by source.
func New(store *sessions.Store, source Source, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:    store,
		source:   source,
		schedule: Interval(DefaultInterval),
		logger:   observability.NewNopLogger(),
		tracer:   observability.NewNopTracer(),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.enabled.Store(true)
	return s
}

// Enable resumes fetching. If the synchronizer was disabled a fetch is
// triggered immediately.
func (s *Synchronizer) Enable() {
	if !s.enabled.Swap(true) {
		s.trigger()
	}
}

// Disable stops scheduled and scope-change fetches until Enable is called.
// A fetch already in flight still applies if its scope is current.
func (s *Synchronizer) Disable() {
	s.enabled.Store(false)
}

// Enabled reports whether scheduled fetches run.
func (s *Synchronizer) Enabled() bool {
	return s.enabled.Load()
}

func (s *Synchronizer) trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// watchScope triggers a fetch whenever the active document scope changes.
func (s *Synchronizer) watchScope() func() {
	return s.store.Subscribe(func(c sessions.Change) {
		if c.Kind.ScopeChanged() {
			s.trigger()
		}
	})
}

// Run fetches immediately and then on every schedule tick, on every scope
// change and on re-enable, until ctx is cancelled. It waits for in-flight
// fetches before returning. Only one of Run and RunFeed may be active at a
// time.
func (s *Synchronizer) Run(ctx context.Context) error {
	unsubscribe := s.watchScope()
	defer unsubscribe()
	defer s.wg.Wait()

	s.logger.Info(ctx, "chunk synchronizer started")
	s.launch(ctx)

	timer := time.NewTimer(s.untilNext(time.Now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "chunk synchronizer stopped")
			return nil
		case <-s.wake:
			s.launch(ctx)
		case now := <-timer.C:
			s.launch(ctx)
			timer.Reset(s.untilNext(now))
		}
	}
}

func (s *Synchronizer) untilNext(now time.Time) time.Duration {
	next := s.schedule.Next(now)
	if next.IsZero() {
		// No further activations; only wakes will trigger fetches.
		return time.Duration(math.MaxInt64)
	}
	if d := next.Sub(now); d > 0 {
		return d
	}
	return 0
}

// launch starts a fetch for the current scope without blocking the loop.
func (s *Synchronizer) launch(ctx context.Context) {
	if !s.enabled.Load() {
		return
	}
	scope := s.store.Scope()
	if !scope.Active() {
		s.metrics.RecordSync(outcomeSkipped, 0, 0)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.sync(ctx, scope)
	}()
}

// Refresh fetches the chunks of the active document now and waits for the
// result. A result that turns out stale is dropped without error.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	scope := s.store.Scope()
	if !scope.Active() {
		return ErrNoDocument
	}
	return s.sync(ctx, scope)
}

// sync runs at most one fetch per scope; concurrent callers for the same
// scope share the in-flight result.
func (s *Synchronizer) sync(ctx context.Context, scope sessions.Scope) error {
	key := fmt.Sprintf("%s#%d", scope.DocumentID, scope.Generation)
	_, err, _ := s.group.Do(key, func() (any, error) {
		return nil, s.fetch(ctx, scope)
	})
	return err
}

func (s *Synchronizer) fetch(ctx context.Context, scope sessions.Scope) error {
	ctx = observability.AddDocumentID(ctx, scope.DocumentID)
	ctx, span := s.tracer.TraceChunkFetch(ctx, scope.DocumentID)
	defer span.End()

	start := time.Now()
	chunks, err := s.source.ListChunks(ctx, scope.DocumentID)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.tracer.RecordError(span, err)
		s.metrics.RecordSync(outcomeError, elapsed, 0)
		s.logger.Warn(ctx, "chunk fetch failed", "error", err)
		if s.onError != nil {
			s.onError(scope.DocumentID, err)
		}
		return err
	}

	return s.apply(ctx, scope, chunks, elapsed)
}

func (s *Synchronizer) apply(ctx context.Context, scope sessions.Scope, chunks []models.Chunk, elapsed float64) error {
	if !s.store.ReplaceChunksInScope(scope, chunks) {
		s.metrics.RecordSync(outcomeStale, elapsed, 0)
		s.logger.Debug(ctx, "discarding stale chunk set", "generation", scope.Generation, "chunks", len(chunks))
		return nil
	}
	s.metrics.RecordSync(outcomeApplied, elapsed, len(chunks))
	s.logger.Debug(ctx, "chunk set applied", "chunks", len(chunks))
	return nil
}
