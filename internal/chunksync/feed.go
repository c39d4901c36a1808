package chunksync

import (
	"context"

	"github.com/haasonsaas/docchat/internal/backoff"
	"github.com/haasonsaas/docchat/internal/sessions"
	"github.com/haasonsaas/docchat/pkg/models"
)

// Feed pushes chunk sets for a document as they change.
type Feed interface {
	Updates(ctx context.Context, documentID string) (<-chan models.ChunkUpdate, error)
}

// RunFeed applies chunk sets pushed by feed instead of polling. It follows
// the active document: a scope change closes the current subscription and
// opens one for the new document. Connection failures are reported to the
// error handler and retried with policy. RunFeed returns nil once ctx is
// cancelled.
func (s *Synchronizer) RunFeed(ctx context.Context, feed Feed, policy backoff.Policy) error {
	unsubscribe := s.watchScope()
	defer unsubscribe()

	s.logger.Info(ctx, "chunk feed started")
	defer s.logger.Info(ctx, "chunk feed stopped")

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		scope := s.store.Scope()
		if !s.enabled.Load() || !scope.Active() {
			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
			}
			continue
		}

		connected, err := s.follow(ctx, feed, scope)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}
		if err == nil {
			// Scope changed or the synchronizer was disabled; resubscribe at once.
			continue
		}

		attempt++
		s.metrics.RecordSync(outcomeError, 0, 0)
		s.logger.Warn(ctx, "chunk feed disconnected", "document_id", scope.DocumentID, "attempt", attempt, "error", err)
		if s.onError != nil {
			s.onError(scope.DocumentID, err)
		}
		if err := backoff.SleepAttempt(ctx, policy, attempt, s.wake); err != nil {
			return nil
		}
	}
}

// follow consumes one feed subscription for scope. It returns a nil error
// when the subscription ended because the scope moved on, and reports
// whether the subscription was established.
func (s *Synchronizer) follow(ctx context.Context, feed Feed, scope sessions.Scope) (bool, error) {
	feedCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates, err := feed.Updates(feedCtx, scope.DocumentID)
	if err != nil {
		return false, err
	}
	// The feed closes the channel once feedCtx is cancelled.
	defer func() {
		cancel()
		for range updates {
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case <-s.wake:
			if !s.enabled.Load() || s.store.Scope() != scope {
				return true, nil
			}
		case update, ok := <-updates:
			if !ok {
				return true, errFeedClosed
			}
			if update.Err != nil {
				return true, update.Err
			}
			_ = s.apply(ctx, scope, update.Chunks, 0)
		}
	}
}
