package query

import (
	"context"

	"github.com/haasonsaas/docchat/pkg/models"
)

// EventSink receives every chat event the consumer applies.
// Implementations must be safe to call from multiple goroutines and
// should not block.
type EventSink interface {
	Emit(ctx context.Context, e models.ChatEvent)
}

// ChanSink sends events to a channel, dropping them when the channel is full.
type ChanSink struct {
	ch chan<- models.ChatEvent
}

// NewChanSink creates a sink that sends to ch. The channel should be buffered.
func NewChanSink(ch chan<- models.ChatEvent) *ChanSink {
	return &ChanSink{ch: ch}
}

// Emit sends the event without blocking.
func (s *ChanSink) Emit(ctx context.Context, e models.ChatEvent) {
	select {
	case s.ch <- e:
	case <-ctx.Done():
	default:
		// Channel full - drop event rather than stall the stream
	}
}

// MultiSink fans events out to several sinks.
type MultiSink struct {
	sinks []EventSink
}

// NewMultiSink creates a fan-out sink. Nil sinks are skipped.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

func (s *MultiSink) Emit(ctx context.Context, e models.ChatEvent) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// CallbackSink wraps a function as an EventSink.
type CallbackSink struct {
	fn func(ctx context.Context, e models.ChatEvent)
}

func NewCallbackSink(fn func(ctx context.Context, e models.ChatEvent)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

func (s *CallbackSink) Emit(ctx context.Context, e models.ChatEvent) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(ctx context.Context, e models.ChatEvent) {}
