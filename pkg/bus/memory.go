package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Memory is an in-process bus. Messages whose handler fails are requeued,
// giving the same at-least-once semantics as the SQS backend.
type Memory struct {
	ch     chan CompletionEvent
	logger *zap.Logger

	mu        sync.Mutex
	published []CompletionEvent
}

var (
	_ Publisher  = (*Memory)(nil)
	_ Subscriber = (*Memory)(nil)
)

// NewMemory returns a bus buffering up to capacity undelivered events.
func NewMemory(capacity int, logger *zap.Logger) *Memory {
	if capacity <= 0 {
		capacity = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{ch: make(chan CompletionEvent, capacity), logger: logger}
}

// Publish enqueues ev, blocking while the buffer is full.
func (m *Memory) Publish(ctx context.Context, ev CompletionEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	select {
	case m.ch <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mu.Lock()
	m.published = append(m.published, ev)
	m.mu.Unlock()
	return nil
}

// Redeliver enqueues ev again without recording it as published. Tests use it
// to simulate duplicate delivery.
func (m *Memory) Redeliver(ctx context.Context, ev CompletionEvent) error {
	select {
	case m.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Published returns every event accepted by Publish, in order.
func (m *Memory) Published() []CompletionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionEvent(nil), m.published...)
}

// Pending returns the number of undelivered events.
func (m *Memory) Pending() int { return len(m.ch) }

// Receive dispatches events to h until ctx is done.
func (m *Memory) Receive(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-m.ch:
			if err := ev.Validate(); err != nil {
				m.logger.Warn("Dropping invalid completion event", zap.String("job_uuid", ev.JobUUID), zap.Error(err))
				continue
			}
			if err := h(ctx, ev); err != nil {
				m.logger.Warn("Handler failed, requeueing event", zap.String("job_uuid", ev.JobUUID), zap.Error(err))
				go func() { _ = m.Redeliver(ctx, ev) }()
			}
		}
	}
}

// Drain synchronously dispatches every currently buffered event and returns
// how many were handled. Failed events are not requeued.
func (m *Memory) Drain(ctx context.Context, h Handler) int {
	n := 0
	for {
		select {
		case ev := <-m.ch:
			if ev.Validate() == nil {
				_ = h(ctx, ev)
			}
			n++
		default:
			return n
		}
	}
}
