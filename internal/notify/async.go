package notify

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/example/ridedispatch/internal/ride/domain"
)

const defaultBuffer = 256

// Async hands events to a sink from a single background worker. Publish
// never blocks; when the queue is full the event is dropped and counted.
type Async struct {
	sink   domain.EventPublisher
	logger *zap.Logger
	queue  chan queued

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type queued struct {
	ctx   context.Context
	event domain.Event
}

func NewAsync(sink domain.EventPublisher, buffer int, logger *zap.Logger) *Async {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Async{
		sink:   sink,
		logger: logger,
		queue:  make(chan queued, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Publish(ctx context.Context, event domain.Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		eventsPublished.WithLabelValues("dropped").Inc()
		return nil
	}
	select {
	case a.queue <- queued{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		eventsPublished.WithLabelValues("dropped").Inc()
		a.logger.Warn("notification queue full, event dropped",
			zap.String("type", string(event.Type)),
			zap.String("ride_id", event.RideID.String()))
	}
	return nil
}

func (a *Async) run() {
	defer close(a.done)
	for q := range a.queue {
		if err := a.sink.Publish(q.ctx, q.event); err != nil {
			eventsPublished.WithLabelValues("failed").Inc()
			a.logger.Warn("notification sink failed",
				zap.String("type", string(q.event.Type)),
				zap.String("ride_id", q.event.RideID.String()),
				zap.Error(err))
			continue
		}
		eventsPublished.WithLabelValues("delivered").Inc()
	}
}

// Close stops accepting events and waits for queued ones to drain or for ctx
// to expire.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fanout publishes each event to every sink in order.
type Fanout []domain.EventPublisher

func (f Fanout) Publish(ctx context.Context, event domain.Event) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
