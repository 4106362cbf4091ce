package notify

import (
	"context"
	"errors"

	domain "github.com/stockroom/api/internal/domain"
)

// Sink receives order status events.
type Sink interface {
	PublishOrderStatus(ctx context.Context, event domain.OrderStatusEvent) error
}

// Fanout publishes each event to every sink and joins their errors.
type Fanout struct {
	sinks []Sink
}

// NewFanout skips nil sinks.
func NewFanout(sinks ...Sink) *Fanout {
	kept := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}
	return &Fanout{sinks: kept}
}

func (f *Fanout) PublishOrderStatus(ctx context.Context, event domain.OrderStatusEvent) error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.PublishOrderStatus(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
