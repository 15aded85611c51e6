// Package events carries realtime job events between the workers that
// produce them and the processes that hold subscriber connections.
package events

import (
	"context"
	"errors"

	"github.com/zemo/api/internal/model"
)

// Publisher delivers an event to subscribers of its job and job type.
type Publisher interface {
	Publish(ctx context.Context, event model.Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event model.Event) error

func (f PublisherFunc) Publish(ctx context.Context, event model.Event) error {
	return f(ctx, event)
}

// Multi publishes to every publisher, joining their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event model.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, model.Event) error { return nil })
