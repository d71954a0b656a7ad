package drivesdk

import "context"

// EventIterator is a pull-based, cancellable stream of scope events.
type EventIterator interface {
	// Next returns the next event, or nil, nil when the stream is drained.
	// A terminal error ends the stream; an ErrUnsubscribe terminal error
	// stops the owning scope manager permanently.
	Next(ctx context.Context) (*Event, error)
}

// EventSource is a specialized (core or volume) event endpoint adapter
// consumed by the scope event manager.
type EventSource interface {
	// GetLatestEventID resolves the scope's current event id, used when no
	// resume id is known yet.
	GetLatestEventID(ctx context.Context) (string, error)
	// GetEvents streams the events that happened after sinceEventID.
	GetEvents(ctx context.Context, sinceEventID string) EventIterator
}

// LatestEventIDProvider is an optional caller callback used to resume polling
// across process restarts. ok is false when no id is stored for the scope.
type LatestEventIDProvider func(ctx context.Context, scopeID string) (eventID string, ok bool, err error)
