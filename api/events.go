package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudrive/drivesdk"
)

// Volume event type codes on the wire.
const (
	wireEventDelete     = 0
	wireEventCreate     = 1
	wireEventUpdate     = 2
	wireEventUpdateMeta = 3
)

type coreEventsResponse struct {
	Code                int    `json:"code"`
	Message             string `json:"message,omitempty"`
	EventID             string `json:"eventId"`
	Refresh             bool   `json:"refresh"`
	SharedWithMeRefresh bool   `json:"sharedWithMeRefresh"`
}

type latestEventIDResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
	EventID string `json:"eventId"`
}

type volumeEvent struct {
	EventID   string `json:"eventId"`
	EventType int    `json:"eventType"`
	NodeID    string `json:"nodeId"`
	ParentID  string `json:"parentId,omitempty"`
	IsTrashed bool   `json:"isTrashed"`
	IsShared  bool   `json:"isShared"`
}

type volumeEventsResponse struct {
	Code    int           `json:"code"`
	Message string        `json:"message,omitempty"`
	EventID string        `json:"eventId"`
	More    bool          `json:"more"`
	Refresh bool          `json:"refresh"`
	Events  []volumeEvent `json:"events"`
}

// eventBuffer is the shared iterator shape of both sources: a buffered page
// of events plus a fill callback invoked when the buffer is drained.
type eventBuffer struct {
	events []drivesdk.Event
	pos    int
	done   bool
	err    error
	fill   func(ctx context.Context, b *eventBuffer) error
}

func (b *eventBuffer) push(e drivesdk.Event) { b.events = append(b.events, e) }

func (b *eventBuffer) Next(ctx context.Context) (*drivesdk.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, &drivesdk.AbortError{Err: err}
	}
	for b.pos >= len(b.events) {
		if b.err != nil {
			err := b.err
			b.err = nil
			b.done = true
			return nil, err
		}
		if b.done {
			return nil, nil
		}
		b.events = b.events[:0]
		b.pos = 0
		if err := b.fill(ctx, b); err != nil {
			b.done = true
			return nil, err
		}
	}
	e := b.events[b.pos]
	b.pos++
	return &e, nil
}

// CoreEventSource adapts the account-wide events endpoint.
type CoreEventSource struct {
	client *Client
}

// NewCoreEventSource returns the core scope's event source.
func NewCoreEventSource(client *Client) *CoreEventSource {
	return &CoreEventSource{client: client}
}

// GetLatestEventID resolves the current core event id.
func (s *CoreEventSource) GetLatestEventID(ctx context.Context) (string, error) {
	var resp latestEventIDResponse
	if err := s.client.transport.Get(ctx, "/events/latest", &resp); err != nil {
		return "", err
	}
	if err := codeError(resp.Code, resp.Message, ""); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// GetEvents yields exactly one SharedWithMeUpdated event when the response
// carries a refresh or shared-with-me refresh marker, nothing otherwise.
func (s *CoreEventSource) GetEvents(ctx context.Context, sinceEventID string) drivesdk.EventIterator {
	fetched := false
	return &eventBuffer{
		fill: func(ctx context.Context, b *eventBuffer) error {
			if fetched {
				b.done = true
				return nil
			}
			fetched = true
			var resp coreEventsResponse
			if err := s.client.transport.Get(ctx, "/events?since="+sinceEventID, &resp); err != nil {
				return err
			}
			if err := codeError(resp.Code, resp.Message, ""); err != nil {
				return err
			}
			if resp.Refresh || resp.SharedWithMeRefresh {
				b.push(drivesdk.Event{
					Type:    drivesdk.EventSharedWithMeUpdated,
					EventID: resp.EventID,
					ScopeID: drivesdk.ScopeCore,
				})
			}
			b.done = true
			return nil
		},
	}
}

// VolumeEventSource adapts one volume's events endpoint.
type VolumeEventSource struct {
	client   *Client
	volumeID string
}

// NewVolumeEventSource returns the given volume's event source.
func NewVolumeEventSource(client *Client, volumeID string) *VolumeEventSource {
	return &VolumeEventSource{client: client, volumeID: volumeID}
}

// GetLatestEventID resolves the volume's current event id. A NotFound from
// the server means the volume is gone and converts to ErrUnsubscribe.
func (s *VolumeEventSource) GetLatestEventID(ctx context.Context) (string, error) {
	var resp latestEventIDResponse
	if err := s.client.transport.Get(ctx, fmt.Sprintf("/volumes/%s/events/latest", s.volumeID), &resp); err != nil {
		if errors.Is(err, drivesdk.ErrNotFound) {
			return "", drivesdk.ErrUnsubscribe
		}
		return "", err
	}
	if err := codeError(resp.Code, resp.Message, ""); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

func mapVolumeEvent(volumeID string, we volumeEvent) drivesdk.Event {
	e := drivesdk.Event{
		EventID:   we.EventID,
		ScopeID:   volumeID,
		NodeUID:   drivesdk.NewNodeUID(volumeID, we.NodeID),
		IsTrashed: we.IsTrashed,
		IsShared:  we.IsShared,
	}
	if we.ParentID != "" {
		e.ParentUID = drivesdk.NewNodeUID(volumeID, we.ParentID)
	}
	switch we.EventType {
	case wireEventDelete:
		e.Type = drivesdk.EventNodeDeleted
	case wireEventCreate:
		e.Type = drivesdk.EventNodeCreated
	case wireEventUpdate, wireEventUpdateMeta:
		e.Type = drivesdk.EventNodeUpdated
	default:
		e.Type = drivesdk.EventNodeUpdated
	}
	return e
}

// GetEvents pages through the volume's event chunks. A refresh page yields
// one TreeRefresh and stops; an empty page with an advanced event id yields
// one FastForward and stops; a NotFound yields one TreeRemove (eventId
// "none") and then re-raises the original error.
func (s *VolumeEventSource) GetEvents(ctx context.Context, sinceEventID string) drivesdk.EventIterator {
	since := sinceEventID
	return &eventBuffer{
		fill: func(ctx context.Context, b *eventBuffer) error {
			var resp volumeEventsResponse
			if err := s.client.transport.Get(ctx, fmt.Sprintf("/volumes/%s/events?since=%s", s.volumeID, since), &resp); err != nil {
				if errors.Is(err, drivesdk.ErrNotFound) {
					b.push(drivesdk.Event{
						Type:    drivesdk.EventTreeRemove,
						EventID: "none",
						ScopeID: s.volumeID,
					})
					b.err = err
					return nil
				}
				return err
			}
			if err := codeError(resp.Code, resp.Message, ""); err != nil {
				return err
			}
			if resp.Refresh {
				b.push(drivesdk.Event{
					Type:    drivesdk.EventTreeRefresh,
					EventID: resp.EventID,
					ScopeID: s.volumeID,
				})
				b.done = true
				return nil
			}
			if len(resp.Events) == 0 {
				if resp.EventID != since {
					b.push(drivesdk.Event{
						Type:    drivesdk.EventFastForward,
						EventID: resp.EventID,
						ScopeID: s.volumeID,
					})
				}
				b.done = true
				return nil
			}
			for _, we := range resp.Events {
				b.push(mapVolumeEvent(s.volumeID, we))
			}
			since = resp.EventID
			if !resp.More {
				b.done = true
			}
			return nil
		},
	}
}
