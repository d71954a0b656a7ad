package api

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudrive/drivesdk"
)

func collectEvents(t *testing.T, it drivesdk.EventIterator) ([]drivesdk.Event, error) {
	t.Helper()
	ctx := context.Background()
	var events []drivesdk.Event
	for {
		e, err := it.Next(ctx)
		if err != nil {
			return events, err
		}
		if e == nil {
			return events, nil
		}
		events = append(events, *e)
	}
}

func TestCoreEventsRefresh(t *testing.T) {
	transport := NewMockTransport()
	source := NewCoreEventSource(NewClient(transport))

	transport.Respond("GET", "/events?since=e1", coreEventsResponse{
		Code: ResponseCodeOK, EventID: "e5", SharedWithMeRefresh: true,
	})

	events, err := collectEvents(t, source.GetEvents(context.Background(), "e1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %v, want one", events)
	}
	e := events[0]
	if e.Type != drivesdk.EventSharedWithMeUpdated || e.EventID != "e5" || e.ScopeID != drivesdk.ScopeCore {
		t.Errorf("got %+v", e)
	}
}

func TestCoreEventsNoChange(t *testing.T) {
	transport := NewMockTransport()
	source := NewCoreEventSource(NewClient(transport))

	transport.Respond("GET", "/events?since=e1", coreEventsResponse{
		Code: ResponseCodeOK, EventID: "e1",
	})

	events, err := collectEvents(t, source.GetEvents(context.Background(), "e1"))
	if err != nil || len(events) != 0 {
		t.Errorf("events = %v, err = %v, want none", events, err)
	}
}

func TestVolumeEventsMapping(t *testing.T) {
	transport := NewMockTransport()
	source := NewVolumeEventSource(NewClient(transport), "v")

	transport.Respond("GET", "/volumes/v/events?since=e1", volumeEventsResponse{
		Code:    ResponseCodeOK,
		EventID: "e4",
		Events: []volumeEvent{
			{EventID: "e2", EventType: wireEventCreate, NodeID: "n1", ParentID: "p1"},
			{EventID: "e3", EventType: wireEventUpdateMeta, NodeID: "n2", IsTrashed: true},
			{EventID: "e4", EventType: wireEventDelete, NodeID: "n3"},
		},
	})

	events, err := collectEvents(t, source.GetEvents(context.Background(), "e1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %v, want three", events)
	}
	if events[0].Type != drivesdk.EventNodeCreated || events[0].NodeUID != "v~n1" || events[0].ParentUID != "v~p1" {
		t.Errorf("created = %+v", events[0])
	}
	if events[1].Type != drivesdk.EventNodeUpdated || !events[1].IsTrashed {
		t.Errorf("updated = %+v", events[1])
	}
	if events[2].Type != drivesdk.EventNodeDeleted || events[2].NodeUID != "v~n3" {
		t.Errorf("deleted = %+v", events[2])
	}
}

func TestVolumeEventsPaging(t *testing.T) {
	transport := NewMockTransport()
	source := NewVolumeEventSource(NewClient(transport), "v")

	transport.Respond("GET", "/volumes/v/events?since=e1", volumeEventsResponse{
		Code: ResponseCodeOK, EventID: "e2", More: true,
		Events: []volumeEvent{{EventID: "e2", EventType: wireEventCreate, NodeID: "n1"}},
	})
	transport.Respond("GET", "/volumes/v/events?since=e2", volumeEventsResponse{
		Code: ResponseCodeOK, EventID: "e3",
		Events: []volumeEvent{{EventID: "e3", EventType: wireEventCreate, NodeID: "n2"}},
	})

	events, err := collectEvents(t, source.GetEvents(context.Background(), "e1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].NodeUID != "v~n1" || events[1].NodeUID != "v~n2" {
		t.Errorf("events = %v", events)
	}
	if n := transport.CallCount("GET", "/volumes/v/events?since=e2"); n != 1 {
		t.Errorf("second page fetched %d times", n)
	}
}

func TestVolumeEventsRefresh(t *testing.T) {
	transport := NewMockTransport()
	source := NewVolumeEventSource(NewClient(transport), "v")

	transport.Respond("GET", "/volumes/v/events?since=e1", volumeEventsResponse{
		Code: ResponseCodeOK, EventID: "e9", Refresh: true,
		// A refresh page must win even when it carries events.
		Events: []volumeEvent{{EventID: "e2", EventType: wireEventCreate, NodeID: "n1"}},
	})

	events, err := collectEvents(t, source.GetEvents(context.Background(), "e1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != drivesdk.EventTreeRefresh || events[0].EventID != "e9" {
		t.Errorf("events = %v, want one TreeRefresh(e9)", events)
	}
}

func TestVolumeEventsFastForward(t *testing.T) {
	transport := NewMockTransport()
	source := NewVolumeEventSource(NewClient(transport), "v")

	transport.Respond("GET", "/volumes/v/events?since=e1", volumeEventsResponse{
		Code: ResponseCodeOK, EventID: "e7",
	})

	events, err := collectEvents(t, source.GetEvents(context.Background(), "e1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != drivesdk.EventFastForward || events[0].EventID != "e7" {
		t.Errorf("events = %v, want one FastForward(e7)", events)
	}
}

func TestVolumeEventsRemovedVolume(t *testing.T) {
	transport := NewMockTransport()
	source := NewVolumeEventSource(NewClient(transport), "v")

	transport.Fail("GET", "/volumes/v/events?since=e1", drivesdk.ErrNotFound)

	it := source.GetEvents(context.Background(), "e1")
	first, err := it.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first == nil || first.Type != drivesdk.EventTreeRemove || first.EventID != "none" {
		t.Fatalf("first = %+v, want TreeRemove with event id none", first)
	}
	// The original error surfaces after the synthetic event.
	if _, err := it.Next(context.Background()); !errors.Is(err, drivesdk.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestVolumeLatestEventID(t *testing.T) {
	transport := NewMockTransport()
	source := NewVolumeEventSource(NewClient(transport), "v")

	transport.Respond("GET", "/volumes/v/events/latest", latestEventIDResponse{
		Code: ResponseCodeOK, EventID: "e42",
	})
	id, err := source.GetLatestEventID(context.Background())
	if err != nil || id != "e42" {
		t.Errorf("got (%q, %v)", id, err)
	}

	transport.Fail("GET", "/volumes/v/events/latest", drivesdk.ErrNotFound)
	if _, err := source.GetLatestEventID(context.Background()); !errors.Is(err, drivesdk.ErrUnsubscribe) {
		t.Errorf("got %v, want ErrUnsubscribe", err)
	}
}
