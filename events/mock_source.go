package events

import (
	"context"
	"sync"

	"github.com/cloudrive/drivesdk"
)

// MockEventSource is a scripted drivesdk.EventSource for tests. OnGetEvents
// is invoked once per iteration; the returned events are streamed in order
// and the returned error, if any, surfaces after the last of them.
type MockEventSource struct {
	LatestEventID string
	LatestErr     error
	OnGetEvents   func(since string) ([]drivesdk.Event, error)

	mu     sync.Mutex
	calls  int
	sinces []string
}

func (s *MockEventSource) GetLatestEventID(ctx context.Context) (string, error) {
	if s.LatestErr != nil {
		return "", s.LatestErr
	}
	return s.LatestEventID, nil
}

func (s *MockEventSource) GetEvents(ctx context.Context, sinceEventID string) drivesdk.EventIterator {
	s.mu.Lock()
	s.calls++
	s.sinces = append(s.sinces, sinceEventID)
	s.mu.Unlock()
	var events []drivesdk.Event
	var err error
	if s.OnGetEvents != nil {
		events, err = s.OnGetEvents(sinceEventID)
	}
	return &scriptedIterator{events: events, err: err}
}

// GetEventsCount returns how many iterations have started.
func (s *MockEventSource) GetEventsCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Sinces returns the since-event-id of each iteration so far.
func (s *MockEventSource) Sinces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sinces))
	copy(out, s.sinces)
	return out
}

type scriptedIterator struct {
	events []drivesdk.Event
	err    error
	pos    int
}

func (it *scriptedIterator) Next(ctx context.Context) (*drivesdk.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, &drivesdk.AbortError{Err: err}
	}
	if it.pos < len(it.events) {
		e := it.events[it.pos]
		it.pos++
		return &e, nil
	}
	if it.err != nil {
		err := it.err
		it.err = nil
		return nil, err
	}
	return nil, nil
}
