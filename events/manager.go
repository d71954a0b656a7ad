package events

import (
	"context"
	"errors"
	log "log/slog"
	"sync"
	"time"

	"github.com/cloudrive/drivesdk"
)

// Listener receives each event of a scope in server order. An error from a
// listener breaks the current iteration and is re-thrown as the iteration's
// failure.
type Listener func(ctx context.Context, event drivesdk.Event) error

// Subscription releases a listener registration.
type Subscription interface {
	Dispose()
}

type registeredListener struct {
	id int
	cb Listener
}

// Manager is the polling loop of one event scope. Each iteration fetches the
// events after latestEventID, notifies listeners in registration order,
// advances latestEventID per event, and then sleeps; failed iterations back
// off on the Fibonacci schedule. The manager exclusively owns its loop and
// cancellation primitives.
type Manager struct {
	scopeID         string
	source          drivesdk.EventSource
	pollingInterval time.Duration
	clock           Clock

	// onLatestEventID, when set, persists the advanced event id after each
	// successful iteration so polling can resume across restarts.
	onLatestEventID func(ctx context.Context, scopeID, eventID string)

	mu            sync.Mutex
	listeners     []registeredListener
	nextListener  int
	latestEventID string
	haveLatest    bool
	retryIndex    int
	running       bool
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// ManagerOptions configures a scope manager.
type ManagerOptions struct {
	ScopeID         string
	Source          drivesdk.EventSource
	PollingInterval time.Duration
	Clock           Clock
	// LatestEventID seeds the resume position; HaveLatestEventID marks it
	// valid. When absent the manager resolves it lazily on first start.
	LatestEventID     string
	HaveLatestEventID bool
	OnLatestEventID   func(ctx context.Context, scopeID, eventID string)
}

// NewManager creates a stopped manager for one scope.
func NewManager(opts ManagerOptions) *Manager {
	clock := opts.Clock
	if clock == nil {
		clock = RealClock()
	}
	return &Manager{
		scopeID:         opts.ScopeID,
		source:          opts.Source,
		pollingInterval: opts.PollingInterval,
		clock:           clock,
		latestEventID:   opts.LatestEventID,
		haveLatest:      opts.HaveLatestEventID,
		onLatestEventID: opts.OnLatestEventID,
	}
}

// AddListener registers cb; listeners are notified in registration order.
// The returned subscription's Dispose removes the listener.
func (m *Manager) AddListener(cb Listener) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.listeners = append(m.listeners, registeredListener{id: id, cb: cb})
	return &listenerSubscription{manager: m, id: id}
}

type listenerSubscription struct {
	manager *Manager
	id      int
	once    sync.Once
}

func (s *listenerSubscription) Dispose() {
	s.once.Do(func() {
		m := s.manager
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == s.id {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				break
			}
		}
	})
}

// ListenerCount returns the number of registered listeners.
func (m *Manager) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// IsRunning reports whether the polling loop is active.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// LatestEventID returns the current resume position.
func (m *Manager) LatestEventID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestEventID, m.haveLatest
}

// Start launches the polling loop. When the resume position is unknown it is
// resolved via GetLatestEventID and the first tick is deferred to the
// scheduled interval; otherwise one iteration runs immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	haveLatest := m.haveLatest
	m.mu.Unlock()

	runFirstImmediately := true
	if !haveLatest {
		eventID, err := m.source.GetLatestEventID(ctx)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.latestEventID = eventID
		m.haveLatest = true
		m.mu.Unlock()
		// First tick is deferred to the scheduled interval.
		runFirstImmediately = false
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	go m.loop(ctx, stopCh, doneCh, runFirstImmediately)
	return nil
}

func (m *Manager) loop(ctx context.Context, stopCh, doneCh chan struct{}, runImmediately bool) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(doneCh)
	}()

	delay := m.pollingInterval
	for {
		if !runImmediately {
			timer := m.clock.NewTimer(delay)
			select {
			case <-stopCh:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C():
			}
		}
		runImmediately = false

		err := m.iterate(ctx)
		switch {
		case err == nil:
			m.mu.Lock()
			m.retryIndex = 0
			m.mu.Unlock()
			delay = m.pollingInterval
		case errors.Is(err, drivesdk.ErrUnsubscribe) || errors.Is(err, drivesdk.ErrNotFound):
			// The scope is gone; stop permanently.
			log.Info("events scope unsubscribed", "scope", m.scopeID, "error", err.Error())
			return
		case ctx.Err() != nil:
			return
		default:
			// The delay grows on the Fibonacci schedule; the index
			// advances after scheduling so the first two failed
			// iterations both wait one interval.
			m.mu.Lock()
			delay = drivesdk.BackoffDelay(m.pollingInterval, m.retryIndex)
			m.retryIndex++
			m.mu.Unlock()
			log.Warn("events iteration failed", "scope", m.scopeID, "error", err.Error())
		}
	}
}

// iterate runs one fetch-and-dispatch pass.
func (m *Manager) iterate(ctx context.Context) error {
	m.mu.Lock()
	since := m.latestEventID
	m.mu.Unlock()

	it := m.source.GetEvents(ctx, since)
	for {
		event, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if event == nil {
			break
		}
		m.mu.Lock()
		listeners := make([]registeredListener, len(m.listeners))
		copy(listeners, m.listeners)
		m.mu.Unlock()
		for _, l := range listeners {
			if err := l.cb(ctx, *event); err != nil {
				return err
			}
		}
		m.mu.Lock()
		m.latestEventID = event.EventID
		m.haveLatest = true
		m.mu.Unlock()
		if m.onLatestEventID != nil {
			m.onLatestEventID(ctx, m.scopeID, event.EventID)
		}
	}
	return nil
}

// Stop awaits the in-flight iteration (swallowing its failure) and cancels
// the pending sleep.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-ctx.Done():
	}
}
