package events

import (
	"context"
	"sync"
	"time"

	"github.com/cloudrive/drivesdk"
)

// Default polling intervals per scope kind.
const (
	DefaultCorePollingInterval        = 30 * time.Second
	DefaultOwnVolumePollingInterval   = 30 * time.Second
	DefaultOtherVolumePollingInterval = 60 * time.Second
)

// ServiceOptions wires the event service's collaborators.
type ServiceOptions struct {
	// NewCoreSource and NewVolumeSource construct the specialized event
	// sources (see the api package).
	NewCoreSource   func() drivesdk.EventSource
	NewVolumeSource func(volumeID string) drivesdk.EventSource

	// IsOwnVolume selects the polling interval for a volume scope.
	IsOwnVolume func(ctx context.Context, volumeID string) (bool, error)

	// LatestEventIDProvider resumes polling across process restarts. It is
	// required for the core scope and optional for volume scopes.
	LatestEventIDProvider drivesdk.LatestEventIDProvider

	// PersistLatestEventID, when set, records each advanced event id.
	PersistLatestEventID func(ctx context.Context, scopeID, eventID string)

	// Handler, when set, is attached as the first listener of every
	// manager the service creates (the node events handler).
	Handler Listener

	Telemetry drivesdk.Telemetry
	Clock     Clock

	CorePollingInterval        time.Duration
	OwnVolumePollingInterval   time.Duration
	OtherVolumePollingInterval time.Duration
}

// Service keeps the registry of scope event managers and multiplexes
// subscriptions across scopes, creating and starting managers on demand.
type Service struct {
	opts ServiceOptions

	mu       sync.Mutex
	managers map[string]*Manager
	subCount int
}

// NewService creates the service. Zero intervals fall back to the defaults.
func NewService(opts ServiceOptions) *Service {
	if opts.CorePollingInterval == 0 {
		opts.CorePollingInterval = DefaultCorePollingInterval
	}
	if opts.OwnVolumePollingInterval == 0 {
		opts.OwnVolumePollingInterval = DefaultOwnVolumePollingInterval
	}
	if opts.OtherVolumePollingInterval == 0 {
		opts.OtherVolumePollingInterval = DefaultOtherVolumePollingInterval
	}
	if opts.Telemetry == nil {
		opts.Telemetry = drivesdk.NopTelemetry{}
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	return &Service{
		opts:     opts,
		managers: make(map[string]*Manager),
	}
}

// resumePosition consults the caller's provider for the scope's stored id.
func (s *Service) resumePosition(ctx context.Context, scopeID string) (string, bool) {
	if s.opts.LatestEventIDProvider == nil {
		return "", false
	}
	eventID, ok, err := s.opts.LatestEventIDProvider(ctx, scopeID)
	if err != nil || !ok {
		return "", false
	}
	return eventID, true
}

func (s *Service) manager(ctx context.Context, scopeID string) (*Manager, error) {
	s.mu.Lock()
	if m, ok := s.managers[scopeID]; ok {
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()

	var source drivesdk.EventSource
	interval := s.opts.CorePollingInterval
	if scopeID == drivesdk.ScopeCore {
		source = s.opts.NewCoreSource()
	} else {
		source = s.opts.NewVolumeSource(scopeID)
		// Foreign volumes poll at the slower cadence.
		interval = s.opts.OwnVolumePollingInterval
		if s.opts.IsOwnVolume != nil {
			own, err := s.opts.IsOwnVolume(ctx, scopeID)
			if err != nil {
				return nil, err
			}
			if !own {
				interval = s.opts.OtherVolumePollingInterval
			}
		}
	}

	eventID, have := s.resumePosition(ctx, scopeID)
	m := NewManager(ManagerOptions{
		ScopeID:           scopeID,
		Source:            source,
		PollingInterval:   interval,
		Clock:             s.opts.Clock,
		LatestEventID:     eventID,
		HaveLatestEventID: have,
		OnLatestEventID:   s.opts.PersistLatestEventID,
	})
	if s.opts.Handler != nil {
		m.AddListener(s.opts.Handler)
	}

	s.mu.Lock()
	if existing, ok := s.managers[scopeID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.managers[scopeID] = m
	s.mu.Unlock()
	return m, nil
}

// SubscribeToCoreEvents attaches cb to the core scope, lazily constructing
// and starting its manager. The core scope requires a caller-supplied
// LatestEventIDProvider.
func (s *Service) SubscribeToCoreEvents(ctx context.Context, cb Listener) (Subscription, error) {
	if s.opts.LatestEventIDProvider == nil {
		return nil, &drivesdk.ConfigurationError{Details: "core events require a latest-event-id provider"}
	}
	return s.subscribe(ctx, drivesdk.ScopeCore, cb)
}

// SubscribeToTreeEvents attaches cb to a volume scope, lazily constructing
// and starting its manager. scopeID equals the volume id.
func (s *Service) SubscribeToTreeEvents(ctx context.Context, scopeID string, cb Listener) (Subscription, error) {
	if scopeID == "" || scopeID == drivesdk.ScopeCore {
		return nil, &drivesdk.ValidationError{Details: "tree events scope must be a volume id"}
	}
	return s.subscribe(ctx, scopeID, cb)
}

func (s *Service) subscribe(ctx context.Context, scopeID string, cb Listener) (Subscription, error) {
	m, err := s.manager(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	sub := m.AddListener(cb)
	if !m.IsRunning() {
		if err := m.Start(ctx); err != nil {
			sub.Dispose()
			return nil, err
		}
	}
	s.subscriptionsChanged(ctx, scopeID, +1)
	return &serviceSubscription{service: s, scopeID: scopeID, inner: sub}, nil
}

type serviceSubscription struct {
	service *Service
	scopeID string
	inner   Subscription
	once    sync.Once
}

func (s *serviceSubscription) Dispose() {
	s.once.Do(func() {
		s.inner.Dispose()
		s.service.subscriptionsChanged(context.Background(), s.scopeID, -1)
	})
}

func (s *Service) subscriptionsChanged(ctx context.Context, scopeID string, delta int) {
	s.mu.Lock()
	s.subCount += delta
	count := s.subCount
	s.mu.Unlock()
	s.opts.Telemetry.LogEvent(ctx, drivesdk.TelemetryRecord{
		Name: drivesdk.MetricVolumeEventsSubscriptionsChanged,
		Values: map[string]any{
			"scope":         scopeID,
			"subscriptions": count,
		},
	})
}

// Close stops every manager, awaiting their in-flight iterations.
func (s *Service) Close(ctx context.Context) {
	s.mu.Lock()
	managers := make([]*Manager, 0, len(s.managers))
	for _, m := range s.managers {
		managers = append(managers, m)
	}
	s.mu.Unlock()
	for _, m := range managers {
		m.Stop(ctx)
	}
}
