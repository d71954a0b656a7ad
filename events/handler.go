package events

import (
	"context"
	"errors"
	log "log/slog"
	"sync"

	"github.com/cloudrive/drivesdk"
	"github.com/cloudrive/drivesdk/nodecache"
)

// NodeLookup is the read-path dependency used to resolve fresh nodes for
// downstream change callbacks (satisfied by the node access layer).
type NodeLookup interface {
	GetNode(ctx context.Context, uid string) (*drivesdk.Node, error)
}

// NodeChangeType discriminates downstream change notifications.
type NodeChangeType string

const (
	NodeChangeUpdate NodeChangeType = "update"
	NodeChangeRemove NodeChangeType = "remove"
	// NodeChangeScopeRefresh signals a scope-level change (shared-with-me
	// membership, fast-forwarded stream) with no single affected node.
	NodeChangeScopeRefresh NodeChangeType = "scopeRefresh"
)

// NodeChange is one downstream notification. Node is populated for updates;
// scope refreshes carry only the scope id.
type NodeChange struct {
	Type    NodeChangeType
	UID     string
	ScopeID string
	Node    *drivesdk.Node
}

// NodeChangeFilter selects which changes a subscriber receives. Nil fields
// match anything; Expression optionally adds a CEL predicate over the node.
type NodeChangeFilter struct {
	ParentUID  *string
	IsTrashed  *bool
	IsShared   *bool
	Expression string
}

type changeSubscriber struct {
	id        int
	filter    NodeChangeFilter
	evaluator *FilterEvaluator
	cb        func(ctx context.Context, change NodeChange)
}

// Handler consumes scope events, feeds the cache's staleness/invalidation
// machinery, and fans node changes out to downstream subscribers. It is
// attached once to the event service as the first listener of every manager.
type Handler struct {
	nodes  *nodecache.NodeCache
	lookup NodeLookup

	mu      sync.Mutex
	subs    []*changeSubscriber
	nextSub int
}

// NewHandler creates the handler over the node cache.
func NewHandler(nodes *nodecache.NodeCache) *Handler {
	return &Handler{nodes: nodes}
}

// SetNodeLookup wires the read path in after construction (the access layer
// and the handler reference each other).
func (h *Handler) SetNodeLookup(lookup NodeLookup) {
	h.lookup = lookup
}

// Subscribe registers a downstream change callback. An invalid CEL
// expression fails immediately.
func (h *Handler) Subscribe(filter NodeChangeFilter, cb func(ctx context.Context, change NodeChange)) (Subscription, error) {
	var evaluator *FilterEvaluator
	if filter.Expression != "" {
		var err error
		evaluator, err = NewFilterEvaluator(filter.Expression)
		if err != nil {
			return nil, &drivesdk.ValidationError{Details: err.Error()}
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSub
	h.nextSub++
	h.subs = append(h.subs, &changeSubscriber{id: id, filter: filter, evaluator: evaluator, cb: cb})
	return &changeSubscription{handler: h, id: id}, nil
}

type changeSubscription struct {
	handler *Handler
	id      int
	once    sync.Once
}

func (s *changeSubscription) Dispose() {
	s.once.Do(func() {
		h := s.handler
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, sub := range h.subs {
			if sub.id == s.id {
				h.subs = append(h.subs[:i], h.subs[i+1:]...)
				break
			}
		}
	})
}

// HandleEvent is the Listener attached to every scope manager.
func (h *Handler) HandleEvent(ctx context.Context, e drivesdk.Event) error {
	switch e.Type {
	case drivesdk.EventNodeCreated:
		// The event's node data is encrypted at source and requires the
		// parent keys, so it is not cached here; the next listing
		// re-fetches it.
		if e.ParentUID != "" {
			if err := h.nodes.ResetFolderChildrenLoaded(ctx, e.ParentUID); err != nil {
				return err
			}
		}
		h.emitUpdate(ctx, e)
	case drivesdk.EventNodeUpdated:
		if err := h.markStale(ctx, e.NodeUID); err != nil {
			return err
		}
		h.emitUpdate(ctx, e)
	case drivesdk.EventNodeDeleted:
		// Read the last-cached copy first so predicates can still be
		// evaluated after the row is gone.
		cached, err := h.nodes.GetNode(ctx, e.NodeUID)
		if err != nil && !errors.Is(err, drivesdk.ErrNotFound) {
			var corrupt *drivesdk.CorruptedEntityError
			if !errors.As(err, &corrupt) {
				return err
			}
			cached = nil
		}
		if err := h.nodes.RemoveNodes(ctx, []string{e.NodeUID}); err != nil {
			return err
		}
		h.emitRemove(ctx, e, cached)
	case drivesdk.EventTreeRefresh:
		if err := h.nodes.SetNodesStaleFromVolume(ctx, e.ScopeID); err != nil {
			return err
		}
	case drivesdk.EventTreeRemove:
		if err := h.removeVolume(ctx, e.ScopeID); err != nil {
			return err
		}
	case drivesdk.EventSharedWithMeUpdated, drivesdk.EventFastForward:
		// No cache mutation; subscribers are still told the scope changed.
		h.emitScope(ctx, e)
	}
	return nil
}

// markStale writes the cached node back with the stale flag set. If the
// writeback fails, removing the row is attempted as a corrective action; if
// removal also fails the original writeback error is surfaced because the
// cache is now in a state callers must see.
func (h *Handler) markStale(ctx context.Context, uid string) error {
	n, err := h.nodes.GetNode(ctx, uid)
	if err != nil {
		if errors.Is(err, drivesdk.ErrNotFound) {
			return nil
		}
		var corrupt *drivesdk.CorruptedEntityError
		if errors.As(err, &corrupt) {
			return nil
		}
		return err
	}
	n.IsStale = true
	if serr := h.nodes.SetNode(ctx, n); serr != nil {
		if rerr := h.nodes.RemoveNodes(ctx, []string{uid}); rerr != nil {
			return serr
		}
	}
	return nil
}

// removeVolume recursively removes every node under the volume's roots.
func (h *Handler) removeVolume(ctx context.Context, volumeID string) error {
	it := h.nodes.IterateRoots(ctx, volumeID)
	var roots []string
	for {
		n, err := it.Next(ctx)
		if err != nil {
			return err
		}
		if n == nil {
			break
		}
		roots = append(roots, n.UID)
	}
	if len(roots) == 0 {
		return nil
	}
	return h.nodes.RemoveNodes(ctx, roots)
}

// NotifyNodeCreated publishes a locally created, already-cached node to
// downstream subscribers (used by the management and upload write paths).
func (h *Handler) NotifyNodeCreated(ctx context.Context, n *drivesdk.Node) {
	h.emitLocal(ctx, n)
}

// NotifyNodeUpdated publishes a locally mutated, already-cached node.
func (h *Handler) NotifyNodeUpdated(ctx context.Context, n *drivesdk.Node) {
	h.emitLocal(ctx, n)
}

func (h *Handler) emitLocal(ctx context.Context, n *drivesdk.Node) {
	for _, sub := range h.subscribers() {
		if !sub.matchesNode(n) {
			continue
		}
		sub.cb(ctx, NodeChange{Type: NodeChangeUpdate, UID: n.UID, Node: n})
	}
}

func (h *Handler) subscribers() []*changeSubscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := make([]*changeSubscriber, len(h.subs))
	copy(subs, h.subs)
	return subs
}

// emitUpdate resolves the fresh node lazily (one lookup at most) and invokes
// the matching subscribers.
func (h *Handler) emitUpdate(ctx context.Context, e drivesdk.Event) {
	subs := h.subscribers()
	if len(subs) == 0 {
		return
	}
	var fresh *drivesdk.Node
	for _, sub := range subs {
		if !sub.matchesEvent(e) {
			continue
		}
		if fresh == nil {
			if h.lookup == nil {
				return
			}
			n, err := h.lookup.GetNode(ctx, e.NodeUID)
			if err != nil {
				log.Warn("failed resolving node for change callback", "uid", e.NodeUID, "error", err.Error())
				return
			}
			fresh = n
		}
		if sub.evaluator != nil {
			ok, err := sub.evaluator.Evaluate(fresh)
			if err != nil || !ok {
				continue
			}
		}
		sub.cb(ctx, NodeChange{Type: NodeChangeUpdate, UID: e.NodeUID, Node: fresh})
	}
}

// emitScope notifies subscribers of a scope-wide change that has no single
// affected node. Subscribers with a CEL predicate are skipped since there is
// no node to evaluate against.
func (h *Handler) emitScope(ctx context.Context, e drivesdk.Event) {
	for _, sub := range h.subscribers() {
		if sub.evaluator != nil {
			continue
		}
		if !sub.matchesEvent(e) {
			continue
		}
		sub.cb(ctx, NodeChange{Type: NodeChangeScopeRefresh, ScopeID: e.ScopeID})
	}
}

// emitRemove evaluates predicates against the last-cached copy (falling back
// to the event's fields) and invokes the matching subscribers.
func (h *Handler) emitRemove(ctx context.Context, e drivesdk.Event, cached *drivesdk.Node) {
	for _, sub := range h.subscribers() {
		matched := false
		if cached != nil {
			matched = sub.matchesNode(cached)
		} else {
			matched = sub.matchesEvent(e)
		}
		if !matched {
			continue
		}
		if sub.evaluator != nil {
			if cached == nil {
				continue
			}
			ok, err := sub.evaluator.Evaluate(cached)
			if err != nil || !ok {
				continue
			}
		}
		sub.cb(ctx, NodeChange{Type: NodeChangeRemove, UID: e.NodeUID})
	}
}

func (s *changeSubscriber) matchesEvent(e drivesdk.Event) bool {
	if s.filter.ParentUID != nil && *s.filter.ParentUID != e.ParentUID {
		return false
	}
	if s.filter.IsTrashed != nil && *s.filter.IsTrashed != e.IsTrashed {
		return false
	}
	if s.filter.IsShared != nil && *s.filter.IsShared != e.IsShared {
		return false
	}
	return true
}

func (s *changeSubscriber) matchesNode(n *drivesdk.Node) bool {
	if s.filter.ParentUID != nil && *s.filter.ParentUID != n.ParentUID {
		return false
	}
	if s.filter.IsTrashed != nil && *s.filter.IsTrashed != n.IsTrashed() {
		return false
	}
	if s.filter.IsShared != nil && *s.filter.IsShared != n.IsShared {
		return false
	}
	return true
}
