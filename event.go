package drivesdk

// ScopeCore is the scope id of the account-wide ("core") event stream. All
// other scopes are volume ids.
const ScopeCore = "core"

// EventType enumerates the variants of the event union produced by the
// per-scope polling loops.
type EventType string

const (
	EventNodeCreated         EventType = "nodeCreated"
	EventNodeUpdated         EventType = "nodeUpdated"
	EventNodeDeleted         EventType = "nodeDeleted"
	EventSharedWithMeUpdated EventType = "sharedWithMeUpdated"
	// EventTreeRefresh means the whole volume must be treated as stale.
	EventTreeRefresh EventType = "treeRefresh"
	// EventTreeRemove means the volume is gone; its subtree must be evicted.
	EventTreeRemove EventType = "treeRemove"
	// EventFastForward means the event id advanced with no node changes.
	EventFastForward EventType = "fastForward"
)

// Event is one entry of a scope's event stream. ScopeID is the volume id or
// the literal ScopeCore. Node fields are populated for node events only.
type Event struct {
	Type    EventType `json:"type"`
	EventID string    `json:"eventId"`
	ScopeID string    `json:"treeEventScopeId"`

	NodeUID   string `json:"nodeUid,omitempty"`
	ParentUID string `json:"parentUid,omitempty"`
	IsTrashed bool   `json:"isTrashed,omitempty"`
	IsShared  bool   `json:"isShared,omitempty"`
}
