package drivesdk

import (
	"fmt"
	"strings"
)

// uidSeparator joins the parts of a NodeUID/RevisionUID. The server-side ids
// never contain it, so the encoding is bijective.
const uidSeparator = "~"

// NewNodeUID joins a volume id and a node id into the opaque NodeUID form.
func NewNodeUID(volumeID, nodeID string) string {
	return volumeID + uidSeparator + nodeID
}

// SplitNodeUID splits a NodeUID back into its volume id and node id parts.
// It is pure and fails with a ValidationError on malformed input.
func SplitNodeUID(uid string) (volumeID string, nodeID string, err error) {
	parts := strings.Split(uid, uidSeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &ValidationError{Details: fmt.Sprintf("malformed node uid: %q", uid)}
	}
	return parts[0], parts[1], nil
}

// NewRevisionUID joins volume, node and revision ids into a RevisionUID.
func NewRevisionUID(volumeID, nodeID, revisionID string) string {
	return volumeID + uidSeparator + nodeID + uidSeparator + revisionID
}

// SplitRevisionUID splits a RevisionUID into volume, node and revision ids.
func SplitRevisionUID(uid string) (volumeID string, nodeID string, revisionID string, err error) {
	parts := strings.Split(uid, uidSeparator)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", &ValidationError{Details: fmt.Sprintf("malformed revision uid: %q", uid)}
	}
	return parts[0], parts[1], parts[2], nil
}

// NodeUIDFromRevisionUID drops the revision part of a RevisionUID.
func NodeUIDFromRevisionUID(revisionUID string) (string, error) {
	volumeID, nodeID, _, err := SplitRevisionUID(revisionUID)
	if err != nil {
		return "", err
	}
	return NewNodeUID(volumeID, nodeID), nil
}

// VolumeIDFromNodeUID extracts just the volume id of a NodeUID.
func VolumeIDFromNodeUID(uid string) (string, error) {
	volumeID, _, err := SplitNodeUID(uid)
	return volumeID, err
}
