// Package shares declares the sharing/membership collaborator the
// synchronization core consumes: the caller's own volume identity, share root
// keys and the signing address for writes.
package shares

import (
	"context"

	"github.com/cloudrive/drivesdk"
)

// MyFilesIDs identifies the caller's own volume and its root folder.
type MyFilesIDs struct {
	VolumeID    string
	ShareID     string
	RootNodeUID string
}

// Service is the injected sharing collaborator.
type Service interface {
	// GetMyFilesIDs returns the caller's own volume identity.
	GetMyFilesIDs(ctx context.Context) (*MyFilesIDs, error)

	// GetSharePrivateKey returns the decrypted key material of a share
	// root, the entry point for resolving keys of shared-with-me trees.
	GetSharePrivateKey(ctx context.Context, shareID string) (*drivesdk.NodeKeys, error)

	// GetMyFilesShareMemberEmailKey returns the address used to sign
	// writes in the caller's own volume.
	GetMyFilesShareMemberEmailKey(ctx context.Context) (string, error)

	// GetContextShareMemberEmailKey returns the address used to sign
	// writes under the given share.
	GetContextShareMemberEmailKey(ctx context.Context, shareID string) (string, error)

	// IsOwnVolume reports whether the volume belongs to the caller; it
	// selects event polling cadence and telemetry context.
	IsOwnVolume(ctx context.Context, volumeID string) (bool, error)

	// GetVolumeMetricContext labels telemetry records for the volume
	// ("own_volume", "shared", ...).
	GetVolumeMetricContext(ctx context.Context, volumeID string) (string, error)
}
