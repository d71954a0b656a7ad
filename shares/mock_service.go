package shares

import (
	"context"
	"sync"

	"github.com/cloudrive/drivesdk"
)

// MockService is an in-memory Service for tests.
type MockService struct {
	mu sync.Mutex

	MyFiles    MyFilesIDs
	ShareKeys  map[string]*drivesdk.NodeKeys
	OwnVolumes map[string]bool
	Email      string

	// Fail maps a method name to the error its next call returns.
	Fail map[string]error
}

// NewMockService creates a mock pre-populated with an own volume identity.
func NewMockService() *MockService {
	return &MockService{
		MyFiles: MyFilesIDs{
			VolumeID:    "volume-1",
			ShareID:     "share-1",
			RootNodeUID: "volume-1~root",
		},
		ShareKeys:  make(map[string]*drivesdk.NodeKeys),
		OwnVolumes: map[string]bool{"volume-1": true},
		Email:      "owner@example.com",
		Fail:       make(map[string]error),
	}
}

func (m *MockService) fail(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.Fail[method]; ok {
		delete(m.Fail, method)
		return err
	}
	return nil
}

func (m *MockService) GetMyFilesIDs(_ context.Context) (*MyFilesIDs, error) {
	if err := m.fail("GetMyFilesIDs"); err != nil {
		return nil, err
	}
	ids := m.MyFiles
	return &ids, nil
}

func (m *MockService) GetSharePrivateKey(_ context.Context, shareID string) (*drivesdk.NodeKeys, error) {
	if err := m.fail("GetSharePrivateKey"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	keys, ok := m.ShareKeys[shareID]
	if !ok {
		return nil, drivesdk.ErrNotFound
	}
	copied := *keys
	return &copied, nil
}

func (m *MockService) GetMyFilesShareMemberEmailKey(_ context.Context) (string, error) {
	if err := m.fail("GetMyFilesShareMemberEmailKey"); err != nil {
		return "", err
	}
	return m.Email, nil
}

func (m *MockService) GetContextShareMemberEmailKey(_ context.Context, shareID string) (string, error) {
	if err := m.fail("GetContextShareMemberEmailKey"); err != nil {
		return "", err
	}
	if shareID == "" {
		return "", &drivesdk.ValidationError{Details: "shareID can't be empty string"}
	}
	return m.Email, nil
}

func (m *MockService) IsOwnVolume(_ context.Context, volumeID string) (bool, error) {
	if err := m.fail("IsOwnVolume"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.OwnVolumes[volumeID], nil
}

func (m *MockService) GetVolumeMetricContext(_ context.Context, volumeID string) (string, error) {
	if err := m.fail("GetVolumeMetricContext"); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OwnVolumes[volumeID] {
		return "own_volume", nil
	}
	return "shared", nil
}
