package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/cloudrive/drivesdk"
	"github.com/cloudrive/drivesdk/api"
	"github.com/cloudrive/drivesdk/cache"
	"github.com/cloudrive/drivesdk/crypto"
	"github.com/cloudrive/drivesdk/node"
	"github.com/cloudrive/drivesdk/nodecache"
	"github.com/cloudrive/drivesdk/shares"
)

type uploadEnv struct {
	transport *api.MockTransport
	client    *api.Client
	nodes     *nodecache.NodeCache
	keys      *nodecache.KeysCache
	provider  *crypto.MockProvider
	sharing   *shares.MockService
	access    *node.Access
	manager   *Manager
}

// newUploadEnv seeds a folder "v~parent" with cached node and key material so
// draft creation never needs extra fetches.
func newUploadEnv(t *testing.T) *uploadEnv {
	t.Helper()
	ctx := context.Background()
	env := &uploadEnv{
		transport: api.NewMockTransport(),
		nodes:     nodecache.NewNodeCache(cache.NewEntityCache()),
		keys:      nodecache.NewKeysCache(cache.NewEntityCache()),
		provider:  crypto.NewMockProvider(),
		sharing:   shares.NewMockService(),
	}
	env.client = api.NewClient(env.transport)
	env.sharing.OwnVolumes["v"] = true
	env.access = node.NewAccess(env.client, env.nodes, env.keys, env.provider, env.sharing, nil)
	env.manager = NewManager(env.client, env.access, env.keys, env.provider, env.sharing, nil, "client-1")

	parent := &drivesdk.Node{
		UID:       "v~parent",
		ParentUID: "v~root",
		VolumeID:  "v",
		Type:      drivesdk.NodeTypeFolder,
		Name:      drivesdk.Ok("parent"),
	}
	if err := env.nodes.SetNode(ctx, parent); err != nil {
		t.Fatal(err)
	}
	err := env.keys.SetNodeKeys(ctx, &drivesdk.NodeKeys{
		UID:        "v~parent",
		Passphrase: "pp:v~parent",
		PrivateKey: "pk:v~parent",
		HashKey:    "hk:v~parent",
	})
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func respondDraft(env *uploadEnv) {
	env.transport.Respond("POST", "/volumes/v/drafts", map[string]any{
		"code": 1000, "uid": "v~draft", "revisionUid": "v~draft~r1",
	})
}

// mockHashName mirrors the mock provider's name hashing.
func mockHashName(hashKey, name string) string {
	sum := sha256.Sum256([]byte(hashKey + ":" + name))
	return hex.EncodeToString(sum[:])
}

func conflictBody(clientUID string, isDraft bool) map[string]any {
	return map[string]any{
		"code":                 2500,
		"message":              "name taken",
		"conflictingNodeUid":   "v~old",
		"conflictingIsDraft":   isDraft,
		"conflictingClientUid": clientUID,
	}
}

func TestCreateDraftNode(t *testing.T) {
	ctx := context.Background()
	env := newUploadEnv(t)
	respondDraft(env)

	draft, err := env.manager.CreateDraftNode(ctx, "v~parent", "report.txt", DraftOptions{MediaType: "text/plain"})
	if err != nil {
		t.Fatal(err)
	}
	if draft.NodeUID != "v~draft" || draft.RevisionUID != "v~draft~r1" || !draft.IsNewNode {
		t.Errorf("draft = %+v", draft)
	}
	if draft.Keys == nil || draft.Keys.UID != "v~draft" {
		t.Errorf("draft keys = %+v", draft.Keys)
	}

	call := env.transport.Calls[len(env.transport.Calls)-1]
	req, ok := call.Body.(api.CreateDraftRequest)
	if !ok {
		t.Fatalf("body = %T", call.Body)
	}
	if req.EncryptedName != "enc(report.txt)" || req.Hash != mockHashName("hk:v~parent", "report.txt") {
		t.Errorf("request = %+v", req)
	}
	if req.ClientUID != "client-1" || req.MediaType != "text/plain" {
		t.Errorf("request = %+v", req)
	}

	// The fresh key material is cached under the server-assigned uid.
	if _, err := env.keys.GetNodeKeys(ctx, "v~draft"); err != nil {
		t.Errorf("draft keys not cached: %v", err)
	}
}

func TestCreateDraftNodeReplacesOwnDraft(t *testing.T) {
	ctx := context.Background()
	env := newUploadEnv(t)
	calls := 0
	env.transport.Handle("POST", "/volumes/v/drafts", func(any) (any, error) {
		calls++
		if calls == 1 {
			return conflictBody("client-1", true), nil
		}
		return map[string]any{"code": 1000, "uid": "v~draft", "revisionUid": "v~draft~r1"}, nil
	})
	env.transport.Respond("DELETE", "/volumes/v/drafts/old", map[string]any{"code": 1000})

	draft, err := env.manager.CreateDraftNode(ctx, "v~parent", "report.txt", DraftOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if draft.NodeUID != "v~draft" {
		t.Errorf("draft = %+v", draft)
	}
	if n := env.transport.CallCount("DELETE", "/volumes/v/drafts/old"); n != 1 {
		t.Errorf("stale draft deleted %d times, want 1", n)
	}
	if calls != 2 {
		t.Errorf("create called %d times, want 2", calls)
	}
}

func TestCreateDraftNodeOtherClientConflict(t *testing.T) {
	ctx := context.Background()
	env := newUploadEnv(t)
	env.transport.Respond("POST", "/volumes/v/drafts", conflictBody("client-other", true))

	_, err := env.manager.CreateDraftNode(ctx, "v~parent", "report.txt", DraftOptions{})
	var exists *drivesdk.NodeAlreadyExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("got %v, want NodeAlreadyExistsError", err)
	}
	if exists.ExistingNodeUID != "v~old" {
		t.Errorf("got %+v", exists)
	}
	if n := env.transport.CallCount("DELETE", "/volumes/v/drafts/old"); n != 0 {
		t.Error("another client's draft must not be deleted without the override")
	}
}

func TestCreateDraftNodeOverridesOtherClient(t *testing.T) {
	ctx := context.Background()
	env := newUploadEnv(t)
	calls := 0
	env.transport.Handle("POST", "/volumes/v/drafts", func(any) (any, error) {
		calls++
		if calls == 1 {
			return conflictBody("client-other", true), nil
		}
		return map[string]any{"code": 1000, "uid": "v~draft", "revisionUid": "v~draft~r1"}, nil
	})
	env.transport.Respond("DELETE", "/volumes/v/drafts/old", map[string]any{"code": 1000})

	opts := DraftOptions{OverrideExistingDraftByOtherClient: true}
	if _, err := env.manager.CreateDraftNode(ctx, "v~parent", "report.txt", opts); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("create called %d times, want 2", calls)
	}
}

func TestCreateDraftNodeCommittedNodeConflict(t *testing.T) {
	ctx := context.Background()
	env := newUploadEnv(t)
	// The conflicting node is committed, not a draft: never replaceable.
	env.transport.Respond("POST", "/volumes/v/drafts", conflictBody("client-1", false))

	opts := DraftOptions{OverrideExistingDraftByOtherClient: true}
	_, err := env.manager.CreateDraftNode(ctx, "v~parent", "report.txt", opts)
	var exists *drivesdk.NodeAlreadyExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("got %v, want NodeAlreadyExistsError", err)
	}
}

func TestFindAvailableName(t *testing.T) {
	ctx := context.Background()
	env := newUploadEnv(t)
	taken := map[string]bool{
		mockHashName("hk:v~parent", "report (1).txt"): true,
		mockHashName("hk:v~parent", "report (2).txt"): true,
	}
	env.transport.Handle("POST", "/volumes/v/folders/parent/available_hashes", func(body any) (any, error) {
		hashes := body.(map[string]any)["hashes"].([]string)
		var available []string
		// Answer in reverse order; the caller must still pick the first
		// candidate in batch order.
		for i := len(hashes) - 1; i >= 0; i-- {
			if !taken[hashes[i]] {
				available = append(available, hashes[i])
			}
		}
		return map[string]any{"code": 1000, "availableHashes": available}, nil
	})

	name, err := env.manager.FindAvailableName(ctx, "v~parent", "report.txt")
	if err != nil {
		t.Fatal(err)
	}
	if name != "report (3).txt" {
		t.Errorf("name = %q, want report (3).txt", name)
	}
	if n := env.transport.CallCount("POST", "/volumes/v/folders/parent/available_hashes"); n != 1 {
		t.Errorf("hash check called %d times, want 1", n)
	}
}

func TestFindAvailableNameSecondBatch(t *testing.T) {
	ctx := context.Background()
	env := newUploadEnv(t)
	taken := make(map[string]bool)
	for i := 1; i <= NameCandidateBatch; i++ {
		taken[mockHashName("hk:v~parent", candidateName("report", "txt", i))] = true
	}
	env.transport.Handle("POST", "/volumes/v/folders/parent/available_hashes", func(body any) (any, error) {
		hashes := body.(map[string]any)["hashes"].([]string)
		var available []string
		for _, h := range hashes {
			if !taken[h] {
				available = append(available, h)
			}
		}
		return map[string]any{"code": 1000, "availableHashes": available}, nil
	})

	name, err := env.manager.FindAvailableName(ctx, "v~parent", "report.txt")
	if err != nil {
		t.Fatal(err)
	}
	if name != "report (11).txt" {
		t.Errorf("name = %q, want report (11).txt", name)
	}
	if n := env.transport.CallCount("POST", "/volumes/v/folders/parent/available_hashes"); n != 2 {
		t.Errorf("hash check called %d times, want 2", n)
	}
}

func TestCreateDraftRevision(t *testing.T) {
	ctx := context.Background()
	env := newUploadEnv(t)
	file := &drivesdk.Node{
		UID:       "v~file",
		ParentUID: "v~parent",
		VolumeID:  "v",
		Type:      drivesdk.NodeTypeFile,
		Name:      drivesdk.Ok("report.txt"),
		ActiveRevision: &drivesdk.Revision{
			UID: "v~file~r1",
		},
	}
	if err := env.nodes.SetNode(ctx, file); err != nil {
		t.Fatal(err)
	}
	err := env.keys.SetNodeKeys(ctx, &drivesdk.NodeKeys{UID: "v~file", Passphrase: "pp:v~file", PrivateKey: "pk:v~file"})
	if err != nil {
		t.Fatal(err)
	}
	env.transport.Respond("POST", "/volumes/v/nodes/file/revisions", map[string]any{
		"code": 1000, "revisionUid": "v~file~r2",
	})

	draft, err := env.manager.CreateDraftRevision(ctx, "v~file")
	if err != nil {
		t.Fatal(err)
	}
	if draft.RevisionUID != "v~file~r2" || draft.IsNewNode {
		t.Errorf("draft = %+v", draft)
	}
	call := env.transport.Calls[len(env.transport.Calls)-1]
	req, ok := call.Body.(api.CreateDraftRevisionRequest)
	if !ok {
		t.Fatalf("body = %T", call.Body)
	}
	if req.CurrentRevisionUID != "v~file~r1" {
		t.Errorf("request = %+v", req)
	}
}

func TestCreateDraftRevisionRequiresActiveRevision(t *testing.T) {
	ctx := context.Background()
	env := newUploadEnv(t)
	// The seeded parent is a folder without an active revision.
	_, err := env.manager.CreateDraftRevision(ctx, "v~parent")
	var validation *drivesdk.ValidationError
	if !errors.As(err, &validation) {
		t.Errorf("got %v, want ValidationError", err)
	}
}

func TestCommitDraftSurfacesRefreshFailure(t *testing.T) {
	ctx := context.Background()
	env := newUploadEnv(t)
	respondDraft(env)
	env.transport.Respond("PUT", "/volumes/v/nodes/draft/revisions/r1", map[string]any{"code": 1000})
	env.transport.Fail("POST", "/volumes/v/nodes", &drivesdk.ServerError{Message: "refresh down"})

	draft, err := env.manager.CreateDraftNode(ctx, "v~parent", "report.txt", DraftOptions{})
	if err != nil {
		t.Fatal(err)
	}
	n, err := env.manager.CommitDraft(ctx, draft, []byte("manifest"), nil)
	var server *drivesdk.ServerError
	if !errors.As(err, &server) {
		t.Fatalf("got %v, want the refresh error", err)
	}
	if n != nil {
		t.Errorf("node = %+v, want nil alongside the error", n)
	}
}

func TestDeleteDraftDropsKeys(t *testing.T) {
	ctx := context.Background()
	env := newUploadEnv(t)
	respondDraft(env)
	env.transport.Respond("DELETE", "/volumes/v/drafts/draft", map[string]any{"code": 1000})

	draft, err := env.manager.CreateDraftNode(ctx, "v~parent", "report.txt", DraftOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.manager.DeleteDraft(ctx, draft); err != nil {
		t.Fatal(err)
	}
	if _, err := env.keys.GetNodeKeys(ctx, "v~draft"); !errors.Is(err, drivesdk.ErrNotFound) {
		t.Errorf("draft keys should be dropped, got %v", err)
	}
}
