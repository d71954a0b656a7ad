package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cloudrive/drivesdk"
	"github.com/cloudrive/drivesdk/api"
	"github.com/cloudrive/drivesdk/cache"
	"github.com/cloudrive/drivesdk/crypto"
	"github.com/cloudrive/drivesdk/events"
	"github.com/cloudrive/drivesdk/nodecache"
	"github.com/cloudrive/drivesdk/shares"
)

type recordingTelemetry struct {
	mu      sync.Mutex
	records []drivesdk.TelemetryRecord
}

func (r *recordingTelemetry) LogEvent(ctx context.Context, record drivesdk.TelemetryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
}

func (r *recordingTelemetry) byName(name string) []drivesdk.TelemetryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []drivesdk.TelemetryRecord
	for _, record := range r.records {
		if record.Name == name {
			out = append(out, record)
		}
	}
	return out
}

type testEnv struct {
	transport *api.MockTransport
	nodes     *nodecache.NodeCache
	keys      *nodecache.KeysCache
	provider  *crypto.MockProvider
	sharing   *shares.MockService
	telemetry *recordingTelemetry
	access    *Access
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		transport: api.NewMockTransport(),
		nodes:     nodecache.NewNodeCache(cache.NewEntityCache()),
		keys:      nodecache.NewKeysCache(cache.NewEntityCache()),
		provider:  crypto.NewMockProvider(),
		sharing:   shares.NewMockService(),
		telemetry: &recordingTelemetry{},
	}
	env.sharing.OwnVolumes["v"] = true
	env.sharing.ShareKeys["share-v"] = &drivesdk.NodeKeys{
		UID:        "share-v",
		Passphrase: "share-pp",
		PrivateKey: "share-pk",
	}
	env.access = NewAccess(api.NewClient(env.transport), env.nodes, env.keys, env.provider, env.sharing, env.telemetry)
	return env
}

// encNode builds a wire node in the mock provider's reversible ciphertext
// forms: the node's own passphrase is "pp:<uid>" wrapped with the parent's.
func encNode(uid, parentUID, shareID, parentPassphrase, name string) api.EncryptedNode {
	volumeID, _, _ := drivesdk.SplitNodeUID(uid)
	return api.EncryptedNode{
		UID:                uid,
		ParentUID:          parentUID,
		VolumeID:           volumeID,
		ShareID:            shareID,
		Type:               drivesdk.NodeTypeFolder,
		EncryptedName:      "enc(" + name + ")",
		NameSignatureEmail: "owner@example.com",
		SignatureEmail:     "owner@example.com",
		EncryptedCrypto: api.NodeCrypto{
			ArmoredKey:          "pk:" + uid,
			EncryptedPassphrase: "wrap(" + parentPassphrase + "|pp:" + uid + ")",
			EncryptedHashKey:    "enc(hk:" + uid + ")",
		},
	}
}

func nodeBody(n api.EncryptedNode) map[string]any {
	return map[string]any{"code": 1000, "node": n}
}

func nodesBody(ns ...api.EncryptedNode) map[string]any {
	return map[string]any{"code": 1000, "nodes": ns}
}

func cachedNode(uid, parentUID, name string) *drivesdk.Node {
	volumeID, _, _ := drivesdk.SplitNodeUID(uid)
	return &drivesdk.Node{
		UID:       uid,
		ParentUID: parentUID,
		VolumeID:  volumeID,
		Type:      drivesdk.NodeTypeFolder,
		Name:      drivesdk.Ok(name),
	}
}

func respondRoot(env *testEnv) {
	env.transport.Respond("GET", "/volumes/v/nodes/root", nodeBody(encNode("v~root", "", "share-v", "share-pp", "root")))
}

func drain(t *testing.T, it Iterator) []string {
	t.Helper()
	var uids []string
	for {
		n, err := it.Next(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if n == nil {
			return uids
		}
		uids = append(uids, n.UID)
	}
}

func TestGetNodeDecryptsAndCaches(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	respondRoot(env)
	env.transport.Respond("GET", "/volumes/v/nodes/f1", nodeBody(encNode("v~f1", "v~root", "", "pp:v~root", "reports")))

	n, err := env.access.GetNode(ctx, "v~f1")
	if err != nil {
		t.Fatal(err)
	}
	if !n.Name.OK || n.Name.Value != "reports" {
		t.Errorf("name = %+v", n.Name)
	}
	if !n.KeyAuthor.OK || n.KeyAuthor.Value != "owner@example.com" {
		t.Errorf("key author = %+v", n.KeyAuthor)
	}
	if !n.NameAuthor.OK {
		t.Errorf("name author = %+v", n.NameAuthor)
	}

	// The second read is served from cache.
	if _, err := env.access.GetNode(ctx, "v~f1"); err != nil {
		t.Fatal(err)
	}
	if n := env.transport.CallCount("GET", "/volumes/v/nodes/f1"); n != 1 {
		t.Errorf("node fetched %d times, want 1", n)
	}

	// The key material resolved along the way is cached too.
	keys, err := env.keys.GetNodeKeys(ctx, "v~f1")
	if err != nil {
		t.Fatal(err)
	}
	if keys.Passphrase != "pp:v~f1" || keys.HashKey != "hk:v~f1" {
		t.Errorf("keys = %+v", keys)
	}
}

func TestGetNodeStaleRefetches(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	stale := cachedNode("v~f1", "v~root", "old name")
	stale.IsStale = true
	if err := env.nodes.SetNode(ctx, stale); err != nil {
		t.Fatal(err)
	}
	// Parent keys are already cached, so only the node itself is fetched.
	if err := env.keys.SetNodeKeys(ctx, &drivesdk.NodeKeys{UID: "v~root", Passphrase: "pp:v~root", PrivateKey: "pk:v~root", HashKey: "hk:v~root"}); err != nil {
		t.Fatal(err)
	}
	env.transport.Respond("GET", "/volumes/v/nodes/f1", nodeBody(encNode("v~f1", "v~root", "", "pp:v~root", "new name")))

	n, err := env.access.GetNode(ctx, "v~f1")
	if err != nil {
		t.Fatal(err)
	}
	if n.IsStale || n.Name.Value != "new name" {
		t.Errorf("got %+v", n)
	}
	cached, err := env.nodes.GetNode(ctx, "v~f1")
	if err != nil {
		t.Fatal(err)
	}
	if cached.IsStale {
		t.Error("writeback should clear staleness")
	}
}

func TestGetNodeDegradesOnNameFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	respondRoot(env)
	enc := encNode("v~f1", "v~root", "", "pp:v~root", "x")
	enc.EncryptedName = "garbage"
	env.transport.Respond("GET", "/volumes/v/nodes/f1", nodeBody(enc))

	n, err := env.access.GetNode(ctx, "v~f1")
	if err != nil {
		t.Fatal(err)
	}
	if n.Name.OK || n.Name.Claimed != "garbage" {
		t.Errorf("name = %+v", n.Name)
	}
	if n.NameAuthor.OK {
		t.Errorf("name author = %+v", n.NameAuthor)
	}
	// The key material is unaffected by a name failure.
	if !n.KeyAuthor.OK {
		t.Errorf("key author = %+v", n.KeyAuthor)
	}
	if len(env.telemetry.byName(drivesdk.MetricDecryptionError)) == 0 {
		t.Error("decryption failure not reported")
	}
}

func TestGetNodeDegradesOnKeyFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	respondRoot(env)
	enc := encNode("v~f1", "v~root", "", "pp:v~root", "reports")
	enc.EncryptedCrypto.EncryptedPassphrase = "wrap(wrong-parent|pp:v~f1)"
	env.transport.Respond("GET", "/volumes/v/nodes/f1", nodeBody(enc))

	n, err := env.access.GetNode(ctx, "v~f1")
	if err != nil {
		t.Fatal(err)
	}
	if !n.Name.OK || n.Name.Value != "reports" {
		t.Errorf("name = %+v", n.Name)
	}
	if n.KeyAuthor.OK {
		t.Errorf("key author = %+v", n.KeyAuthor)
	}
}

func TestGetNodeKeysWalksAncestry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	respondRoot(env)
	env.transport.Respond("GET", "/volumes/v/nodes/f1", nodeBody(encNode("v~f1", "v~root", "", "pp:v~root", "a")))
	env.transport.Respond("GET", "/volumes/v/nodes/f2", nodeBody(encNode("v~f2", "v~f1", "", "pp:v~f1", "b")))

	keys, err := env.access.GetNodeKeys(ctx, "v~f2")
	if err != nil {
		t.Fatal(err)
	}
	if keys.Passphrase != "pp:v~f2" {
		t.Errorf("keys = %+v", keys)
	}

	// A repeated resolution is a pure cache hit.
	if _, err := env.access.GetNodeKeys(ctx, "v~f2"); err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{"/volumes/v/nodes/root", "/volumes/v/nodes/f1", "/volumes/v/nodes/f2"} {
		if n := env.transport.CallCount("GET", path); n != 1 {
			t.Errorf("%s fetched %d times, want 1", path, n)
		}
	}
}

func TestIterateChildrenCompletedListing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	for _, n := range []*drivesdk.Node{
		cachedNode("v~c1", "v~folder", "one"),
		cachedNode("v~c2", "v~folder", "two"),
	} {
		if err := env.nodes.SetNode(ctx, n); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.nodes.SetFolderChildrenLoaded(ctx, "v~folder"); err != nil {
		t.Fatal(err)
	}

	it, err := env.access.IterateChildren(ctx, "v~folder")
	if err != nil {
		t.Fatal(err)
	}
	uids := drain(t, it)
	if len(uids) != 2 {
		t.Errorf("children = %v", uids)
	}
	if len(env.transport.Calls) != 0 {
		t.Errorf("completed listing must not hit the API: %+v", env.transport.Calls)
	}
}

func TestIterateChildrenLoadsAndMarks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	// c1 is cached fresh; c2 and c3 must be batch-loaded; c3 is trashed and
	// therefore filtered from the listing.
	if err := env.nodes.SetNode(ctx, cachedNode("v~c1", "v~folder", "one")); err != nil {
		t.Fatal(err)
	}
	if err := env.keys.SetNodeKeys(ctx, &drivesdk.NodeKeys{UID: "v~folder", Passphrase: "pp:v~folder", PrivateKey: "pk:v~folder", HashKey: "hk:v~folder"}); err != nil {
		t.Fatal(err)
	}
	env.transport.Respond("GET", "/volumes/v/folders/folder/children", map[string]any{
		"code": 1000, "uids": []string{"v~c1", "v~c2", "v~c3"},
	})
	trashed := encNode("v~c3", "v~folder", "", "pp:v~folder", "three")
	trashedTime := time.Now()
	trashed.TrashTime = &trashedTime
	env.transport.Respond("POST", "/volumes/v/nodes", nodesBody(
		encNode("v~c2", "v~folder", "", "pp:v~folder", "two"),
		trashed,
	))

	it, err := env.access.IterateChildren(ctx, "v~folder")
	if err != nil {
		t.Fatal(err)
	}
	uids := drain(t, it)
	if len(uids) != 2 || uids[0] != "v~c1" || uids[1] != "v~c2" {
		t.Errorf("children = %v, want [v~c1 v~c2]", uids)
	}
	if n := env.transport.CallCount("POST", "/volumes/v/nodes"); n != 1 {
		t.Errorf("batch load called %d times, want 1", n)
	}
	loaded, err := env.nodes.IsFolderChildrenLoaded(ctx, "v~folder")
	if err != nil {
		t.Fatal(err)
	}
	if !loaded {
		t.Error("listing-complete marker should be set after a clean stream")
	}
}

func TestIterateNodesBatchesAtLimit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	if err := env.keys.SetNodeKeys(ctx, &drivesdk.NodeKeys{UID: "v~folder", Passphrase: "pp:v~folder", PrivateKey: "pk:v~folder"}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var batchSizes []int
	env.transport.Handle("POST", "/volumes/v/nodes", func(body any) (any, error) {
		ids := body.(map[string]any)["nodeIds"].([]string)
		mu.Lock()
		batchSizes = append(batchSizes, len(ids))
		mu.Unlock()
		nodes := make([]api.EncryptedNode, len(ids))
		for i, id := range ids {
			nodes[i] = encNode("v~"+id, "v~folder", "", "pp:v~folder", id)
		}
		return nodesBody(nodes...), nil
	})

	uids := make([]string, 0, BatchLoadingSize+2)
	for i := 0; i < BatchLoadingSize+2; i++ {
		uids = append(uids, drivesdk.NewNodeUID("v", "n"+string(rune('a'+i))))
	}
	got := drain(t, env.access.IterateNodes(ctx, uids))
	if len(got) != BatchLoadingSize+2 {
		t.Fatalf("yielded %d nodes, want %d", len(got), BatchLoadingSize+2)
	}
	for i := range uids {
		if got[i] != uids[i] {
			t.Errorf("order diverged at %d: %v", i, got)
			break
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(batchSizes) != 2 || batchSizes[0] != BatchLoadingSize || batchSizes[1] != 2 {
		t.Errorf("batch sizes = %v, want [%d 2]", batchSizes, BatchLoadingSize)
	}
}

func TestIterateNodesEmitsCachedInStreamOrder(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	for _, n := range []*drivesdk.Node{
		cachedNode("v~c1", "v~folder", "one"),
		cachedNode("v~c2", "v~folder", "two"),
	} {
		if err := env.nodes.SetNode(ctx, n); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.keys.SetNodeKeys(ctx, &drivesdk.NodeKeys{UID: "v~folder", Passphrase: "pp:v~folder", PrivateKey: "pk:v~folder"}); err != nil {
		t.Fatal(err)
	}
	env.transport.Respond("POST", "/volumes/v/nodes", nodesBody(
		encNode("v~u1", "v~folder", "", "pp:v~folder", "u one"),
		encNode("v~u2", "v~folder", "", "pp:v~folder", "u two"),
	))

	got := drain(t, env.access.IterateNodes(ctx, []string{"v~c1", "v~u1", "v~c2", "v~u2"}))
	want := []string{"v~c1", "v~c2", "v~u1", "v~u2"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
}

// A move arriving through the event stream: the handler marks the node stale,
// the old folder's completed listing refetches it once and drops it, and the
// new folder serves it from the refreshed cache.
func TestMoveReflectedThroughEvents(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	for _, n := range []*drivesdk.Node{
		cachedNode("v~a", "v~root", "folder a"),
		cachedNode("v~b", "v~root", "folder b"),
		cachedNode("v~f", "v~a", "the file"),
	} {
		if err := env.nodes.SetNode(ctx, n); err != nil {
			t.Fatal(err)
		}
	}
	for _, folder := range []string{"v~a", "v~b"} {
		if err := env.nodes.SetFolderChildrenLoaded(ctx, folder); err != nil {
			t.Fatal(err)
		}
	}
	if err := env.keys.SetNodeKeys(ctx, &drivesdk.NodeKeys{UID: "v~b", Passphrase: "pp:v~b", PrivateKey: "pk:v~b", HashKey: "hk:v~b"}); err != nil {
		t.Fatal(err)
	}
	env.transport.Respond("GET", "/volumes/v/nodes/f", nodeBody(encNode("v~f", "v~b", "", "pp:v~b", "the file")))

	handler := events.NewHandler(env.nodes)
	handler.SetNodeLookup(env.access)
	err := handler.HandleEvent(ctx, drivesdk.Event{
		Type: drivesdk.EventNodeUpdated, EventID: "e1", ScopeID: "v",
		NodeUID: "v~f", ParentUID: "v~b",
	})
	if err != nil {
		t.Fatal(err)
	}

	itA, err := env.access.IterateChildren(ctx, "v~a")
	if err != nil {
		t.Fatal(err)
	}
	if uids := drain(t, itA); len(uids) != 0 {
		t.Errorf("old folder children = %v, want none", uids)
	}

	itB, err := env.access.IterateChildren(ctx, "v~b")
	if err != nil {
		t.Fatal(err)
	}
	uids := drain(t, itB)
	if len(uids) != 1 || uids[0] != "v~f" {
		t.Errorf("new folder children = %v, want [v~f]", uids)
	}
	if n := env.transport.CallCount("GET", "/volumes/v/nodes/f"); n != 1 {
		t.Errorf("moved node fetched %d times, want 1", n)
	}
}
