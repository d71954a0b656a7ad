package nodecache

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudrive/drivesdk"
	"github.com/cloudrive/drivesdk/cache"
)

func TestKeysCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := cache.NewEntityCache()
	kc := NewKeysCache(store)

	keys := &drivesdk.NodeKeys{
		UID:        "v~n1",
		Passphrase: "pp",
		PrivateKey: "pk",
	}
	if err := kc.SetNodeKeys(ctx, keys); err != nil {
		t.Fatal(err)
	}
	got, err := kc.GetNodeKeys(ctx, "v~n1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Passphrase != "pp" || got.PrivateKey != "pk" {
		t.Errorf("got %+v", got)
	}

	if err := kc.RemoveNodeKeys(ctx, []string{"v~n1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := kc.GetNodeKeys(ctx, "v~n1"); !errors.Is(err, drivesdk.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestKeysCacheValidation(t *testing.T) {
	kc := NewKeysCache(cache.NewEntityCache())
	if err := kc.SetNodeKeys(context.Background(), &drivesdk.NodeKeys{Passphrase: "pp"}); err == nil {
		t.Error("missing uid should fail")
	}
	if err := kc.SetNodeKeys(context.Background(), &drivesdk.NodeKeys{UID: "v~n"}); err == nil {
		t.Error("missing passphrase should fail")
	}
}

func TestKeysCacheCorruptionEvicts(t *testing.T) {
	ctx := context.Background()
	store := cache.NewEntityCache()
	kc := NewKeysCache(store)

	// A row without a passphrase fails schema validation.
	if err := store.Set(ctx, "nodeKeys-v~bad", []byte(`{"uid":"v~bad"}`), nil); err != nil {
		t.Fatal(err)
	}
	_, err := kc.GetNodeKeys(ctx, "v~bad")
	var corrupt *drivesdk.CorruptedKeysError
	if !errors.As(err, &corrupt) {
		t.Fatalf("got %v, want CorruptedKeysError", err)
	}
	if _, err := store.Get(ctx, "nodeKeys-v~bad"); !errors.Is(err, drivesdk.ErrNotFound) {
		t.Errorf("corrupt row still present: %v", err)
	}
}
