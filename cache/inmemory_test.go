package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudrive/drivesdk"
)

func collectKeys(t *testing.T, it drivesdk.CacheIterator) []string {
	t.Helper()
	ctx := context.Background()
	var keys []string
	for {
		entry, err := it.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if entry == nil {
			return keys
		}
		keys = append(keys, entry.Key)
	}
}

func TestSetGetRemove(t *testing.T) {
	ctx := context.Background()
	c := NewEntityCache()

	if err := c.Set(ctx, "k1", []byte("v1"), []string{"t1"}); err != nil {
		t.Fatal(err)
	}
	v, err := c.Get(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if string(v) != "v1" {
		t.Errorf("got %q, want v1", v)
	}

	if err := c.Remove(ctx, []string{"k1", "missing"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "k1"); !errors.Is(err, drivesdk.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestSetTagSemantics(t *testing.T) {
	ctx := context.Background()
	c := NewEntityCache()

	if err := c.Set(ctx, "k1", []byte("v1"), []string{"t1", "t2"}); err != nil {
		t.Fatal(err)
	}
	// nil tags: value updates, tag set untouched.
	if err := c.Set(ctx, "k1", []byte("v2"), nil); err != nil {
		t.Fatal(err)
	}
	if keys := collectKeys(t, c.IterateByTag(ctx, "t1")); len(keys) != 1 || keys[0] != "k1" {
		t.Errorf("t1 keys = %v, want [k1]", keys)
	}
	v, _ := c.Get(ctx, "k1")
	if string(v) != "v2" {
		t.Errorf("value = %q, want v2", v)
	}

	// Empty non-nil tags: tag set is cleared.
	if err := c.Set(ctx, "k1", []byte("v3"), []string{}); err != nil {
		t.Fatal(err)
	}
	if keys := collectKeys(t, c.IterateByTag(ctx, "t1")); len(keys) != 0 {
		t.Errorf("t1 keys after clearing = %v, want none", keys)
	}
	if keys := collectKeys(t, c.IterateByTag(ctx, "t2")); len(keys) != 0 {
		t.Errorf("t2 keys after clearing = %v, want none", keys)
	}
}

func TestTagIterationSnapshot(t *testing.T) {
	ctx := context.Background()
	c := NewEntityCache()
	for _, key := range []string{"a", "b", "c"} {
		if err := c.Set(ctx, key, []byte("v"), []string{"children"}); err != nil {
			t.Fatal(err)
		}
	}

	it := c.IterateByTag(ctx, "children")
	// Mutate after the iteration started.
	if err := c.Remove(ctx, []string{"a", "b", "c"}); err != nil {
		t.Fatal(err)
	}
	keys := collectKeys(t, it)
	if len(keys) != 3 {
		t.Errorf("snapshot yielded %v, want the original 3 keys", keys)
	}
}

func TestIterateKeysReportsMissing(t *testing.T) {
	ctx := context.Background()
	c := NewEntityCache()
	if err := c.Set(ctx, "k1", []byte("v1"), nil); err != nil {
		t.Fatal(err)
	}
	it := c.Iterate(ctx, []string{"k1", "missing"})
	first, err := it.Next(ctx)
	if err != nil || !first.OK || string(first.Value) != "v1" {
		t.Fatalf("first = %+v, err %v", first, err)
	}
	second, err := it.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.OK || !errors.Is(second.Err, drivesdk.ErrNotFound) {
		t.Errorf("second = %+v, want not-found entry", second)
	}
	if end, err := it.Next(ctx); end != nil || err != nil {
		t.Errorf("end = (%v, %v), want (nil, nil)", end, err)
	}
}

func TestIterationHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewEntityCache()
	_ = c.Set(ctx, "k1", []byte("v"), []string{"t"})
	it := c.IterateByTag(ctx, "t")
	cancel()
	_, err := it.Next(ctx)
	var abort *drivesdk.AbortError
	if !errors.As(err, &abort) {
		t.Errorf("got %v, want AbortError", err)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	c := NewEntityCache()
	_ = c.Set(ctx, "k1", []byte("v"), []string{"t"})
	if err := c.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get(ctx, "k1"); !errors.Is(err, drivesdk.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if keys := collectKeys(t, c.IterateByTag(ctx, "t")); len(keys) != 0 {
		t.Errorf("tag index should be empty, got %v", keys)
	}
}
