package cache

import (
	"errors"
	"testing"
	"time"
)

func TestGetMissReturnsFalse(t *testing.T) {
	c := New[string, int](time.Minute)
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss")
	}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	c := New[string, int](time.Minute)
	c.Set("pool-1", 7)
	v, ok := c.Get("pool-1")
	if !ok || v != 7 {
		t.Fatalf("got %v, %v", v, ok)
	}
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	c := New[string, int](time.Minute)
	now := time.Now()
	c.SetNow(func() time.Time { return now })
	c.Set("pool-1", 7)

	c.SetNow(func() time.Time { return now.Add(2 * time.Minute) })
	if _, ok := c.Get("pool-1"); ok {
		t.Fatal("expected expiry")
	}
}

func TestDeleteInvalidatesEntry(t *testing.T) {
	c := New[string, int](time.Minute)
	c.Set("pool-1", 7)
	c.Delete("pool-1")
	if _, ok := c.Get("pool-1"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestGetOrLoadCachesLoadResult(t *testing.T) {
	c := New[string, int](time.Minute)
	calls := 0
	load := func() (int, error) {
		calls++
		return 42, nil
	}
	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad("pool-1", load)
		if err != nil || v != 42 {
			t.Fatalf("got %v, %v", v, err)
		}
	}
	if calls != 1 {
		t.Fatalf("load called %d times, want 1", calls)
	}
}

func TestGetOrLoadPropagatesLoadError(t *testing.T) {
	c := New[string, int](time.Minute)
	wantErr := errors.New("boom")
	_, err := c.GetOrLoad("pool-1", func() (int, error) { return 0, wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v", err)
	}
	if c.Len() != 0 {
		t.Fatal("failed load must not populate the cache")
	}
}
