package synccache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCacheLifecycle(t *testing.T) {
	c := NewMemory(time.Minute)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "j1"); ok {
		t.Error("empty cache should miss")
	}

	entry := Entry{Positions: 4, Created: 2, Updated: 1, Closed: 1, SyncedAt: time.Now()}
	c.Set(ctx, "j1", entry)

	got, ok := c.Get(ctx, "j1")
	if !ok {
		t.Fatal("expected hit after set")
	}
	if got.Positions != 4 || got.Created != 2 {
		t.Errorf("entry mismatch: %+v", got)
	}

	if _, ok := c.Get(ctx, "j2"); ok {
		t.Error("journals must not share entries")
	}

	c.Invalidate(ctx, "j1")
	if _, ok := c.Get(ctx, "j1"); ok {
		t.Error("expected miss after invalidate")
	}
}

func TestMemoryCacheExpires(t *testing.T) {
	c := NewMemory(20 * time.Millisecond)
	ctx := context.Background()

	c.Set(ctx, "j1", Entry{Positions: 1})
	time.Sleep(40 * time.Millisecond)

	if _, ok := c.Get(ctx, "j1"); ok {
		t.Error("entry should expire after TTL")
	}
}
