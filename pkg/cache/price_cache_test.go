package cache

import (
	"testing"
	"time"
)

func TestPriceCacheSetGet(t *testing.T) {
	c := NewPriceCache(time.Minute)
	c.Set("EURUSD", 1.0842)

	price, ok := c.Get("EURUSD")
	if !ok || price != 1.0842 {
		t.Errorf("Get = %v %v, want 1.0842 true", price, ok)
	}
	if _, ok := c.Get("XAUUSD"); ok {
		t.Error("unknown key should miss")
	}
}

func TestPriceCacheExpiry(t *testing.T) {
	c := NewPriceCache(10 * time.Millisecond)
	c.Set("EURUSD", 1.0842)
	time.Sleep(25 * time.Millisecond)

	if _, ok := c.Get("EURUSD"); ok {
		t.Error("stale entry should miss")
	}
	if removed := c.Cleanup(); removed != 1 {
		t.Errorf("Cleanup = %d, want 1", removed)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}
