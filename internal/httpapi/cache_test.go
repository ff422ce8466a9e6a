package httpapi

import (
	"testing"
	"time"

	"github.com/fieldpress/contentsync/internal/contentsync"
)

func TestRecordCacheExpiry(t *testing.T) {
	cache := newRecordCache(time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	record := contentsync.ContentRecord{ID: "sanity:x1", Title: "Hello"}
	cache.set("id|sanity:x1", record, now)

	got, ok := cache.get("id|sanity:x1", now.Add(30*time.Second))
	if !ok || got.Title != "Hello" {
		t.Fatalf("expected fresh hit, got ok=%v record=%+v", ok, got)
	}

	if _, ok := cache.get("id|sanity:x1", now.Add(2*time.Minute)); ok {
		t.Fatalf("expired entry served")
	}

	// The expired entry is evicted, so an on-time lookup now misses too.
	if _, ok := cache.get("id|sanity:x1", now); ok {
		t.Fatalf("evicted entry resurfaced")
	}
}

func TestRecordCacheMiss(t *testing.T) {
	cache := newRecordCache(time.Minute)
	if _, ok := cache.get("id|unknown", time.Now()); ok {
		t.Fatalf("unexpected hit for unknown key")
	}
}

func TestRecordCacheDisabled(t *testing.T) {
	cache := newRecordCache(0)
	if cache != nil {
		t.Fatalf("zero ttl should disable the cache")
	}
	// Nil receivers are safe no-ops on both paths.
	cache.set("k", contentsync.ContentRecord{}, time.Now())
	if _, ok := cache.get("k", time.Now()); ok {
		t.Fatalf("disabled cache returned a hit")
	}
}
