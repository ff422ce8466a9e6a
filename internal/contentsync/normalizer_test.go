package contentsync

import (
	"errors"
	"testing"
	"time"
)

func TestSanityAdapterNormalizesDocument(t *testing.T) {
	msg, err := SanityAdapter{}.Normalize(map[string]any{
		"_id":         "x1",
		"_type":       "recipe",
		"_updatedAt":  "2025-06-01T00:00:00Z",
		"title":       "Hello",
		"slug":        map[string]any{"current": "hello-world"},
		"summary":     "a summary",
		"publishedAt": "2025-05-31T12:00:00Z",
		"body":        []any{map[string]any{"text": "hi"}},
		"bodyHtml":    "<p>hi</p>",
	})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if msg.Source != "sanity" || msg.SourceID != "x1" {
		t.Fatalf("unexpected identity: %s/%s", msg.Source, msg.SourceID)
	}
	if msg.RecordID() != "sanity:x1" {
		t.Fatalf("expected record id sanity:x1, got %s", msg.RecordID())
	}
	if msg.Type != "recipe" {
		t.Fatalf("expected type recipe, got %s", msg.Type)
	}
	if msg.Slug != "hello-world" {
		t.Fatalf("expected slug hello-world, got %s", msg.Slug)
	}
	if msg.Title != "Hello" {
		t.Fatalf("expected title Hello, got %s", msg.Title)
	}
	if msg.UpdatedAt != "2025-06-01T00:00:00Z" {
		t.Fatalf("expected source timestamp preserved, got %s", msg.UpdatedAt)
	}
	if msg.Summary == nil || *msg.Summary != "a summary" {
		t.Fatalf("expected summary preserved, got %v", msg.Summary)
	}
	if msg.PublishedAt == nil || *msg.PublishedAt != "2025-05-31T12:00:00Z" {
		t.Fatalf("expected publishedAt preserved, got %v", msg.PublishedAt)
	}
	if msg.BodyStructured != `[{"text":"hi"}]` {
		t.Fatalf("expected serialized body, got %s", msg.BodyStructured)
	}
	if msg.BodyRendered != "<p>hi</p>" {
		t.Fatalf("expected rendered body preserved, got %s", msg.BodyRendered)
	}
	if msg.Deleted {
		t.Fatalf("expected deleted=false")
	}
}

func TestSanityAdapterDocumentResolutionPriority(t *testing.T) {
	// transitionTarget wins over after, which wins over document.
	msg, err := SanityAdapter{}.Normalize(map[string]any{
		"transitionTarget": map[string]any{"_id": "target", "_updatedAt": "2025-01-01T00:00:00Z"},
		"after":            map[string]any{"_id": "after", "_updatedAt": "2025-01-01T00:00:00Z"},
		"document":         map[string]any{"_id": "doc", "_updatedAt": "2025-01-01T00:00:00Z"},
	})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if msg.SourceID != "target" {
		t.Fatalf("expected transition target to win, got %s", msg.SourceID)
	}

	msg, err = SanityAdapter{}.Normalize(map[string]any{
		"after":    map[string]any{"_id": "after", "_updatedAt": "2025-01-01T00:00:00Z"},
		"document": map[string]any{"_id": "doc", "_updatedAt": "2025-01-01T00:00:00Z"},
	})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if msg.SourceID != "after" {
		t.Fatalf("expected after to win over document, got %s", msg.SourceID)
	}

	msg, err = SanityAdapter{}.Normalize(map[string]any{
		"document": map[string]any{"_id": "doc", "_updatedAt": "2025-01-01T00:00:00Z"},
	})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if msg.SourceID != "doc" {
		t.Fatalf("expected nested document, got %s", msg.SourceID)
	}
}

func TestSanityAdapterFallbacks(t *testing.T) {
	before := time.Now().UTC()
	msg, err := SanityAdapter{}.Normalize(map[string]any{
		"_id": "no-frills",
	})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if msg.Slug != "no-frills" {
		t.Fatalf("expected slug to fall back to source id, got %s", msg.Slug)
	}
	if msg.Title != "untitled" {
		t.Fatalf("expected placeholder title, got %s", msg.Title)
	}
	if msg.Type != "article" {
		t.Fatalf("expected default type article, got %s", msg.Type)
	}
	stamped, err := time.Parse(time.RFC3339Nano, msg.UpdatedAt)
	if err != nil {
		t.Fatalf("wall-clock fallback is not a timestamp: %v", err)
	}
	if stamped.Before(before.Add(-time.Second)) || stamped.After(time.Now().UTC().Add(time.Second)) {
		t.Fatalf("wall-clock fallback out of range: %s", msg.UpdatedAt)
	}
}

func TestSanityAdapterDeletionFlag(t *testing.T) {
	msg, err := SanityAdapter{}.Normalize(map[string]any{
		"deleted":  true,
		"document": map[string]any{"_id": "gone", "_updatedAt": "2025-02-01T00:00:00Z"},
	})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if !msg.Deleted {
		t.Fatalf("expected deleted=true")
	}
}

func TestSanityAdapterMissingIdentity(t *testing.T) {
	_, err := SanityAdapter{}.Normalize(map[string]any{
		"title": "no id here",
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNormalizeGenericEventFlatFields(t *testing.T) {
	msg, err := NormalizeGenericEvent("backfill", map[string]any{
		"id":        "d42",
		"type":      "article",
		"slug":      "d42-slug",
		"title":     "Generic",
		"updatedAt": "2025-03-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if msg.RecordID() != "backfill:d42" {
		t.Fatalf("expected backfill:d42, got %s", msg.RecordID())
	}
	if msg.UpdatedAt != "2025-03-01T00:00:00Z" {
		t.Fatalf("expected flat updatedAt, got %s", msg.UpdatedAt)
	}
}

func TestAdapterRegistryFallsBackToGeneric(t *testing.T) {
	registry := NewAdapterRegistry(SanityAdapter{})
	msg, err := registry.Normalize("legacy-cms", map[string]any{
		"id":         "v7",
		"updated_at": "2025-04-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if msg.Source != "legacy-cms" || msg.SourceID != "v7" {
		t.Fatalf("unexpected identity %s:%s", msg.Source, msg.SourceID)
	}

	if _, err := registry.Normalize("", map[string]any{"id": "x"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing source, got %v", err)
	}
}
