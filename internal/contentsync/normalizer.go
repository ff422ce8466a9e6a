package contentsync

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

// SourceAdapter maps one upstream payload shape to the canonical change
// message. New sources are added as new adapters, never as branches inside
// the consumer.
type SourceAdapter interface {
	Source() string
	Normalize(payload map[string]any) (ChangeMessage, error)
}

// AdapterRegistry resolves the adapter for a source, falling back to the
// generic normalizer for sources without a dedicated adapter.
type AdapterRegistry struct {
	adapters map[string]SourceAdapter
}

func NewAdapterRegistry(adapters ...SourceAdapter) *AdapterRegistry {
	r := &AdapterRegistry{adapters: map[string]SourceAdapter{}}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		source := normalizeSource(adapter.Source())
		if source == "" {
			continue
		}
		r.adapters[source] = adapter
	}
	return r
}

// Normalize produces exactly one change message from a raw upstream payload,
// or a validation error when no usable identity can be extracted.
func (r *AdapterRegistry) Normalize(source string, payload map[string]any) (ChangeMessage, error) {
	source = normalizeSource(source)
	if source == "" {
		return ChangeMessage{}, fmt.Errorf("%w: missing source", ErrInvalidInput)
	}
	if payload == nil {
		return ChangeMessage{}, fmt.Errorf("%w: missing payload", ErrInvalidInput)
	}
	if r != nil {
		if adapter, ok := r.adapters[source]; ok {
			return adapter.Normalize(payload)
		}
	}
	return NormalizeGenericEvent(source, payload)
}

// effectiveDocument resolves the document a payload describes. Transition
// wrappers name an explicit target; update events carry before/after pairs;
// plain events either nest the document or are the document.
func effectiveDocument(payload map[string]any) map[string]any {
	if doc := asMap(payload["transitionTarget"]); doc != nil {
		return doc
	}
	if doc := asMap(payload["after"]); doc != nil {
		return doc
	}
	if doc := asMap(payload["document"]); doc != nil {
		return doc
	}
	return payload
}

// SanityAdapter normalizes payloads from the webhook-driven document store,
// which prefixes its system fields with an underscore and wraps slugs in a
// {current} object.
type SanityAdapter struct{}

func (SanityAdapter) Source() string {
	return "sanity"
}

func (SanityAdapter) Normalize(payload map[string]any) (ChangeMessage, error) {
	doc := effectiveDocument(payload)
	sourceID := strings.TrimSpace(toString(doc["_id"]))
	if sourceID == "" {
		return ChangeMessage{}, fmt.Errorf("%w: payload has no _id", ErrInvalidInput)
	}
	msg := ChangeMessage{
		Source:       "sanity",
		SourceID:     sourceID,
		Type:         firstNonEmpty(toString(doc["_type"]), "article"),
		Slug:         firstNonEmpty(slugValue(doc["slug"]), sourceID),
		Title:        firstNonEmpty(strings.TrimSpace(toString(doc["title"])), "untitled"),
		BodyRendered: toString(doc["bodyHtml"]),
		UpdatedAt:    documentUpdatedAt("sanity", sourceID, toString(doc["_updatedAt"])),
		Deleted:      toBool(payload["deleted"]),
	}
	if body, ok := doc["body"]; ok && body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return ChangeMessage{}, fmt.Errorf("%w: unencodable body", ErrInvalidInput)
		}
		msg.BodyStructured = string(encoded)
	}
	if summary := strings.TrimSpace(toString(doc["summary"])); summary != "" {
		msg.Summary = &summary
	}
	if publishedAt := strings.TrimSpace(toString(doc["publishedAt"])); publishedAt != "" {
		msg.PublishedAt = &publishedAt
	}
	return msg, nil
}

// NormalizeGenericEvent handles sources without a dedicated adapter,
// including the GraphQL backfill feed whose nodes carry flat field names.
func NormalizeGenericEvent(source string, payload map[string]any) (ChangeMessage, error) {
	doc := effectiveDocument(payload)
	sourceID := firstNonEmpty(
		strings.TrimSpace(toString(doc["_id"])),
		strings.TrimSpace(toString(doc["id"])),
		strings.TrimSpace(toString(doc["sourceId"])),
	)
	if sourceID == "" {
		return ChangeMessage{}, fmt.Errorf("%w: payload has no document id", ErrInvalidInput)
	}
	updatedAt := firstNonEmpty(
		strings.TrimSpace(toString(doc["_updatedAt"])),
		strings.TrimSpace(toString(doc["updatedAt"])),
		strings.TrimSpace(toString(doc["updated_at"])),
	)
	msg := ChangeMessage{
		Source:       source,
		SourceID:     sourceID,
		Type:         firstNonEmpty(strings.TrimSpace(toString(doc["type"])), strings.TrimSpace(toString(doc["_type"])), "article"),
		Slug:         firstNonEmpty(slugValue(doc["slug"]), sourceID),
		Title:        firstNonEmpty(strings.TrimSpace(toString(doc["title"])), "untitled"),
		BodyRendered: firstNonEmpty(toString(doc["bodyRendered"]), toString(doc["bodyHtml"])),
		UpdatedAt:    documentUpdatedAt(source, sourceID, updatedAt),
		Deleted:      toBool(payload["deleted"]) || toBool(doc["deleted"]),
	}
	if body, ok := doc["body"]; ok && body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return ChangeMessage{}, fmt.Errorf("%w: unencodable body", ErrInvalidInput)
		}
		msg.BodyStructured = string(encoded)
	} else if raw := toString(doc["bodyStructured"]); raw != "" {
		msg.BodyStructured = raw
	}
	if summary := strings.TrimSpace(toString(doc["summary"])); summary != "" {
		msg.Summary = &summary
	}
	if publishedAt := strings.TrimSpace(toString(doc["publishedAt"])); publishedAt != "" {
		msg.PublishedAt = &publishedAt
	}
	return msg, nil
}

// documentUpdatedAt falls back to wall-clock time when the source supplies no
// modification timestamp. The fallback can lose the conflict-resolution race
// against genuine source clocks, so it is logged rather than silent.
func documentUpdatedAt(source, sourceID, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw != "" {
		return raw
	}
	log.Printf("normalizer: %s/%s has no source timestamp, using wall clock", source, sourceID)
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func normalizeSource(source string) string {
	return strings.ToLower(strings.TrimSpace(source))
}

func slugValue(v any) string {
	switch typed := v.(type) {
	case string:
		return strings.TrimSpace(typed)
	case map[string]any:
		return strings.TrimSpace(toString(typed["current"]))
	default:
		return ""
	}
}

func asMap(v any) map[string]any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return m
}

func toString(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

func toBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
