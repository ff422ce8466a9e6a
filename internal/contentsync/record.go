package contentsync

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrQueueFull    = errors.New("queue full")
	ErrUnavailable  = errors.New("store unavailable")
	ErrClosed       = errors.New("closed")
)

// ContentRecord is the canonical representation of one content item,
// keyed by the composite {source}:{sourceId} identity.
type ContentRecord struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	Slug           string  `json:"slug"`
	Title          string  `json:"title"`
	BodyStructured string  `json:"bodyStructured"`
	BodyRendered   string  `json:"bodyRendered"`
	Summary        *string `json:"summary,omitempty"`
	UpdatedAt      string  `json:"updatedAt"`
	PublishedAt    *string `json:"publishedAt,omitempty"`
	Version        int64   `json:"version"`
	DeletedAt      *string `json:"deletedAt,omitempty"`
}

// ChangeMessage is the unit of transport between the ingress side and the
// upsert consumer. It has no identity of its own beyond the record id it
// derives to.
type ChangeMessage struct {
	Source         string  `json:"source"`
	SourceID       string  `json:"sourceId"`
	Type           string  `json:"type"`
	Slug           string  `json:"slug"`
	Title          string  `json:"title"`
	BodyStructured string  `json:"bodyStructured"`
	BodyRendered   string  `json:"bodyRendered"`
	Summary        *string `json:"summary,omitempty"`
	UpdatedAt      string  `json:"updatedAt"`
	PublishedAt    *string `json:"publishedAt,omitempty"`
	Deleted        bool    `json:"deleted"`
}

// RecordID derives the canonical store key for the message.
func (m ChangeMessage) RecordID() string {
	source := strings.TrimSpace(m.Source)
	sourceID := strings.TrimSpace(m.SourceID)
	if source == "" || sourceID == "" {
		return ""
	}
	return source + ":" + sourceID
}

// ApplyOutcome classifies what the consumer did with one change message.
// Acknowledgment is decided by the worker loop based on this value, never
// inside the apply path itself.
type ApplyOutcome string

const (
	OutcomeApplied          ApplyOutcome = "applied"
	OutcomeDiscarded        ApplyOutcome = "discarded"
	OutcomeRetry            ApplyOutcome = "retry"
	OutcomePermanentFailure ApplyOutcome = "permanent_failure"
)

// ApplyResult is the explicit per-message result returned by the consumer.
type ApplyResult struct {
	Outcome  ApplyOutcome
	RecordID string
	Err      error
}

// ReadMode selects the consistency path for a read. Public traffic may be
// served from a replica; preview traffic must observe the most recent write.
type ReadMode int

const (
	ReadPrimary ReadMode = iota
	ReadReplica
)

// Store is the canonical content store. Apply must perform its
// read-check-write atomically per record id.
type Store interface {
	Apply(msg ChangeMessage) (ApplyOutcome, error)
	GetByID(id string, mode ReadMode) (ContentRecord, error)
	GetBySlug(contentType, slug string, mode ReadMode) (ContentRecord, error)
	Close() error
}

func parseChangeTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, ErrInvalidInput
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}
