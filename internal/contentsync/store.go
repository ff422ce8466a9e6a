package contentsync

import (
	"fmt"
	"sync"
	"time"
)

// MemoryStoreOptions tunes the in-memory store. ReplicaLag delays replica
// visibility of accepted writes; zero applies them synchronously so tests
// stay deterministic.
type MemoryStoreOptions struct {
	ReplicaLag time.Duration
}

// MemoryStore keeps the canonical table in process memory with a separate
// replica view for public reads. Apply serializes the read-check-write for
// all ids under one lock, which satisfies the per-id atomicity requirement.
type MemoryStore struct {
	mu      sync.Mutex
	primary map[string]*ContentRecord

	replicaMu sync.RWMutex
	replica   map[string]ContentRecord

	lag    time.Duration
	closed chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithOptions(MemoryStoreOptions{})
}

func NewMemoryStoreWithOptions(opts MemoryStoreOptions) *MemoryStore {
	return &MemoryStore{
		primary: map[string]*ContentRecord{},
		replica: map[string]ContentRecord{},
		lag:     opts.ReplicaLag,
		closed:  make(chan struct{}),
	}
}

func (s *MemoryStore) Apply(msg ChangeMessage) (ApplyOutcome, error) {
	id := msg.RecordID()
	if id == "" {
		return "", fmt.Errorf("%w: change message has no source identity", ErrInvalidInput)
	}
	incoming, err := parseChangeTime(msg.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("%w: bad updatedAt %q", ErrInvalidInput, msg.UpdatedAt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.primary[id]
	if current != nil {
		stored, err := parseChangeTime(current.UpdatedAt)
		if err == nil && !incoming.After(stored) {
			return OutcomeDiscarded, nil
		}
	}

	if msg.Deleted {
		if current == nil {
			// Nothing to tombstone; redelivery cannot change that.
			return OutcomeDiscarded, nil
		}
		deletedAt := time.Now().UTC().Format(time.RFC3339Nano)
		current.UpdatedAt = msg.UpdatedAt
		current.DeletedAt = &deletedAt
		current.Version++
		s.publishLocked(*current)
		return OutcomeApplied, nil
	}

	next := &ContentRecord{
		ID:             id,
		Type:           msg.Type,
		Slug:           msg.Slug,
		Title:          msg.Title,
		BodyStructured: msg.BodyStructured,
		BodyRendered:   msg.BodyRendered,
		Summary:        msg.Summary,
		UpdatedAt:      msg.UpdatedAt,
		PublishedAt:    msg.PublishedAt,
		Version:        1,
	}
	if current != nil {
		next.Version = current.Version + 1
	}
	s.primary[id] = next
	s.publishLocked(*next)
	return OutcomeApplied, nil
}

func (s *MemoryStore) GetByID(id string, mode ReadMode) (ContentRecord, error) {
	if mode == ReadReplica {
		s.replicaMu.RLock()
		record, ok := s.replica[id]
		s.replicaMu.RUnlock()
		if !ok || record.DeletedAt != nil {
			return ContentRecord{}, ErrNotFound
		}
		return record, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.primary[id]
	if !ok || record.DeletedAt != nil {
		return ContentRecord{}, ErrNotFound
	}
	return *record, nil
}

func (s *MemoryStore) GetBySlug(contentType, slug string, mode ReadMode) (ContentRecord, error) {
	if mode == ReadReplica {
		s.replicaMu.RLock()
		defer s.replicaMu.RUnlock()
		return pickBySlug(contentType, slug, func(visit func(ContentRecord)) {
			for _, record := range s.replica {
				visit(record)
			}
		})
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return pickBySlug(contentType, slug, func(visit func(ContentRecord)) {
		for _, record := range s.primary {
			visit(*record)
		}
	})
}

func (s *MemoryStore) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

// publishLocked propagates an accepted write to the replica view, after the
// configured lag when one is set.
func (s *MemoryStore) publishLocked(record ContentRecord) {
	if s.lag <= 0 {
		s.replicaMu.Lock()
		s.replica[record.ID] = record
		s.replicaMu.Unlock()
		return
	}
	time.AfterFunc(s.lag, func() {
		select {
		case <-s.closed:
			return
		default:
		}
		s.replicaMu.Lock()
		// An older snapshot must never overwrite a newer one on the replica.
		existing, ok := s.replica[record.ID]
		if ok && existing.Version >= record.Version {
			s.replicaMu.Unlock()
			return
		}
		s.replica[record.ID] = record
		s.replicaMu.Unlock()
	})
}

// pickBySlug returns the live record matching slug+type, preferring the most
// recently updated when duplicates exist.
func pickBySlug(contentType, slug string, each func(func(ContentRecord))) (ContentRecord, error) {
	var best ContentRecord
	var bestTime time.Time
	found := false
	each(func(record ContentRecord) {
		if record.DeletedAt != nil || record.Slug != slug || record.Type != contentType {
			return
		}
		ts, err := parseChangeTime(record.UpdatedAt)
		if err != nil {
			ts = time.Time{}
		}
		if !found || ts.After(bestTime) {
			best = record
			bestTime = ts
			found = true
		}
	})
	if !found {
		return ContentRecord{}, ErrNotFound
	}
	return best, nil
}
