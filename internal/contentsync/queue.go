package contentsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultQueueCapacity = 1024

// Delivery is one at-least-once delivery of a change message. Attempts
// counts prior deliveries of the same message.
type Delivery struct {
	ID       string        `json:"deliveryId"`
	Attempts int           `json:"attempts"`
	Message  ChangeMessage `json:"message"`
}

// ChangeQueue carries canonical change messages from ingress to the upsert
// consumer. Deliveries stay owned by the queue until acknowledged; a
// non-acked delivery is redelivered.
type ChangeQueue interface {
	Enqueue(ctx context.Context, msg ChangeMessage) (string, error)
	Dequeue(ctx context.Context) (Delivery, bool)
	Ack(deliveryID string) error
	Nack(deliveryID string, delay time.Duration) error
	Depth() int
	Capacity() int
	Close() error
}

type queuedItem struct {
	Delivery    Delivery  `json:"delivery"`
	AvailableAt time.Time `json:"availableAt"`
}

type memoryChangeQueue struct {
	capacity     int
	pollInterval time.Duration

	mu       sync.Mutex
	items    []queuedItem
	inflight map[string]Delivery
	closed   bool
}

func NewMemoryChangeQueue(capacity int) ChangeQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &memoryChangeQueue{
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		inflight:     map[string]Delivery{},
	}
}

func (q *memoryChangeQueue) Enqueue(ctx context.Context, msg ChangeMessage) (string, error) {
	if msg.RecordID() == "" {
		return "", ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	if len(q.items)+len(q.inflight) >= q.capacity {
		return "", ErrQueueFull
	}
	deliveryID := uuid.NewString()
	q.items = append(q.items, queuedItem{
		Delivery:    Delivery{ID: deliveryID, Message: msg},
		AvailableAt: time.Now().UTC(),
	})
	return deliveryID, nil
}

func (q *memoryChangeQueue) Dequeue(ctx context.Context) (Delivery, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Delivery{}, false
		}
		now := time.Now().UTC()
		for i, item := range q.items {
			if item.AvailableAt.After(now) {
				continue
			}
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.inflight[item.Delivery.ID] = item.Delivery
			q.mu.Unlock()
			return item.Delivery, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Delivery{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *memoryChangeQueue) Ack(deliveryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[deliveryID]; !ok {
		return ErrNotFound
	}
	delete(q.inflight, deliveryID)
	return nil
}

func (q *memoryChangeQueue) Nack(deliveryID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delivery, ok := q.inflight[deliveryID]
	if !ok {
		return ErrNotFound
	}
	delete(q.inflight, deliveryID)
	delivery.Attempts++
	q.items = append(q.items, queuedItem{
		Delivery:    delivery,
		AvailableAt: time.Now().UTC().Add(delay),
	})
	return nil
}

func (q *memoryChangeQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + len(q.inflight)
}

func (q *memoryChangeQueue) Capacity() int {
	return q.capacity
}

func (q *memoryChangeQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

type fileQueueState struct {
	Items []queuedItem `json:"items"`
}

// fileChangeQueue persists the pending set with atomic tmp+rename writes.
// Dequeued items stay in the snapshot until acked, so a crash between
// dequeue and ack redelivers the message on reload.
type fileChangeQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration

	mu       sync.Mutex
	items    []queuedItem
	inflight map[string]struct{}
	closed   bool
}

func NewFileChangeQueue(path string, capacity int) (ChangeQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	q := &fileChangeQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		inflight:     map[string]struct{}{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileChangeQueue) Enqueue(ctx context.Context, msg ChangeMessage) (string, error) {
	if msg.RecordID() == "" {
		return "", ErrInvalidInput
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}
	if len(q.items) >= q.capacity {
		return "", ErrQueueFull
	}
	deliveryID := uuid.NewString()
	q.items = append(q.items, queuedItem{
		Delivery:    Delivery{ID: deliveryID, Message: msg},
		AvailableAt: time.Now().UTC(),
	})
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return "", err
	}
	return deliveryID, nil
}

func (q *fileChangeQueue) Dequeue(ctx context.Context) (Delivery, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return Delivery{}, false
		}
		now := time.Now().UTC()
		for _, item := range q.items {
			if item.AvailableAt.After(now) {
				continue
			}
			if _, busy := q.inflight[item.Delivery.ID]; busy {
				continue
			}
			q.inflight[item.Delivery.ID] = struct{}{}
			q.mu.Unlock()
			return item.Delivery, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Delivery{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileChangeQueue) Ack(deliveryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(deliveryID)
	if idx < 0 {
		return ErrNotFound
	}
	removed := q.items[idx]
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	if err := q.saveLocked(); err != nil {
		q.items = append(q.items[:idx], append([]queuedItem{removed}, q.items[idx:]...)...)
		return err
	}
	delete(q.inflight, deliveryID)
	return nil
}

func (q *fileChangeQueue) Nack(deliveryID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexLocked(deliveryID)
	if idx < 0 {
		return ErrNotFound
	}
	prev := q.items[idx]
	q.items[idx].Delivery.Attempts++
	q.items[idx].AvailableAt = time.Now().UTC().Add(delay)
	if err := q.saveLocked(); err != nil {
		q.items[idx] = prev
		return err
	}
	delete(q.inflight, deliveryID)
	return nil
}

func (q *fileChangeQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileChangeQueue) Capacity() int {
	return q.capacity
}

func (q *fileChangeQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *fileChangeQueue) indexLocked(deliveryID string) int {
	for i, item := range q.items {
		if item.Delivery.ID == deliveryID {
			return i
		}
	}
	return -1
}

func (q *fileChangeQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("corrupt queue snapshot %s: %w", q.path, err)
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]queuedItem(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]queuedItem(nil), snapshot.Items...)
	return nil
}

func (q *fileChangeQueue) saveLocked() error {
	snapshot := fileQueueState{Items: append([]queuedItem(nil), q.items...)}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
