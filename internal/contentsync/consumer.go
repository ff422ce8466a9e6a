package contentsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// ErrorSink receives deliveries that failed permanently. Permanent failures
// are acknowledged so they stop cycling through the queue; the sink is the
// out-of-band record that they happened.
type ErrorSink interface {
	Report(delivery Delivery, err error)
}

type logErrorSink struct{}

func (logErrorSink) Report(delivery Delivery, err error) {
	log.Printf("consumer: permanent failure for %s delivery %s after %d attempts: %v",
		delivery.Message.RecordID(), delivery.ID, delivery.Attempts+1, err)
}

// DeadLetter is a permanently failed delivery retained for inspection and
// manual replay.
type DeadLetter struct {
	DeliveryID   string        `json:"deliveryId"`
	Message      ChangeMessage `json:"message"`
	AttemptCount int           `json:"attemptCount"`
	LastError    string        `json:"lastError"`
	FailedAt     string        `json:"failedAt"`
}

type ConsumerOptions struct {
	Store       Store
	Queue       ChangeQueue
	ErrorSink   ErrorSink
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
}

// Consumer drains the change queue and applies messages to the canonical
// store. Messages for distinct record ids proceed concurrently; messages for
// one id serialize on a key lock. Acknowledgment happens only after the
// store accepted the write or the discard was deliberate.
type Consumer struct {
	store       Store
	queue       ChangeQueue
	sink        ErrorSink
	workers     int
	maxAttempts int
	retryDelay  time.Duration

	keys *keyedMutex

	dlMu        sync.Mutex
	deadLetters map[string]DeadLetter
}

func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.Store == nil || opts.Queue == nil {
		return nil, ErrInvalidInput
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	sink := opts.ErrorSink
	if sink == nil {
		sink = logErrorSink{}
	}
	return &Consumer{
		store:       opts.Store,
		queue:       opts.Queue,
		sink:        sink,
		workers:     opts.Workers,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		keys:        newKeyedMutex(),
		deadLetters: map[string]DeadLetter{},
	}, nil
}

// Run blocks until ctx is cancelled, processing deliveries with the
// configured worker count.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx)
		}()
	}
	wg.Wait()
}

func (c *Consumer) worker(ctx context.Context) {
	for {
		delivery, ok := c.queue.Dequeue(ctx)
		if !ok {
			return
		}
		c.HandleDelivery(ctx, delivery)
	}
}

// HandleDelivery processes one delivery end to end, including the ack/nack
// decision. An in-flight apply runs to completion even when ctx is already
// cancelled; only the dequeue loop observes cancellation.
func (c *Consumer) HandleDelivery(ctx context.Context, delivery Delivery) ApplyResult {
	unlock := c.keys.lock(delivery.Message.RecordID())
	result := c.ProcessMessage(delivery.Message)
	unlock()

	switch result.Outcome {
	case OutcomeApplied, OutcomeDiscarded:
		if err := c.queue.Ack(delivery.ID); err != nil && !errors.Is(err, ErrNotFound) {
			log.Printf("consumer: ack %s failed: %v", delivery.ID, err)
		}
	case OutcomePermanentFailure:
		c.deadLetter(delivery, result.Err)
	case OutcomeRetry:
		if delivery.Attempts+1 >= c.maxAttempts {
			c.deadLetter(delivery, fmt.Errorf("retries exhausted: %w", result.Err))
			result.Outcome = OutcomePermanentFailure
			break
		}
		if err := c.queue.Nack(delivery.ID, c.retryDelay); err != nil && !errors.Is(err, ErrNotFound) {
			log.Printf("consumer: nack %s failed: %v", delivery.ID, err)
		}
	}
	return result
}

// ProcessMessage is the pure apply step: it classifies one message against
// the current store state and never touches the queue.
func (c *Consumer) ProcessMessage(msg ChangeMessage) ApplyResult {
	if err := ValidateMessage(msg); err != nil {
		return ApplyResult{Outcome: OutcomePermanentFailure, RecordID: msg.RecordID(), Err: err}
	}
	outcome, err := c.store.Apply(msg)
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return ApplyResult{Outcome: OutcomePermanentFailure, RecordID: msg.RecordID(), Err: err}
		}
		return ApplyResult{Outcome: OutcomeRetry, RecordID: msg.RecordID(), Err: err}
	}
	return ApplyResult{Outcome: outcome, RecordID: msg.RecordID()}
}

func (c *Consumer) deadLetter(delivery Delivery, cause error) {
	c.sink.Report(delivery, cause)
	c.dlMu.Lock()
	c.deadLetters[delivery.ID] = DeadLetter{
		DeliveryID:   delivery.ID,
		Message:      delivery.Message,
		AttemptCount: delivery.Attempts + 1,
		LastError:    cause.Error(),
		FailedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	c.dlMu.Unlock()
	if err := c.queue.Ack(delivery.ID); err != nil && !errors.Is(err, ErrNotFound) {
		log.Printf("consumer: ack of dead-lettered %s failed: %v", delivery.ID, err)
	}
}

// DeadLetters returns the retained permanent failures, most recent first.
func (c *Consumer) DeadLetters() []DeadLetter {
	c.dlMu.Lock()
	defer c.dlMu.Unlock()
	out := make([]DeadLetter, 0, len(c.deadLetters))
	for _, dead := range c.deadLetters {
		out = append(out, dead)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FailedAt > out[j].FailedAt
	})
	return out
}

func (c *Consumer) DeadLetter(deliveryID string) (DeadLetter, bool) {
	c.dlMu.Lock()
	defer c.dlMu.Unlock()
	dead, ok := c.deadLetters[deliveryID]
	return dead, ok
}

// ReplayDeadLetter re-enqueues a dead letter as a fresh delivery and drops it
// from the retained set.
func (c *Consumer) ReplayDeadLetter(ctx context.Context, deliveryID string) error {
	c.dlMu.Lock()
	dead, ok := c.deadLetters[deliveryID]
	c.dlMu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if _, err := c.queue.Enqueue(ctx, dead.Message); err != nil {
		return err
	}
	c.dlMu.Lock()
	delete(c.deadLetters, deliveryID)
	c.dlMu.Unlock()
	return nil
}

// keyedMutex serializes work per record id while letting distinct ids run
// concurrently. Entries are reference counted and removed when idle.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLockEntry
}

type keyedLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedLockEntry{}}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedLockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
