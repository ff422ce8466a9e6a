package contentsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

const (
	postgresQueueTableName        = "content_change_queue"
	postgresQueuePollInterval     = 10 * time.Millisecond
	postgresQueueVisibilityWindow = 30 * time.Second
)

// PostgresChangeQueue is the shared-deployment queue. Dequeue claims the
// oldest available delivery under FOR UPDATE SKIP LOCKED and pushes its
// visibility forward; an unacked claim becomes available again after the
// visibility window, which is what makes delivery at-least-once.
type PostgresChangeQueue struct {
	dsn          string
	tableName    string
	capacity     int
	visibility   time.Duration
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresChangeQueue(dsn string, capacity int) (*PostgresChangeQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &PostgresChangeQueue{
		dsn:          dsn,
		tableName:    postgresQueueTableName,
		capacity:     capacity,
		visibility:   postgresQueueVisibilityWindow,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresChangeQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				delivery_id TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				attempts INT NOT NULL DEFAULT 0,
				available_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		indexName := q.tableName + "_available_at_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (available_at)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(q.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresChangeQueue) Enqueue(ctx context.Context, msg ChangeMessage) (string, error) {
	if msg.RecordID() == "" {
		return "", ErrInvalidInput
	}
	if err := q.ensureReady(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("%w: unencodable change message", ErrInvalidInput)
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(opCtx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	lockKey := postgresQueueLockKey(q.tableName)
	if _, err := tx.ExecContext(opCtx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := tx.QueryRowContext(opCtx, countQuery).Scan(&depth); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if depth >= q.capacity {
		return "", ErrQueueFull
	}
	deliveryID := uuid.NewString()
	insertQuery := fmt.Sprintf(
		"INSERT INTO %s (delivery_id, payload, attempts, available_at) VALUES ($1, $2, 0, NOW())",
		postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(opCtx, insertQuery, deliveryID, string(payload)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	committed = true
	return deliveryID, nil
}

func (q *PostgresChangeQueue) Dequeue(ctx context.Context) (Delivery, bool) {
	for {
		delivery, ok := q.tryDequeue(ctx)
		if ok {
			return delivery, true
		}
		select {
		case <-ctx.Done():
			return Delivery{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresChangeQueue) tryDequeue(ctx context.Context) (Delivery, bool) {
	if err := q.ensureReady(); err != nil {
		return Delivery{}, false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Delivery{}, false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	selectQuery := fmt.Sprintf(`
		SELECT delivery_id, payload, attempts
		FROM %s
		WHERE available_at <= NOW()
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, postgresQuoteIdentifier(q.tableName))
	var delivery Delivery
	var payload string
	err = tx.QueryRowContext(ctx, selectQuery).Scan(&delivery.ID, &payload, &delivery.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, false
	}
	if err != nil {
		return Delivery{}, false
	}
	claimQuery := fmt.Sprintf(
		"UPDATE %s SET available_at = NOW() + $2 * INTERVAL '1 millisecond' WHERE delivery_id = $1",
		postgresQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, claimQuery, delivery.ID, q.visibility.Milliseconds()); err != nil {
		return Delivery{}, false
	}
	if err := json.Unmarshal([]byte(payload), &delivery.Message); err != nil {
		// Undecodable rows are dropped here rather than poisoning the queue.
		deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE delivery_id = $1", postgresQuoteIdentifier(q.tableName))
		_, _ = tx.ExecContext(ctx, deleteQuery, delivery.ID)
		_ = tx.Commit()
		committed = true
		return Delivery{}, false
	}
	if err := tx.Commit(); err != nil {
		return Delivery{}, false
	}
	committed = true
	return delivery, true
}

func (q *PostgresChangeQueue) Ack(deliveryID string) error {
	if err := q.ensureReady(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE delivery_id = $1", postgresQuoteIdentifier(q.tableName))
	result, err := q.db.ExecContext(ctx, query, deliveryID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *PostgresChangeQueue) Nack(deliveryID string, delay time.Duration) error {
	if err := q.ensureReady(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"UPDATE %s SET attempts = attempts + 1, available_at = NOW() + $2 * INTERVAL '1 millisecond' WHERE delivery_id = $1",
		postgresQuoteIdentifier(q.tableName))
	result, err := q.db.ExecContext(ctx, query, deliveryID, delay.Milliseconds())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *PostgresChangeQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", postgresQuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresChangeQueue) Capacity() int {
	return q.capacity
}

func (q *PostgresChangeQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func postgresQueueLockKey(tableName string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	return int64(hasher.Sum64())
}
