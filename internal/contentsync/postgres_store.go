package contentsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresContentTableName = "canonical_content"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps the canonical table in Postgres. The staleness check
// and the write are one conditional upsert, so concurrent messages for the
// same id cannot both pass the check. Reads route to a replica connection
// when one is configured; preview reads always use the primary.
type PostgresStore struct {
	primaryDSN string
	replicaDSN string
	tableName  string
	openDB     sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
	replica  *sql.DB
}

func NewPostgresStore(primaryDSN, replicaDSN string) (*PostgresStore, error) {
	primaryDSN = strings.TrimSpace(primaryDSN)
	if primaryDSN == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		primaryDSN: primaryDSN,
		replicaDSN: strings.TrimSpace(replicaDSN),
		tableName:  postgresContentTableName,
		openDB:     sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.primaryDSN)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				content_type TEXT NOT NULL,
				slug TEXT NOT NULL,
				title TEXT NOT NULL,
				body_structured TEXT NOT NULL DEFAULT '',
				body_rendered TEXT NOT NULL DEFAULT '',
				summary TEXT,
				updated_at TIMESTAMPTZ NOT NULL,
				published_at TEXT,
				version BIGINT NOT NULL DEFAULT 1,
				deleted_at TIMESTAMPTZ
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		indexName := s.tableName + "_slug_type_idx"
		indexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (slug, content_type)",
			postgresQuoteIdentifier(indexName),
			postgresQuoteIdentifier(s.tableName),
		)
		if _, err := db.ExecContext(ctx, indexQuery); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db

		if s.replicaDSN != "" {
			replica, err := s.openDB("postgres", s.replicaDSN)
			if err != nil {
				s.initErr = err
				return
			}
			s.replica = replica
		}
	})
	return s.initErr
}

func (s *PostgresStore) Apply(msg ChangeMessage) (ApplyOutcome, error) {
	id := msg.RecordID()
	if id == "" {
		return "", fmt.Errorf("%w: change message has no source identity", ErrInvalidInput)
	}
	incoming, err := parseChangeTime(msg.UpdatedAt)
	if err != nil {
		return "", fmt.Errorf("%w: bad updatedAt %q", ErrInvalidInput, msg.UpdatedAt)
	}
	if err := s.ensureReady(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	if msg.Deleted {
		query := fmt.Sprintf(`
			UPDATE %s
			SET updated_at = $2, deleted_at = NOW(), version = version + 1
			WHERE id = $1 AND updated_at < $2`, postgresQuoteIdentifier(s.tableName))
		result, err := s.db.ExecContext(ctx, query, id, incoming)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if affected == 0 {
			return OutcomeDiscarded, nil
		}
		return OutcomeApplied, nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, content_type, slug, title, body_structured, body_rendered, summary, updated_at, published_at, version, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, NULL)
		ON CONFLICT (id) DO UPDATE SET
			content_type = EXCLUDED.content_type,
			slug = EXCLUDED.slug,
			title = EXCLUDED.title,
			body_structured = EXCLUDED.body_structured,
			body_rendered = EXCLUDED.body_rendered,
			summary = EXCLUDED.summary,
			updated_at = EXCLUDED.updated_at,
			published_at = EXCLUDED.published_at,
			version = %s.version + 1,
			deleted_at = NULL
		WHERE %s.updated_at < EXCLUDED.updated_at`,
		postgresQuoteIdentifier(s.tableName),
		postgresQuoteIdentifier(s.tableName),
		postgresQuoteIdentifier(s.tableName))
	result, err := s.db.ExecContext(ctx, query,
		id, msg.Type, msg.Slug, msg.Title, msg.BodyStructured, msg.BodyRendered,
		nullableString(msg.Summary), incoming, nullableString(msg.PublishedAt))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if affected == 0 {
		return OutcomeDiscarded, nil
	}
	return OutcomeApplied, nil
}

func (s *PostgresStore) GetByID(id string, mode ReadMode) (ContentRecord, error) {
	if err := s.ensureReady(); err != nil {
		return ContentRecord{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, content_type, slug, title, body_structured, body_rendered, summary, updated_at, published_at, version
		FROM %s
		WHERE id = $1 AND deleted_at IS NULL`, postgresQuoteIdentifier(s.tableName))
	return s.scanRecord(s.reader(mode).QueryRowContext(ctx, query, id))
}

func (s *PostgresStore) GetBySlug(contentType, slug string, mode ReadMode) (ContentRecord, error) {
	if err := s.ensureReady(); err != nil {
		return ContentRecord{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, content_type, slug, title, body_structured, body_rendered, summary, updated_at, published_at, version
		FROM %s
		WHERE slug = $1 AND content_type = $2 AND deleted_at IS NULL
		ORDER BY updated_at DESC
		LIMIT 1`, postgresQuoteIdentifier(s.tableName))
	return s.scanRecord(s.reader(mode).QueryRowContext(ctx, query, slug, contentType))
}

func (s *PostgresStore) Close() error {
	if s == nil {
		return nil
	}
	var firstErr error
	if s.db != nil {
		firstErr = s.db.Close()
	}
	if s.replica != nil {
		if err := s.replica.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *PostgresStore) reader(mode ReadMode) *sql.DB {
	if mode == ReadReplica && s.replica != nil {
		return s.replica
	}
	return s.db
}

func (s *PostgresStore) scanRecord(row *sql.Row) (ContentRecord, error) {
	var record ContentRecord
	var summary, publishedAt sql.NullString
	var updatedAt time.Time
	err := row.Scan(&record.ID, &record.Type, &record.Slug, &record.Title,
		&record.BodyStructured, &record.BodyRendered, &summary, &updatedAt,
		&publishedAt, &record.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return ContentRecord{}, ErrNotFound
	}
	if err != nil {
		return ContentRecord{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	record.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
	if summary.Valid {
		record.Summary = &summary.String
	}
	if publishedAt.Valid {
		record.PublishedAt = &publishedAt.String
	}
	return record, nil
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
