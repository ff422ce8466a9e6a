package contentsync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteMigrationSQL = `
CREATE TABLE IF NOT EXISTS canonical_content (
	id TEXT PRIMARY KEY,
	content_type TEXT NOT NULL,
	slug TEXT NOT NULL,
	title TEXT NOT NULL,
	body_structured TEXT NOT NULL DEFAULT '',
	body_rendered TEXT NOT NULL DEFAULT '',
	summary TEXT,
	updated_at TEXT NOT NULL,
	updated_at_ns INTEGER NOT NULL,
	published_at TEXT,
	version INTEGER NOT NULL DEFAULT 1,
	deleted_at TEXT
);
CREATE INDEX IF NOT EXISTS canonical_content_slug_type_idx ON canonical_content (slug, content_type);
`

// SQLiteStore backs the canonical table with a local SQLite file for
// single-node deployments. There is no replica; replica-mode reads fall back
// to the primary connection. Timestamp comparisons use the integer
// nanosecond column, not the text form.
type SQLiteStore struct {
	path   string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteStore{path: path, openDB: sql.Open}, nil
}

func (s *SQLiteStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("sqlite3", s.path)
		if err != nil {
			s.initErr = err
			return
		}
		db.SetMaxOpenConns(1)
		for _, stmt := range strings.Split(sqliteMigrationSQL, ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := db.Exec(stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLiteStore) Apply(msg ChangeMessage) (ApplyOutcome, error) {
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
		result, err := s.db.ExecContext(ctx, `
			UPDATE canonical_content
			SET updated_at = ?, updated_at_ns = ?, deleted_at = ?, version = version + 1
			WHERE id = ? AND updated_at_ns < ?`,
			msg.UpdatedAt, incoming.UnixNano(), time.Now().UTC().Format(time.RFC3339Nano),
			id, incoming.UnixNano())
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

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO canonical_content (id, content_type, slug, title, body_structured, body_rendered, summary, updated_at, updated_at_ns, published_at, version, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, NULL)
		ON CONFLICT(id) DO UPDATE SET
			content_type = excluded.content_type,
			slug = excluded.slug,
			title = excluded.title,
			body_structured = excluded.body_structured,
			body_rendered = excluded.body_rendered,
			summary = excluded.summary,
			updated_at = excluded.updated_at,
			updated_at_ns = excluded.updated_at_ns,
			published_at = excluded.published_at,
			version = canonical_content.version + 1,
			deleted_at = NULL
		WHERE canonical_content.updated_at_ns < excluded.updated_at_ns`,
		id, msg.Type, msg.Slug, msg.Title, msg.BodyStructured, msg.BodyRendered,
		nullableString(msg.Summary), msg.UpdatedAt, incoming.UnixNano(),
		nullableString(msg.PublishedAt))
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

func (s *SQLiteStore) GetByID(id string, mode ReadMode) (ContentRecord, error) {
	if err := s.ensureReady(); err != nil {
		return ContentRecord{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, content_type, slug, title, body_structured, body_rendered, summary, updated_at, published_at, version
		FROM canonical_content
		WHERE id = ? AND deleted_at IS NULL`, id)
	return scanSQLiteRecord(row)
}

func (s *SQLiteStore) GetBySlug(contentType, slug string, mode ReadMode) (ContentRecord, error) {
	if err := s.ensureReady(); err != nil {
		return ContentRecord{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, content_type, slug, title, body_structured, body_rendered, summary, updated_at, published_at, version
		FROM canonical_content
		WHERE slug = ? AND content_type = ? AND deleted_at IS NULL
		ORDER BY updated_at_ns DESC
		LIMIT 1`, slug, contentType)
	return scanSQLiteRecord(row)
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanSQLiteRecord(row *sql.Row) (ContentRecord, error) {
	var record ContentRecord
	var summary, publishedAt sql.NullString
	err := row.Scan(&record.ID, &record.Type, &record.Slug, &record.Title,
		&record.BodyStructured, &record.BodyRendered, &summary, &record.UpdatedAt,
		&publishedAt, &record.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return ContentRecord{}, ErrNotFound
	}
	if err != nil {
		return ContentRecord{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if summary.Valid {
		record.Summary = &summary.String
	}
	if publishedAt.Valid {
		record.PublishedAt = &publishedAt.String
	}
	return record, nil
}
