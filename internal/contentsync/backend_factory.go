package contentsync

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildStoreFromDSN selects a canonical store implementation by DSN scheme.
// An empty DSN means in-memory. replicaDSN is honored only by backends that
// support a replica connection.
func BuildStoreFromDSN(dsn, replicaDSN string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn, replicaDSN)
	case "", "file", "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

// BuildQueueFromDSN selects a change queue implementation by DSN scheme.
func BuildQueueFromDSN(dsn string, capacity int) (ChangeQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryChangeQueue(capacity), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryChangeQueue(capacity), nil
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileChangeQueue(path, capacity)
	case "postgres", "postgresql":
		return NewPostgresChangeQueue(dsn, capacity)
	default:
		return nil, fmt.Errorf("unsupported queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
