package contentsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backfillRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

func pageResponse(nodes []map[string]any, cursor string, hasNext bool) map[string]any {
	return map[string]any{
		"data": map[string]any{
			"documents": map[string]any{
				"pageInfo": map[string]any{
					"endCursor":   cursor,
					"hasNextPage": hasNext,
				},
				"nodes": nodes,
			},
		},
	}
}

func TestBackfillWalksAllPages(t *testing.T) {
	var sawAuth atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer backfill-token" {
			sawAuth.Store(true)
		}
		var req backfillRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.EqualValues(t, 2, req.Variables["first"])

		var resp map[string]any
		switch req.Variables["after"] {
		case nil:
			resp = pageResponse([]map[string]any{
				{"id": "d1", "title": "One", "updatedAt": "2025-01-01T00:00:00Z"},
				{"id": "d2", "title": "Two", "updatedAt": "2025-01-02T00:00:00Z"},
			}, "cur-1", true)
		case "cur-1":
			resp = pageResponse([]map[string]any{
				{"id": "d3", "title": "Three", "updatedAt": "2025-01-03T00:00:00Z"},
			}, "", false)
		default:
			t.Errorf("unexpected cursor %v", req.Variables["after"])
			resp = pageResponse(nil, "", false)
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	queue := NewMemoryChangeQueue(16)
	defer queue.Close()
	client, err := NewBackfillClient(queue, NewAdapterRegistry(), BackfillOptions{
		Endpoint: server.URL,
		Token:    "backfill-token",
		Source:   "sanity-export",
		PageSize: 2,
	})
	require.NoError(t, err)

	enqueued, err := client.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, enqueued)
	assert.Equal(t, 3, queue.Depth())
	assert.True(t, sawAuth.Load(), "bearer token was not sent")

	ctx := context.Background()
	delivery, ok := queue.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "sanity-export:d1", delivery.Message.RecordID())
	assert.Equal(t, "One", delivery.Message.Title)
}

func TestBackfillSkipsUnusableDocuments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := pageResponse([]map[string]any{
			{"title": "no id at all"},
			{"id": "ok-1", "title": "Fine", "updatedAt": "2025-01-01T00:00:00Z"},
		}, "", false)
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	queue := NewMemoryChangeQueue(16)
	defer queue.Close()
	client, err := NewBackfillClient(queue, NewAdapterRegistry(), BackfillOptions{
		Endpoint: server.URL,
		Source:   "sanity-export",
	})
	require.NoError(t, err)

	enqueued, err := client.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, enqueued)
}

func TestBackfillRetriesTransientStatuses(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		resp := pageResponse([]map[string]any{
			{"id": "d1", "title": "One", "updatedAt": "2025-01-01T00:00:00Z"},
		}, "", false)
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	queue := NewMemoryChangeQueue(16)
	defer queue.Close()
	client, err := NewBackfillClient(queue, NewAdapterRegistry(), BackfillOptions{
		Endpoint:  server.URL,
		Source:    "sanity-export",
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
	require.NoError(t, err)

	enqueued, err := client.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, enqueued)
	assert.EqualValues(t, 2, calls.Load())
}

func TestBackfillGivesUpAfterRetryBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	queue := NewMemoryChangeQueue(16)
	defer queue.Close()
	client, err := NewBackfillClient(queue, NewAdapterRegistry(), BackfillOptions{
		Endpoint:   server.URL,
		Source:     "sanity-export",
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = client.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=500")
}

func TestBackfillSurfacesQueryErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"errors": []map[string]any{{"message": "unknown field documents"}},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	queue := NewMemoryChangeQueue(16)
	defer queue.Close()
	client, err := NewBackfillClient(queue, NewAdapterRegistry(), BackfillOptions{
		Endpoint: server.URL,
		Source:   "sanity-export",
	})
	require.NoError(t, err)

	_, err = client.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field documents")
}

func TestBackfillRejectsMissingEndpoint(t *testing.T) {
	queue := NewMemoryChangeQueue(16)
	defer queue.Close()
	_, err := NewBackfillClient(queue, NewAdapterRegistry(), BackfillOptions{Source: "sanity-export"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = NewBackfillClient(queue, NewAdapterRegistry(), BackfillOptions{Endpoint: "http://example.invalid"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
