package contentsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const backfillQuery = `query Backfill($after: String, $first: Int!) {
  documents(after: $after, first: $first) {
    pageInfo { endCursor hasNextPage }
    nodes
  }
}`

type BackfillOptions struct {
	Endpoint   string
	Token      string
	Source     string
	PageSize   int
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// BackfillClient walks the paginated GraphQL backfill source and feeds
// every document through the normalizer into the same change queue the
// webhook path uses. Pagination policy lives upstream; this client only
// follows cursors.
type BackfillClient struct {
	endpoint   string
	token      string
	source     string
	pageSize   int
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	queue    ChangeQueue
	registry *AdapterRegistry
}

func NewBackfillClient(queue ChangeQueue, registry *AdapterRegistry, opts BackfillOptions) (*BackfillClient, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" || queue == nil {
		return nil, ErrInvalidInput
	}
	source := normalizeSource(opts.Source)
	if source == "" {
		return nil, ErrInvalidInput
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &BackfillClient{
		endpoint:   endpoint,
		token:      strings.TrimSpace(opts.Token),
		source:     source,
		pageSize:   pageSize,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		queue:      queue,
		registry:   registry,
	}, nil
}

type backfillPage struct {
	Data struct {
		Documents struct {
			PageInfo struct {
				EndCursor   string `json:"endCursor"`
				HasNextPage bool   `json:"hasNextPage"`
			} `json:"pageInfo"`
			Nodes []map[string]any `json:"nodes"`
		} `json:"documents"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Run walks all pages and returns the number of messages enqueued.
func (c *BackfillClient) Run(ctx context.Context) (int, error) {
	enqueued := 0
	cursor := ""
	for {
		page, err := c.fetchPage(ctx, cursor)
		if err != nil {
			return enqueued, err
		}
		for _, node := range page.Data.Documents.Nodes {
			msg, err := c.registry.Normalize(c.source, node)
			if err != nil {
				log.Printf("backfill: skipping unusable document: %v", err)
				continue
			}
			if err := ValidateMessage(msg); err != nil {
				log.Printf("backfill: skipping invalid document %s: %v", msg.RecordID(), err)
				continue
			}
			if _, err := c.queue.Enqueue(ctx, msg); err != nil {
				return enqueued, fmt.Errorf("enqueue %s: %w", msg.RecordID(), err)
			}
			enqueued++
		}
		if !page.Data.Documents.PageInfo.HasNextPage {
			return enqueued, nil
		}
		cursor = page.Data.Documents.PageInfo.EndCursor
		if cursor == "" {
			return enqueued, fmt.Errorf("backfill source reported more pages without a cursor")
		}
	}
}

func (c *BackfillClient) fetchPage(ctx context.Context, cursor string) (backfillPage, error) {
	variables := map[string]any{"first": c.pageSize}
	if cursor != "" {
		variables["after"] = cursor
	}
	bodyBytes, err := json.Marshal(map[string]any{
		"query":     backfillQuery,
		"variables": variables,
	})
	if err != nil {
		return backfillPage{}, err
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes))
		if err != nil {
			return backfillPage{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return backfillPage{}, waitErr
				}
				continue
			}
			return backfillPage{}, err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return backfillPage{}, readErr
		}
		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return backfillPage{}, waitErr
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return backfillPage{}, fmt.Errorf("backfill fetch failed: status=%d body=%s",
				resp.StatusCode, strings.TrimSpace(string(respBody)))
		}

		var page backfillPage
		if err := json.Unmarshal(respBody, &page); err != nil {
			return backfillPage{}, err
		}
		if len(page.Errors) > 0 {
			return backfillPage{}, fmt.Errorf("backfill query failed: %s", page.Errors[0].Message)
		}
		return page, nil
	}
}

func (c *BackfillClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
