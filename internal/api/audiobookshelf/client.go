package audiobookshelf

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shelfbridge/shelfbridge/internal/logger"
	"github.com/shelfbridge/shelfbridge/internal/models"
	"github.com/shelfbridge/shelfbridge/internal/util"
)

const (
	apiPath = "/api"

	// EndpointKey is the logical rate-limit key for all ABS calls
	EndpointKey = "audiobookshelf.api"

	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	retryDelay     = 500 * time.Millisecond
)

// HTTPClient talks to one Audiobookshelf server with one token.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	log     *logger.Logger
	limiter *util.RateLimiter
	sem     *util.Semaphore
}

// NewClient creates an Audiobookshelf client. limiter and sem gate
// every outbound call.
func NewClient(baseURL, token string, limiter *util.RateLimiter, sem *util.Semaphore, log *logger.Logger) *HTTPClient {
	if log == nil {
		log = logger.Get()
	}
	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: defaultTimeout},
		log: log.With(map[string]interface{}{
			"component": "audiobookshelf_client",
		}),
		limiter: limiter,
		sem:     sem,
	}
}

// get performs one authenticated GET with rate limiting and bounded
// retries on transient failures.
func (c *HTTPClient) get(ctx context.Context, endpoint string, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(retryDelay * time.Duration(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if c.limiter != nil {
			if err := c.limiter.WaitIfNeeded(ctx, EndpointKey); err != nil {
				return fmt.Errorf("rate limiter wait: %w", err)
			}
		}
		if c.sem != nil {
			if err := c.sem.Acquire(ctx); err != nil {
				return err
			}
		}

		status, err := c.doGet(ctx, endpoint, out)
		if c.sem != nil {
			c.sem.Release()
		}

		switch {
		case err == nil:
			return nil
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return fmt.Errorf("audiobookshelf auth failed (%d): %w", status, err)
		case status == http.StatusTooManyRequests || status >= 500 || status == 0:
			lastErr = err
			c.log.Warn("Transient Audiobookshelf error, will retry", map[string]interface{}{
				"endpoint": endpoint,
				"status":   status,
				"attempt":  attempt + 1,
			})
		default:
			return err
		}
	}
	return fmt.Errorf("audiobookshelf request failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (c *HTTPClient) doGet(ctx context.Context, endpoint string, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiPath+endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ListLibraries fetches all libraries from Audiobookshelf.
func (c *HTTPClient) ListLibraries(ctx context.Context) ([]models.AudiobookshelfLibrary, error) {
	var result struct {
		Libraries []models.AudiobookshelfLibrary `json:"libraries"`
	}
	if err := c.get(ctx, "/libraries", &result); err != nil {
		return nil, fmt.Errorf("failed to fetch libraries: %w", err)
	}
	c.log.Debug("Fetched libraries", map[string]interface{}{
		"count": len(result.Libraries),
	})
	return result.Libraries, nil
}

// ListItems pages through the library until exhausted or max items are
// collected.
func (c *HTTPClient) ListItems(ctx context.Context, libraryID string, pageSize, max int) ([]models.AudiobookshelfBook, error) {
	if libraryID == "" {
		return nil, fmt.Errorf("library ID is required")
	}
	if pageSize < 1 {
		pageSize = 100
	}

	var items []models.AudiobookshelfBook
	for page := 0; ; page++ {
		endpoint := fmt.Sprintf(
			"/libraries/%s/items?include=progress&limit=%d&page=%d",
			libraryID, pageSize, page,
		)
		var result models.AudiobookshelfLibraryResponse
		if err := c.get(ctx, endpoint, &result); err != nil {
			return nil, fmt.Errorf("failed to fetch library items page %d: %w", page, err)
		}

		items = append(items, result.Results...)

		if max > 0 && len(items) >= max {
			items = items[:max]
			break
		}
		if len(result.Results) < pageSize || len(items) >= result.Total {
			break
		}
	}

	c.log.Debug("Fetched library items", map[string]interface{}{
		"library_id": libraryID,
		"count":      len(items),
	})
	return items, nil
}

// GetItem fetches one item with progress.
func (c *HTTPClient) GetItem(ctx context.Context, itemID string) (*models.AudiobookshelfBook, error) {
	if itemID == "" {
		return nil, fmt.Errorf("item ID is required")
	}
	var item models.AudiobookshelfBook
	if err := c.get(ctx, "/items/"+itemID+"?include=progress", &item); err != nil {
		return nil, fmt.Errorf("failed to fetch item %s: %w", itemID, err)
	}
	return &item, nil
}

// FilterLibraries applies include/exclude filters by library name or id.
// Include wins when both are set.
func FilterLibraries(libraries []models.AudiobookshelfLibrary, include, exclude []string) []models.AudiobookshelfLibrary {
	match := func(lib models.AudiobookshelfLibrary, names []string) bool {
		for _, n := range names {
			if strings.EqualFold(n, lib.Name) || n == lib.ID {
				return true
			}
		}
		return false
	}

	if len(include) > 0 {
		var out []models.AudiobookshelfLibrary
		for _, lib := range libraries {
			if match(lib, include) {
				out = append(out, lib)
			}
		}
		return out
	}
	if len(exclude) > 0 {
		var out []models.AudiobookshelfLibrary
		for _, lib := range libraries {
			if !match(lib, exclude) {
				out = append(out, lib)
			}
		}
		return out
	}
	return libraries
}
