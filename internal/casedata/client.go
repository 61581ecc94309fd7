// Package casedata speaks the CommCare case list API and folds paged case
// records into the property-name sets the schema reconciler consumes.
package casedata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL   = "https://www.commcarehq.org"
	defaultPageSize  = 5000
	defaultRetries   = 3
	defaultBaseDelay = 5 * time.Second
)

// Logger is the minimal logging surface this package needs.
type Logger interface {
	Printf(format string, args ...any)
}

// Window is a half-open time range [Since, Until) bounding which records are
// scanned. Zero values mean unbounded on that side.
type Window struct {
	Since time.Time
	Until time.Time
}

// IsZero reports whether the window is unbounded on both sides.
func (w Window) IsZero() bool { return w.Since.IsZero() && w.Until.IsZero() }

// SinceParam returns the lower bound formatted for the API, or "".
func (w Window) SinceParam() string {
	if w.Since.IsZero() {
		return ""
	}
	return w.Since.Format("2006-01-02")
}

// UntilParam returns the exclusive upper bound formatted for the API, or "".
func (w Window) UntilParam() string {
	if w.Until.IsZero() {
		return ""
	}
	return w.Until.Format("2006-01-02")
}

// TransientError means the case feed kept failing with retryable conditions
// (5xx, 429, transport errors) until the attempt bound ran out. It is fatal
// for the run; no partial schema state is persisted behind it.
type TransientError struct {
	Attempts int
	Last     error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("casedata: source unavailable after %d attempts: %v", e.Attempts, e.Last)
}

func (e *TransientError) Unwrap() error { return e.Last }

// Client fetches case records for one project. The zero value is not usable;
// Project, Username and APIKey are required.
type Client struct {
	BaseURL  string
	Project  string
	Username string
	APIKey   string

	// HTTPClient defaults to a client with a 60s timeout.
	HTTPClient *http.Client
	// PageSize is the page length requested from the API. Default 5000.
	PageSize int
	// MaxRetries bounds retry attempts after the first try. Default 3;
	// negative disables retries entirely.
	MaxRetries int
	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	// Default 5s.
	RetryBaseDelay time.Duration
	Logger         Logger

	// sleep is swapped out by tests to observe the backoff sequence.
	sleep func(time.Duration)
}

func (c *Client) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

func (c *Client) pageSize() int {
	if c.PageSize > 0 {
		return c.PageSize
	}
	return defaultPageSize
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func (c *Client) listURL(caseType string, win Window, offset int) string {
	base := c.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	q := url.Values{}
	q.Set("format", "json")
	q.Set("limit", strconv.Itoa(c.pageSize()))
	q.Set("offset", strconv.Itoa(offset))
	if caseType != "" {
		q.Set("type", caseType)
	}
	if s := win.SinceParam(); s != "" {
		q.Set("server_date_modified_start", s)
	}
	if u := win.UntilParam(); u != "" {
		q.Set("server_date_modified_end", u)
	}
	return fmt.Sprintf("%s/a/%s/api/v0.5/case/?%s", strings.TrimRight(base, "/"), c.Project, q.Encode())
}

// fetchPage retrieves and streams one page, invoking onRecord per case
// record, and returns the record count. Retryable failures back off
// exponentially up to MaxRetries; exhaustion surfaces a *TransientError.
func (c *Client) fetchPage(ctx context.Context, caseType string, win Window, offset int, onRecord recordFunc) (int, error) {
	urlStr := c.listURL(caseType, win, offset)

	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultRetries
	}
	delay := c.RetryBaseDelay
	if delay <= 0 {
		delay = defaultBaseDelay
	}
	doSleep := c.sleep
	if doSleep == nil {
		doSleep = time.Sleep
	}

	var last error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		n, retryable, err := c.fetchPageOnce(ctx, urlStr, onRecord)
		if err == nil {
			return n, nil
		}
		if !retryable {
			return 0, err
		}
		last = err

		if attempt >= maxRetries {
			return 0, &TransientError{Attempts: attempt + 1, Last: last}
		}
		c.logf("stage=discovery case_type=%s offset=%d retry=%d delay=%s cause=%v",
			caseType, offset, attempt+1, delay, err)
		doSleep(delay)
		delay *= 2
	}
}

func (c *Client) fetchPageOnce(ctx context.Context, urlStr string, onRecord recordFunc) (n int, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return 0, false, fmt.Errorf("casedata: build request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("ApiKey %s:%s", c.Username, c.APIKey))

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return 0, true, fmt.Errorf("casedata: list cases: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		drainBody(resp.Body)
		return 0, true, fmt.Errorf("casedata: list cases: status=%d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := readSnippet(resp.Body)
		return 0, false, fmt.Errorf("casedata: list cases: status=%d body=%q", resp.StatusCode, snippet)
	}

	n, err = parseCaseList(resp.Body, onRecord)
	if err != nil {
		// A truncated body mid-stream is as retryable as a failed dial.
		return 0, true, err
	}
	return n, false, nil
}

func drainBody(r io.Reader) {
	io.Copy(io.Discard, io.LimitReader(r, 1<<20))
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(b)
}
