package netutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Downloader fetches remote resources. Interface allows for proxy-aware
// implementations in later phases.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// DirectDownloader downloads via a standard HTTP client (no proxy). Timeout
// and UserAgent are pulled fresh on every call so callers can back them with
// a hot-reloadable RuntimeConfig field without reconstructing the downloader.
type DirectDownloader struct {
	Client    *http.Client
	Timeout   func() time.Duration
	UserAgent func() string
}

// NewDirectDownloader creates a downloader that re-reads its timeout and
// User-Agent from the given accessors on every Download call.
func NewDirectDownloader(timeout func() time.Duration, userAgent func() string) *DirectDownloader {
	return &DirectDownloader{
		Client:    &http.Client{},
		Timeout:   timeout,
		UserAgent: userAgent,
	}
}

// HTTPStatusError is returned when a download completes with any status
// other than 200 OK. It is not retried via an escaper leaf: a bad status means the
// origin answered, not that the network path is broken.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("downloader: status %d from %s", e.StatusCode, e.URL)
}

// NonRetryableError wraps an error that should never trigger an escaper-leaf
// retry (malformed URL, caller misconfiguration).
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return e.Err.Error() }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// Download fetches the URL and returns the response body.
func (d *DirectDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && d.Timeout != nil {
		if timeout := d.Timeout(); timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NonRetryableError{Err: fmt.Errorf("downloader: %w", err)}
	}
	if d.UserAgent != nil {
		if ua := d.UserAgent(); ua != "" {
			req.Header.Set("User-Agent", ua)
		}
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloader: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: url}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("downloader: %w", err)
	}
	return body, nil
}
