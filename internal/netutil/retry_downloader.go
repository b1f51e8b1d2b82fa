package netutil

import (
	"context"
	"errors"
	"time"
)

// RetryDownloader decorates a Downloader with escaper-leaf retry logic: a
// failed direct fetch (GeoIP release, ICAP oracle probe) is retried through
// an alternate egress leaf before giving up. Used where RouteFailover's
// connection-level fallback doesn't apply because the caller issues a
// one-shot HTTP fetch rather than opening a persistent stream.
type RetryDownloader struct {
	Direct Downloader
	// ProxyAttemptTimeout caps each proxy retry attempt duration.
	// If <= 0, it falls back to DirectDownloader.Timeout when available,
	// otherwise 30s.
	ProxyAttemptTimeout time.Duration
	// LeafPicker selects the escaper leaf name to retry through for a given
	// target. Called once per retry attempt so callers can round-robin or
	// pick at random among configured fallback leaves.
	LeafPicker func(target string) (string, error)
	// LeafFetch performs the actual fetch through the named leaf.
	LeafFetch func(ctx context.Context, leaf string, url string) ([]byte, error)
}

// Download attempts direct download first, then falls back to proxy retries.
func (r *RetryDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := r.Direct.Download(ctx, url)
	if err == nil {
		return body, nil
	}

	if !shouldRetryViaProxy(err) {
		return nil, err
	}

	if r.LeafPicker == nil || r.LeafFetch == nil {
		return nil, err
	}

	// Respect caller cancellation/deadline: don't extend lifecycle beyond caller ctx.
	if ctx.Err() != nil {
		return nil, err
	}

	attemptTimeout := r.proxyAttemptTimeout()

	// Retry 2 times with leaves chosen by LeafPicker.
	for i := 0; i < 2; i++ {
		if ctx.Err() != nil {
			return nil, err
		}

		leaf, pickErr := r.LeafPicker(url)
		if pickErr != nil {
			continue
		}

		attemptCtx := ctx
		cancel := func() {}
		if attemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, attemptTimeout)
		}
		body, fetchErr := r.LeafFetch(attemptCtx, leaf, url)
		cancel()
		if fetchErr == nil {
			return body, nil
		}
	}

	return nil, err
}

func shouldRetryViaProxy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return false
	}

	var nonRetryable *NonRetryableError
	return !errors.As(err, &nonRetryable)
}

func (r *RetryDownloader) proxyAttemptTimeout() time.Duration {
	if r.ProxyAttemptTimeout > 0 {
		return r.ProxyAttemptTimeout
	}
	if direct, ok := r.Direct.(*DirectDownloader); ok && direct != nil && direct.Timeout != nil {
		if t := direct.Timeout(); t > 0 {
			return t
		}
	}
	return 30 * time.Second
}
