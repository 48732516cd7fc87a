package netutil

import (
	"context"
	"errors"
	"net"
	"time"
)

// RetryDownloader decorates a Downloader with a single bounded retry for
// transient failures (timeouts and 5xx responses). Non-transient failures
// return immediately.
type RetryDownloader struct {
	Inner   Downloader
	Backoff time.Duration
	// Sleep is overridable in tests; nil means time.Sleep.
	Sleep func(time.Duration)
}

// Download attempts once, then retries once after Backoff when the first
// failure looks transient.
func (r *RetryDownloader) Download(ctx context.Context, url string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	body, err := r.Inner.Download(ctx, url)
	if err == nil {
		return body, nil
	}
	if !Transient(err) || ctx.Err() != nil {
		return nil, err
	}

	if r.Backoff > 0 {
		sleep := r.Sleep
		if sleep == nil {
			sleep = time.Sleep
		}
		sleep(r.Backoff)
	}
	if ctx.Err() != nil {
		return nil, err
	}
	return r.Inner.Download(ctx, url)
}

// Transient reports whether a download failure is worth one more try:
// a timeout or a 5xx response. Caller cancellation is never transient.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500 && statusErr.StatusCode < 600
	}

	var nonRetryable *NonRetryableError
	if errors.As(err, &nonRetryable) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
