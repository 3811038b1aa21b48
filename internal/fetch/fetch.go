// Package fetch retrieves remote artifacts to local files with a bounded
// number of attempts.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/logging"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/metrics"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/util"
)

// TransientFetchError is returned once every attempt to retrieve URL has
// failed. Err is the failure of the last attempt.
type TransientFetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetch %s: all %d attempts failed: %v", e.URL, e.Attempts, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// Config configures a Fetcher.
type Config struct {
	MaxRetries int           // total attempts, values below 1 mean 1
	RetryDelay time.Duration // fixed wait between attempts
}

// Fetcher downloads URLs to local paths.
type Fetcher struct {
	client     *http.Client
	maxRetries int
	delay      time.Duration
}

// New creates a Fetcher. A nil client selects http.DefaultClient.
func New(cfg Config, client *http.Client) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	retries := cfg.MaxRetries
	if retries < 1 {
		retries = 1
	}
	return &Fetcher{
		client:     client,
		maxRetries: retries,
		delay:      cfg.RetryDelay,
	}
}

// Fetch retrieves url into dest and returns dest. Bytes land in a temporary
// sibling first, so dest is either absent or complete.
func (f *Fetcher) Fetch(ctx context.Context, url, dest string) (string, error) {
	log := logging.FromContext(ctx, "fetch")
	start := time.Now()
	m := metrics.Get()

	var lastErr error
	for attempt := 1; attempt <= f.maxRetries; attempt++ {
		n, err := f.fetchOnce(ctx, url, dest)
		if err == nil {
			if m != nil {
				m.IncFetchAttempts("success")
				m.ObserveFetchBytes(float64(n))
				m.ObserveFetchDuration(time.Since(start).Seconds())
			}
			log.Debug("fetched", "url", url, "destination", dest, "bytes", n, "attempt", attempt)
			return dest, nil
		}

		lastErr = err
		if m != nil {
			m.IncFetchAttempts("failure")
		}

		if attempt < f.maxRetries {
			log.Warn("fetch attempt failed",
				"url", url,
				"attempt", attempt,
				"max_attempts", f.maxRetries,
				"error", err,
				"retry_in", f.delay,
			)
			if m != nil {
				m.IncRetryAttempts("fetch")
			}
			select {
			case <-ctx.Done():
				return "", &TransientFetchError{URL: url, Attempts: attempt, Err: ctx.Err()}
			case <-time.After(f.delay):
			}
		}
	}

	return "", &TransientFetchError{URL: url, Attempts: f.maxRetries, Err: lastErr}
}

func (f *Fetcher) fetchOnce(ctx context.Context, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	if err := util.EnsureDir(filepath.Dir(dest)); err != nil {
		return 0, fmt.Errorf("create directory for %s: %w", dest, err)
	}

	tempPath := dest + ".part-" + uuid.New().String()
	out, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}

	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("write %s: %w", dest, err)
	}

	if err := os.Rename(tempPath, dest); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("rename %s to %s: %w", tempPath, dest, err)
	}

	return n, nil
}
