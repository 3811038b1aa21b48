package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/logging"
	"github.com/withObsrvr/obsrvr-espa-fetcher/internal/metrics"
)

// HTTPEmitter posts events to a webhook, keeping a local file copy of each.
type HTTPEmitter struct {
	endpoint string
	retries  int
	delay    time.Duration
	client   *http.Client
	chain    *chain
	backup   *FileBackup
}

// NewHTTPEmitter creates a new HTTP emitter.
func NewHTTPEmitter(cfg Config) (*HTTPEmitter, error) {
	backup, err := NewFileBackup(cfg.BackupDir)
	if err != nil {
		return nil, fmt.Errorf("create file backup: %w", err)
	}

	retries := cfg.Retries
	if retries < 1 {
		retries = 3
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	return &HTTPEmitter{
		endpoint: cfg.Endpoint,
		retries:  retries,
		delay:    delay,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		chain:  newChain(),
		backup: backup,
	}, nil
}

// Emit backs evt up to a file and posts it to the endpoint.
func (e *HTTPEmitter) Emit(ctx context.Context, evt Event) error {
	log := logging.Component("events")
	e.chain.seal(&evt)

	// Backup first; the webhook is the primary path
	if err := e.backup.Save(&evt); err != nil {
		log.Warn("backup failed", "error", err)
	}

	if err := e.postWithRetry(ctx, &evt); err != nil {
		if m := metrics.Get(); m != nil {
			m.IncEventErrors("http")
		}
		return fmt.Errorf("emit %s for %s: %w", evt.Type, evt.OrderID, err)
	}

	log.Debug("emitted event", "type", evt.Type, "order_id", evt.OrderID, "event_hash", evt.Hash)
	return nil
}

// postWithRetry sends the event to the endpoint with retries.
func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *Event) error {
	var lastErr error
	delay := e.delay

	for attempt := 1; attempt <= e.retries; attempt++ {
		err := e.post(ctx, evt)
		if err == nil {
			return nil
		}

		lastErr = err
		if attempt < e.retries {
			logging.Component("events").Warn("post failed",
				"attempt", attempt,
				"max_attempts", e.retries,
				"error", err,
				"retry_in", delay,
			)
			if m := metrics.Get(); m != nil {
				m.IncRetryAttempts("event_post")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", e.retries, lastErr)
}

// post sends a single POST request to the endpoint.
func (e *HTTPEmitter) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
}

// Close releases resources.
func (e *HTTPEmitter) Close() error {
	return nil
}
