package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/arifwicaksono2000/botapp-trader/logger"
)

// BroadcastPayload is the body POSTed to the dashboard bridge
type BroadcastPayload struct {
	Type string           `json:"type"`
	Data PositionSnapshot `json:"data"`
}

// HTTPBroadcaster POSTs snapshots to an external broadcast endpoint
type HTTPBroadcaster struct {
	url        string
	client     *http.Client
	maxRetries int
	retryDelay time.Duration
}

// NewHTTPBroadcaster returns nil when url is empty so NewFanout skips it
func NewHTTPBroadcaster(url string) Sink {
	if url == "" {
		return nil
	}
	return &HTTPBroadcaster{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxRetries: 2,
		retryDelay: 200 * time.Millisecond,
	}
}

func (b *HTTPBroadcaster) Name() string { return "http" }

// Deliver posts the snapshot, retrying on transport errors and non-2xx responses
func (b *HTTPBroadcaster) Deliver(ctx context.Context, snap PositionSnapshot) error {
	body, err := json.Marshal(BroadcastPayload{Type: EventPositionUpdate, Data: snap})
	if err != nil {
		return fmt.Errorf("marshal broadcast payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "botapp-trader/1.0")

		resp, err := b.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		lastErr = err
		logger.Debugf("🔹 Broadcast to %s failed (attempt %d/%d): %v", b.url, attempt, b.maxRetries, err)

		if attempt < b.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.retryDelay):
			}
		}
	}
	return lastErr
}
