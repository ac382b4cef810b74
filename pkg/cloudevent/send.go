package cloudevent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sender posts events over the structured JSON HTTP binding.
type Sender struct {
	client *http.Client
}

// NewSender returns a Sender with connection pooling suited to repeated
// posts against a small set of destinations.
func NewSender(timeout time.Duration) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				// Per-host pool sized for a full set of dispatcher
				// workers hammering one webhook endpoint.
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// SendOptions controls signing. A pre-computed Signature wins over a
// SigningKey; with neither set the event goes out unsigned.
type SendOptions struct {
	SigningKey string
	Signature  string
}

// Send posts the event to url. A non-2xx response comes back as an
// *HTTPError so callers can tell client rejections from server faults.
func (s *Sender) Send(ctx context.Context, url string, event *CloudEvent, opts SendOptions) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	h := req.Header
	h.Set("Content-Type", "application/cloudevents+json")
	h.Set("Ce-Specversion", event.SpecVersion)
	h.Set("Ce-Type", event.Type)
	h.Set("Ce-Source", event.Source)
	h.Set("Ce-Subject", event.Subject)
	h.Set("Ce-Id", event.ID)
	h.Set("Ce-Time", event.Time.Format(time.RFC3339))

	switch {
	case opts.Signature != "":
		h.Set("X-Signature-256", opts.Signature)
	case opts.SigningKey != "":
		h.Set("X-Signature-256", hmacDigest(body, opts.SigningKey))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	// Drain a little so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode}
	}
	return nil
}

// HTTPError is a non-2xx delivery response.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("delivery returned HTTP %d", e.StatusCode)
}

// IsClientError reports whether err is a 4xx delivery response. Those are
// the destination rejecting the event, so retrying is pointless.
func IsClientError(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode/100 == 4
	}
	return false
}
