package dispatch

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/batchline-systems/batchline/internal/models"
)

// Sender posts one delivery to its endpoint. The returned status is the HTTP
// status code, or zero when no response arrived.
type Sender interface {
	Send(ctx context.Context, delivery *models.WebhookDelivery, secret string, attempt int) (int, error)
}

// HTTPSender signs and posts stored delivery payloads.
type HTTPSender struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPSender creates a sender with the given per-attempt timeout.
func NewHTTPSender(timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSender{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Send posts the payload exactly as it was rendered at fan-out time.
// Per-attempt metadata travels in headers, never in the signed body. Any
// non-2xx response is a failure.
func (s *HTTPSender) Send(ctx context.Context, delivery *models.WebhookDelivery, secret string, attempt int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.TargetURL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Batchline-Dispatcher/1.0")
	req.Header.Set("X-Batchline-Delivery", delivery.ID)
	req.Header.Set("X-Batchline-Event", delivery.EventID)
	req.Header.Set("X-Batchline-Kind", delivery.Kind)
	req.Header.Set("X-Batchline-Attempt", strconv.Itoa(attempt))
	if secret != "" {
		req.Header.Set("X-Batchline-Signature", Signature(secret, delivery.Payload))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// Signature returns the hex HMAC-SHA256 of the body under the subscription
// secret. Receivers recompute it and compare with hmac.Equal.
func Signature(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
