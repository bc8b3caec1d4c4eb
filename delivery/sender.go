package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// SendTimeout bounds one webhook POST.
const SendTimeout = 30 * time.Second

type (
	// Sender posts a signed payload to a webhook URL. Implementations
	// return the HTTP status code when a response was received; a zero code
	// with an error means the request never completed.
	Sender interface {
		Send(ctx context.Context, url, secret string, deliveryID uuid.UUID, payload map[string]any) (status int, err error)
	}

	// HTTPSender is the production Sender. A shared rate limiter paces
	// outbound posts so a burst of completions cannot stampede receivers.
	HTTPSender struct {
		client       *http.Client
		limiter      *rate.Limiter
		allowPrivate bool
	}

	// SenderOption configures HTTPSender.
	SenderOption func(*HTTPSender)
)

// WithAllowPrivateURLs disables the SSRF guard (development only).
func WithAllowPrivateURLs() SenderOption {
	return func(s *HTTPSender) { s.allowPrivate = true }
}

// WithRateLimit overrides the outbound pacing (events per second, burst).
func WithRateLimit(perSecond float64, burst int) SenderOption {
	return func(s *HTTPSender) { s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *HTTPSender) { s.client = c }
}

// NewHTTPSender builds the production sender: 30s timeout, 50 posts per
// second with a small burst.
func NewHTTPSender(opts ...SenderOption) *HTTPSender {
	s := &HTTPSender{
		client:  &http.Client{Timeout: SendTimeout},
		limiter: rate.NewLimiter(rate.Limit(50), 10),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send validates the URL, signs the payload, and posts it. Any status is
// returned to the caller; only transport failures yield an error with a zero
// status.
func (s *HTTPSender) Send(ctx context.Context, url, secret string, deliveryID uuid.UUID, payload map[string]any) (int, error) {
	if err := ValidateURL(url, s.allowPrivate); err != nil {
		return 0, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}

	timestamp := time.Now().Unix()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(secret, timestamp, body))
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", timestamp))
	req.Header.Set(HeaderWebhookID, deliveryID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}
