package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/snappy-loop/backdrop/internal/models"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoff     = time.Second

	SignatureHeader = "X-Backdrop-Signature"
	TimestampHeader = "X-Backdrop-Timestamp"
)

// Notifier posts stored generations to a single webhook URL.
type Notifier struct {
	url         string
	secret      string
	httpClient  *http.Client
	maxAttempts int
	backoff     time.Duration
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithHTTPClient replaces the default 30s-timeout client.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.httpClient = c }
}

// WithRetry sets the attempt count and the base delay, which doubles per retry.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(n *Notifier) {
		if maxAttempts > 0 {
			n.maxAttempts = maxAttempts
		}
		n.backoff = backoff
	}
}

// NewNotifier creates a Notifier for url. An empty secret sends unsigned requests.
func NewNotifier(url, secret string, opts ...Option) *Notifier {
	n := &Notifier{
		url:    url,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultBackoff,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Payload is the JSON body of a generation webhook.
type Payload struct {
	Event        string     `json:"event"`
	GenerationID uuid.UUID  `json:"generation_id"`
	SessionID    uuid.UUID  `json:"session_id"`
	Title        string     `json:"title"`
	Status       string     `json:"status"`
	ImageURL     string     `json:"image_url,omitempty"`
	DevMode      bool       `json:"dev_mode"`
	CreatedAt    time.Time  `json:"created_at"`
	Error        *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo describes a failed generation.
type ErrorInfo struct {
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

// NewPayload builds the webhook body for g.
func NewPayload(g *models.Generation) Payload {
	p := Payload{
		Event:        models.GenerationEventRecorded,
		GenerationID: g.ID,
		SessionID:    g.SessionID,
		Title:        g.Title,
		Status:       g.Status,
		ImageURL:     g.ImageURL,
		DevMode:      g.DevMode,
		CreatedAt:    g.CreatedAt,
	}
	if g.ErrorMessage != nil {
		p.Error = &ErrorInfo{Message: *g.ErrorMessage}
		if g.ErrorStage != nil {
			p.Error.Stage = *g.ErrorStage
		}
	}
	return p
}

// DeliveryError wraps a non-2xx webhook response.
type DeliveryError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// IsRetryable reports whether the receiver may accept a later attempt.
func (e *DeliveryError) IsRetryable() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return e.StatusCode < 400 || e.StatusCode >= 500
}

// NotifyGeneration delivers g, retrying network errors, 5xx and 429 with
// exponential backoff. It gives up early when ctx ends.
func (n *Notifier) NotifyGeneration(ctx context.Context, g *models.Generation) error {
	body, err := json.Marshal(NewPayload(g))
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < n.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := n.backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = n.send(ctx, body)
		if lastErr == nil {
			log.Debug().
				Str("generation_id", g.ID.String()).
				Int("attempt", attempt+1).
				Msg("Webhook delivered")
			return nil
		}

		var deliveryErr *DeliveryError
		if errors.As(lastErr, &deliveryErr) && !deliveryErr.IsRetryable() {
			return lastErr
		}
		log.Warn().
			Err(lastErr).
			Str("generation_id", g.ID.String()).
			Int("attempt", attempt+1).
			Msg("Webhook delivery failed")
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", n.maxAttempts, lastErr)
}

func (n *Notifier) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Backdrop-Webhook/1.0")
	req.Header.Set(TimestampHeader, fmt.Sprintf("%d", time.Now().Unix()))
	if n.secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, n.secret))
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("webhook returned status %d", resp.StatusCode),
			Body:       string(respBody),
		}
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
