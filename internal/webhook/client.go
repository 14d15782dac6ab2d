// Package webhook notifies an HTTP endpoint about finished normalize runs.
// Each delivery is a signed JSON envelope; receivers verify it with Verify.
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
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pixelnorm/internal/id"
)

const (
	HeaderSignature = "X-Pixelnorm-Signature"
	HeaderTimestamp = "X-Pixelnorm-Timestamp"
	HeaderEvent     = "X-Pixelnorm-Event"
	// HeaderDelivery matches Envelope.ID and is the same on every retry.
	HeaderDelivery = "X-Pixelnorm-Delivery"
)

const (
	EventAssetNormalized = "asset.normalized"
	EventAssetSkipped    = "asset.skipped"
	EventAssetFailed     = "asset.failed"
)

// Envelope is the request body of every delivery.
type Envelope struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	CreatedAt time.Time `json:"created_at"`
	Data      any       `json:"data"`
}

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	httpClient     *http.Client
	signingSecret  string
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewClient(cfg Config) *Client {
	c := &Client{
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    max(1, cfg.MaxAttempts),
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
	}
	if c.httpClient.Timeout <= 0 {
		c.httpClient.Timeout = 10 * time.Second
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = time.Second
	}
	c.maxBackoff = max(c.maxBackoff, c.initialBackoff)
	return c
}

// errRejected marks a 4xx answer other than 408 and 429. The receiver
// understood the request and refused it, so retrying cannot help.
var errRejected = errors.New("webhook rejected by receiver")

// Send delivers data as event to endpoint, retrying transport errors and
// 5xx answers with exponential backoff. An empty endpoint is a no-op.
func (c *Client) Send(ctx context.Context, endpoint, event string, data any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	env := Envelope{ID: id.New(), Event: event, CreatedAt: time.Now().UTC(), Data: data}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal webhook %s: %w", event, err)
	}
	timestamp := strconv.FormatInt(env.CreatedAt.Unix(), 10)
	signature := Sign(c.signingSecret, timestamp, body)

	backoff := c.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		lastErr = c.deliver(ctx, endpoint, env, timestamp, signature, body)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, errRejected) || attempt == c.maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
	return fmt.Errorf("deliver %s %s: %w", event, env.ID, lastErr)
}

func (c *Client) deliver(ctx context.Context, endpoint string, env Envelope, timestamp, signature string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", errRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderEvent, env.Event)
	req.Header.Set(HeaderDelivery, env.ID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", errRejected, code)
	default:
		return fmt.Errorf("webhook returned status %d", code)
	}
}

// Sign returns the signature header value for body sent at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
