// Package webhook delivers signed job notifications to client endpoints.
//
// Every delivery is a JSON envelope
//
//	{"id": "...", "event": "job.completed", "sent_at": "...", "data": {...}}
//
// signed with HMAC-SHA256 over "<timestamp>.<body>". Receivers check the
// signature with Verify.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	HeaderSignature = "X-Roiflow-Signature"
	HeaderTimestamp = "X-Roiflow-Timestamp"
	HeaderEvent     = "X-Roiflow-Event"
	HeaderDelivery  = "X-Roiflow-Delivery"

	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// Envelope is the body of every delivery.
type Envelope struct {
	ID     string    `json:"id"`
	Event  string    `json:"event"`
	SentAt time.Time `json:"sent_at"`
	Data   any       `json:"data"`
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
	now            func() time.Time
}

func NewClient(cfg Config) *Client {
	c := &Client{
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		signingSecret:  cfg.SigningSecret,
		maxAttempts:    max(cfg.MaxAttempts, 1),
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		now:            time.Now,
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

// deliveryError is a failed attempt. Permanent failures are not retried.
type deliveryError struct {
	status     int
	retryAfter time.Duration
	err        error
}

func (e *deliveryError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return "webhook returned status=" + strconv.Itoa(e.status)
}

func (e *deliveryError) permanent() bool {
	return e.status >= 400 && e.status < 500 &&
		e.status != http.StatusRequestTimeout && e.status != http.StatusTooManyRequests
}

// Send wraps data in an Envelope and posts it to endpoint, retrying transport
// errors and 5xx/408/429 responses with exponential backoff. A 429 with a
// Retry-After header waits at least that long. An empty endpoint is a no-op.
// All attempts of one Send share the same delivery id and signature.
func (c *Client) Send(ctx context.Context, endpoint, event string, data any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	sentAt := c.now().UTC()
	env := Envelope{ID: uuid.NewString(), Event: event, SentAt: sentAt, Data: data}
	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal webhook envelope")
	}

	timestamp := strconv.FormatInt(sentAt.Unix(), 10)
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(HeaderTimestamp, timestamp)
	header.Set(HeaderSignature, Sign(c.signingSecret, timestamp, body))
	header.Set(HeaderEvent, event)
	header.Set(HeaderDelivery, env.ID)

	backoff := c.initialBackoff
	var last *deliveryError
	attempt := 1
	for ; attempt <= c.maxAttempts; attempt++ {
		last = c.post(ctx, endpoint, header, body)
		if last == nil {
			return nil
		}
		if last.permanent() || attempt == c.maxAttempts {
			break
		}

		wait := max(backoff, last.retryAfter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff = min(backoff*2, c.maxBackoff)
	}

	return errors.Wrapf(last, "webhook %s delivery failed after %d attempts", event, attempt)
}

func (c *Client) post(ctx context.Context, endpoint string, header http.Header, body []byte) *deliveryError {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &deliveryError{status: http.StatusBadRequest, err: errors.Wrap(err, "build webhook request")}
	}
	req.Header = header.Clone()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &deliveryError{err: err}
	}
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	derr := &deliveryError{status: resp.StatusCode}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		derr.retryAfter = time.Duration(secs) * time.Second
	}
	return derr
}

// Sign returns the signature header value for body sent at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body and timestamp.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}

// VerifyFresh is Verify plus a replay check: the timestamp must be within
// tolerance of now.
func VerifyFresh(secret, timestamp string, body []byte, signature string, tolerance time.Duration, now time.Time) bool {
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	age := now.Sub(time.Unix(sec, 0))
	if age < -tolerance || age > tolerance {
		return false
	}
	return Verify(secret, timestamp, body, signature)
}
