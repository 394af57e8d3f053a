package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/warp/loyalty-engine/loyalty"
)

const (
	HeaderSignature = "X-Loyalty-Signature"
	HeaderEventKind = "X-Loyalty-Event"
	HeaderEventID   = "X-Loyalty-Event-Id"
)

type WebhookConfig struct {
	URL    string
	Secret string
	Client *http.Client // default: 10s timeout
	Now    func() time.Time
}

// WebhookSink POSTs each event as JSON. The body is signed with
// HMAC-SHA256 over "<unix timestamp>.<body>" and sent as
//
//	X-Loyalty-Signature: t=<timestamp>,v1=<hex digest>
//
// so receivers can verify origin and reject replays of old deliveries.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
	now    func() time.Time
}

func NewWebhookSink(cfg WebhookConfig) *WebhookSink {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &WebhookSink{url: cfg.URL, secret: cfg.Secret, client: cfg.Client, now: cfg.Now}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Deliver(ctx context.Context, e loyalty.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: marshal event: %v", ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: create request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventKind, string(e.Kind))
	req.Header.Set(HeaderEventID, e.ID)
	req.Header.Set(HeaderSignature, SignatureHeader(payload, s.secret, s.now().Unix()))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", e.Kind, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: webhook rejected %s with status %d", ErrPermanent, e.ID, resp.StatusCode)
	default:
		return fmt.Errorf("webhook delivery of %s failed: status %d", e.ID, resp.StatusCode)
	}
}

// =============================================================================
// SIGNING
// =============================================================================

// ComputeSignature returns hex(HMAC-SHA256(secret, "<timestamp>.<payload>")).
func ComputeSignature(timestamp int64, payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func SignatureHeader(payload []byte, secret string, timestamp int64) string {
	return fmt.Sprintf("t=%d,v1=%s", timestamp, ComputeSignature(timestamp, payload, secret))
}

// VerifySignature checks a signature header against payload. Signatures
// older than tolerance (relative to now) are rejected; a zero tolerance
// skips the age check.
func VerifySignature(header string, payload []byte, secret string, now time.Time, tolerance time.Duration) error {
	var (
		timestamp int64
		sig       string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid signature timestamp: %w", err)
			}
			timestamp = ts
		case "v1":
			sig = v
		}
	}
	if timestamp == 0 || sig == "" {
		return fmt.Errorf("malformed signature header")
	}
	if tolerance > 0 && now.Sub(time.Unix(timestamp, 0)) > tolerance {
		return fmt.Errorf("signature too old")
	}
	expected := ComputeSignature(timestamp, payload, secret)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
