// ABOUTME: Outbound notification webhook: HMAC signing, safeurl client, response body discard.
// ABOUTME: Send is a pure function; WebhookNotifier binds it to a configured endpoint.
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
	"time"
)

// Signature headers set on every outbound notification.
const (
	HeaderTimestamp = "X-Paidqueue-Timestamp"
	HeaderSignature = "X-Paidqueue-Signature"
)

// WebhookConfig is the delivery target of a WebhookNotifier.
type WebhookConfig struct {
	URL           string
	SigningSecret string
}

// Message is the JSON body posted to the notification endpoint.
type Message struct {
	AccountID string `json:"account_id"`
	Text      string `json:"text"`
}

// Sign returns the hex HMAC-SHA256 of "timestamp.body" under secret.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Send posts payload to the webhook URL, signs with HMAC-SHA256, and discards the response body.
// The caller constructs client once at startup (safeurl-wrapped, redirect-disabled).
func Send(ctx context.Context, client *http.Client, cfg WebhookConfig, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, "sha256="+Sign(cfg.SigningSecret, ts, payload))

	resp, err := client.Do(req) //nolint:gosec // G107: SSRF is enforced by the safeurl-wrapped client injected at startup
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	// Discard response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec // G104: discard errors are irrelevant for io.Discard writes

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// WebhookNotifier delivers notifications as signed JSON posts, typically to
// the chat bot that owns the user conversation.
type WebhookNotifier struct {
	client *http.Client
	cfg    WebhookConfig
}

// NewWebhookNotifier returns a notifier posting to cfg.URL through client.
func NewWebhookNotifier(client *http.Client, cfg WebhookConfig) *WebhookNotifier {
	return &WebhookNotifier{client: client, cfg: cfg}
}

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, accountID, text string) error {
	body, err := json.Marshal(Message{AccountID: accountID, Text: text})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := Send(ctx, w.client, w.cfg, body); err != nil {
		return fmt.Errorf("notify %s: %w", accountID, err)
	}
	return nil
}
