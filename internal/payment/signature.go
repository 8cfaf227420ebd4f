package payment

import (
	"crypto/hmac"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/scarson/paidqueue/internal/notify"
)

// SignatureHeader carries the provider signature on webhook requests.
const SignatureHeader = "Payment-Signature"

var (
	// ErrInvalidSignature means the webhook signature header is missing,
	// malformed, stale or does not match the payload.
	ErrInvalidSignature = errors.New("invalid payment signature")
	// ErrInvalidPayload means the webhook body is not a decodable event.
	ErrInvalidPayload = errors.New("invalid payment payload")
)

// VerifySignature checks a header of the form "t=<unix>,v1=<hex>[,v1=<hex>...]"
// where each v1 is HMAC-SHA256(secret, "<t>.<payload>"). Any matching v1
// is accepted. Timestamps further than tolerance from now are rejected;
// a zero tolerance disables the age check.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("%w: no webhook secret configured", ErrInvalidSignature)
	}
	var (
		ts   string
		sigs []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrInvalidSignature, ts)
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(unix, 0))
		if age > tolerance || age < -tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance (%s)", ErrInvalidSignature, age.Round(time.Second))
		}
	}
	want := []byte(notify.Sign(secret, ts, payload))
	for _, s := range sigs {
		if hmac.Equal(want, []byte(s)) {
			return nil
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrInvalidSignature)
}

// SignatureHeaderValue builds the header a sender would attach to payload.
// Used by tests and the CLI to produce signed sample events.
func SignatureHeaderValue(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + notify.Sign(secret, ts, payload)
}
