package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderTimestamp = "X-Bank-Timestamp"
	HeaderSignature = "X-Bank-Signature"
)

var (
	// ErrUnauthenticated covers missing secrets, bad signatures and stale timestamps.
	ErrUnauthenticated = errors.New("bank event not authenticated")
	// ErrMalformedEvent covers undecodable or incomplete payloads.
	ErrMalformedEvent = errors.New("malformed bank event")
)

// Verifier checks that a delivery was signed by the bank it claims to come
// from. The signature is hex(HMAC-SHA256(secret, timestamp + "." + body)).
type Verifier struct {
	secrets map[string][]byte
	maxSkew time.Duration
	now     func() time.Time
}

func NewVerifier(secrets map[string]string, maxSkew time.Duration) *Verifier {
	keyed := make(map[string][]byte, len(secrets))
	for bank, secret := range secrets {
		keyed[strings.ToLower(bank)] = []byte(secret)
	}
	return &Verifier{
		secrets: keyed,
		maxSkew: maxSkew,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (v *Verifier) Verify(bankCode, timestamp, signature string, body []byte) error {
	secret, ok := v.secrets[bankCode]
	if !ok {
		return fmt.Errorf("no secret configured for bank %q: %w", bankCode, ErrUnauthenticated)
	}

	sentAt, err := parseTimestamp(timestamp)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrUnauthenticated)
	}
	now := v.now()
	if v.maxSkew > 0 && (sentAt.Before(now.Add(-v.maxSkew)) || sentAt.After(now.Add(v.maxSkew))) {
		return fmt.Errorf("%s too skewed: %w", HeaderTimestamp, ErrUnauthenticated)
	}

	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return fmt.Errorf("unreadable %s: %w", HeaderSignature, ErrUnauthenticated)
	}
	if !hmac.Equal(got, mac(secret, strings.TrimSpace(timestamp), body)) {
		return fmt.Errorf("signature mismatch: %w", ErrUnauthenticated)
	}
	return nil
}

// Sign produces the signature header value a bank would send.
func Sign(secret, timestamp string, body []byte) string {
	return hex.EncodeToString(mac([]byte(secret), timestamp, body))
}

func mac(secret []byte, timestamp string, body []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(body)
	return h.Sum(nil)
}

// parseTimestamp accepts epoch seconds, epoch milliseconds, or RFC3339 with a
// zone. Naive local timestamps are rejected.
func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("missing %s", HeaderTimestamp)
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%s must be epoch (s/ms) or RFC3339 with timezone", HeaderTimestamp)
}
