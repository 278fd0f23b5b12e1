// Package auth verifies webhook signatures, dashboard session tokens and
// service bearer tokens.
package auth

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

// SignatureHeader carries "<unixMillis>:<hexHmacSha256>" on agent callbacks.
const SignatureHeader = "X-Webhook-Signature"

const (
	// MaxSignatureAge bounds how old a signed timestamp may be.
	MaxSignatureAge = 5 * time.Minute
	// MaxClockSkew bounds how far in the future a signed timestamp may be.
	MaxClockSkew = 1 * time.Minute
)

var (
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrSignatureExpired   = errors.New("signature timestamp expired")
	ErrSignatureFuture    = errors.New("signature timestamp in the future")
	ErrSignatureMismatch  = errors.New("signature mismatch")
)

// SignatureError is a rejected webhook signature. Err is one of the
// ErrSignature* / ErrMalformedSignature sentinels.
type SignatureError struct {
	Err    error
	Detail string
}

func (e *SignatureError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Detail
}

func (e *SignatureError) Unwrap() error { return e.Err }

// VerifySignature checks an agent callback signature against rawBody.
// The signed payload is "<unixMillis>:" followed by the raw body bytes.
func VerifySignature(rawBody []byte, header string, secret []byte, now time.Time) error {
	parts := strings.Split(header, ":")
	if len(parts) != 2 {
		return &SignatureError{Err: ErrMalformedSignature, Detail: "expected <timestamp>:<digest>"}
	}
	tsStr, digest := parts[0], parts[1]
	if digest == "" {
		return &SignatureError{Err: ErrMalformedSignature, Detail: "empty digest"}
	}

	if !isDigits(tsStr) {
		return &SignatureError{Err: ErrMalformedSignature, Detail: "invalid timestamp"}
	}
	ms, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return &SignatureError{Err: ErrMalformedSignature, Detail: "invalid timestamp"}
	}
	// Hex is case-insensitive; compare the decoded MACs.
	got, err := hex.DecodeString(digest)
	if err != nil {
		return &SignatureError{Err: ErrMalformedSignature, Detail: "digest is not hex"}
	}

	age := now.Sub(time.UnixMilli(ms))
	if age > MaxSignatureAge {
		return &SignatureError{Err: ErrSignatureExpired, Detail: fmt.Sprintf("age %s", age.Round(time.Second))}
	}
	if age < -MaxClockSkew {
		return &SignatureError{Err: ErrSignatureFuture, Detail: fmt.Sprintf("skew %s", (-age).Round(time.Second))}
	}

	if !hmac.Equal(got, computeMAC(tsStr, rawBody, secret)) {
		return &SignatureError{Err: ErrSignatureMismatch}
	}
	return nil
}

// SignWebhook returns the header value an agent sends for body at ts.
func SignWebhook(body, secret []byte, ts time.Time) string {
	tsStr := strconv.FormatInt(ts.UnixMilli(), 10)
	return tsStr + ":" + computeSignature(tsStr, body, secret)
}

func computeSignature(tsStr string, body, secret []byte) string {
	return hex.EncodeToString(computeMAC(tsStr, body, secret))
}

func computeMAC(tsStr string, body, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(tsStr))
	mac.Write([]byte{':'})
	mac.Write(body)
	return mac.Sum(nil)
}

// isDigits reports whether s is a non-empty run of ASCII digits.
func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// WebhookVerifier binds a secret and clock for HTTP handlers.
type WebhookVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewWebhookVerifier creates a verifier. A nil now uses time.Now.
func NewWebhookVerifier(secret string, now func() time.Time) *WebhookVerifier {
	if now == nil {
		now = time.Now
	}
	return &WebhookVerifier{secret: []byte(secret), now: now}
}

// Verify checks header against rawBody at the verifier's current time.
func (v *WebhookVerifier) Verify(rawBody []byte, header string) error {
	return VerifySignature(rawBody, header, v.secret, v.now())
}
