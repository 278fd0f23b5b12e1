package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrMalformedSession = errors.New("malformed session token")
	ErrSessionSignature = errors.New("invalid session signature")
	ErrSessionExpired   = errors.New("session expired")
)

// SessionError is a rejected session token.
type SessionError struct {
	Err error
}

func (e *SessionError) Error() string { return e.Err.Error() }
func (e *SessionError) Unwrap() error { return e.Err }

// SessionClaims is the JSON payload of a session token. Times are unix millis.
type SessionClaims struct {
	Subject   string `json:"sub,omitempty"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

// ValidateSession reports whether cookieValue is a well-formed, correctly
// signed and unexpired session token. It never panics on hostile input.
func ValidateSession(cookieValue string, secret []byte, now time.Time) bool {
	_, err := ParseSession(cookieValue, secret, now)
	return err == nil
}

// ParseSession verifies a "<base64Payload>.<hexHmacSignature>" token and
// returns its claims. The HMAC covers the base64 payload text as sent.
func ParseSession(token string, secret []byte, now time.Time) (*SessionClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, &SessionError{Err: ErrMalformedSession}
	}
	payload, sig := parts[0], parts[1]

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return nil, &SessionError{Err: ErrSessionSignature}
	}

	raw, ok := decodeBase64(payload)
	if !ok {
		return nil, &SessionError{Err: ErrMalformedSession}
	}

	var body struct {
		Subject   string `json:"sub"`
		ExpiresAt *int64 `json:"exp"`
		IssuedAt  int64  `json:"iat"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.ExpiresAt == nil {
		return nil, &SessionError{Err: ErrMalformedSession}
	}

	if now.UnixMilli() > *body.ExpiresAt {
		return nil, &SessionError{Err: ErrSessionExpired}
	}

	return &SessionClaims{
		Subject:   body.Subject,
		ExpiresAt: *body.ExpiresAt,
		IssuedAt:  body.IssuedAt,
	}, nil
}

// MintSession produces a signed token for claims. The login flow lives
// elsewhere; this is used by tests and the `session mint` command.
func MintSession(claims SessionClaims, secret []byte) (string, error) {
	raw, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(raw)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return payload + "." + hex.EncodeToString(mac.Sum(nil)), nil
}

// decodeBase64 accepts standard and URL alphabets, padded or not.
func decodeBase64(s string) ([]byte, bool) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, true
		}
	}
	return nil, false
}

// SessionValidator binds a secret and clock for request handlers.
type SessionValidator struct {
	secret []byte
	now    func() time.Time
}

// NewSessionValidator creates a validator. A nil now uses time.Now.
func NewSessionValidator(secret string, now func() time.Time) *SessionValidator {
	if now == nil {
		now = time.Now
	}
	return &SessionValidator{secret: []byte(secret), now: now}
}

// Validate reports whether token is an acceptable session.
func (v *SessionValidator) Validate(token string) bool {
	return ValidateSession(token, v.secret, v.now())
}

// Parse returns the claims of token or a *SessionError.
func (v *SessionValidator) Parse(token string) (*SessionClaims, error) {
	return ParseSession(token, v.secret, v.now())
}
