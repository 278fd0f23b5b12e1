package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/taskpulse/taskpulse/internal/config"
)

// ErrUnauthorized is returned for any rejected bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is the caller behind a validated service token.
type Identity struct {
	Subject string
	Issuer  string
}

// TokenValidator authenticates non-browser clients (CLIs, integrations)
// that cannot carry the dashboard session cookie.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
	Name() string
}

// NewTokenValidator builds the validator configured in cfg. It returns
// (nil, nil) when service tokens are disabled.
func NewTokenValidator(cfg config.ServiceTokenConfig) (TokenValidator, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "hmac":
		return NewHMACTokenValidator(cfg.HMACSecret, cfg.Issuer), nil
	case "jwks":
		return NewJWKSTokenValidator(cfg.JWKSURL, cfg.Issuer)
	default:
		return nil, fmt.Errorf("unknown service token provider: %q", cfg.Provider)
	}
}

// HMACTokenValidator accepts HS256 JWTs signed with a shared secret.
type HMACTokenValidator struct {
	secret []byte
	issuer string
}

func NewHMACTokenValidator(secret, issuer string) *HMACTokenValidator {
	return &HMACTokenValidator{secret: []byte(secret), issuer: issuer}
}

func (v *HMACTokenValidator) ValidateToken(_ context.Context, tokenStr string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid || claims.Subject == "" {
		return nil, ErrUnauthorized
	}
	return &Identity{Subject: claims.Subject, Issuer: claims.Issuer}, nil
}

func (v *HMACTokenValidator) Name() string { return "hmac" }

// IssueToken signs an HS256 service token for subject valid for ttl.
func (v *HMACTokenValidator) IssueToken(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// JWKSTokenValidator accepts JWTs signed by keys published at a JWKS URL.
type JWKSTokenValidator struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewJWKSTokenValidator fetches the key set and keeps it refreshed in the
// background.
func NewJWKSTokenValidator(jwksURL, issuer string) (*JWKSTokenValidator, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}
	return &JWKSTokenValidator{issuer: issuer, jwks: jwks}, nil
}

func (v *JWKSTokenValidator) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.Parse(tokenStr, v.jwks.KeyfuncCtx(ctx), opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}
	iss, _ := claims["iss"].(string)
	return &Identity{Subject: sub, Issuer: iss}, nil
}

func (v *JWKSTokenValidator) Name() string { return "jwks" }
