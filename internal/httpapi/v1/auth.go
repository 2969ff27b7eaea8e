package v1

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JWTConfig enables HS256 bearer verification when Secret is set.
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// callerHeader identifies the caller when JWT verification is off.
const callerHeader = "X-User-ID"

type JWTClaims struct {
	Issuer    string `json:"iss,omitempty"`
	Subject   string `json:"sub,omitempty"`
	Audience  any    `json:"aud,omitempty"` // string or []string
	ExpiresAt int64  `json:"exp,omitempty"`
	NotBefore int64  `json:"nbf,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

func parseBearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < len("Bearer ") || !strings.EqualFold(h[:len("Bearer ")], "Bearer ") {
		return "", false
	}
	return strings.TrimSpace(h[len("Bearer "):]), true
}

func base64URLDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func verifyHS256(token, secret string) (JWTClaims, error) {
	var empty JWTClaims
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return empty, errors.New("invalid token format")
	}
	headerB, err := base64URLDecode(parts[0])
	if err != nil {
		return empty, errors.New("bad header b64")
	}
	payloadB, err := base64URLDecode(parts[1])
	if err != nil {
		return empty, errors.New("bad payload b64")
	}
	sigB, err := base64URLDecode(parts[2])
	if err != nil {
		return empty, errors.New("bad signature b64")
	}

	var hdr struct{ Alg, Typ string }
	if err := json.Unmarshal(headerB, &hdr); err != nil {
		return empty, errors.New("bad header json")
	}
	if !strings.EqualFold(hdr.Alg, "HS256") {
		return empty, errors.New("unsupported alg")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sigB, mac.Sum(nil)) {
		return empty, errors.New("invalid signature")
	}

	var claims JWTClaims
	if err := json.Unmarshal(payloadB, &claims); err != nil {
		return empty, errors.New("bad claims json")
	}
	return claims, nil
}

func audContains(aud any, expected string) bool {
	if expected == "" {
		return true
	}
	switch v := aud.(type) {
	case string:
		return strings.EqualFold(v, expected)
	case []any:
		for _, it := range v {
			if s, ok := it.(string); ok && strings.EqualFold(s, expected) {
				return true
			}
		}
	}
	return false
}

func (c JWTConfig) check(claims JWTClaims, now time.Time) error {
	if claims.NotBefore != 0 && now.Unix() < claims.NotBefore {
		return errors.New("token not yet valid")
	}
	if claims.ExpiresAt != 0 && now.Unix() >= claims.ExpiresAt {
		return errors.New("token expired")
	}
	if c.Issuer != "" && !strings.EqualFold(claims.Issuer, c.Issuer) {
		return errors.New("issuer mismatch")
	}
	if !audContains(claims.Audience, c.Audience) {
		return errors.New("audience mismatch")
	}
	return nil
}

type callerKey struct{}

// callerFrom returns the authenticated user id, if any.
func callerFrom(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(callerKey{}).(uuid.UUID)
	return id, ok
}

// authenticate resolves the caller. With a JWT secret the bearer token's
// subject is the caller and the token is mandatory; without one the optional
// X-User-ID header is trusted.
func authenticate(cfg JWTConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/healthz", "/readyz", "/metrics":
				next.ServeHTTP(w, r)
				return
			}
			var raw string
			if cfg.Secret != "" {
				tok, ok := parseBearerToken(r)
				if !ok {
					writeErr(w, http.StatusUnauthorized, "missing bearer token", "unauthorized")
					return
				}
				claims, err := verifyHS256(tok, cfg.Secret)
				if err == nil {
					err = cfg.check(claims, time.Now())
				}
				if err != nil {
					writeErr(w, http.StatusUnauthorized, err.Error(), "unauthorized")
					return
				}
				raw = claims.Subject
			} else {
				raw = r.Header.Get(callerHeader)
				if raw == "" {
					next.ServeHTTP(w, r)
					return
				}
			}
			id, err := uuid.Parse(raw)
			if err != nil {
				writeErr(w, http.StatusUnauthorized, "caller is not a user id", "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, id)))
		})
	}
}
