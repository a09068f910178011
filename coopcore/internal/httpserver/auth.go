package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DevTokenHeader carries the shared development token when enabled.
const DevTokenHeader = "X-Dev-Token"

type subjectKey struct{}

// authenticator accepts an HS256 bearer token signed with the shared secret,
// or the dev token when allowed.
type authenticator struct {
	secret        []byte
	devToken      string
	allowDevToken bool
}

func newAuthenticator(cfg Config) *authenticator {
	return &authenticator{
		secret:        []byte(cfg.JWTSecret),
		devToken:      cfg.DevToken,
		allowDevToken: cfg.AllowDevToken,
	}
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.allowDevToken && a.devToken != "" {
			if tok := r.Header.Get(DevTokenHeader); tok != "" {
				if tok != a.devToken {
					respondError(w, http.StatusUnauthorized, "COOPCORE_AUTH", "invalid dev token")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
		}
		subject, err := a.verify(r.Header.Get("Authorization"))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "COOPCORE_AUTH", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, subject)))
	})
}

func (a *authenticator) verify(header string) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("bearer auth not configured")
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("bearer token required")
	}
	tokenStr := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("token parse error: %w", err)
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token subject required")
	}
	return sub, nil
}

// subjectFrom returns the authenticated agent id, or "" for dev-token requests.
func subjectFrom(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey{}).(string)
	return sub
}

// actingAgent resolves the agent a write acts for. Bearer requests act as
// their subject and may not name anyone else; dev-token requests carry no
// subject and act as whoever they name.
func actingAgent(ctx context.Context, claimed string) (string, bool) {
	sub := subjectFrom(ctx)
	switch {
	case sub == "":
		return claimed, true
	case claimed == "" || claimed == sub:
		return sub, true
	default:
		return "", false
	}
}

// IssueToken signs an HS256 token for agentID. Used by tooling and tests.
func IssueToken(secret, agentID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   agentID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
