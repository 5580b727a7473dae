package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/r3e-network/gridtokenx-gateway/infrastructure/cache"
	gwerrors "github.com/r3e-network/gridtokenx-gateway/infrastructure/errors"
	"github.com/r3e-network/gridtokenx-gateway/infrastructure/logging"
	"github.com/r3e-network/gridtokenx-gateway/internal/domain"
)

const jwtIssuer = "gridtokenx-gateway"

// claims is the JWT payload minted on login/register and validated by
// authMiddleware on every protected request.
type claims struct {
	UserID string          `json:"user_id"`
	Role   domain.UserRole `json:"role"`
	jwt.RegisteredClaims
}

func issueToken(signingKey []byte, expiry time.Duration, u *domain.User) (string, error) {
	c := &claims{
		UserID: u.ID.String(),
		Role:   u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    jwtIssuer,
			Subject:   u.ID.String(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(signingKey)
}

func parseToken(signingKey []byte, raw string) (*claims, error) {
	var c claims
	token, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return signingKey, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return &c, nil
}

// tokenHash derives the TokenCache key for a raw bearer token: tokens
// themselves are never used as cache keys, only their digest.
func tokenHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// authMiddleware validates the bearer token on every protected route
// (spec.md §6: "Authentication via bearer token on all non-public
// endpoints") and populates the request context with the user id/role
// httputil.GetUserID/GetUserRole expect. A TokenCache hit skips
// re-verifying the HMAC signature for a token already validated this TTL
// window.
func authMiddleware(signingKey []byte, tokens *cache.TokenCache, log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeServiceError(w, r, log, gwerrors.Unauthorized("missing bearer token"))
				return
			}
			raw := strings.TrimPrefix(authHeader, "Bearer ")
			hash := tokenHash(raw)

			var c *claims
			if cached, ok := tokens.GetToken(hash); ok {
				c, ok = cached.(*claims)
				if !ok {
					c = nil
				}
			}
			if c == nil {
				parsed, err := parseToken(signingKey, raw)
				if err != nil {
					writeServiceError(w, r, log, gwerrors.InvalidToken(err))
					return
				}
				c = parsed
				if c.ExpiresAt != nil {
					if ttl := time.Until(c.ExpiresAt.Time); ttl > 0 {
						tokens.SetToken(hash, c, ttl)
					}
				}
			}

			ctx := logging.WithUserID(r.Context(), c.UserID)
			ctx = logging.WithRole(ctx, string(c.Role))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireAdmin rejects any request whose authenticated role is not
// domain.RoleAdmin; mount it after authMiddleware on admin-only routes.
func requireAdmin(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if logging.GetRole(r.Context()) != string(domain.RoleAdmin) {
				writeServiceError(w, r, log, gwerrors.Forbidden("admin role required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func userIDFromContext(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(logging.GetUserID(r.Context()))
}
