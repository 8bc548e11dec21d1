// Package auth turns request credentials into the notification.Principal the
// rest of the service works with. It validates HS256 JWTs or, behind a
// trusted gateway, takes the identity from forwarded headers.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notification-service/internal/response"
	"github.com/tinywideclouds/go-notification-service/pkg/notification"
)

const (
	// HeaderUserID and HeaderRole carry a gateway-validated identity.
	HeaderUserID = "X-User-ID"
	HeaderRole   = "X-User-Role"

	// tokenQueryParam lets EventSource clients, which cannot set headers,
	// pass the bearer token.
	tokenQueryParam = "access_token"
	issuer          = "go-notification-service"
)

// Claims is the JWT payload.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// ParseRole accepts the known roles. An empty role is a plain user.
func ParseRole(s string) (notification.Role, error) {
	switch r := notification.Role(strings.ToLower(strings.TrimSpace(s))); r {
	case "":
		return notification.RoleUser, nil
	case notification.RoleUser, notification.RolePremium, notification.RoleAdmin, notification.RoleSystem:
		return r, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// GenerateToken signs a token for userID. It is used by tooling and tests.
func GenerateToken(secret []byte, userID string, role notification.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID: userID,
		Role:   string(role),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// NewJWTMiddleware validates HS256 bearer tokens signed with secret.
func NewJWTMiddleware(secret []byte, logger zerolog.Logger) (Middleware, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt secret cannot be empty")
	}
	log := logger.With().Str("component", "JWTAuth").Logger()
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				response.WriteError(w, notification.NewAuthenticationError("auth", "missing bearer token"))
				return
			}
			claims := &Claims{}
			token, err := parser.ParseWithClaims(raw, claims, keyFunc)
			if err != nil || !token.Valid {
				log.Debug().Err(err).Msg("Rejected invalid token.")
				response.WriteError(w, notification.NewAuthenticationError("auth", "invalid token"))
				return
			}
			p, err := principalFromClaims(claims)
			if err != nil {
				log.Debug().Err(err).Msg("Rejected token claims.")
				response.WriteError(w, notification.NewAuthenticationError("auth", err.Error()))
				return
			}
			next.ServeHTTP(w, r.WithContext(notification.ContextWithPrincipal(r.Context(), p)))
		})
	}, nil
}

// NewHeaderMiddleware trusts the identity headers set by an upstream
// gateway. Only use it where clients cannot reach the service directly.
func NewHeaderMiddleware(logger zerolog.Logger) Middleware {
	log := logger.With().Str("component", "HeaderAuth").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
			if userID == "" {
				response.WriteError(w, notification.NewAuthenticationError("auth", "missing "+HeaderUserID+" header"))
				return
			}
			role, err := ParseRole(r.Header.Get(HeaderRole))
			if err != nil {
				log.Debug().Err(err).Str("user", userID).Msg("Rejected forwarded role.")
				response.WriteError(w, notification.NewAuthenticationError("auth", err.Error()))
				return
			}
			p := notification.Principal{UserID: userID, Role: role}
			next.ServeHTTP(w, r.WithContext(notification.ContextWithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole rejects principals whose role is not one of roles.
func RequireRole(roles ...notification.Role) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := notification.PrincipalFromContext(r.Context())
			if !ok {
				response.WriteError(w, notification.NewAuthenticationError("auth", "no principal on request"))
				return
			}
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.WriteError(w, notification.NewAuthorizationError("auth", "role "+string(p.Role)+" is not allowed"))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, found := strings.CutPrefix(h, "Bearer ")
		return token, found && token != ""
	}
	if token := r.URL.Query().Get(tokenQueryParam); token != "" {
		return token, true
	}
	return "", false
}

func principalFromClaims(c *Claims) (notification.Principal, error) {
	userID := c.UserID
	if userID == "" {
		userID = c.Subject
	}
	if userID == "" {
		return notification.Principal{}, fmt.Errorf("token has no user id")
	}
	role, err := ParseRole(c.Role)
	if err != nil {
		return notification.Principal{}, err
	}
	return notification.Principal{UserID: userID, Role: role}, nil
}
