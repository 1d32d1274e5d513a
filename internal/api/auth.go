package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/medrex/dlt-telehealth/pkg/config"
	"github.com/medrex/dlt-telehealth/pkg/logger"
	"github.com/medrex/dlt-telehealth/pkg/types"
)

type contextKey string

const callerKey contextKey = "caller"

// TokenValidator validates caller tokens. The token subject is the caller identity.
type TokenValidator struct {
	secret   []byte
	issuer   string
	audience string
}

// NewTokenValidator creates a validator for HMAC-signed tokens
func NewTokenValidator(cfg config.JWTConfig) *TokenValidator {
	return &TokenValidator{
		secret:   []byte(cfg.SecretKey),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}
}

// Validate parses token and returns the authenticated caller
func (tv *TokenValidator) Validate(token string) (types.Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if tv.issuer != "" {
		opts = append(opts, jwt.WithIssuer(tv.issuer))
	}
	if tv.audience != "" {
		opts = append(opts, jwt.WithAudience(tv.audience))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return tv.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}

	caller := types.Identity(claims.Subject)
	if caller.IsZero() {
		return "", errors.New("token has no subject")
	}
	return caller, nil
}

// Issue signs a token for subject valid for ttl
func (tv *TokenValidator) Issue(subject types.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject.String(),
		Issuer:    tv.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if tv.audience != "" {
		claims.Audience = jwt.ClaimStrings{tv.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tv.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// authMiddleware resolves the caller from the bearer token
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			s.writeError(w, r, types.NewUnauthorizedError(types.ErrCodeUnauthenticated, "missing authorization header"))
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			s.writeError(w, r, types.NewUnauthorizedError(types.ErrCodeUnauthenticated, "invalid authorization header format"))
			return
		}

		caller, err := s.tokens.Validate(parts[1])
		if err != nil {
			s.logger.Security(r.Context(), "token_rejected", "", map[string]interface{}{
				"path":  r.URL.Path,
				"error": err.Error(),
			})
			s.writeError(w, r, types.NewUnauthorizedError(types.ErrCodeUnauthenticated, "invalid token"))
			return
		}

		ctx := context.WithValue(r.Context(), callerKey, caller)
		ctx = logger.WithCaller(ctx, caller.String())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// callerFrom returns the authenticated caller of the request, or the zero
// identity when the request did not pass authMiddleware
func callerFrom(r *http.Request) types.Identity {
	caller, _ := r.Context().Value(callerKey).(types.Identity)
	return caller
}
