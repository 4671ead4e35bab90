package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/herald-sh/herald/internal/auth"
	"github.com/herald-sh/herald/internal/config"
	"github.com/herald-sh/herald/internal/models"
	"github.com/herald-sh/herald/internal/ratelimit"
	"github.com/herald-sh/herald/internal/storage"
)

type contextKey string

const (
	authContextKey      contextKey = "auth"
	requestIDContextKey contextKey = "request_id"
)

// AuthContext identifies the key's owner for downstream handlers.
type AuthContext struct {
	KeyID     string
	KeyPrefix string
	OwnerType models.APIKeyOwner
	OwnerID   string
	Tier      models.AccountTier
}

func AuthFromContext(ctx context.Context) *AuthContext {
	ac, _ := ctx.Value(authContextKey).(*AuthContext)
	return ac
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

// RequestIDMiddleware tags every request with a req_ id, echoed in the
// X-Request-Id header and the error envelope.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := models.NewID("req")
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func LoggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("request_id", RequestIDFromContext(r.Context())).
				Int("status", ww.statusCode).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// AuthMiddleware validates the bearer API key by hash lookup and attaches
// the owner to the request context. last_used_at is updated best-effort.
func AuthMiddleware(store storage.Storage, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "missing authorization header")
				return
			}

			token := strings.TrimPrefix(header, "Bearer ")
			if token == header || token == "" {
				writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "invalid authorization format, use: Bearer <api_key>")
				return
			}

			key, err := store.GetAPIKeyByHash(r.Context(), auth.HashKey(token))
			if err != nil {
				writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
				return
			}
			if key == nil {
				writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "invalid api key")
				return
			}
			if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
				writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "api key expired")
				return
			}

			tier, err := store.GetAccountTier(r.Context(), key.OwnerType, key.OwnerID)
			if err != nil {
				writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
				return
			}

			if err := store.TouchAPIKey(r.Context(), key.ID, time.Now().UTC()); err != nil {
				log.Warn().Err(err).Str("key_id", key.ID).Msg("touch api key failed")
			}

			ctx := context.WithValue(r.Context(), authContextKey, &AuthContext{
				KeyID:     key.ID,
				KeyPrefix: key.KeyPrefix,
				OwnerType: key.OwnerType,
				OwnerID:   key.OwnerID,
				Tier:      tier,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimitMiddleware enforces the per-key token bucket and emits the
// X-RateLimit headers on every response it passes through.
func RateLimitMiddleware(limiter ratelimit.Limiter, cfg config.RateLimitConfig, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac := AuthFromContext(r.Context())
			if ac == nil {
				writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
				return
			}

			capacity := cfg.Capacity(string(ac.Tier))
			res, err := limiter.Allow(r.Context(), ac.KeyID, capacity)
			if err != nil {
				log.Error().Err(err).Str("key_id", ac.KeyID).Msg("rate limit check failed")
				writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error")
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset, 10))

			if !res.Allowed {
				writeError(w, r, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requirePublisher and requireSubscriber gate role-specific routes.

func requirePublisher(w http.ResponseWriter, r *http.Request) *AuthContext {
	ac := AuthFromContext(r.Context())
	if ac == nil {
		writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
		return nil
	}
	if ac.OwnerType != models.OwnerPublisher {
		writeError(w, r, http.StatusForbidden, CodeForbidden, "publisher access required")
		return nil
	}
	return ac
}

func requireSubscriber(w http.ResponseWriter, r *http.Request) *AuthContext {
	ac := AuthFromContext(r.Context())
	if ac == nil {
		writeError(w, r, http.StatusUnauthorized, CodeUnauthorized, "unauthorized")
		return nil
	}
	if ac.OwnerType != models.OwnerSubscriber {
		writeError(w, r, http.StatusForbidden, CodeForbidden, "subscriber access required")
		return nil
	}
	return ac
}
