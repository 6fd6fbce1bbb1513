// Package auth authenticates reporting clients by API key. Keys are stored
// hashed in PostgreSQL and cached in Redis for a few minutes.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrKeyNotFound = errors.New("api key not found")

// CacheTTL is how long a resolved key stays in Redis. A revoked key may keep
// working for up to this long.
const CacheTTL = 5 * time.Minute

type APIKey struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	KeyHash   string    `json:"key_hash"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	Create(ctx context.Context, apiKey *APIKey) error
	Revoke(ctx context.Context, keyID string) error
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	ownerKey     contextKey = "owner"
	apiKeyIDKey  contextKey = "api_key_id"
	requestIDKey contextKey = "request_id"
)

// HashKey is the stored form of a raw API key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

func cacheKey(keyHash string) string {
	return fmt.Sprintf("auth:%s", keyHash)
}

func NewMiddleware(store Store, cache *redis.Client, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
				return
			}
			key := strings.TrimPrefix(authHeader, "Bearer ")
			redisKey := cacheKey(HashKey(key))

			var apiKey APIKey
			err := cache.Get(ctx, redisKey).Scan(&apiKey)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(withKey(ctx, &apiKey)))
				return
			} else if !errors.Is(err, redis.Nil) {
				logger.Warn("auth cache unavailable", zap.Error(err))
			}

			found, err := store.GetByKey(ctx, key)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					writeError(w, http.StatusUnauthorized, "invalid API key")
					return
				}
				logger.Error("api key lookup failed", zap.String("request_id", requestID), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "internal server error")
				return
			}

			if err := cache.Set(ctx, redisKey, found, CacheTTL).Err(); err != nil {
				logger.Warn("failed to cache api key", zap.Error(err))
			}

			next.ServeHTTP(w, r.WithContext(withKey(ctx, found)))
		})
	}
}

func withKey(ctx context.Context, k *APIKey) context.Context {
	ctx = context.WithValue(ctx, ownerKey, k.Owner)
	return context.WithValue(ctx, apiKeyIDKey, k.ID)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Helpers to extract from context
func GetOwner(ctx context.Context) string {
	if id, ok := ctx.Value(ownerKey).(string); ok {
		return id
	}
	return ""
}

func GetAPIKeyID(ctx context.Context) string {
	if id, ok := ctx.Value(apiKeyIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}

func WithAPIKeyID(ctx context.Context, apiKeyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, apiKeyID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
