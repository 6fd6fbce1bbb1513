package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockStore struct {
	getByKeyFunc func(ctx context.Context, key string) (*APIKey, error)
	lookups      int
}

func (m *mockStore) GetByKey(ctx context.Context, key string) (*APIKey, error) {
	m.lookups++
	return m.getByKeyFunc(ctx, key)
}

func (m *mockStore) Create(ctx context.Context, apiKey *APIKey) error { return nil }
func (m *mockStore) Revoke(ctx context.Context, keyID string) error   { return nil }

func setupMiddleware(t *testing.T, store Store) (http.Handler, *miniredis.Miniredis, *[]string) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	var owners []string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owners = append(owners, GetOwner(r.Context()))
		assert.NotEmpty(t, GetAPIKeyID(r.Context()))
		assert.NotEmpty(t, GetRequestID(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	})
	return NewMiddleware(store, rdb, zaptest.NewLogger(t))(next), mr, &owners
}

func request(h http.Handler, authHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/usage/aggregates", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func validStore() *mockStore {
	return &mockStore{getByKeyFunc: func(ctx context.Context, key string) (*APIKey, error) {
		if key != "secret" {
			return nil, ErrKeyNotFound
		}
		return &APIKey{ID: "key-1", Owner: "finance", KeyHash: HashKey(key), Active: true}, nil
	}}
}

func TestMiddleware_MissingHeader(t *testing.T) {
	h, _, _ := setupMiddleware(t, validStore())

	for _, header := range []string{"", "Basic abc", "secret"} {
		w := request(h, header)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "header %q", header)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	}
}

func TestMiddleware_ValidKeyIsCached(t *testing.T) {
	store := validStore()
	h, mr, owners := setupMiddleware(t, store)

	w := request(h, "Bearer secret")
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, mr.Exists("auth:"+HashKey("secret")))
	assert.Greater(t, int64(mr.TTL("auth:"+HashKey("secret"))), int64(0))

	w = request(h, "Bearer secret")
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, store.lookups, "second request is served from cache")
	assert.Equal(t, []string{"finance", "finance"}, *owners)
}

func TestMiddleware_UnknownKey(t *testing.T) {
	h, mr, _ := setupMiddleware(t, validStore())

	w := request(h, "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid API key")
	assert.False(t, mr.Exists("auth:"+HashKey("nope")))
}

func TestMiddleware_StoreError(t *testing.T) {
	store := &mockStore{getByKeyFunc: func(ctx context.Context, key string) (*APIKey, error) {
		return nil, errors.New("connection refused")
	}}
	h, _, _ := setupMiddleware(t, store)

	w := request(h, "Bearer secret")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestMiddleware_CacheDownFallsBackToStore(t *testing.T) {
	store := validStore()
	h, mr, owners := setupMiddleware(t, store)
	mr.Close()

	w := request(h, "Bearer secret")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 1, store.lookups)
	assert.Equal(t, []string{"finance"}, *owners)
}

func TestContextHelpers(t *testing.T) {
	ctx := WithRequestID(WithAPIKeyID(WithOwner(context.Background(), "ops"), "k1"), "r1")
	assert.Equal(t, "ops", GetOwner(ctx))
	assert.Equal(t, "k1", GetAPIKeyID(ctx))
	assert.Equal(t, "r1", GetRequestID(ctx))
	assert.Empty(t, GetOwner(context.Background()))
}
