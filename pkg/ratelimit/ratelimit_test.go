package ratelimit

import (
	"context"
	"errors"
	"testing"

	extratelimit "github.com/vnmchuo/ratelimiter"
)

type mockStore struct {
	allowed bool
	err     error
	keys    []string
	costs   []int
}

func (m *mockStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	m.keys = append(m.keys, key)
	m.costs = append(m.costs, n)
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return m.AllowN(ctx, key, 1)
}

func (m *mockStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	m.keys = append(m.keys, key)
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func TestLimiter_Allow(t *testing.T) {
	store := &mockStore{allowed: true}
	l := NewTestLimiter(store)

	ok, err := l.Allow(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if !ok {
		t.Error("Expected request to be allowed")
	}
	if store.keys[0] != "ratelimit:apikey:key-1" {
		t.Errorf("Unexpected redis key %q", store.keys[0])
	}
	if store.costs[0] != 1 {
		t.Errorf("Expected cost 1, got %d", store.costs[0])
	}
}

func TestLimiter_Denied(t *testing.T) {
	l := NewTestLimiter(&mockStore{allowed: false})

	ok, err := l.AllowN(context.Background(), "key-1", 5)
	if err != nil {
		t.Fatalf("AllowN failed: %v", err)
	}
	if ok {
		t.Error("Expected request to be denied")
	}
}

func TestLimiter_StoreError(t *testing.T) {
	storeErr := errors.New("redis down")
	l := NewTestLimiter(&mockStore{err: storeErr})

	ok, err := l.Allow(context.Background(), "key-1")
	if !errors.Is(err, storeErr) {
		t.Fatalf("Expected store error, got %v", err)
	}
	if ok {
		t.Error("Expected denial on error")
	}
}

func TestLimiter_Status(t *testing.T) {
	store := &mockStore{allowed: true}
	l := NewTestLimiter(store)

	res, err := l.Status(context.Background(), "key-2")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !res.Allowed {
		t.Error("Expected allowed status")
	}
	if store.keys[0] != "ratelimit:apikey:key-2" {
		t.Errorf("Unexpected redis key %q", store.keys[0])
	}
}
