package billing

import (
	"context"
	"sync"
)

// memStore is an in-memory Store with the same uniqueness rules as the
// PostgreSQL schema.
type memStore struct {
	mu        sync.Mutex
	usage     []UsageRecord
	usageIDs  map[string]bool
	purchases []PurchaseRecord
	sales     map[string]bool
}

func newMemStore() *memStore {
	return &memStore{usageIDs: map[string]bool{}, sales: map[string]bool{}}
}

func (s *memStore) AppendUsage(ctx context.Context, rec UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usageIDs[rec.ID] {
		return nil
	}
	s.usageIDs[rec.ID] = true
	s.usage = append(s.usage, rec)
	return nil
}

func (s *memStore) FetchUsage(ctx context.Context, filter UsageFilter) ([]UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []UsageRecord
	for _, r := range s.usage {
		if filter.UserID != "" && r.UserID != filter.UserID {
			continue
		}
		if filter.ChatID != "" && r.ChatID != filter.ChatID {
			continue
		}
		if !filter.From.IsZero() && r.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !r.CreatedAt.Before(filter.To) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *memStore) AppendPurchase(ctx context.Context, rec PurchaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := rec.SellerID + "/" + rec.SaleID
	if s.sales[key] {
		return ErrDuplicateEvent
	}
	s.sales[key] = true
	s.purchases = append(s.purchases, rec)
	return nil
}

func (s *memStore) FetchPurchases(ctx context.Context, filter PurchaseFilter) ([]PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PurchaseRecord
	for _, r := range s.purchases {
		if filter.SellerID != "" && r.SellerID != filter.SellerID {
			continue
		}
		if filter.ProductID != "" && r.ProductID != filter.ProductID {
			continue
		}
		if filter.ExcludeTest && r.IsTest {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
