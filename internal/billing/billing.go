// Package billing is the usage-and-purchase accounting core: immutable record
// types, the usage and purchase services, the storage contracts they depend
// on, and the one-pass aggregation engine behind every report.
package billing

import (
	"context"
)

// UsageStore is the durable storage collaborator for usage records.
// Implementations must be safe for concurrent use.
type UsageStore interface {
	AppendUsage(ctx context.Context, rec UsageRecord) error
	// FetchUsage returns matching records ordered by creation time, then id.
	FetchUsage(ctx context.Context, filter UsageFilter) ([]UsageRecord, error)
}

// PurchaseStore enforces (seller_id, sale_id) uniqueness and reports a
// conflict as ErrDuplicateEvent.
type PurchaseStore interface {
	AppendPurchase(ctx context.Context, rec PurchaseRecord) error
	FetchPurchases(ctx context.Context, filter PurchaseFilter) ([]PurchaseRecord, error)
}
