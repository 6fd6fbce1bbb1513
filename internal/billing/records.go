package billing

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/agent-ledger/internal/pricing"
	"github.com/vnmchuo/agent-ledger/internal/registry"
)

// UsageRecord is one metered external-tool invocation. Records are values and
// are not modified once handed to a store or queue.
type UsageRecord struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	ChatID       string            `json:"chat_id,omitempty"`
	ToolID       string            `json:"tool_id"`
	ToolName     string            `json:"tool_name"`
	ProviderID   string            `json:"provider_id"`
	ProviderName string            `json:"provider_name"`
	Purpose      registry.ToolType `json:"purpose"`
	CreatedAt    time.Time         `json:"created_at"`

	RuntimeSeconds       float64  `json:"runtime_seconds"`
	RemoteRuntimeSeconds *float64 `json:"remote_runtime_seconds,omitempty"`

	pricing.CostBreakdown

	Tokens *pricing.TokenCounts `json:"tokens,omitempty"`
	Images *pricing.ImageCounts `json:"images,omitempty"`

	Failed        bool   `json:"failed"`
	FailureReason string `json:"failure_reason,omitempty"`
	// Unpriced marks records stored without a cost because pricing failed.
	Unpriced bool `json:"unpriced,omitempty"`
}

// Actor identifies who triggered a metered call.
type Actor struct {
	UserID string
	ChatID string
}

// NewUsageRecord stamps a new record with a fresh id and the current UTC time.
func NewUsageRecord(actor Actor, tool registry.ExternalTool, purpose registry.ToolType, m pricing.Measurements, cost pricing.CostBreakdown) UsageRecord {
	rec := UsageRecord{
		ID:             uuid.New().String(),
		UserID:         actor.UserID,
		ChatID:         actor.ChatID,
		ToolID:         tool.ID,
		ToolName:       tool.Name,
		ProviderID:     tool.Provider.ID,
		ProviderName:   tool.Provider.Name,
		Purpose:        purpose,
		CreatedAt:      time.Now().UTC(),
		RuntimeSeconds: m.RuntimeSeconds,
		CostBreakdown:  cost,
	}
	if m.RemoteRuntimeSeconds != nil {
		v := *m.RemoteRuntimeSeconds
		rec.RemoteRuntimeSeconds = &v
	}
	if m.Tokens != nil {
		t := *m.Tokens
		if t.Total == 0 {
			t.Total = t.Sum()
		}
		rec.Tokens = &t
	}
	if m.Images != nil {
		img := *m.Images
		rec.Images = &img
	}
	return rec
}

// PurchaseRecord is one accepted purchase webhook. A refund is recorded as a
// flag on the record; the price always stays the original sale price.
type PurchaseRecord struct {
	ID                   string            `json:"id"`
	UserID               *string           `json:"user_id,omitempty"`
	SellerID             string            `json:"seller_id"`
	SaleID               string            `json:"sale_id"`
	SaleTimestamp        time.Time         `json:"sale_timestamp"`
	ProductID            string            `json:"product_id"`
	ProductName          string            `json:"product_name"`
	ProductPermalink     string            `json:"product_permalink,omitempty"`
	ShortProductID       string            `json:"short_product_id,omitempty"`
	Price                int64             `json:"price"`
	Quantity             int64             `json:"quantity"`
	Currency             string            `json:"currency,omitempty"`
	FeeCents             int64             `json:"fee_cents"`
	AffiliateCreditCents int64             `json:"affiliate_credit_cents"`
	Affiliate            string            `json:"affiliate,omitempty"`
	DiscoverFeeCharged   bool              `json:"discover_fee_charged"`
	Email                string            `json:"email,omitempty"`
	LicenseKey           string            `json:"license_key,omitempty"`
	IPCountry            string            `json:"ip_country,omitempty"`
	Referrer             string            `json:"referrer,omitempty"`
	URLParams            map[string]string `json:"url_params,omitempty"`
	CustomFields         map[string]string `json:"custom_fields,omitempty"`
	IsTest               bool              `json:"is_test"`
	IsPreorder           bool              `json:"is_preorder"`
	Refunded             bool              `json:"refunded"`
	CreatedAt            time.Time         `json:"created_at"`
}

// UsageFilter narrows a usage query. Zero values mean "no constraint";
// From is inclusive and To is exclusive.
type UsageFilter struct {
	From   time.Time
	To     time.Time
	UserID string
	ChatID string
}

type PurchaseFilter struct {
	From        time.Time
	To          time.Time
	UserID      string
	SellerID    string
	ProductID   string
	ExcludeTest bool
}

type actorKey struct{}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
