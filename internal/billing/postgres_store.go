package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/agent-ledger/internal/pricing"
	"github.com/vnmchuo/agent-ledger/internal/registry"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint conflict.
const uniqueViolation = "23505"

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore implements UsageStore and PurchaseStore. Concurrency control
// is left to PostgreSQL; the store itself holds no state.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) AppendUsage(ctx context.Context, rec UsageRecord) error {
	// Re-delivery of the same record id is a no-op, so an at-least-once
	// producer cannot double count.
	query := `
		INSERT INTO usage_records (
			id, user_id, chat_id, tool_id, tool_name, provider_id, provider_name, purpose, created_at,
			runtime_seconds, remote_runtime_seconds,
			model_cost_credits, remote_runtime_cost_credits, api_call_cost_credits, maintenance_fee_credits, total_cost_credits,
			input_tokens, output_tokens, search_tokens, total_tokens, image_count, image_size,
			failed, failure_reason, unpriced
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
		ON CONFLICT (id) DO NOTHING
	`
	var in, out, search, total, images *int64
	var size *string
	if t := rec.Tokens; t != nil {
		in, out, search, total = &t.Input, &t.Output, &t.Search, &t.Total
	}
	if img := rec.Images; img != nil {
		images, size = &img.Count, nullString(img.Size)
	}

	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.UserID, nullString(rec.ChatID), rec.ToolID, rec.ToolName, rec.ProviderID, rec.ProviderName,
		string(rec.Purpose), rec.CreatedAt,
		rec.RuntimeSeconds, rec.RemoteRuntimeSeconds,
		rec.ModelCostCredits, rec.RemoteRuntimeCostCredits, rec.APICallCostCredits, rec.MaintenanceFeeCredits, rec.TotalCostCredits,
		in, out, search, total, images, size,
		rec.Failed, nullString(rec.FailureReason), rec.Unpriced,
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) FetchUsage(ctx context.Context, filter UsageFilter) ([]UsageRecord, error) {
	var w where
	w.timeRange("created_at", filter.From, filter.To)
	w.eq("user_id", filter.UserID)
	w.eq("chat_id", filter.ChatID)

	query := `
		SELECT id, user_id, chat_id, tool_id, tool_name, provider_id, provider_name, purpose, created_at,
			runtime_seconds, remote_runtime_seconds,
			model_cost_credits, remote_runtime_cost_credits, api_call_cost_credits, maintenance_fee_credits, total_cost_credits,
			input_tokens, output_tokens, search_tokens, total_tokens, image_count, image_size,
			failed, failure_reason, unpriced
		FROM usage_records` + w.clause() + `
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var (
			r                         UsageRecord
			purpose                   string
			chatID, reason, imageSize *string
			in, out, search, total    *int64
			imageCount                *int64
		)
		err := rows.Scan(
			&r.ID, &r.UserID, &chatID, &r.ToolID, &r.ToolName, &r.ProviderID, &r.ProviderName, &purpose, &r.CreatedAt,
			&r.RuntimeSeconds, &r.RemoteRuntimeSeconds,
			&r.ModelCostCredits, &r.RemoteRuntimeCostCredits, &r.APICallCostCredits, &r.MaintenanceFeeCredits, &r.TotalCostCredits,
			&in, &out, &search, &total, &imageCount, &imageSize,
			&r.Failed, &reason, &r.Unpriced,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}

		r.Purpose = registry.ToolType(purpose)
		r.ChatID = deref(chatID)
		r.FailureReason = deref(reason)
		r.CreatedAt = r.CreatedAt.UTC()
		if in != nil || out != nil || search != nil || total != nil {
			r.Tokens = &pricing.TokenCounts{Input: deref(in), Output: deref(out), Search: deref(search), Total: deref(total)}
		}
		if imageCount != nil {
			r.Images = &pricing.ImageCounts{Count: *imageCount, Size: deref(imageSize)}
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) AppendPurchase(ctx context.Context, rec PurchaseRecord) error {
	query := `
		INSERT INTO purchase_records (
			id, user_id, seller_id, sale_id, sale_timestamp, product_id, product_name, product_permalink, short_product_id,
			price, quantity, currency, fee_cents, affiliate_credit_cents, affiliate, discover_fee_charged,
			email, license_key, ip_country, referrer, url_params, custom_fields,
			is_test, is_preorder, refunded, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)
	`
	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.UserID, rec.SellerID, rec.SaleID, rec.SaleTimestamp, rec.ProductID, rec.ProductName,
		rec.ProductPermalink, rec.ShortProductID,
		rec.Price, rec.Quantity, rec.Currency, rec.FeeCents, rec.AffiliateCreditCents, rec.Affiliate, rec.DiscoverFeeCharged,
		rec.Email, rec.LicenseKey, rec.IPCountry, rec.Referrer, rec.URLParams, rec.CustomFields,
		rec.IsTest, rec.IsPreorder, rec.Refunded, rec.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: sale %s/%s", ErrDuplicateEvent, rec.SellerID, rec.SaleID)
		}
		return fmt.Errorf("failed to insert purchase record: %w", err)
	}
	return nil
}

func (s *PostgresStore) FetchPurchases(ctx context.Context, filter PurchaseFilter) ([]PurchaseRecord, error) {
	var w where
	w.timeRange("sale_timestamp", filter.From, filter.To)
	w.eq("user_id", filter.UserID)
	w.eq("seller_id", filter.SellerID)
	w.eq("product_id", filter.ProductID)
	if filter.ExcludeTest {
		w.add("is_test = false")
	}

	query := `
		SELECT id, user_id, seller_id, sale_id, sale_timestamp, product_id, product_name, product_permalink, short_product_id,
			price, quantity, currency, fee_cents, affiliate_credit_cents, affiliate, discover_fee_charged,
			email, license_key, ip_country, referrer, url_params, custom_fields,
			is_test, is_preorder, refunded, created_at
		FROM purchase_records` + w.clause() + `
		ORDER BY sale_timestamp ASC, id ASC
	`
	rows, err := s.db.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchase records: %w", err)
	}
	defer rows.Close()

	var records []PurchaseRecord
	for rows.Next() {
		var r PurchaseRecord
		err := rows.Scan(
			&r.ID, &r.UserID, &r.SellerID, &r.SaleID, &r.SaleTimestamp, &r.ProductID, &r.ProductName,
			&r.ProductPermalink, &r.ShortProductID,
			&r.Price, &r.Quantity, &r.Currency, &r.FeeCents, &r.AffiliateCreditCents, &r.Affiliate, &r.DiscoverFeeCharged,
			&r.Email, &r.LicenseKey, &r.IPCountry, &r.Referrer, &r.URLParams, &r.CustomFields,
			&r.IsTest, &r.IsPreorder, &r.Refunded, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan purchase record: %w", err)
		}
		r.SaleTimestamp = r.SaleTimestamp.UTC()
		r.CreatedAt = r.CreatedAt.UTC()
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating purchase records: %w", err)
	}

	return records, nil
}

// where builds a parameterized WHERE clause.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) eq(column, value string) {
	if value != "" {
		w.add(fmt.Sprintf("%s = $%d", column, len(w.args)+1), value)
	}
}

func (w *where) timeRange(column string, from, to time.Time) {
	if !from.IsZero() {
		w.add(fmt.Sprintf("%s >= $%d", column, len(w.args)+1), from)
	}
	if !to.IsZero() {
		w.add(fmt.Sprintf("%s < $%d", column, len(w.args)+1), to)
	}
}

func (w *where) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return "\n\t\tWHERE " + strings.Join(w.conds, " AND ")
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
