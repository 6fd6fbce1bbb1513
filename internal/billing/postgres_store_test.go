package billing

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/agent-ledger/internal/pricing"
	"github.com/vnmchuo/agent-ledger/internal/registry"
)

type mockDB struct {
	queryFunc func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc  func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return m.queryFunc(ctx, sql, args...)
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return m.execFunc(ctx, sql, args...)
}

// fakeRows serves fixed rows; Scan assigns each value to the matching
// destination pointer.
type fakeRows struct {
	rows [][]any
	pos  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Values() ([]any, error) { return r.rows[r.pos-1], nil }

func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.pos-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: %d destinations for %d columns", len(dest), len(row))
	}
	for i, d := range dest {
		target := reflect.ValueOf(d).Elem()
		if row[i] == nil {
			target.Set(reflect.Zero(target.Type()))
			continue
		}
		v := reflect.ValueOf(row[i])
		if !v.Type().AssignableTo(target.Type()) {
			return fmt.Errorf("scan: column %d: cannot assign %s to %s", i, v.Type(), target.Type())
		}
		target.Set(v)
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

func TestPostgresStore_AppendUsage(t *testing.T) {
	var gotSQL string
	var gotArgs []any
	db := &mockDB{execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		gotSQL, gotArgs = sql, args
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}}
	store := NewPostgresStore(db)

	rec := UsageRecord{
		ID: "r1", UserID: "u1", ToolID: "gpt-4o", Purpose: registry.TypeLLM,
		CreatedAt: time.Now().UTC(),
		Tokens:    &pricing.TokenCounts{Input: 10, Output: 5, Total: 15},
	}
	require.NoError(t, store.AppendUsage(context.Background(), rec))

	assert.Contains(t, gotSQL, "ON CONFLICT (id) DO NOTHING")
	require.Len(t, gotArgs, 25)
	assert.Equal(t, "r1", gotArgs[0])
	assert.Nil(t, gotArgs[2], "empty chat id is stored as NULL")
	assert.Equal(t, "llm", gotArgs[7])
	assert.Equal(t, int64(10), *gotArgs[16].(*int64))
	assert.Nil(t, gotArgs[20].(*int64), "no image count for token records")
}

func TestPostgresStore_AppendPurchase_UniqueViolation(t *testing.T) {
	db := &mockDB{execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505", ConstraintName: "purchase_records_seller_id_sale_id_key"}
	}}
	store := NewPostgresStore(db)

	err := store.AppendPurchase(context.Background(), PurchaseRecord{SellerID: "s", SaleID: "1"})
	assert.ErrorIs(t, err, ErrDuplicateEvent)
}

func TestPostgresStore_AppendPurchase_OtherError(t *testing.T) {
	dbErr := errors.New("connection reset")
	db := &mockDB{execFunc: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, dbErr
	}}
	store := NewPostgresStore(db)

	err := store.AppendPurchase(context.Background(), PurchaseRecord{SellerID: "s", SaleID: "1"})
	assert.ErrorIs(t, err, dbErr)
	assert.NotErrorIs(t, err, ErrDuplicateEvent)
}

func TestPostgresStore_FetchUsage(t *testing.T) {
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	from := created.Add(-time.Hour)

	var gotSQL string
	var gotArgs []any
	db := &mockDB{queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
		gotSQL, gotArgs = sql, args
		return &fakeRows{rows: [][]any{
			{
				"r1", "u1", ptr("c1"), "gpt-4o", "GPT-4o", "open-ai", "OpenAI", "llm", created,
				1.5, (*float64)(nil),
				0.01, 0.0, 0.0, 0.01, 0.02,
				ptr(int64(10)), ptr(int64(5)), ptr(int64(0)), ptr(int64(15)), (*int64)(nil), (*string)(nil),
				false, (*string)(nil), false,
			},
			{
				"r2", "u1", (*string)(nil), "dall-e-3", "DALL-E 3", "open-ai", "OpenAI", "images", created,
				4.0, ptr(2.0),
				0.04, 0.0, 0.0, 0.01, 0.05,
				(*int64)(nil), (*int64)(nil), (*int64)(nil), (*int64)(nil), ptr(int64(1)), ptr("1024x1024"),
				true, ptr("timeout"), false,
			},
		}}, nil
	}}
	store := NewPostgresStore(db)

	records, err := store.FetchUsage(context.Background(), UsageFilter{From: from, UserID: "u1"})
	require.NoError(t, err)

	assert.Contains(t, gotSQL, "WHERE created_at >= $1 AND user_id = $2")
	assert.Contains(t, gotSQL, "ORDER BY created_at ASC, id ASC")
	assert.Equal(t, []any{from, "u1"}, gotArgs)

	require.Len(t, records, 2)
	assert.Equal(t, "c1", records[0].ChatID)
	assert.Equal(t, registry.TypeLLM, records[0].Purpose)
	require.NotNil(t, records[0].Tokens)
	assert.Equal(t, int64(15), records[0].Tokens.Total)
	assert.Nil(t, records[0].Images)

	assert.Empty(t, records[1].ChatID)
	assert.Nil(t, records[1].Tokens)
	require.NotNil(t, records[1].Images)
	assert.Equal(t, "1024x1024", records[1].Images.Size)
	assert.Equal(t, 2.0, *records[1].RemoteRuntimeSeconds)
	assert.True(t, records[1].Failed)
	assert.Equal(t, "timeout", records[1].FailureReason)
}

func TestPostgresStore_FetchPurchases_Filters(t *testing.T) {
	var gotSQL string
	var gotArgs []any
	db := &mockDB{queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
		gotSQL, gotArgs = sql, args
		return &fakeRows{}, nil
	}}
	store := NewPostgresStore(db)

	to := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	records, err := store.FetchPurchases(context.Background(), PurchaseFilter{To: to, ProductID: "pro", ExcludeTest: true})
	require.NoError(t, err)
	assert.Empty(t, records)

	assert.Contains(t, gotSQL, "WHERE sale_timestamp < $1 AND product_id = $2 AND is_test = false")
	assert.Equal(t, []any{to, "pro"}, gotArgs)
}

func TestPostgresStore_FetchErrors(t *testing.T) {
	queryErr := errors.New("relation does not exist")
	store := NewPostgresStore(&mockDB{queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
		return nil, queryErr
	}})
	_, err := store.FetchUsage(context.Background(), UsageFilter{})
	assert.ErrorIs(t, err, queryErr)

	iterErr := errors.New("conn closed")
	store = NewPostgresStore(&mockDB{queryFunc: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
		return &fakeRows{err: iterErr}, nil
	}})
	_, err = store.FetchPurchases(context.Background(), PurchaseFilter{})
	assert.ErrorIs(t, err, iterErr)
}
