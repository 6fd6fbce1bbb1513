package billing

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vnmchuo/agent-ledger/internal/metrics"
	"github.com/vnmchuo/agent-ledger/internal/pricing"
	"github.com/vnmchuo/agent-ledger/internal/registry"
)

func pricedRecord(t *testing.T, userID string) UsageRecord {
	t.Helper()
	tool, err := registry.Default().Tool("gpt-4o")
	require.NoError(t, err)

	m := pricing.Measurements{RuntimeSeconds: 1.2, Tokens: &pricing.TokenCounts{Input: 1000, Output: 500}}
	calc, err := pricing.NewCalculator(pricing.Default())
	require.NoError(t, err)
	cost, err := calc.Compute(tool, registry.TypeLLM, m)
	require.NoError(t, err)

	return NewUsageRecord(Actor{UserID: userID, ChatID: "chat-1"}, tool, registry.TypeLLM, m, cost)
}

func TestUsageService_Record(t *testing.T) {
	store := newMemStore()
	m := metrics.New(prometheus.NewRegistry())
	svc := NewUsageService(store, zaptest.NewLogger(t), m)

	rec := pricedRecord(t, "u1")
	require.NoError(t, svc.Record(context.Background(), rec))

	require.Len(t, store.usage, 1)
	assert.Equal(t, rec, store.usage[0])
	assert.Equal(t, int64(1500), store.usage[0].Tokens.Total)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UsageRecorded.WithLabelValues("gpt-4o", "llm", "ok")))
	assert.InDelta(t, rec.TotalCostCredits, testutil.ToFloat64(m.UsageCredits.WithLabelValues("gpt-4o", "open-ai")), 1e-9)
}

func TestUsageService_RecordRejectsInvalid(t *testing.T) {
	svc := NewUsageService(newMemStore(), nil, nil)
	base := pricedRecord(t, "u1")

	tests := []struct {
		name   string
		mutate func(r *UsageRecord)
	}{
		{"missing user", func(r *UsageRecord) { r.UserID = "" }},
		{"missing tool", func(r *UsageRecord) { r.ToolID = "" }},
		{"unknown purpose", func(r *UsageRecord) { r.Purpose = "telepathy" }},
		{"negative runtime", func(r *UsageRecord) { r.RuntimeSeconds = -1 }},
		{"tokens and images", func(r *UsageRecord) { r.Images = &pricing.ImageCounts{Count: 1} }},
		{"inconsistent total", func(r *UsageRecord) { r.TotalCostCredits += 0.5 }},
		{"negative component", func(r *UsageRecord) {
			r.ModelCostCredits = -1
			r.TotalCostCredits = r.ComponentSum()
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := base
			tt.mutate(&rec)
			err := svc.Record(context.Background(), rec)
			assert.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestUsageService_StorageFailure(t *testing.T) {
	dbErr := errors.New("disk full")
	store := &mockStore{appendUsageFunc: func(ctx context.Context, rec UsageRecord) error { return dbErr }}
	m := metrics.New(nil)
	svc := NewUsageService(store, nil, m)

	err := svc.Record(context.Background(), pricedRecord(t, "u1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, dbErr)

	var se *StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "append usage", se.Op)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordFailures.WithLabelValues("usage", "storage")))
}

func TestUsageService_ConcurrentRecord(t *testing.T) {
	store := newMemStore()
	svc := NewUsageService(store, nil, nil)

	const writers, perWriter = 16, 50
	base := pricedRecord(t, "u1")
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				rec := base
				rec.ID = uuid.New().String()
				assert.NoError(t, svc.Record(context.Background(), rec))
			}
		}()
	}
	wg.Wait()

	agg, err := svc.QueryAggregates(context.Background(), UsageFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter, agg.TotalRecords)
	assert.Equal(t, writers*perWriter, agg.ByTool["gpt-4o"].RecordCount)
	assert.Len(t, store.usageIDs, writers*perWriter)
}

func TestUsageService_QueryAggregates(t *testing.T) {
	store := newMemStore()
	svc := NewUsageService(store, nil, nil)

	require.NoError(t, svc.Record(context.Background(), pricedRecord(t, "u1")))
	require.NoError(t, svc.Record(context.Background(), pricedRecord(t, "u2")))

	agg, err := svc.QueryAggregates(context.Background(), UsageFilter{UserID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, 1, agg.TotalRecords)
	assert.Equal(t, []DimensionValue{{ID: "gpt-4o", Name: "GPT 4o"}}, agg.AllToolsUsed)

	failing := &mockStore{fetchUsageFunc: func(ctx context.Context, f UsageFilter) ([]UsageRecord, error) {
		return nil, errors.New("timeout")
	}}
	_, err = NewUsageService(failing, nil, nil).QueryAggregates(context.Background(), UsageFilter{})
	assert.ErrorIs(t, err, ErrStorage)
}
