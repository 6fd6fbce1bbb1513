package billing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/agent-ledger/internal/metrics"
)

// UsageService accepts usage records for storage and answers aggregate
// queries. It keeps no per-call state, so Record may be called concurrently
// from any number of goroutines; each call appends exactly once.
type UsageService struct {
	store   UsageStore
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewUsageService(store UsageStore, logger *zap.Logger, m *metrics.Metrics) *UsageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &UsageService{store: store, logger: logger, metrics: m}
}

// Record validates rec and appends it through the store. Storage failures
// are returned as *StorageError and are never swallowed.
func (s *UsageService) Record(ctx context.Context, rec UsageRecord) error {
	if err := ValidateUsage(rec); err != nil {
		s.metrics.RecordFailures.WithLabelValues("usage", errorKind(err)).Inc()
		return err
	}

	if err := s.store.AppendUsage(ctx, rec); err != nil {
		err = storageError("append usage", err)
		s.metrics.RecordFailures.WithLabelValues("usage", errorKind(err)).Inc()
		s.logger.Error("failed to record usage",
			zap.String("record_id", rec.ID),
			zap.String("tool", rec.ToolID),
			zap.Float64("total_cost_credits", rec.TotalCostCredits),
			zap.Error(err),
		)
		return err
	}

	status := "ok"
	if rec.Failed {
		status = "failed_call"
	}
	s.metrics.UsageRecorded.WithLabelValues(rec.ToolID, string(rec.Purpose), status).Inc()
	s.metrics.UsageCredits.WithLabelValues(rec.ToolID, rec.ProviderID).Add(rec.TotalCostCredits)
	return nil
}

// QueryAggregates fetches matching records and aggregates them. The read is
// best effort: records appended while the query runs may or may not be
// included.
func (s *UsageService) QueryAggregates(ctx context.Context, filter UsageFilter) (UsageAggregates, error) {
	start := time.Now()
	defer func() {
		s.metrics.AggregationSeconds.WithLabelValues("usage").Observe(time.Since(start).Seconds())
	}()

	records, err := s.store.FetchUsage(ctx, filter)
	if err != nil {
		err = storageError("fetch usage", err)
		s.metrics.RecordFailures.WithLabelValues("usage_query", errorKind(err)).Inc()
		return UsageAggregates{}, err
	}
	return AggregateUsage(records), nil
}

// ValidateUsage checks the invariants every stored usage record must hold.
func ValidateUsage(rec UsageRecord) error {
	switch {
	case rec.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	case rec.UserID == "":
		return fmt.Errorf("%w: missing user_id", ErrInvalidRecord)
	case rec.ToolID == "":
		return fmt.Errorf("%w: missing tool_id", ErrInvalidRecord)
	case !rec.Purpose.Valid():
		return fmt.Errorf("%w: unknown purpose %q", ErrInvalidRecord, rec.Purpose)
	case rec.CreatedAt.IsZero():
		return fmt.Errorf("%w: missing created_at", ErrInvalidRecord)
	case rec.RuntimeSeconds < 0:
		return fmt.Errorf("%w: negative runtime_seconds", ErrInvalidRecord)
	case rec.RemoteRuntimeSeconds != nil && *rec.RemoteRuntimeSeconds < 0:
		return fmt.Errorf("%w: negative remote_runtime_seconds", ErrInvalidRecord)
	case rec.Tokens != nil && rec.Images != nil:
		return fmt.Errorf("%w: tokens and images are mutually exclusive", ErrInvalidRecord)
	case rec.ModelCostCredits < 0, rec.RemoteRuntimeCostCredits < 0, rec.APICallCostCredits < 0, rec.MaintenanceFeeCredits < 0:
		return fmt.Errorf("%w: negative cost component", ErrInvalidRecord)
	case !rec.CostBreakdown.Consistent():
		return fmt.Errorf("%w: total_cost_credits %v does not match components %v",
			ErrInvalidRecord, rec.TotalCostCredits, rec.CostBreakdown.ComponentSum())
	}
	return nil
}
