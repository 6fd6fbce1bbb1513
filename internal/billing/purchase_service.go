package billing

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/agent-ledger/internal/metrics"
)

// Outcome reports what RecordPurchase did with an accepted payload.
type Outcome string

const (
	OutcomeRecorded         Outcome = "recorded"
	OutcomeDuplicateIgnored Outcome = "duplicate_ignored"
)

type PurchaseConfig struct {
	// SellerID is compared with the payload's seller_id when CheckSeller is set.
	SellerID    string
	CheckSeller bool
}

type PurchaseService struct {
	store   PurchaseStore
	cfg     PurchaseConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewPurchaseService(store PurchaseStore, cfg PurchaseConfig, logger *zap.Logger, m *metrics.Metrics) *PurchaseService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &PurchaseService{store: store, cfg: cfg, logger: logger, metrics: m}
}

// RecordPurchase authorizes, normalizes and stores a webhook payload.
// A re-delivered sale is not an error: it returns OutcomeDuplicateIgnored and
// nothing new is stored. The returned record then has an empty ID, since the
// stored copy keeps the id of the first delivery.
func (s *PurchaseService) RecordPurchase(ctx context.Context, payload PurchasePayload) (PurchaseRecord, Outcome, error) {
	if s.cfg.CheckSeller && !s.authorized(payload.SellerID()) {
		s.fail(ErrUnauthorizedSeller)
		s.logger.Warn("rejected purchase from unauthorized seller", zap.String("seller_id", payload.SellerID()))
		return PurchaseRecord{}, "", ErrUnauthorizedSeller
	}

	rec, err := NormalizePurchase(payload)
	if err != nil {
		s.fail(err)
		return PurchaseRecord{}, "", err
	}

	err = s.store.AppendPurchase(ctx, rec)
	switch {
	case err == nil:
		s.metrics.Purchases.WithLabelValues(string(OutcomeRecorded)).Inc()
		s.logger.Info("purchase recorded",
			zap.String("purchase_id", rec.ID),
			zap.String("sale_id", rec.SaleID),
			zap.String("product_id", rec.ProductID),
			zap.Int64("price", rec.Price),
			zap.Bool("refunded", rec.Refunded),
		)
		return rec, OutcomeRecorded, nil
	case errors.Is(err, ErrDuplicateEvent):
		s.metrics.Purchases.WithLabelValues(string(OutcomeDuplicateIgnored)).Inc()
		s.logger.Info("duplicate purchase ignored",
			zap.String("seller_id", rec.SellerID),
			zap.String("sale_id", rec.SaleID),
		)
		rec.ID = ""
		return rec, OutcomeDuplicateIgnored, nil
	default:
		err = storageError("append purchase", err)
		s.fail(err)
		s.logger.Error("failed to record purchase", zap.String("sale_id", rec.SaleID), zap.Error(err))
		return PurchaseRecord{}, "", err
	}
}

func (s *PurchaseService) QueryAggregates(ctx context.Context, filter PurchaseFilter) (PurchaseAggregates, error) {
	start := time.Now()
	defer func() {
		s.metrics.AggregationSeconds.WithLabelValues("purchase").Observe(time.Since(start).Seconds())
	}()

	records, err := s.store.FetchPurchases(ctx, filter)
	if err != nil {
		err = storageError("fetch purchases", err)
		s.metrics.RecordFailures.WithLabelValues("purchase_query", errorKind(err)).Inc()
		return PurchaseAggregates{}, err
	}
	return AggregatePurchases(records), nil
}

func (s *PurchaseService) authorized(sellerID string) bool {
	if s.cfg.SellerID == "" || sellerID == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sellerID), []byte(s.cfg.SellerID)) == 1
}

func (s *PurchaseService) fail(err error) {
	s.metrics.Purchases.WithLabelValues(errorKind(err)).Inc()
}
