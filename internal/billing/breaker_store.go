package billing

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Store is both storage contracts, as implemented by PostgresStore.
type Store interface {
	UsageStore
	PurchaseStore
}

type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:         3,
		Interval:            5 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// BreakerStore guards a Store with one circuit breaker for writes and one for
// reads. While a breaker is open calls fail fast with a *StorageError.
type BreakerStore struct {
	next   Store
	writes *gobreaker.CircuitBreaker
	reads  *gobreaker.CircuitBreaker
}

func NewBreakerStore(next Store, cfg BreakerSettings, logger *zap.Logger) *BreakerStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	newBreaker := func(name string) *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.MaxRequests,
			Interval:    cfg.Interval,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			},
			// A duplicate is the store working as intended.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrDuplicateEvent)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("storage circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		})
	}
	return &BreakerStore{
		next:   next,
		writes: newBreaker("storage-writes"),
		reads:  newBreaker("storage-reads"),
	}
}

func (s *BreakerStore) AppendUsage(ctx context.Context, rec UsageRecord) error {
	_, err := s.writes.Execute(func() (interface{}, error) {
		return nil, s.next.AppendUsage(ctx, rec)
	})
	return s.wrap("append usage", err)
}

func (s *BreakerStore) FetchUsage(ctx context.Context, filter UsageFilter) ([]UsageRecord, error) {
	result, err := s.reads.Execute(func() (interface{}, error) {
		return s.next.FetchUsage(ctx, filter)
	})
	if err != nil {
		return nil, s.wrap("fetch usage", err)
	}
	records, _ := result.([]UsageRecord)
	return records, nil
}

func (s *BreakerStore) AppendPurchase(ctx context.Context, rec PurchaseRecord) error {
	_, err := s.writes.Execute(func() (interface{}, error) {
		return nil, s.next.AppendPurchase(ctx, rec)
	})
	return s.wrap("append purchase", err)
}

func (s *BreakerStore) FetchPurchases(ctx context.Context, filter PurchaseFilter) ([]PurchaseRecord, error) {
	result, err := s.reads.Execute(func() (interface{}, error) {
		return s.next.FetchPurchases(ctx, filter)
	})
	if err != nil {
		return nil, s.wrap("fetch purchases", err)
	}
	records, _ := result.([]PurchaseRecord)
	return records, nil
}

// State reports the write and read breaker states, for health checks.
func (s *BreakerStore) State() (writes, reads gobreaker.State) {
	return s.writes.State(), s.reads.State()
}

func (s *BreakerStore) wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &StorageError{Op: op, Err: err}
	default:
		return err
	}
}
