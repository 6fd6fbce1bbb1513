package seeder

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vnmchuo/agent-ledger/internal/auth"
)

// SeedOwner is the owner recorded for keys created from configuration.
const SeedOwner = "seed"

// SeedReportingKey makes sure key is a valid reporting API key. It is
// idempotent: an existing key is left untouched.
func SeedReportingKey(ctx context.Context, store auth.Store, key string, logger *zap.Logger) error {
	if key == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	apiKey := &auth.APIKey{
		Owner:   SeedOwner,
		KeyHash: auth.HashKey(key),
		Active:  true,
	}
	if err := store.Create(ctx, apiKey); err != nil {
		return fmt.Errorf("seed reporting key: %w", err)
	}

	if apiKey.ID == "" {
		logger.Info("reporting api key already present, skipping")
		return nil
	}
	logger.Info("reporting api key created", zap.String("key_id", apiKey.ID), zap.String("owner", SeedOwner))
	return nil
}
