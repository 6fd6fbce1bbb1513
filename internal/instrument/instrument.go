// Package instrument meters external-tool calls. Wrap returns a call with the
// same signature that times the wrapped call, prices the measurements and
// hands a usage record to a Sink, then returns the call's own result.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/vnmchuo/agent-ledger/internal/billing"
	"github.com/vnmchuo/agent-ledger/internal/pricing"
	"github.com/vnmchuo/agent-ledger/internal/registry"
)

const maxFailureReason = 512

// ErrMissingActor is reported when a metered call runs without a user in
// its context. The call itself is not affected.
var ErrMissingActor = fmt.Errorf("%w: no actor in context", billing.ErrInvalidRecord)

// Call is any context-aware request/response operation.
type Call[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Meter extracts unit measurements from a successful response. Runtime is
// filled in by the wrapper.
type Meter[Resp any] func(resp Resp) pricing.Measurements

// Metered is implemented by errors that carry the usage consumed before the
// call failed, e.g. tokens streamed before a disconnect.
type Metered interface {
	error
	Measurements() pricing.Measurements
}

// Sink receives finished records. *worker.Queue[billing.UsageRecord]
// satisfies it.
type Sink interface {
	Submit(rec billing.UsageRecord) error
	Report(err error)
}

type Instrumenter struct {
	registry *registry.Registry
	calc     *pricing.Calculator
	sink     Sink
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Instrumenter)

// WithClock replaces time.Now for measuring call duration.
func WithClock(now func() time.Time) Option {
	return func(in *Instrumenter) { in.now = now }
}

func New(reg *registry.Registry, calc *pricing.Calculator, sink Sink, logger *zap.Logger, opts ...Option) *Instrumenter {
	if logger == nil {
		logger = zap.NewNop()
	}
	in := &Instrumenter{
		registry: reg,
		calc:     calc,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Wrap meters every invocation of call as a use of toolID for purpose.
//
// The returned call behaves exactly like call: same response, same error
// value. A usage record is emitted whether or not call fails; a failed call
// is recorded with Failed set, the elapsed time up to the failure and any
// measurements the error carries. Accounting problems never reach the
// caller, they go to the Sink's error channel.
func Wrap[Req, Resp any](in *Instrumenter, toolID string, purpose registry.ToolType, call Call[Req, Resp], meter Meter[Resp]) Call[Req, Resp] {
	return func(ctx context.Context, req Req) (Resp, error) {
		start := in.now()
		resp, err := call(ctx, req)
		elapsed := in.now().Sub(start)

		var m pricing.Measurements
		var metered Metered
		switch {
		case err == nil && meter != nil:
			m = meter(resp)
		case err != nil && errors.As(err, &metered):
			m = metered.Measurements()
		}
		m.RuntimeSeconds = elapsed.Seconds()

		in.Emit(ctx, toolID, purpose, m, err)
		return resp, err
	}
}

// Emit builds a record for an already measured call and submits it. The
// actor is taken from ctx.
func (in *Instrumenter) Emit(ctx context.Context, toolID string, purpose registry.ToolType, m pricing.Measurements, callErr error) {
	actor, _ := billing.ActorFromContext(ctx)

	rec, err := in.Build(actor, toolID, purpose, m, callErr)
	if err != nil {
		in.sink.Report(err)
		if rec.ID == "" {
			in.logger.Error("usage not recorded",
				zap.String("tool", toolID),
				zap.String("purpose", string(purpose)),
				zap.Error(err),
			)
			return
		}
		in.logger.Warn("usage recorded without price",
			zap.String("record_id", rec.ID),
			zap.String("tool", toolID),
			zap.Error(err),
		)
	}

	if err := in.sink.Submit(rec); err != nil {
		err = fmt.Errorf("dispatch usage record %s: %w", rec.ID, err)
		in.sink.Report(err)
		in.logger.Error("usage dispatch failed", zap.Error(err))
	}
}

// Build prices m and returns the finished record.
//
// A missing actor or an unresolvable tool yields a zero record and an error.
// A pricing failure yields a usable record, marked Unpriced with zero cost,
// together with the pricing error.
func (in *Instrumenter) Build(actor billing.Actor, toolID string, purpose registry.ToolType, m pricing.Measurements, callErr error) (billing.UsageRecord, error) {
	if actor.UserID == "" {
		return billing.UsageRecord{}, ErrMissingActor
	}

	tool, err := in.registry.Resolve(toolID, purpose)
	if err != nil {
		return billing.UsageRecord{}, fmt.Errorf("%w: %w", pricing.ErrConfiguration, err)
	}

	cost, pricingErr := in.calc.Compute(tool, purpose, m)
	if pricingErr != nil {
		cost = pricing.CostBreakdown{}
		if errors.Is(pricingErr, pricing.ErrInvalidMeasurement) {
			m.Tokens, m.Images = nil, nil
		}
		pricingErr = fmt.Errorf("price %s/%s: %w", toolID, purpose, pricingErr)
	}

	rec := billing.NewUsageRecord(actor, tool, purpose, m, cost)
	rec.Unpriced = pricingErr != nil
	if callErr != nil {
		rec.Failed = true
		rec.FailureReason = failureReason(callErr.Error(), maxFailureReason)
	}
	return rec, pricingErr
}

// failureReason makes an error message storable as Postgres TEXT: valid
// UTF-8, no NUL bytes, at most n bytes and cut on a rune boundary.
func failureReason(s string, n int) string {
	s = strings.ReplaceAll(strings.ToValidUTF8(s, "\uFFFD"), "\x00", "")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
