// Package engine is the orchestrator: the only component exposed to end
// users. It sequences price validation, margin checks, fee accrual, and
// ledger application into atomic operations, and emits a record for every
// committed state change.
package engine

import (
	"errors"
	"sync"
	"time"

	"OutcomePerp/internal/event"
	"OutcomePerp/internal/funding"
	"OutcomePerp/internal/ledger"
	"OutcomePerp/internal/liquidation"
	"OutcomePerp/internal/observability"
	"OutcomePerp/internal/pricing"
	"OutcomePerp/internal/risk"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrSlippageExceeded is returned when the execution price falls outside
// the caller-supplied min/max bounds.
var ErrSlippageExceeded = errors.New("execution price outside caller bounds")

// Config tunes the orchestrator.
type Config struct {
	// MaxPriceAge is the staleness cutoff in seconds for trading paths.
	MaxPriceAge int64
}

// Engine owns the serialized mutation discipline: every mutating entry
// point runs under one mutex, and each operation either commits all of its
// sub-steps or rolls the touched state back to its checkpoint.
type Engine struct {
	mu sync.Mutex

	store    *ledger.Store
	prices   *pricing.Model
	risk     *risk.Model
	funding  *funding.Model
	liq      *liquidation.Engine
	recorder event.Recorder
	metrics  *observability.Metrics
	log      zerolog.Logger

	cap ledger.Capability
	cfg Config

	nowFn func() time.Time
	seq   int64
}

// New wires the engine. The capability must already be granted on the
// store; it is the engine's sole authority for mutations.
func New(
	store *ledger.Store,
	prices *pricing.Model,
	riskModel *risk.Model,
	fundingModel *funding.Model,
	cap ledger.Capability,
	recorder event.Recorder,
	metrics *observability.Metrics,
	log zerolog.Logger,
	cfg Config,
) *Engine {
	if cfg.MaxPriceAge <= 0 {
		cfg.MaxPriceAge = 60
	}
	if recorder == nil {
		recorder = event.NopRecorder{}
	}
	return &Engine{
		store:    store,
		prices:   prices,
		risk:     riskModel,
		funding:  fundingModel,
		liq:      liquidation.NewEngine(store, prices, riskModel),
		recorder: recorder,
		metrics:  metrics,
		log:      log,
		cap:      cap,
		cfg:      cfg,
		nowFn:    time.Now,
	}
}

// SetClock overrides the time source; tests drive funding and staleness
// through this.
func (e *Engine) SetClock(now func() time.Time) {
	e.nowFn = now
}

func (e *Engine) now() int64 {
	return e.nowFn().Unix()
}

// checkpoint captures everything a user operation may touch so a failure
// at any sub-step leaves no partial effect.
type checkpoint struct {
	engine      *Engine
	marketID    uint64
	store       ledger.Checkpoint
	fundingSt   funding.State
	hadFunding  bool
	priceSt     pricing.State
	hadPrice    bool
	accrualTime int64
}

func (e *Engine) checkpointFor(owner uuid.UUID, marketID uint64) checkpoint {
	cp := checkpoint{
		engine:      e,
		marketID:    marketID,
		store:       e.store.Checkpoint(owner, marketID),
		accrualTime: e.risk.LastAccrual(marketID),
	}
	cp.fundingSt, cp.hadFunding = e.funding.Snapshot(marketID)
	cp.priceSt, cp.hadPrice = e.prices.Snapshot(marketID)
	return cp
}

func (cp checkpoint) rollback() {
	cp.engine.store.Restore(cp.store)
	if cp.hadFunding {
		cp.engine.funding.RestoreState(cp.marketID, cp.fundingSt)
	}
	if cp.hadPrice {
		cp.engine.prices.RestoreState(cp.marketID, cp.priceSt)
	}
	cp.engine.risk.RestoreAccrual(cp.marketID, cp.accrualTime)
}

// emit assigns the next sequence number, stamps market indices, and hands
// the record to the recorder.
func (e *Engine) emit(rec event.Record) {
	e.seq++
	rec.ID = uuid.New()
	rec.Sequence = e.seq
	rec.KindName = rec.Kind.String()
	rec.Timestamp = e.nowFn()

	if mkt, err := e.store.GetMarket(rec.MarketID); err == nil {
		rec.FundingIndexLong = mkt.FundingIndexLong
		rec.FundingIndexShort = mkt.FundingIndexShort
		rec.BorrowIndex = mkt.BorrowIndex
		rec.TotalLongOI = mkt.TotalLongOI
		rec.TotalShortOI = mkt.TotalShortOI
	}

	e.recorder.Record(rec)
	if e.metrics != nil {
		e.metrics.RecordsEmitted.WithLabelValues(rec.Kind.String()).Inc()
	}
}

func (e *Engine) observe(op string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	if err != nil {
		e.metrics.OpsRejected.WithLabelValues(op, errLabel(err)).Inc()
	} else {
		e.metrics.OpsApplied.WithLabelValues(op).Inc()
		e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func errLabel(err error) string {
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ledger.ErrInvalidSize):
		return "invalid_size"
	case errors.Is(err, ledger.ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, ledger.ErrExceedsMaxOI):
		return "exceeds_max_oi"
	case errors.Is(err, ledger.ErrMarketNotConfigured):
		return "market_not_configured"
	case errors.Is(err, ledger.ErrPositionNotFound):
		return "position_not_found"
	case errors.Is(err, ledger.ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, pricing.ErrStalePrice):
		return "stale_price"
	case errors.Is(err, pricing.ErrPriceDeviationTooHigh):
		return "price_deviation"
	case errors.Is(err, risk.ErrInsufficientMargin):
		return "insufficient_margin"
	case errors.Is(err, liquidation.ErrNotLiquidatable):
		return "not_liquidatable"
	case errors.Is(err, ErrSlippageExceeded):
		return "slippage"
	default:
		return "other"
	}
}
