package engine

import (
	"time"

	"OutcomePerp/internal/event"
	"OutcomePerp/internal/funding"
	"OutcomePerp/internal/ledger"
	"OutcomePerp/internal/liquidation"
	"OutcomePerp/internal/pricing"
	"OutcomePerp/internal/risk"

	"github.com/google/uuid"
)

// MarketSpec bundles everything a new market needs across the models.
type MarketSpec struct {
	OracleRef string
	MaxOI     int64
	Pricing   pricing.Config
	Risk      risk.Params
	Funding   funding.Config
	// LPCapital is the initial borrowable pool capital, Unit-scaled.
	LPCapital int64
}

// CreateMarket registers the market in the ledger and installs its
// pricing, risk, and funding configuration in one step. Configuration is
// applied in dependency order; a failure after the ledger insert leaves
// the market inactive rather than partially configured.
func (e *Engine) CreateMarket(spec MarketSpec) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	id, err := e.createMarket(spec)
	e.observe("create_market", start, err)
	return id, err
}

func (e *Engine) createMarket(spec MarketSpec) (uint64, error) {
	id, err := e.store.CreateMarket(e.cap, spec.OracleRef, spec.MaxOI)
	if err != nil {
		return 0, err
	}
	if err := e.prices.Configure(e.cap, id, spec.Pricing); err != nil {
		e.store.SetMarketActive(e.cap, id, false)
		return 0, err
	}
	if err := e.risk.SetParams(e.cap, id, spec.Risk); err != nil {
		e.store.SetMarketActive(e.cap, id, false)
		return 0, err
	}
	if err := e.funding.Configure(e.cap, id, spec.Funding); err != nil {
		e.store.SetMarketActive(e.cap, id, false)
		return 0, err
	}
	if err := e.risk.SetCapital(e.cap, id, spec.LPCapital); err != nil {
		e.store.SetMarketActive(e.cap, id, false)
		return 0, err
	}

	e.log.Info().
		Uint64("market_id", id).
		Str("oracle_ref", spec.OracleRef).
		Int64("max_oi", spec.MaxOI).
		Msg("market created")

	e.emit(event.Record{
		Kind:     event.KindMarketCreated,
		MarketID: id,
		Actor:    e.store.GrantName(e.cap),
	})
	return id, nil
}

// MarketConfig carries the re-tunable per-market parameters. Nil fields
// keep the installed values.
type MarketConfig struct {
	Pricing   *pricing.Config
	Risk      *risk.Params
	Funding   *funding.Config
	LPCapital *int64
}

// ConfigureMarket replaces parameters on a live market. Config replacement
// is not checkpointed: each model validates before installing, so a
// rejected section leaves the previous section's update in place but never
// a half-installed section.
func (e *Engine) ConfigureMarket(marketID uint64, cfg MarketConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	err := e.configureMarket(marketID, cfg)
	e.observe("configure_market", start, err)
	return err
}

func (e *Engine) configureMarket(marketID uint64, cfg MarketConfig) error {
	if _, err := e.store.GetMarket(marketID); err != nil {
		return err
	}
	if cfg.Pricing != nil {
		if err := e.prices.Configure(e.cap, marketID, *cfg.Pricing); err != nil {
			return err
		}
	}
	if cfg.Risk != nil {
		if err := e.risk.SetParams(e.cap, marketID, *cfg.Risk); err != nil {
			return err
		}
	}
	if cfg.Funding != nil {
		if err := e.funding.Configure(e.cap, marketID, *cfg.Funding); err != nil {
			return err
		}
	}
	if cfg.LPCapital != nil {
		if err := e.risk.SetCapital(e.cap, marketID, *cfg.LPCapital); err != nil {
			return err
		}
	}

	e.log.Info().Uint64("market_id", marketID).Msg("market reconfigured")
	return nil
}

// SetMarketActive pauses or resumes trading on a market.
func (e *Engine) SetMarketActive(marketID uint64, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.SetMarketActive(e.cap, marketID, active)
}

// PushPrice feeds a raw oracle observation into the smoothing model.
// Observations that deviate too far from the EMA are rejected and the
// previous state stands.
func (e *Engine) PushPrice(marketID uint64, rawPrice int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	now := e.now()
	err := e.prices.Update(e.cap, marketID, rawPrice, now)
	e.observe("push_price", start, err)
	if err != nil {
		return err
	}

	ema, _ := e.prices.EMAPrice(marketID)
	mark, _ := e.prices.MarkPrice(marketID)
	e.emit(event.Record{
		Kind:        event.KindPriceUpdated,
		MarketID:    marketID,
		Actor:       e.store.GrantName(e.cap),
		OraclePrice: rawPrice,
		EMAPrice:    ema,
		MarkPrice:   mark,
	})
	if e.metrics != nil {
		e.metrics.ObserveMarkPrice(marketID, mark)
	}
	return nil
}

// ForcePrice overwrites oracle and EMA state, bypassing deviation checks.
// Operator escape hatch for oracle migrations and halted-market restarts.
func (e *Engine) ForcePrice(marketID uint64, price int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	now := e.now()
	err := e.prices.ForceSet(e.cap, marketID, price, now)
	e.observe("force_price", start, err)
	if err != nil {
		return err
	}

	e.log.Warn().
		Uint64("market_id", marketID).
		Int64("price", price).
		Msg("price force-set")

	e.emit(event.Record{
		Kind:        event.KindPriceForced,
		MarketID:    marketID,
		Actor:       e.store.GrantName(e.cap),
		OraclePrice: price,
		EMAPrice:    price,
	})
	return nil
}

// UpdateFunding runs a funding accrual tick. Returns whether a full
// period had elapsed and an accrual was applied.
func (e *Engine) UpdateFunding(marketID uint64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	applied, err := e.updateFunding(marketID)
	e.observe("update_funding", start, err)
	return applied, err
}

func (e *Engine) updateFunding(marketID uint64) (bool, error) {
	mark, err := e.prices.MarkPrice(marketID)
	if err != nil {
		return false, err
	}
	applied, err := e.funding.Update(e.cap, marketID, mark, e.now())
	if err != nil || !applied {
		return applied, err
	}

	rate, _ := e.funding.LastAppliedRate(marketID)
	e.emit(event.Record{
		Kind:           event.KindFundingUpdated,
		MarketID:       marketID,
		Actor:          e.store.GrantName(e.cap),
		MarkPrice:      mark,
		FundingRateBps: rate,
	})
	if e.metrics != nil {
		e.metrics.FundingApplied.Inc()
	}
	return true, nil
}

// AccrueInterest runs a borrow-cost accrual tick and returns the borrow
// index delta.
func (e *Engine) AccrueInterest(marketID uint64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	delta, err := e.accrueInterest(marketID)
	e.observe("accrue_interest", start, err)
	return delta, err
}

func (e *Engine) accrueInterest(marketID uint64) (int64, error) {
	mark, err := e.prices.MarkPrice(marketID)
	if err != nil {
		return 0, err
	}
	delta, err := e.risk.AccrueInterest(e.cap, marketID, mark, e.now())
	if err != nil || delta == 0 {
		return delta, err
	}

	e.emit(event.Record{
		Kind:      event.KindInterestAccrued,
		MarketID:  marketID,
		Actor:     e.store.GrantName(e.cap),
		MarkPrice: mark,
	})
	return delta, nil
}

// Liquidate force-closes an undercollateralized position in full.
func (e *Engine) Liquidate(owner uuid.UUID, marketID uint64, liquidator uuid.UUID) (liquidation.Result, error) {
	return e.runLiquidation("liquidate", owner, marketID, liquidator, 10_000)
}

// LiquidatePartial force-closes fractionBps (of 10_000) of the position.
func (e *Engine) LiquidatePartial(owner uuid.UUID, marketID uint64, liquidator uuid.UUID, fractionBps int64) (liquidation.Result, error) {
	return e.runLiquidation("liquidate_partial", owner, marketID, liquidator, fractionBps)
}

func (e *Engine) runLiquidation(op string, owner uuid.UUID, marketID uint64, liquidator uuid.UUID, fractionBps int64) (liquidation.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	now := e.now()
	if e.prices.IsStale(marketID, e.cfg.MaxPriceAge, now) {
		e.observe(op, start, pricing.ErrStalePrice)
		return liquidation.Result{}, pricing.ErrStalePrice
	}

	cp := e.checkpointFor(owner, marketID)

	mark, err := e.prices.MarkPrice(marketID)
	if err != nil {
		e.observe(op, start, err)
		return liquidation.Result{}, err
	}
	if err := e.accrue(marketID, mark, now); err != nil {
		cp.rollback()
		e.observe(op, start, err)
		return liquidation.Result{}, err
	}

	res, err := e.liq.LiquidatePartial(e.cap, owner, marketID, liquidator, fractionBps)
	if err != nil {
		cp.rollback()
		e.observe(op, start, err)
		return liquidation.Result{}, err
	}

	// The pool recovery share backs the borrowable capital; reward and
	// protocol fee leave the system through the payout ledger.
	if res.PoolRecovery > 0 {
		if err := e.risk.AddCapital(e.cap, marketID, res.PoolRecovery); err != nil {
			cp.rollback()
			e.observe(op, start, err)
			return liquidation.Result{}, err
		}
	}

	e.log.Info().
		Uint64("market_id", marketID).
		Stringer("owner", owner).
		Int64("closed_size", res.ClosedSize).
		Int64("penalty", res.Penalty).
		Int64("deficit", res.Deficit).
		Msg("liquidation executed")

	e.emit(event.Record{
		Kind:             event.KindLiquidationExecuted,
		MarketID:         marketID,
		Actor:            e.store.GrantName(e.cap),
		Owner:            &owner,
		Liquidator:       &liquidator,
		SizeDelta:        -res.ClosedSize,
		Size:             res.RemainingSize,
		MarkPrice:        res.MarkPrice,
		RealizedPnL:      res.RealizedPnL,
		Penalty:          res.Penalty,
		LiquidatorReward: res.LiquidatorReward,
		ProtocolFee:      res.ProtocolFee,
		PoolRecovery:     res.PoolRecovery,
		Deficit:          res.Deficit,
	})
	if e.metrics != nil {
		e.metrics.LiquidationsExecuted.Inc()
		if res.Deficit > 0 {
			e.metrics.LiquidationDeficits.Add(float64(res.Deficit))
		}
	}
	e.observe(op, start, nil)
	return res, nil
}

// ScanLiquidatable returns the owners of all positions in the market whose
// equity is below maintenance at the current mark price.
func (e *Engine) ScanLiquidatable(marketID uint64) ([]uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	mark, err := e.prices.MarkPrice(marketID)
	if err != nil {
		return nil, err
	}
	var owners []uuid.UUID
	for _, pos := range e.store.MarketPositions(marketID) {
		liq, _, err := e.risk.IsLiquidatable(pos.Owner, marketID, mark)
		if err != nil {
			return nil, err
		}
		if liq {
			owners = append(owners, pos.Owner)
		}
	}
	return owners, nil
}

// MarketIDs returns the ids of all registered markets.
func (e *Engine) MarketIDs() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.MarketIDs()
}

// Market returns a copy of the market row.
func (e *Engine) Market(marketID uint64) (ledger.Market, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.GetMarket(marketID)
}

// Position returns a copy of the position record.
func (e *Engine) Position(owner uuid.UUID, marketID uint64) (ledger.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.GetPosition(owner, marketID)
}

// MarketPositions returns copies of all open positions in the market.
func (e *Engine) MarketPositions(marketID uint64) []ledger.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.MarketPositions(marketID)
}

// MarkPrice returns the skew-adjusted mark price.
func (e *Engine) MarkPrice(marketID uint64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prices.MarkPrice(marketID)
}

// QuoteExecution returns the price a trade of sizeDelta would execute at
// right now. Read-only; no state changes.
func (e *Engine) QuoteExecution(marketID uint64, sizeDelta int64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prices.ExecutionPrice(marketID, sizeDelta)
}

// OraclePrice returns the last accepted raw observation.
func (e *Engine) OraclePrice(marketID uint64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prices.OraclePrice(marketID)
}

// PriceIsStale reports whether the market's price feed has gone quiet
// beyond the trading cutoff.
func (e *Engine) PriceIsStale(marketID uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prices.IsStale(marketID, e.cfg.MaxPriceAge, e.now())
}

// Equity returns the position's equity at the current mark price.
func (e *Engine) Equity(owner uuid.UUID, marketID uint64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	mark, err := e.prices.MarkPrice(marketID)
	if err != nil {
		return 0, err
	}
	return e.risk.Equity(owner, marketID, mark)
}

// FundingRate returns the instantaneous funding rate in bps per period.
func (e *Engine) FundingRate(marketID uint64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.funding.CurrentRate(marketID)
}

// PoolState returns the LP capital, utilization, and borrow rate for the
// market at the current mark price.
func (e *Engine) PoolState(marketID uint64) (capital, utilBps, rateAprBps int64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	mark, err := e.prices.MarkPrice(marketID)
	if err != nil {
		return 0, 0, 0, err
	}
	utilBps, rateAprBps, err = e.risk.Utilization(marketID, mark)
	if err != nil {
		return 0, 0, 0, err
	}
	return e.risk.Capital(marketID), utilBps, rateAprBps, nil
}

// RiskParams returns the installed risk parameters.
func (e *Engine) RiskParams(marketID uint64) (risk.Params, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.risk.GetParams(marketID)
}
