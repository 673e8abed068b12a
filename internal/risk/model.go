// Package risk computes margin requirements, the utilization-driven borrow
// cost, and the liquidation trigger condition. Borrow cost accrues into the
// ledger's cumulative borrow index so per-position settlement stays O(1).
package risk

import (
	"errors"
	"fmt"

	"OutcomePerp/internal/fpmath"
	"OutcomePerp/internal/ledger"

	"github.com/google/uuid"
)

var (
	ErrInsufficientMargin = errors.New("insufficient margin for position")
	ErrNotConfigured      = errors.New("risk params not configured for market")
)

// Params are the per-market risk parameters. Rates and fractions are in
// basis points; LP capital is held separately (SetCapital).
type Params struct {
	InitialMarginBps      int64
	MaintenanceMarginBps  int64
	MaxLeverage           int64
	BaseBorrowRateAprBps  int64
	MaxBorrowRateAprBps   int64
	OptimalUtilizationBps int64
	LiquidationPenaltyBps int64
	// Penalty split; must sum to 10_000.
	LiquidatorShareBps int64
	ProtocolShareBps   int64
	PoolShareBps       int64
}

// Validate checks parameter sanity before installation.
func (p Params) Validate() error {
	if p.MaintenanceMarginBps <= 0 {
		return fmt.Errorf("maintenance_margin_bps must be > 0, got %d", p.MaintenanceMarginBps)
	}
	if p.InitialMarginBps <= p.MaintenanceMarginBps {
		return fmt.Errorf("initial_margin_bps (%d) must be > maintenance_margin_bps (%d)",
			p.InitialMarginBps, p.MaintenanceMarginBps)
	}
	if p.InitialMarginBps >= fpmath.BpsScale {
		return fmt.Errorf("initial_margin_bps must be < %d, got %d", fpmath.BpsScale, p.InitialMarginBps)
	}
	if p.MaxLeverage <= 0 {
		return fmt.Errorf("max_leverage must be > 0, got %d", p.MaxLeverage)
	}
	if p.BaseBorrowRateAprBps < 0 || p.MaxBorrowRateAprBps < p.BaseBorrowRateAprBps {
		return fmt.Errorf("borrow rate range invalid: base=%d max=%d",
			p.BaseBorrowRateAprBps, p.MaxBorrowRateAprBps)
	}
	if p.OptimalUtilizationBps <= 0 || p.OptimalUtilizationBps >= fpmath.BpsScale {
		return fmt.Errorf("optimal_utilization_bps must be in (0, %d), got %d",
			fpmath.BpsScale, p.OptimalUtilizationBps)
	}
	if p.LiquidationPenaltyBps < 0 {
		return fmt.Errorf("liquidation_penalty_bps must be >= 0, got %d", p.LiquidationPenaltyBps)
	}
	if p.LiquidatorShareBps+p.ProtocolShareBps+p.PoolShareBps != fpmath.BpsScale {
		return fmt.Errorf("penalty shares must sum to %d", fpmath.BpsScale)
	}
	return nil
}

// Model holds risk parameters and LP capital per market and reads the
// ledger for OI and position state.
type Model struct {
	store       *ledger.Store
	params      map[uint64]Params
	capital     map[uint64]int64 // borrowable LP capital, Unit-scaled
	lastAccrual map[uint64]int64 // unix seconds of last interest accrual
}

func NewModel(store *ledger.Store) *Model {
	return &Model{
		store:       store,
		params:      make(map[uint64]Params),
		capital:     make(map[uint64]int64),
		lastAccrual: make(map[uint64]int64),
	}
}

// SetParams installs validated risk parameters for a market.
func (m *Model) SetParams(by ledger.Capability, marketID uint64, p Params) error {
	if !m.store.Authorized(by) {
		return ledger.ErrUnauthorized
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("risk params for market %d: %w", marketID, err)
	}
	m.params[marketID] = p
	return nil
}

// GetParams returns the installed parameters.
func (m *Model) GetParams(marketID uint64) (Params, bool) {
	p, ok := m.params[marketID]
	return p, ok
}

// SetCapital records the borrowable capital supplied by the external pool.
func (m *Model) SetCapital(by ledger.Capability, marketID uint64, amount int64) error {
	if !m.store.Authorized(by) {
		return ledger.ErrUnauthorized
	}
	if amount < 0 {
		return fmt.Errorf("lp capital must be >= 0, got %d", amount)
	}
	m.capital[marketID] = amount
	return nil
}

// AddCapital credits the pool, e.g. the liquidation recovery share.
func (m *Model) AddCapital(by ledger.Capability, marketID uint64, amount int64) error {
	if !m.store.Authorized(by) {
		return ledger.ErrUnauthorized
	}
	m.capital[marketID] += amount
	return nil
}

// Capital returns the recorded LP capital for a market.
func (m *Model) Capital(marketID uint64) int64 {
	return m.capital[marketID]
}

// RequiredMargin returns the initial and maintenance margin for a position
// of the given size at the given price. The initial requirement also
// honors the max-leverage cap when it is stricter than the margin fraction.
func (m *Model) RequiredMargin(marketID uint64, size, price int64) (initial, maintenance int64, err error) {
	p, ok := m.params[marketID]
	if !ok {
		return 0, 0, ErrNotConfigured
	}
	notional := fpmath.Notional(size, price)
	initial = fpmath.BpsOf(notional, p.InitialMarginBps)
	if byLeverage := notional / p.MaxLeverage; byLeverage > initial {
		initial = byLeverage
	}
	maintenance = fpmath.BpsOf(notional, p.MaintenanceMarginBps)
	return initial, maintenance, nil
}

// Utilization returns the pool utilization in bps and the borrow rate
// (APR bps) at that utilization. The rate curve is two linear segments:
// base -> midpoint up to optimal utilization, midpoint -> max up to 100%,
// clamped at max beyond.
func (m *Model) Utilization(marketID uint64, markPrice int64) (utilBps, rateAprBps int64, err error) {
	p, ok := m.params[marketID]
	if !ok {
		return 0, 0, ErrNotConfigured
	}
	totalOI, err := m.store.TotalOI(marketID)
	if err != nil {
		return 0, 0, err
	}

	lpCapital := m.capital[marketID]
	openNotional := fpmath.Notional(totalOI, markPrice)
	if lpCapital <= 0 {
		if openNotional == 0 {
			return 0, p.BaseBorrowRateAprBps, nil
		}
		return fpmath.BpsScale, p.MaxBorrowRateAprBps, nil
	}
	utilBps = fpmath.MulDiv(openNotional, fpmath.BpsScale, lpCapital, fpmath.RoundDown)

	mid := p.BaseBorrowRateAprBps + (p.MaxBorrowRateAprBps-p.BaseBorrowRateAprBps)/2
	switch {
	case utilBps <= p.OptimalUtilizationBps:
		rateAprBps = p.BaseBorrowRateAprBps +
			fpmath.MulDiv(mid-p.BaseBorrowRateAprBps, utilBps, p.OptimalUtilizationBps, fpmath.RoundDown)
	case utilBps <= fpmath.BpsScale:
		span := fpmath.BpsScale - p.OptimalUtilizationBps
		rateAprBps = mid +
			fpmath.MulDiv(p.MaxBorrowRateAprBps-mid, utilBps-p.OptimalUtilizationBps, span, fpmath.RoundDown)
	default:
		rateAprBps = p.MaxBorrowRateAprBps
	}
	return utilBps, rateAprBps, nil
}

// AccrueInterest compounds borrow cost since the previous accrual into the
// market's cumulative borrow index. Returns the per-contract index delta.
// The first call only sets the accrual baseline.
func (m *Model) AccrueInterest(by ledger.Capability, marketID uint64, markPrice, now int64) (int64, error) {
	if !m.store.Authorized(by) {
		return 0, ledger.ErrUnauthorized
	}
	if _, ok := m.params[marketID]; !ok {
		return 0, ErrNotConfigured
	}

	last := m.lastAccrual[marketID]
	if last == 0 {
		m.lastAccrual[marketID] = now
		return 0, nil
	}
	if now <= last {
		return 0, nil
	}
	elapsed := now - last

	_, rateAprBps, err := m.Utilization(marketID, markPrice)
	if err != nil {
		return 0, err
	}

	// Per-contract cost: markPrice * rate * elapsed / year, Unit-scaled.
	delta := fpmath.MulDiv(markPrice, rateAprBps*elapsed, fpmath.BpsScale*fpmath.SecondsYear, fpmath.RoundDown)
	if delta == 0 {
		m.lastAccrual[marketID] = now
		return 0, nil
	}

	mkt, err := m.store.GetMarket(marketID)
	if err != nil {
		return 0, err
	}
	if err := m.store.UpdateIndices(by, marketID,
		mkt.FundingIndexLong, mkt.FundingIndexShort, mkt.BorrowIndex+delta); err != nil {
		return 0, err
	}
	// The baseline advances only once the index write landed; a failed
	// accrual keeps its window.
	m.lastAccrual[marketID] = now
	return delta, nil
}

// LastAccrual returns the unix time of the previous interest accrual.
func (m *Model) LastAccrual(marketID uint64) int64 {
	return m.lastAccrual[marketID]
}

// RestoreAccrual rewinds the accrual baseline (unit-of-work rollback).
func (m *Model) RestoreAccrual(marketID uint64, ts int64) {
	m.lastAccrual[marketID] = ts
}

// Equity returns collateral + unrealized PnL - pending fees at the given
// price, zero for a flat position.
func (m *Model) Equity(owner uuid.UUID, marketID uint64, price int64) (int64, error) {
	pos, ok := m.store.GetPosition(owner, marketID)
	if !ok {
		return 0, nil
	}
	upnl := fpmath.PnL(pos.Size, pos.EntryPrice, price)
	funding, borrow, err := m.store.PendingFees(owner, marketID)
	if err != nil {
		return 0, err
	}
	return pos.Collateral + upnl - funding - borrow, nil
}

// IsLiquidatable reports whether equity has fallen below the maintenance
// margin at the given price, and by how much.
func (m *Model) IsLiquidatable(owner uuid.UUID, marketID uint64, price int64) (bool, int64, error) {
	pos, ok := m.store.GetPosition(owner, marketID)
	if !ok || pos.Size == 0 {
		return false, 0, nil
	}
	_, maintenance, err := m.RequiredMargin(marketID, pos.Size, price)
	if err != nil {
		return false, 0, err
	}
	equity, err := m.Equity(owner, marketID, price)
	if err != nil {
		return false, 0, err
	}
	if equity < maintenance {
		return true, maintenance - equity, nil
	}
	return false, 0, nil
}
