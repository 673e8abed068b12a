// Package funding derives the OI-imbalance funding rate and accrues it
// into per-side cumulative indices on the ledger. Funding is zero-sum
// among traders: the crowded side's total payment is credited pro-rata to
// the opposite side, never to the capital pool.
package funding

import (
	"errors"

	"OutcomePerp/internal/fpmath"
	"OutcomePerp/internal/ledger"

	"github.com/google/uuid"
)

var ErrNotConfigured = errors.New("funding not configured for market")

// Config is the static per-market funding configuration.
type Config struct {
	MaxRatePerPeriodBps int64 // rate cap per funding period, bps of mark price
	Period              int64 // funding period, seconds
	ImbalanceThreshold  int64 // contracts of imbalance at which the rate caps
}

// State is the dynamic funding state for checkpointing.
type State struct {
	LastApplied int64 // unix seconds of the last applied update
	RateBps     int64 // signed rate applied then; positive = longs pay
	// Residual is the part of the payers' aggregate that did not divide
	// evenly over the receiving side's OI. It is always in [0, recvOI) of
	// the accrual that produced it and folds into the next credit.
	Residual int64
}

type marketFunding struct {
	cfg   Config
	state State
}

// Model holds funding configuration and accrual state per market.
type Model struct {
	store   *ledger.Store
	markets map[uint64]*marketFunding
}

func NewModel(store *ledger.Store) *Model {
	return &Model{
		store:   store,
		markets: make(map[uint64]*marketFunding),
	}
}

// Configure installs the funding config for a market. Reconfiguring a
// live market keeps its accrual state.
func (m *Model) Configure(by ledger.Capability, marketID uint64, cfg Config) error {
	if !m.store.Authorized(by) {
		return ledger.ErrUnauthorized
	}
	if cfg.Period <= 0 || cfg.ImbalanceThreshold <= 0 || cfg.MaxRatePerPeriodBps < 0 {
		return ledger.ErrInvalidSize
	}
	if mf, ok := m.markets[marketID]; ok {
		mf.cfg = cfg
		return nil
	}
	m.markets[marketID] = &marketFunding{cfg: cfg}
	return nil
}

// CurrentRate computes the instantaneous funding rate from the live OI
// imbalance: sign follows the crowded side, magnitude scales linearly up
// to the cap at the imbalance threshold. Positive = longs pay shorts.
func (m *Model) CurrentRate(marketID uint64) (int64, error) {
	mf, ok := m.markets[marketID]
	if !ok {
		return 0, ErrNotConfigured
	}
	imbalance, err := m.store.OIImbalance(marketID)
	if err != nil {
		return 0, err
	}
	mag := fpmath.Min(fpmath.Abs(imbalance), mf.cfg.ImbalanceThreshold)
	rate := fpmath.MulDiv(mf.cfg.MaxRatePerPeriodBps, mag, mf.cfg.ImbalanceThreshold, fpmath.RoundDown)
	return fpmath.Sign(imbalance) * rate, nil
}

// Update accrues funding into the market's cumulative indices. Calls
// before a full period has elapsed are no-ops (bounds keeper frequency);
// afterwards the accrued amount is time-weighted by elapsed/period. The
// first call only sets the baseline timestamp.
//
// The crowded side's per-contract cost is rate * markPrice * elapsed /
// period. The opposite side is credited the crowded side's aggregate
// pro-rated over its own OI; division dust carries forward as a residual
// rather than being dropped, so total paid equals total received across
// accruals. With no opposite-side OI nothing accrues.
func (m *Model) Update(by ledger.Capability, marketID uint64, markPrice, now int64) (applied bool, err error) {
	if !m.store.Authorized(by) {
		return false, ledger.ErrUnauthorized
	}
	mf, ok := m.markets[marketID]
	if !ok {
		return false, ErrNotConfigured
	}

	if mf.state.LastApplied == 0 {
		mf.state.LastApplied = now
		return false, nil
	}
	elapsed := now - mf.state.LastApplied
	if elapsed < mf.cfg.Period {
		return false, nil
	}

	rate, err := m.CurrentRate(marketID)
	if err != nil {
		return false, err
	}
	mkt, err := m.store.GetMarket(marketID)
	if err != nil {
		return false, err
	}

	mf.state.LastApplied = now
	mf.state.RateBps = rate
	if rate == 0 {
		return false, nil
	}

	var payOI, recvOI int64
	if rate > 0 {
		payOI, recvOI = mkt.TotalLongOI, mkt.TotalShortOI
	} else {
		payOI, recvOI = mkt.TotalShortOI, mkt.TotalLongOI
	}
	if payOI == 0 || recvOI == 0 {
		// No counterparty; funding cannot be zero-sum, so none accrues.
		return false, nil
	}

	// Per-contract cost for the paying side, Unit-scaled collateral.
	payDelta := fpmath.MulDiv(markPrice, fpmath.Abs(rate)*elapsed, fpmath.BpsScale*mf.cfg.Period, fpmath.RoundDown)
	if payDelta == 0 {
		return false, nil
	}
	// Per-contract credit on the receiving side; negative index delta. The
	// distributable total is the payers' aggregate plus the residual earlier
	// accruals could not split evenly; the new remainder carries forward.
	recvPer, rem := fpmath.MulDivRem(payDelta, payOI, recvOI)
	rem += mf.state.Residual
	recvPer += rem / recvOI
	rem %= recvOI
	recvDelta := -recvPer

	fundingLong, fundingShort := mkt.FundingIndexLong, mkt.FundingIndexShort
	if rate > 0 {
		fundingLong += payDelta
		fundingShort += recvDelta
	} else {
		fundingShort += payDelta
		fundingLong += recvDelta
	}

	if err := m.store.UpdateIndices(by, marketID, fundingLong, fundingShort, mkt.BorrowIndex); err != nil {
		return false, err
	}
	mf.state.Residual = rem
	return true, nil
}

// PendingFunding returns the unsettled funding for a position. Positive
// means the position pays.
func (m *Model) PendingFunding(owner uuid.UUID, marketID uint64) (int64, error) {
	if _, ok := m.markets[marketID]; !ok {
		return 0, ErrNotConfigured
	}
	funding, _, err := m.store.PendingFees(owner, marketID)
	return funding, err
}

// LastAppliedRate returns the signed rate applied by the last effective
// update.
func (m *Model) LastAppliedRate(marketID uint64) (int64, error) {
	mf, ok := m.markets[marketID]
	if !ok {
		return 0, ErrNotConfigured
	}
	return mf.state.RateBps, nil
}

// Snapshot returns the dynamic state for checkpointing.
func (m *Model) Snapshot(marketID uint64) (State, bool) {
	mf, ok := m.markets[marketID]
	if !ok {
		return State{}, false
	}
	return mf.state, true
}

// RestoreState rewinds the dynamic state captured by Snapshot.
func (m *Model) RestoreState(marketID uint64, st State) {
	if mf, ok := m.markets[marketID]; ok {
		mf.state = st
	}
}
