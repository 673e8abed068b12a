// Package pricing maintains the smoothed probability price per market:
// raw oracle ingestion, EMA smoothing with a deviation guard, the
// OI-skew-adjusted mark price, and the impact-adjusted execution price.
package pricing

import (
	"errors"

	"OutcomePerp/internal/fpmath"
	"OutcomePerp/internal/ledger"
)

var (
	ErrStalePrice            = errors.New("price older than allowed age")
	ErrPriceDeviationTooHigh = errors.New("oracle update deviates too far from smoothed price")
	ErrNotConfigured         = errors.New("price model not configured for market")
)

// maxSkewBps caps the OI-skew adjustment of the mark price at 10% of EMA.
const maxSkewBps = int64(1_000)

// Config is the static per-market price configuration.
type Config struct {
	EMAPeriod       int64 // seconds over which an update fully replaces the EMA
	MaxDeviationBps int64 // raw-vs-EMA deviation cap, bps of their average
	VammDepth       int64 // virtual depth in contracts for skew and impact
}

// State is the dynamic per-market price state.
type State struct {
	OraclePrice int64 // last raw input, Unit-scaled probability
	EMAPrice    int64
	LastUpdate  int64 // unix seconds, 0 = never updated
}

// OIReader is the narrow ledger view the model needs.
type OIReader interface {
	OIImbalance(marketID uint64) (int64, error)
}

// Authorizer validates capabilities for mutating calls.
type Authorizer interface {
	Authorized(ledger.Capability) bool
}

type marketPrice struct {
	cfg   Config
	state State
}

// Model holds price state for all markets.
type Model struct {
	auth    Authorizer
	oi      OIReader
	markets map[uint64]*marketPrice
}

func NewModel(auth Authorizer, oi OIReader) *Model {
	return &Model{
		auth:    auth,
		oi:      oi,
		markets: make(map[uint64]*marketPrice),
	}
}

// Configure installs the price config for a market. Reconfiguring a live
// market keeps its price state.
func (m *Model) Configure(by ledger.Capability, marketID uint64, cfg Config) error {
	if !m.auth.Authorized(by) {
		return ledger.ErrUnauthorized
	}
	if cfg.EMAPeriod <= 0 || cfg.VammDepth <= 0 || cfg.MaxDeviationBps <= 0 {
		return ledger.ErrInvalidPrice
	}
	if mp, ok := m.markets[marketID]; ok {
		mp.cfg = cfg
		return nil
	}
	m.markets[marketID] = &marketPrice{cfg: cfg}
	return nil
}

// Update ingests a raw oracle probability.
//
// Smoothing weight alpha = min(elapsed/emaPeriod, 1); the first update ever
// sets the EMA directly. The update is rejected when the relative deviation
// between the raw price and the new EMA, in bps of their average, exceeds
// the configured cap, which bounds how far a single oracle push can move
// the smoothed price.
func (m *Model) Update(by ledger.Capability, marketID uint64, rawPrice, now int64) error {
	if !m.auth.Authorized(by) {
		return ledger.ErrUnauthorized
	}
	mp, ok := m.markets[marketID]
	if !ok {
		return ErrNotConfigured
	}
	if rawPrice <= 0 || rawPrice > fpmath.Unit {
		return ledger.ErrInvalidPrice
	}

	newEma := rawPrice
	if mp.state.LastUpdate != 0 {
		elapsed := now - mp.state.LastUpdate
		if elapsed < 0 {
			elapsed = 0
		}
		alpha := fpmath.Min(fpmath.MulDiv(elapsed, fpmath.Unit, mp.cfg.EMAPeriod, fpmath.RoundDown), fpmath.Unit)
		newEma = fpmath.MulDiv(rawPrice, alpha, fpmath.Unit, fpmath.RoundDown) +
			fpmath.MulDiv(mp.state.EMAPrice, fpmath.Unit-alpha, fpmath.Unit, fpmath.RoundDown)

		avg := (rawPrice + newEma) / 2
		if avg > 0 {
			devBps := fpmath.MulDiv(fpmath.Abs(rawPrice-newEma), fpmath.BpsScale, avg, fpmath.RoundDown)
			if devBps > mp.cfg.MaxDeviationBps {
				return ErrPriceDeviationTooHigh
			}
		}
	}

	mp.state.OraclePrice = rawPrice
	mp.state.EMAPrice = clampPrice(newEma)
	mp.state.LastUpdate = now
	return nil
}

// ForceSet overrides the price and resets the EMA, bypassing the deviation
// guard. Recovery path for stuck feeds; capability-gated like any mutation.
func (m *Model) ForceSet(by ledger.Capability, marketID uint64, price, now int64) error {
	if !m.auth.Authorized(by) {
		return ledger.ErrUnauthorized
	}
	mp, ok := m.markets[marketID]
	if !ok {
		return ErrNotConfigured
	}
	if price <= 0 || price > fpmath.Unit {
		return ledger.ErrInvalidPrice
	}
	mp.state.OraclePrice = price
	mp.state.EMAPrice = price
	mp.state.LastUpdate = now
	return nil
}

// MarkPrice derives the liquidation/PnL price: the EMA shifted toward the
// crowded side by min(|imbalance|/vammDepth, 10%), clamped to (0, Unit].
func (m *Model) MarkPrice(marketID uint64) (int64, error) {
	mp, ok := m.markets[marketID]
	if !ok {
		return 0, ErrNotConfigured
	}
	if mp.state.LastUpdate == 0 {
		return 0, ErrStalePrice
	}

	imbalance, err := m.oi.OIImbalance(marketID)
	if err != nil {
		return 0, err
	}

	skewBps := fpmath.Min(
		fpmath.MulDiv(fpmath.Abs(imbalance), fpmath.BpsScale, mp.cfg.VammDepth, fpmath.RoundDown),
		maxSkewBps)
	shift := fpmath.BpsOf(mp.state.EMAPrice, skewBps)

	mark := mp.state.EMAPrice
	if imbalance > 0 {
		mark += shift
	} else if imbalance < 0 {
		mark -= shift
	}
	return clampPrice(mark), nil
}

// ExecutionPrice applies trade impact |delta|/(2*vammDepth) against the
// mark price: buys pay up, sells receive less.
func (m *Model) ExecutionPrice(marketID uint64, sizeDelta int64) (int64, error) {
	mp, ok := m.markets[marketID]
	if !ok {
		return 0, ErrNotConfigured
	}
	mark, err := m.MarkPrice(marketID)
	if err != nil {
		return 0, err
	}
	if sizeDelta == 0 {
		return mark, nil
	}

	impactBps := fpmath.MulDiv(fpmath.Abs(sizeDelta), fpmath.BpsScale, 2*mp.cfg.VammDepth, fpmath.RoundDown)
	impact := fpmath.BpsOf(mark, impactBps)

	if sizeDelta > 0 {
		mark += impact
	} else {
		mark -= impact
	}
	return clampPrice(mark), nil
}

// OraclePrice returns the last raw input.
func (m *Model) OraclePrice(marketID uint64) (int64, error) {
	mp, ok := m.markets[marketID]
	if !ok {
		return 0, ErrNotConfigured
	}
	return mp.state.OraclePrice, nil
}

// EMAPrice returns the current smoothed price.
func (m *Model) EMAPrice(marketID uint64) (int64, error) {
	mp, ok := m.markets[marketID]
	if !ok {
		return 0, ErrNotConfigured
	}
	return mp.state.EMAPrice, nil
}

// IsStale reports whether the last update is older than maxAge seconds
// (or no update ever arrived).
func (m *Model) IsStale(marketID uint64, maxAge, now int64) bool {
	mp, ok := m.markets[marketID]
	if !ok || mp.state.LastUpdate == 0 {
		return true
	}
	return now-mp.state.LastUpdate > maxAge
}

// LastUpdate returns the unix time of the last accepted update.
func (m *Model) LastUpdate(marketID uint64) int64 {
	mp, ok := m.markets[marketID]
	if !ok {
		return 0
	}
	return mp.state.LastUpdate
}

// Snapshot returns the dynamic state for checkpointing.
func (m *Model) Snapshot(marketID uint64) (State, bool) {
	mp, ok := m.markets[marketID]
	if !ok {
		return State{}, false
	}
	return mp.state, true
}

// RestoreState rewinds the dynamic state captured by Snapshot.
func (m *Model) RestoreState(marketID uint64, st State) {
	if mp, ok := m.markets[marketID]; ok {
		mp.state = st
	}
}

func clampPrice(p int64) int64 {
	if p < 1 {
		return 1
	}
	if p > fpmath.Unit {
		return fpmath.Unit
	}
	return p
}
