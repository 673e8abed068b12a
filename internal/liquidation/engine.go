// Package liquidation implements the forced-closure procedure: trigger
// check, close through the ledger's common close path, and the penalty
// waterfall split between liquidator, protocol, and capital pool.
package liquidation

import (
	"errors"

	"OutcomePerp/internal/fpmath"
	"OutcomePerp/internal/ledger"
	"OutcomePerp/internal/pricing"
	"OutcomePerp/internal/risk"

	"github.com/google/uuid"
)

var ErrNotLiquidatable = errors.New("position not liquidatable")

// Result is the transient outcome of a liquidation. The three shares are a
// deterministic split of Penalty and always sum to it exactly; integer
// division dust lands in the pool recovery share, since the pool is the
// party carrying bad-debt risk.
type Result struct {
	Owner              uuid.UUID
	MarketID           uint64
	Liquidator         uuid.UUID
	MarkPrice          int64
	ClosedSize         int64
	RemainingSize      int64
	Penalty            int64
	LiquidatorReward   int64
	ProtocolFee        int64
	PoolRecovery       int64
	RealizedPnL        int64
	CollateralReturned int64
	Deficit            int64
}

// Engine wires the ledger, price model, and risk model into the
// liquidation procedure.
type Engine struct {
	store  *ledger.Store
	prices *pricing.Model
	risk   *risk.Model
}

func NewEngine(store *ledger.Store, prices *pricing.Model, riskModel *risk.Model) *Engine {
	return &Engine{store: store, prices: prices, risk: riskModel}
}

// CanLiquidate reports whether the position's equity is below its
// maintenance margin at the current mark price.
func (e *Engine) CanLiquidate(owner uuid.UUID, marketID uint64) (bool, error) {
	mark, err := e.prices.MarkPrice(marketID)
	if err != nil {
		return false, err
	}
	liq, _, err := e.risk.IsLiquidatable(owner, marketID, mark)
	return liq, err
}

// Liquidate fully closes an undercollateralized position at the current
// mark price.
func (e *Engine) Liquidate(by ledger.Capability, owner uuid.UUID, marketID uint64, liquidator uuid.UUID) (Result, error) {
	return e.liquidate(by, owner, marketID, liquidator, fpmath.BpsScale)
}

// LiquidatePartial closes fractionBps (of 10_000) of the position. The
// penalty applies to the closed notional only.
func (e *Engine) LiquidatePartial(by ledger.Capability, owner uuid.UUID, marketID uint64, liquidator uuid.UUID, fractionBps int64) (Result, error) {
	if fractionBps <= 0 || fractionBps > fpmath.BpsScale {
		return Result{}, ledger.ErrInvalidSize
	}
	return e.liquidate(by, owner, marketID, liquidator, fractionBps)
}

func (e *Engine) liquidate(by ledger.Capability, owner uuid.UUID, marketID uint64, liquidator uuid.UUID, fractionBps int64) (Result, error) {
	mark, err := e.prices.MarkPrice(marketID)
	if err != nil {
		return Result{}, err
	}

	liquidatable, _, err := e.risk.IsLiquidatable(owner, marketID, mark)
	if err != nil {
		return Result{}, err
	}
	if !liquidatable {
		return Result{}, ErrNotLiquidatable
	}

	pos, ok := e.store.GetPosition(owner, marketID)
	if !ok || pos.Size == 0 {
		return Result{}, ErrNotLiquidatable
	}
	params, pok := e.risk.GetParams(marketID)
	if !pok {
		return Result{}, risk.ErrNotConfigured
	}

	closeSize := fpmath.MulDiv(fpmath.Abs(pos.Size), fractionBps, fpmath.BpsScale, fpmath.RoundDown)
	if closeSize == 0 {
		closeSize = 1
	}

	// Penalty against the closed notional, capped by the ledger at
	// whatever collateral actually remains.
	closedNotional := fpmath.Notional(closeSize, mark)
	penalty := fpmath.BpsOf(closedNotional, params.LiquidationPenaltyBps)

	receipt, err := e.store.Liquidate(by, owner, marketID, liquidator, penalty, closeSize, mark)
	if err != nil {
		return Result{}, err
	}

	reward := fpmath.BpsOf(receipt.PenaltyCharged, params.LiquidatorShareBps)
	protocol := fpmath.BpsOf(receipt.PenaltyCharged, params.ProtocolShareBps)
	pool := receipt.PenaltyCharged - reward - protocol

	return Result{
		Owner:              owner,
		MarketID:           marketID,
		Liquidator:         liquidator,
		MarkPrice:          mark,
		ClosedSize:         receipt.ClosedSize,
		RemainingSize:      receipt.RemainingSize,
		Penalty:            receipt.PenaltyCharged,
		LiquidatorReward:   reward,
		ProtocolFee:        protocol,
		PoolRecovery:       pool,
		RealizedPnL:        receipt.RealizedPnL,
		CollateralReturned: receipt.CollateralReturned,
		Deficit:            receipt.Deficit,
	}, nil
}
