package engine

import (
	"time"

	"OutcomePerp/internal/event"
	"OutcomePerp/internal/fpmath"
	"OutcomePerp/internal/ledger"
	"OutcomePerp/internal/pricing"
	"OutcomePerp/internal/risk"

	"github.com/google/uuid"
)

// OpenPosition opens or adjusts a position by sizeDelta contracts,
// optionally moving collateral in the same operation. minPrice/maxPrice
// bound the execution price (0 disables a bound): buyers set maxPrice,
// sellers set minPrice.
func (e *Engine) OpenPosition(owner uuid.UUID, marketID uint64, sizeDelta, collateralDelta, minPrice, maxPrice int64) (ledger.TradeReceipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	receipt, err := e.trade(owner, marketID, sizeDelta, collateralDelta, minPrice, maxPrice)
	e.observe("open_position", start, err)
	return receipt, err
}

// ClosePosition fully closes the position and pays out the remaining
// collateral.
func (e *Engine) ClosePosition(owner uuid.UUID, marketID uint64, minPrice, maxPrice int64) (ledger.TradeReceipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	pos, ok := e.store.GetPosition(owner, marketID)
	if !ok || pos.Size == 0 {
		e.observe("close_position", start, ledger.ErrInvalidSize)
		return ledger.TradeReceipt{}, ledger.ErrInvalidSize
	}

	receipt, err := e.trade(owner, marketID, -pos.Size, 0, minPrice, maxPrice)
	e.observe("close_position", start, err)
	return receipt, err
}

// ClosePartial closes fractionBps (of 10_000) of the position.
func (e *Engine) ClosePartial(owner uuid.UUID, marketID uint64, fractionBps, minPrice, maxPrice int64) (ledger.TradeReceipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	if fractionBps <= 0 || fractionBps > fpmath.BpsScale {
		e.observe("close_partial", start, ledger.ErrInvalidSize)
		return ledger.TradeReceipt{}, ledger.ErrInvalidSize
	}
	pos, ok := e.store.GetPosition(owner, marketID)
	if !ok || pos.Size == 0 {
		e.observe("close_partial", start, ledger.ErrInvalidSize)
		return ledger.TradeReceipt{}, ledger.ErrInvalidSize
	}

	closeMag := fpmath.MulDiv(fpmath.Abs(pos.Size), fractionBps, fpmath.BpsScale, fpmath.RoundDown)
	if closeMag == 0 {
		closeMag = 1
	}
	receipt, err := e.trade(owner, marketID, -fpmath.Sign(pos.Size)*closeMag, 0, minPrice, maxPrice)
	e.observe("close_partial", start, err)
	return receipt, err
}

// trade is the shared open/adjust/close path. Caller holds the lock.
func (e *Engine) trade(owner uuid.UUID, marketID uint64, sizeDelta, collateralDelta, minPrice, maxPrice int64) (ledger.TradeReceipt, error) {
	now := e.now()

	if e.prices.IsStale(marketID, e.cfg.MaxPriceAge, now) {
		return ledger.TradeReceipt{}, pricing.ErrStalePrice
	}

	execPrice, err := e.prices.ExecutionPrice(marketID, sizeDelta)
	if err != nil {
		return ledger.TradeReceipt{}, err
	}
	if minPrice > 0 && execPrice < minPrice {
		return ledger.TradeReceipt{}, ErrSlippageExceeded
	}
	if maxPrice > 0 && execPrice > maxPrice {
		return ledger.TradeReceipt{}, ErrSlippageExceeded
	}

	oldPos, _ := e.store.GetPosition(owner, marketID)

	cp := e.checkpointFor(owner, marketID)

	mark, err := e.prices.MarkPrice(marketID)
	if err != nil {
		return ledger.TradeReceipt{}, err
	}
	if err := e.accrue(marketID, mark, now); err != nil {
		cp.rollback()
		return ledger.TradeReceipt{}, err
	}

	receipt, err := e.store.OpenOrAdjust(e.cap, owner, marketID, sizeDelta, execPrice, collateralDelta, now)
	if err != nil {
		cp.rollback()
		return ledger.TradeReceipt{}, err
	}

	if receipt.Size != 0 {
		initial, _, err := e.risk.RequiredMargin(marketID, receipt.Size, execPrice)
		if err != nil {
			cp.rollback()
			return ledger.TradeReceipt{}, err
		}
		equity := receipt.Collateral + fpmath.PnL(receipt.Size, receipt.EntryPrice, mark)
		if equity < initial {
			cp.rollback()
			if exposureGrew(oldPos.Size, receipt.Size) {
				return ledger.TradeReceipt{}, risk.ErrInsufficientMargin
			}
			// A reduce or withdraw must still leave the survivor funded.
			return ledger.TradeReceipt{}, ledger.ErrInsufficientCollateral
		}
	}

	e.emit(event.Record{
		Kind:            event.KindPositionChanged,
		MarketID:        marketID,
		Actor:           e.store.GrantName(e.cap),
		Owner:           &owner,
		SizeDelta:       sizeDelta,
		Size:            receipt.Size,
		EntryPrice:      receipt.EntryPrice,
		ExecutionPrice:  execPrice,
		MarkPrice:       mark,
		CollateralDelta: collateralDelta,
		Collateral:      receipt.Collateral,
		RealizedPnL:     receipt.RealizedPnL,
		FundingPaid:     receipt.FundingPaid,
		BorrowPaid:      receipt.BorrowPaid,
	})
	return receipt, nil
}

// exposureGrew reports whether the trade increased risk: larger magnitude
// on the same side, or a flip to the other side.
func exposureGrew(oldSize, newSize int64) bool {
	if fpmath.Sign(oldSize) != fpmath.Sign(newSize) && oldSize != 0 && newSize != 0 {
		return true
	}
	return fpmath.Abs(newSize) > fpmath.Abs(oldSize)
}

// DepositCollateral adds collateral to an open position.
func (e *Engine) DepositCollateral(owner uuid.UUID, marketID uint64, amount int64) (ledger.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	pos, err := e.modifyCollateral(owner, marketID, amount, false)
	e.observe("deposit_collateral", start, err)
	return pos, err
}

// WithdrawCollateral removes collateral; the position must stay above its
// initial-margin minimum afterwards.
func (e *Engine) WithdrawCollateral(owner uuid.UUID, marketID uint64, amount int64) (ledger.Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	start := time.Now()

	pos, err := e.modifyCollateral(owner, marketID, -amount, true)
	e.observe("withdraw_collateral", start, err)
	return pos, err
}

func (e *Engine) modifyCollateral(owner uuid.UUID, marketID uint64, delta int64, marginChecked bool) (ledger.Position, error) {
	if delta == 0 {
		return ledger.Position{}, ledger.ErrInvalidSize
	}
	now := e.now()
	if e.prices.IsStale(marketID, e.cfg.MaxPriceAge, now) {
		return ledger.Position{}, pricing.ErrStalePrice
	}
	mark, err := e.prices.MarkPrice(marketID)
	if err != nil {
		return ledger.Position{}, err
	}

	cp := e.checkpointFor(owner, marketID)

	if err := e.accrue(marketID, mark, now); err != nil {
		cp.rollback()
		return ledger.Position{}, err
	}

	pos, err := e.store.ModifyCollateral(e.cap, owner, marketID, delta)
	if err != nil {
		cp.rollback()
		return ledger.Position{}, err
	}

	if marginChecked {
		initial, _, err := e.risk.RequiredMargin(marketID, pos.Size, mark)
		if err != nil {
			cp.rollback()
			return ledger.Position{}, err
		}
		equity := pos.Collateral + fpmath.PnL(pos.Size, pos.EntryPrice, mark)
		if equity < initial {
			cp.rollback()
			return ledger.Position{}, ledger.ErrInsufficientCollateral
		}
	}

	e.emit(event.Record{
		Kind:            event.KindCollateralChanged,
		MarketID:        marketID,
		Actor:           e.store.GrantName(e.cap),
		Owner:           &owner,
		CollateralDelta: delta,
		Collateral:      pos.Collateral,
		MarkPrice:       mark,
	})
	return pos, nil
}

// accrue folds pending funding and borrow cost into the market's
// cumulative indices. Caller holds the lock.
func (e *Engine) accrue(marketID uint64, mark, now int64) error {
	if _, err := e.funding.Update(e.cap, marketID, mark, now); err != nil {
		return err
	}
	_, err := e.risk.AccrueInterest(e.cap, marketID, mark, now)
	return err
}
