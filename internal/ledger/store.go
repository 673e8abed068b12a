package ledger

import (
	"OutcomePerp/internal/fpmath"

	"github.com/google/uuid"
)

// Store owns the authoritative Market and Position records. No other
// component holds a reference into it; everything outside works on copies
// returned by the read accessors. Mutation is reachable only through
// capability-checked operations, and every operation either fully commits
// or leaves the store untouched (stage on copies, then commit).
//
// The store itself is not locked: the orchestrator serializes all mutating
// calls behind a single writer.
type Store struct {
	markets      map[uint64]*Market
	positions    map[PositionKey]*Position
	nextMarketID uint64
	grants       map[uuid.UUID]string
}

// NewStore creates an empty store and mints the root capability.
func NewStore() (*Store, Capability) {
	root := Capability{id: uuid.New()}
	s := &Store{
		markets:      make(map[uint64]*Market),
		positions:    make(map[PositionKey]*Position),
		nextMarketID: 1,
		grants:       map[uuid.UUID]string{root.id: "root"},
	}
	return s, root
}

// CreateMarket registers a new market and returns its arena key.
func (s *Store) CreateMarket(by Capability, oracleRef string, maxOI int64) (uint64, error) {
	if !s.Authorized(by) {
		return 0, ErrUnauthorized
	}
	if maxOI <= 0 {
		return 0, ErrInvalidSize
	}

	id := s.nextMarketID
	s.nextMarketID++
	s.markets[id] = &Market{
		ID:        id,
		OracleRef: oracleRef,
		MaxOI:     maxOI,
		Active:    true,
	}
	return id, nil
}

// SetMarketActive flips the trading flag.
func (s *Store) SetMarketActive(by Capability, marketID uint64, active bool) error {
	if !s.Authorized(by) {
		return ErrUnauthorized
	}
	mkt, ok := s.markets[marketID]
	if !ok {
		return ErrMarketNotConfigured
	}
	mkt.Active = active
	return nil
}

// pendingFees computes unsettled funding and borrow cost for a position
// against the market's cumulative indices. Positive values mean the
// position pays.
func pendingFees(pos *Position, mkt *Market) (funding, borrow int64) {
	if pos.Size == 0 {
		return 0, 0
	}
	sideIdx := mkt.FundingIndexLong
	if pos.Size < 0 {
		sideIdx = mkt.FundingIndexShort
	}
	mag := fpmath.Abs(pos.Size)
	funding = fpmath.MulDiv(mag, sideIdx-pos.LastFundingIndex, 1, fpmath.RoundDown)
	borrow = fpmath.MulDiv(mag, mkt.BorrowIndex-pos.LastBorrowIndex, 1, fpmath.RoundDown)
	return funding, borrow
}

// settleFees deducts pending fees from collateral and snaps the index
// watermarks. Collateral may go negative here; the caller decides whether
// that is acceptable (liquidation) or an error (trading paths).
func settleFees(pos *Position, mkt *Market) (funding, borrow int64) {
	funding, borrow = pendingFees(pos, mkt)
	pos.Collateral -= funding + borrow
	snapIndices(pos, mkt)
	return funding, borrow
}

func snapIndices(pos *Position, mkt *Market) {
	if pos.Size >= 0 {
		pos.LastFundingIndex = mkt.FundingIndexLong
	} else {
		pos.LastFundingIndex = mkt.FundingIndexShort
	}
	pos.LastBorrowIndex = mkt.BorrowIndex
}

func longMag(size int64) int64 {
	if size > 0 {
		return size
	}
	return 0
}

func shortMag(size int64) int64 {
	if size < 0 {
		return -size
	}
	return 0
}

// OpenOrAdjust applies a signed size delta and a collateral delta to the
// (owner, market) position at the given execution price.
//
//   - flat + delta: opens at price
//   - same-side add: OI-weighted average entry
//   - reduce without crossing zero: entry unchanged, PnL realized on the
//     closed contracts at price vs entry
//   - cross through zero: the old position closes entirely (PnL realized
//     against its entry), the residual reopens at price
//
// Realized PnL and pending fees settle into collateral. A full close pays
// out the remaining collateral and destroys the record.
func (s *Store) OpenOrAdjust(
	by Capability,
	owner uuid.UUID,
	marketID uint64,
	sizeDelta int64,
	price int64,
	collateralDelta int64,
	now int64,
) (TradeReceipt, error) {
	if !s.Authorized(by) {
		return TradeReceipt{}, ErrUnauthorized
	}
	mkt, ok := s.markets[marketID]
	if !ok {
		return TradeReceipt{}, ErrMarketNotConfigured
	}
	if !mkt.Active {
		return TradeReceipt{}, ErrMarketInactive
	}
	if price <= 0 || price > fpmath.Unit {
		return TradeReceipt{}, ErrInvalidPrice
	}

	key := PositionKey{Owner: owner, MarketID: marketID}
	existing := s.positions[key]
	if existing == nil && sizeDelta == 0 {
		return TradeReceipt{}, ErrInvalidSize
	}

	// Stage on a copy so a failed validation leaves no partial effect.
	var work Position
	if existing != nil {
		work = *existing
	} else {
		work = Position{Owner: owner, MarketID: marketID, OpenedAt: now}
	}

	funding, borrow := settleFees(&work, mkt)
	work.Collateral += collateralDelta

	oldSize := work.Size
	newSize := oldSize + sizeDelta
	var realized int64

	switch {
	case sizeDelta == 0:
		// Pure collateral adjustment on an open position.

	case oldSize == 0:
		work.EntryPrice = price
		work.OpenedAt = now

	case fpmath.Sign(oldSize) == fpmath.Sign(sizeDelta):
		work.EntryPrice = fpmath.WeightedEntryPrice(
			fpmath.Abs(oldSize), work.EntryPrice, fpmath.Abs(sizeDelta), price)

	case fpmath.Abs(sizeDelta) <= fpmath.Abs(oldSize):
		// Reduce or full close without crossing zero.
		closed := fpmath.Sign(oldSize) * fpmath.Abs(sizeDelta)
		realized = fpmath.PnL(closed, work.EntryPrice, price)

	default:
		// Flip: close the whole old side, reopen the residual at price.
		realized = fpmath.PnL(oldSize, work.EntryPrice, price)
		work.EntryPrice = price
		work.OpenedAt = now
	}

	work.Size = newSize
	work.Collateral += realized

	newLong := mkt.TotalLongOI - longMag(oldSize) + longMag(newSize)
	newShort := mkt.TotalShortOI - shortMag(oldSize) + shortMag(newSize)
	if newLong > mkt.MaxOI && newLong > mkt.TotalLongOI {
		return TradeReceipt{}, ErrExceedsMaxOI
	}
	if newShort > mkt.MaxOI && newShort > mkt.TotalShortOI {
		return TradeReceipt{}, ErrExceedsMaxOI
	}

	receipt := TradeReceipt{
		RealizedPnL: realized,
		FundingPaid: funding,
		BorrowPaid:  borrow,
	}

	if newSize == 0 {
		if work.Collateral < 0 {
			// An underwater position cannot be closed voluntarily; it is
			// the liquidation procedure's job.
			return TradeReceipt{}, ErrInsufficientCollateral
		}
		receipt.CollateralReturned = work.Collateral
		work.Collateral = 0
		work.EntryPrice = 0
	} else if work.Collateral < 0 {
		return TradeReceipt{}, ErrInsufficientCollateral
	}

	// Side changed (open or flip): funding watermark follows the new side.
	snapIndices(&work, mkt)

	// Commit.
	mkt.TotalLongOI = newLong
	mkt.TotalShortOI = newShort
	if newSize == 0 {
		delete(s.positions, key)
	} else {
		committed := work
		s.positions[key] = &committed
	}

	receipt.Size = newSize
	receipt.EntryPrice = work.EntryPrice
	receipt.Collateral = work.Collateral
	return receipt, nil
}

// ModifyCollateral deposits (positive) or withdraws (negative) collateral
// on an existing position. Margin sufficiency for withdrawals is the
// orchestrator's check; the store only refuses negative balances.
func (s *Store) ModifyCollateral(by Capability, owner uuid.UUID, marketID uint64, delta int64) (Position, error) {
	if !s.Authorized(by) {
		return Position{}, ErrUnauthorized
	}
	mkt, ok := s.markets[marketID]
	if !ok {
		return Position{}, ErrMarketNotConfigured
	}
	pos := s.positions[PositionKey{Owner: owner, MarketID: marketID}]
	if pos == nil {
		return Position{}, ErrPositionNotFound
	}

	work := *pos
	settleFees(&work, mkt)
	work.Collateral += delta
	if work.Collateral < 0 {
		return Position{}, ErrInsufficientCollateral
	}

	*pos = work
	return work, nil
}

// Liquidate forcibly closes closeSize contracts of the position at
// markPrice, deducting penalty from whatever collateral remains after fee
// and PnL settlement. It runs through the same close arithmetic as
// OpenOrAdjust so OI and indices stay consistent with any other closure.
func (s *Store) Liquidate(
	by Capability,
	owner uuid.UUID,
	marketID uint64,
	liquidator uuid.UUID,
	penalty int64,
	closeSize int64,
	markPrice int64,
) (LiquidationReceipt, error) {
	_ = liquidator // recorded by the caller's event emission

	if !s.Authorized(by) {
		return LiquidationReceipt{}, ErrUnauthorized
	}
	mkt, ok := s.markets[marketID]
	if !ok {
		return LiquidationReceipt{}, ErrMarketNotConfigured
	}
	key := PositionKey{Owner: owner, MarketID: marketID}
	pos := s.positions[key]
	if pos == nil || pos.Size == 0 {
		return LiquidationReceipt{}, ErrInvalidSize
	}
	if closeSize <= 0 || closeSize > fpmath.Abs(pos.Size) {
		return LiquidationReceipt{}, ErrInvalidSize
	}
	if markPrice <= 0 || markPrice > fpmath.Unit {
		return LiquidationReceipt{}, ErrInvalidPrice
	}

	work := *pos
	funding, borrow := settleFees(&work, mkt)

	closed := fpmath.Sign(work.Size) * closeSize
	realized := fpmath.PnL(closed, work.EntryPrice, markPrice)

	oldSize := work.Size
	newSize := oldSize - closed
	work.Size = newSize
	work.Collateral += realized

	available := work.Collateral
	if available < 0 {
		available = 0
	}
	charged := fpmath.Min(penalty, available)
	work.Collateral -= charged

	receipt := LiquidationReceipt{
		ClosedSize:     closeSize,
		RealizedPnL:    realized,
		FundingPaid:    funding,
		BorrowPaid:     borrow,
		PenaltyCharged: charged,
		RemainingSize:  newSize,
	}

	if newSize == 0 {
		if work.Collateral < 0 {
			receipt.Deficit = -work.Collateral
		} else {
			receipt.CollateralReturned = work.Collateral
		}
		work.Collateral = 0
		work.EntryPrice = 0
	} else if work.Collateral < 0 {
		// A partial close must leave a funded position; escalate to full.
		return LiquidationReceipt{}, ErrInsufficientCollateral
	}

	mkt.TotalLongOI += longMag(newSize) - longMag(oldSize)
	mkt.TotalShortOI += shortMag(newSize) - shortMag(oldSize)
	if newSize == 0 {
		delete(s.positions, key)
	} else {
		snapIndices(&work, mkt)
		*pos = work
	}

	return receipt, nil
}

// UpdateIndices writes new cumulative index values for a market. The
// borrow index is monotone non-decreasing.
func (s *Store) UpdateIndices(by Capability, marketID uint64, fundingLong, fundingShort, borrow int64) error {
	if !s.Authorized(by) {
		return ErrUnauthorized
	}
	mkt, ok := s.markets[marketID]
	if !ok {
		return ErrMarketNotConfigured
	}
	if borrow < mkt.BorrowIndex {
		return ErrIndexRegression
	}
	mkt.FundingIndexLong = fundingLong
	mkt.FundingIndexShort = fundingShort
	mkt.BorrowIndex = borrow
	return nil
}
