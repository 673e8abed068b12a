package ledger

import (
	"errors"

	"github.com/google/uuid"
)

// Error kinds surfaced by the store. All are returned synchronously with
// no partial effect on the authoritative state.
var (
	ErrUnauthorized           = errors.New("caller not authorized for mutation")
	ErrInvalidSize            = errors.New("invalid size delta")
	ErrInvalidPrice           = errors.New("price outside (0, unit]")
	ErrExceedsMaxOI           = errors.New("open interest would exceed market cap")
	ErrMarketNotConfigured    = errors.New("market not configured")
	ErrMarketInactive         = errors.New("market not active")
	ErrPositionNotFound       = errors.New("no position for owner in market")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrIndexRegression        = errors.New("borrow index must not decrease")
)

// Market is the authoritative per-market record. OI totals are magnitudes
// and each must equal the sum of open position magnitudes on its side.
//
// FundingIndexLong / FundingIndexShort are cumulative per-contract funding
// costs for the respective side (Unit-scaled collateral; positive means the
// side pays). Two indices keep funding zero-sum across traders even when OI
// is imbalanced: the non-crowded side accrues the crowded side's total
// pro-rated over its own OI. BorrowIndex is the cumulative per-contract
// borrow cost and never decreases.
type Market struct {
	ID                uint64
	OracleRef         string
	TotalLongOI       int64
	TotalShortOI      int64
	MaxOI             int64
	FundingIndexLong  int64
	FundingIndexShort int64
	BorrowIndex       int64
	Active            bool
}

// Position is a trader's synthetic exposure in one market. Size is signed
// (positive = long). EntryPrice and Collateral are Unit-scaled.
// LastFundingIndex snapshots the side-appropriate funding index at the last
// fee settlement; LastBorrowIndex does the same for borrow cost.
type Position struct {
	Owner            uuid.UUID
	MarketID         uint64
	Size             int64
	EntryPrice       int64
	Collateral       int64
	OpenedAt         int64
	LastFundingIndex int64
	LastBorrowIndex  int64
}

// IsFlat reports whether the position has no exposure.
func (p *Position) IsFlat() bool {
	return p.Size == 0
}

// PositionKey addresses a position in the arena.
type PositionKey struct {
	Owner    uuid.UUID
	MarketID uint64
}

// TradeReceipt reports the effects of an OpenOrAdjust call.
type TradeReceipt struct {
	Size               int64 // resulting signed size
	EntryPrice         int64 // resulting entry price (0 when closed)
	Collateral         int64 // resulting collateral (0 when closed)
	RealizedPnL        int64 // PnL realized by reduce/close/flip legs
	FundingPaid        int64 // funding settled this call (positive = paid)
	BorrowPaid         int64 // borrow fees settled this call
	CollateralReturned int64 // paid out on full close
}

// LiquidationReceipt reports the effects of a forced closure.
type LiquidationReceipt struct {
	ClosedSize         int64 // magnitude of the closed leg
	RealizedPnL        int64
	FundingPaid        int64
	BorrowPaid         int64
	PenaltyCharged     int64 // actually deducted (capped at collateral)
	CollateralReturned int64 // remaining collateral on full close
	Deficit            int64 // bad debt when equity went below zero
	RemainingSize      int64
}
