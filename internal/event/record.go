// Package event defines the structured records emitted after every
// state-changing operation. A record carries enough context (operation
// kind, participant, market, amounts, resulting indices) to reconstruct
// history without re-querying live state.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates record payloads.
type Kind int32

const (
	KindUnknown Kind = iota
	KindMarketCreated
	KindPositionChanged
	KindCollateralChanged
	KindPriceUpdated
	KindPriceForced
	KindFundingUpdated
	KindInterestAccrued
	KindLiquidationExecuted
)

func (k Kind) String() string {
	switch k {
	case KindMarketCreated:
		return "MarketCreated"
	case KindPositionChanged:
		return "PositionChanged"
	case KindCollateralChanged:
		return "CollateralChanged"
	case KindPriceUpdated:
		return "PriceUpdated"
	case KindPriceForced:
		return "PriceForced"
	case KindFundingUpdated:
		return "FundingUpdated"
	case KindInterestAccrued:
		return "InterestAccrued"
	case KindLiquidationExecuted:
		return "LiquidationExecuted"
	default:
		return "Unknown"
	}
}

// Record is one emitted operation record. Amount fields are populated
// per kind; indices always reflect the market state after the operation.
type Record struct {
	ID       uuid.UUID `json:"id"`
	Sequence int64     `json:"sequence"`
	Kind     Kind      `json:"kind"`
	KindName string    `json:"kind_name"`
	MarketID uint64    `json:"market_id"`
	Actor    string    `json:"actor,omitempty"` // capability grant name

	Owner      *uuid.UUID `json:"owner,omitempty"`
	Liquidator *uuid.UUID `json:"liquidator,omitempty"`

	SizeDelta       int64 `json:"size_delta,omitempty"`
	Size            int64 `json:"size,omitempty"`
	EntryPrice      int64 `json:"entry_price,omitempty"`
	ExecutionPrice  int64 `json:"execution_price,omitempty"`
	CollateralDelta int64 `json:"collateral_delta,omitempty"`
	Collateral      int64 `json:"collateral,omitempty"`
	RealizedPnL     int64 `json:"realized_pnl,omitempty"`
	FundingPaid     int64 `json:"funding_paid,omitempty"`
	BorrowPaid      int64 `json:"borrow_paid,omitempty"`

	OraclePrice int64 `json:"oracle_price,omitempty"`
	EMAPrice    int64 `json:"ema_price,omitempty"`
	MarkPrice   int64 `json:"mark_price,omitempty"`

	Penalty          int64 `json:"penalty,omitempty"`
	LiquidatorReward int64 `json:"liquidator_reward,omitempty"`
	ProtocolFee      int64 `json:"protocol_fee,omitempty"`
	PoolRecovery     int64 `json:"pool_recovery,omitempty"`
	Deficit          int64 `json:"deficit,omitempty"`

	FundingRateBps    int64 `json:"funding_rate_bps,omitempty"`
	FundingIndexLong  int64 `json:"funding_index_long"`
	FundingIndexShort int64 `json:"funding_index_short"`
	BorrowIndex       int64 `json:"borrow_index"`
	TotalLongOI       int64 `json:"total_long_oi"`
	TotalShortOI      int64 `json:"total_short_oi"`

	Timestamp time.Time `json:"timestamp"`
}

// Recorder receives records as operations commit. Implementations must
// not block the engine: enqueue or drop.
type Recorder interface {
	Record(rec Record)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) Record(Record) {}

// MemoryRecorder keeps records in order; test helper.
type MemoryRecorder struct {
	Records []Record
}

func (m *MemoryRecorder) Record(rec Record) {
	m.Records = append(m.Records, rec)
}

// FanOut replicates records to several recorders.
type FanOut []Recorder

func (f FanOut) Record(rec Record) {
	for _, r := range f {
		r.Record(rec)
	}
}

// ChanRecorder enqueues records on a bounded channel, dropping when the
// consumer falls behind; onDrop (optional) observes drops.
type ChanRecorder struct {
	C      chan Record
	onDrop func()
}

func NewChanRecorder(capacity int, onDrop func()) *ChanRecorder {
	return &ChanRecorder{
		C:      make(chan Record, capacity),
		onDrop: onDrop,
	}
}

func (c *ChanRecorder) Record(rec Record) {
	select {
	case c.C <- rec:
	default:
		if c.onDrop != nil {
			c.onDrop()
		}
	}
}
