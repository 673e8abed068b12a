package ledger

import (
	"OutcomePerp/internal/fpmath"

	"github.com/google/uuid"
)

// GetMarket returns a copy of the market record.
func (s *Store) GetMarket(marketID uint64) (Market, error) {
	mkt, ok := s.markets[marketID]
	if !ok {
		return Market{}, ErrMarketNotConfigured
	}
	return *mkt, nil
}

// GetPosition returns a copy of the (owner, market) position.
func (s *Store) GetPosition(owner uuid.UUID, marketID uint64) (Position, bool) {
	pos, ok := s.positions[PositionKey{Owner: owner, MarketID: marketID}]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// OIImbalance returns totalLongOI - totalShortOI (signed contracts).
func (s *Store) OIImbalance(marketID uint64) (int64, error) {
	mkt, ok := s.markets[marketID]
	if !ok {
		return 0, ErrMarketNotConfigured
	}
	return mkt.TotalLongOI - mkt.TotalShortOI, nil
}

// TotalOI returns totalLongOI + totalShortOI (contracts).
func (s *Store) TotalOI(marketID uint64) (int64, error) {
	mkt, ok := s.markets[marketID]
	if !ok {
		return 0, ErrMarketNotConfigured
	}
	return mkt.TotalLongOI + mkt.TotalShortOI, nil
}

// UnrealizedPnL computes size * (currentPrice - entryPrice) for the
// position, zero when flat.
func (s *Store) UnrealizedPnL(owner uuid.UUID, marketID uint64, currentPrice int64) (int64, error) {
	if _, ok := s.markets[marketID]; !ok {
		return 0, ErrMarketNotConfigured
	}
	pos, ok := s.positions[PositionKey{Owner: owner, MarketID: marketID}]
	if !ok {
		return 0, nil
	}
	return fpmath.PnL(pos.Size, pos.EntryPrice, currentPrice), nil
}

// PendingFees returns unsettled funding and borrow cost for the position
// without settling them. Positive values mean the position pays.
func (s *Store) PendingFees(owner uuid.UUID, marketID uint64) (funding, borrow int64, err error) {
	mkt, ok := s.markets[marketID]
	if !ok {
		return 0, 0, ErrMarketNotConfigured
	}
	pos, ok := s.positions[PositionKey{Owner: owner, MarketID: marketID}]
	if !ok {
		return 0, 0, nil
	}
	funding, borrow = pendingFees(pos, mkt)
	return funding, borrow, nil
}

// MarketPositions returns copies of all open positions in a market, for
// keeper liquidation scans.
func (s *Store) MarketPositions(marketID uint64) []Position {
	var out []Position
	for key, pos := range s.positions {
		if key.MarketID == marketID {
			out = append(out, *pos)
		}
	}
	return out
}

// MarketIDs returns the arena keys of all configured markets.
func (s *Store) MarketIDs() []uint64 {
	out := make([]uint64, 0, len(s.markets))
	for id := range s.markets {
		out = append(out, id)
	}
	return out
}

// Checkpoint captures the touched market and position so a failed
// multi-step operation can be rolled back with no externally observable
// partial state.
type Checkpoint struct {
	marketID uint64
	market   Market
	hadMkt   bool
	posKey   PositionKey
	position Position
	hadPos   bool
}

// Checkpoint snapshots one market and one position.
func (s *Store) Checkpoint(owner uuid.UUID, marketID uint64) Checkpoint {
	cp := Checkpoint{
		marketID: marketID,
		posKey:   PositionKey{Owner: owner, MarketID: marketID},
	}
	if mkt, ok := s.markets[marketID]; ok {
		cp.market = *mkt
		cp.hadMkt = true
	}
	if pos, ok := s.positions[cp.posKey]; ok {
		cp.position = *pos
		cp.hadPos = true
	}
	return cp
}

// Restore rewinds the store to a checkpoint.
func (s *Store) Restore(cp Checkpoint) {
	if cp.hadMkt {
		mkt := cp.market
		s.markets[cp.marketID] = &mkt
	}
	if cp.hadPos {
		pos := cp.position
		s.positions[cp.posKey] = &pos
	} else {
		delete(s.positions, cp.posKey)
	}
}
