package keeper_test

import (
	"testing"

	"OutcomePerp/internal/keeper"
	"OutcomePerp/internal/liquidation"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type stubEngine struct {
	markets      []uint64
	stale        map[uint64]bool
	liquidatable map[uint64][]uuid.UUID

	fundingCalls  []uint64
	interestCalls []uint64
	liquidations  []uuid.UUID
	liquidator    uuid.UUID
}

func (s *stubEngine) MarketIDs() []uint64         { return s.markets }
func (s *stubEngine) PriceIsStale(id uint64) bool { return s.stale[id] }

func (s *stubEngine) UpdateFunding(id uint64) (bool, error) {
	s.fundingCalls = append(s.fundingCalls, id)
	return true, nil
}

func (s *stubEngine) AccrueInterest(id uint64) (int64, error) {
	s.interestCalls = append(s.interestCalls, id)
	return 0, nil
}

func (s *stubEngine) ScanLiquidatable(id uint64) ([]uuid.UUID, error) {
	return s.liquidatable[id], nil
}

func (s *stubEngine) Liquidate(owner uuid.UUID, id uint64, liquidator uuid.UUID) (liquidation.Result, error) {
	s.liquidations = append(s.liquidations, owner)
	s.liquidator = liquidator
	return liquidation.Result{}, nil
}

func TestSweep_SkipsStaleMarkets(t *testing.T) {
	eng := &stubEngine{
		markets: []uint64{1, 2, 3},
		stale:   map[uint64]bool{2: true},
	}
	k := keeper.New(eng, nil, zerolog.Nop(), keeper.Config{})

	k.Sweep()

	want := []uint64{1, 3}
	if len(eng.fundingCalls) != 2 || eng.fundingCalls[0] != want[0] || eng.fundingCalls[1] != want[1] {
		t.Errorf("funding calls = %v, want %v", eng.fundingCalls, want)
	}
	if len(eng.interestCalls) != 2 {
		t.Errorf("interest calls = %v, want %v", eng.interestCalls, want)
	}
}

func TestSweep_AutoLiquidate(t *testing.T) {
	doomed := uuid.New()
	liquidatorID := uuid.New()
	eng := &stubEngine{
		markets:      []uint64{1},
		liquidatable: map[uint64][]uuid.UUID{1: {doomed}},
	}

	// Without auto-liquidation the keeper only reports.
	k := keeper.New(eng, nil, zerolog.Nop(), keeper.Config{})
	k.Sweep()
	if len(eng.liquidations) != 0 {
		t.Fatalf("liquidations = %v, want none", eng.liquidations)
	}

	k = keeper.New(eng, nil, zerolog.Nop(), keeper.Config{
		AutoLiquidate: true,
		LiquidatorID:  liquidatorID,
	})
	k.Sweep()
	if len(eng.liquidations) != 1 || eng.liquidations[0] != doomed {
		t.Fatalf("liquidations = %v, want [%v]", eng.liquidations, doomed)
	}
	if eng.liquidator != liquidatorID {
		t.Errorf("liquidator = %v, want configured keeper id", eng.liquidator)
	}
}
