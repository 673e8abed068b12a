package pricing_test

import (
	"errors"
	"testing"

	"OutcomePerp/internal/ledger"
	"OutcomePerp/internal/pricing"

	"github.com/google/uuid"
)

func newModel(t *testing.T) (*ledger.Store, ledger.Capability, *pricing.Model, uint64) {
	t.Helper()
	store, root := ledger.NewStore()
	id, err := store.CreateMarket(root, "oracle:test", 1_000_000)
	if err != nil {
		t.Fatal(err)
	}
	model := pricing.NewModel(store, store)
	err = model.Configure(root, id, pricing.Config{
		EMAPeriod:       60,
		MaxDeviationBps: 2_000,
		VammDepth:       1_000,
	})
	if err != nil {
		t.Fatal(err)
	}
	return store, root, model, id
}

func TestUpdate_FirstSetsEMADirect(t *testing.T) {
	_, root, model, id := newModel(t)

	if err := model.Update(root, id, 500_000, 100); err != nil {
		t.Fatalf("Update: %v", err)
	}
	ema, err := model.EMAPrice(id)
	if err != nil {
		t.Fatal(err)
	}
	if ema != 500_000 {
		t.Errorf("ema = %d, want 500000", ema)
	}
}

func TestUpdate_EMABetweenOldAndRaw(t *testing.T) {
	_, root, model, id := newModel(t)

	if err := model.Update(root, id, 500_000, 100); err != nil {
		t.Fatal(err)
	}
	// Half the period elapsed: alpha = 0.5.
	if err := model.Update(root, id, 520_000, 130); err != nil {
		t.Fatal(err)
	}

	ema, _ := model.EMAPrice(id)
	if ema != 510_000 {
		t.Errorf("ema = %d, want 510000", ema)
	}
	oracle, _ := model.OraclePrice(id)
	if oracle != 520_000 {
		t.Errorf("oracle = %d, want 520000", oracle)
	}
}

func TestUpdate_FullPeriodReplacesEMA(t *testing.T) {
	_, root, model, id := newModel(t)

	if err := model.Update(root, id, 500_000, 100); err != nil {
		t.Fatal(err)
	}
	if err := model.Update(root, id, 505_000, 100+60); err != nil {
		t.Fatal(err)
	}
	ema, _ := model.EMAPrice(id)
	if ema != 505_000 {
		t.Errorf("ema = %d, want 505000", ema)
	}
}

func TestUpdate_DeviationRejected(t *testing.T) {
	_, root, model, id := newModel(t)

	if err := model.Update(root, id, 500_000, 100); err != nil {
		t.Fatal(err)
	}
	err := model.Update(root, id, 900_000, 101)
	if !errors.Is(err, pricing.ErrPriceDeviationTooHigh) {
		t.Fatalf("got %v, want ErrPriceDeviationTooHigh", err)
	}

	// Rejected update leaves state untouched.
	ema, _ := model.EMAPrice(id)
	oracle, _ := model.OraclePrice(id)
	if ema != 500_000 || oracle != 500_000 {
		t.Errorf("state mutated: ema=%d oracle=%d", ema, oracle)
	}
	if model.LastUpdate(id) != 100 {
		t.Errorf("LastUpdate = %d, want 100", model.LastUpdate(id))
	}
}

func TestUpdate_InvalidInputs(t *testing.T) {
	_, root, model, id := newModel(t)

	if err := model.Update(root, id, 0, 100); !errors.Is(err, ledger.ErrInvalidPrice) {
		t.Errorf("zero: got %v, want ErrInvalidPrice", err)
	}
	if err := model.Update(root, id, 1_000_001, 100); !errors.Is(err, ledger.ErrInvalidPrice) {
		t.Errorf("above certainty: got %v, want ErrInvalidPrice", err)
	}
	if err := model.Update(root, 999, 500_000, 100); !errors.Is(err, pricing.ErrNotConfigured) {
		t.Errorf("unknown market: got %v, want ErrNotConfigured", err)
	}
	if err := model.Update(ledger.Capability{}, id, 500_000, 100); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Errorf("unauthorized: got %v, want ErrUnauthorized", err)
	}
}

func TestForceSet_BypassesDeviationGuard(t *testing.T) {
	_, root, model, id := newModel(t)

	if err := model.Update(root, id, 500_000, 100); err != nil {
		t.Fatal(err)
	}
	if err := model.ForceSet(root, id, 900_000, 101); err != nil {
		t.Fatalf("ForceSet: %v", err)
	}
	ema, _ := model.EMAPrice(id)
	oracle, _ := model.OraclePrice(id)
	if ema != 900_000 || oracle != 900_000 {
		t.Errorf("ema=%d oracle=%d, want both 900000", ema, oracle)
	}
}

func TestMarkPrice_SkewsTowardCrowdedSide(t *testing.T) {
	store, root, model, id := newModel(t)

	if err := model.Update(root, id, 500_000, 100); err != nil {
		t.Fatal(err)
	}

	// Balanced: mark equals EMA.
	mark, err := model.MarkPrice(id)
	if err != nil {
		t.Fatal(err)
	}
	if mark != 500_000 {
		t.Errorf("flat mark = %d, want 500000", mark)
	}

	// 50 net long contracts against depth 1000: +50bps of EMA.
	if _, err := store.OpenOrAdjust(root, uuid.New(), id, 50, 500_000, 100_000_000, 1); err != nil {
		t.Fatal(err)
	}
	mark, _ = model.MarkPrice(id)
	if mark != 525_000 {
		t.Errorf("long-skewed mark = %d, want 525000", mark)
	}

	// Net short flips the shift's direction.
	if _, err := store.OpenOrAdjust(root, uuid.New(), id, -100, 500_000, 100_000_000, 1); err != nil {
		t.Fatal(err)
	}
	mark, _ = model.MarkPrice(id)
	if mark != 475_000 {
		t.Errorf("short-skewed mark = %d, want 475000", mark)
	}
}

func TestMarkPrice_SkewCapped(t *testing.T) {
	store, root, model, id := newModel(t)

	if err := model.Update(root, id, 500_000, 100); err != nil {
		t.Fatal(err)
	}
	// Imbalance 500/1000 would be 5000bps; the cap holds it at 10%.
	if _, err := store.OpenOrAdjust(root, uuid.New(), id, 500, 500_000, 500_000_000, 1); err != nil {
		t.Fatal(err)
	}
	mark, _ := model.MarkPrice(id)
	if mark != 550_000 {
		t.Errorf("mark = %d, want capped 550000", mark)
	}
}

func TestMarkPrice_RequiresPrice(t *testing.T) {
	_, _, model, id := newModel(t)
	if _, err := model.MarkPrice(id); !errors.Is(err, pricing.ErrStalePrice) {
		t.Errorf("got %v, want ErrStalePrice before first update", err)
	}
}

func TestExecutionPrice_ImpactBothWays(t *testing.T) {
	_, root, model, id := newModel(t)

	if err := model.Update(root, id, 500_000, 100); err != nil {
		t.Fatal(err)
	}

	// 100 contracts against 2*depth: 500bps of mark.
	buy, err := model.ExecutionPrice(id, 100)
	if err != nil {
		t.Fatal(err)
	}
	if buy != 525_000 {
		t.Errorf("buy exec = %d, want 525000", buy)
	}

	sell, _ := model.ExecutionPrice(id, -100)
	if sell != 475_000 {
		t.Errorf("sell exec = %d, want 475000", sell)
	}

	quote, _ := model.ExecutionPrice(id, 0)
	if quote != 500_000 {
		t.Errorf("zero-size exec = %d, want mark 500000", quote)
	}
}

func TestExecutionPrice_ClampedToProbabilityRange(t *testing.T) {
	_, root, model, id := newModel(t)

	if err := model.Update(root, id, 990_000, 100); err != nil {
		t.Fatal(err)
	}
	// Impact would push beyond certainty; the price pins at 1.0.
	buy, err := model.ExecutionPrice(id, 1_000)
	if err != nil {
		t.Fatal(err)
	}
	if buy != 1_000_000 {
		t.Errorf("buy exec = %d, want clamp at 1000000", buy)
	}
}

func TestIsStale(t *testing.T) {
	_, root, model, id := newModel(t)

	if !model.IsStale(id, 60, 100) {
		t.Error("never-updated market must be stale")
	}
	if err := model.Update(root, id, 500_000, 100); err != nil {
		t.Fatal(err)
	}
	if model.IsStale(id, 60, 160) {
		t.Error("within max age, should be fresh")
	}
	if !model.IsStale(id, 60, 161) {
		t.Error("past max age, should be stale")
	}
}

func TestSnapshotRestore(t *testing.T) {
	_, root, model, id := newModel(t)

	if err := model.Update(root, id, 500_000, 100); err != nil {
		t.Fatal(err)
	}
	st, ok := model.Snapshot(id)
	if !ok {
		t.Fatal("snapshot should exist")
	}

	if err := model.Update(root, id, 505_000, 160); err != nil {
		t.Fatal(err)
	}
	model.RestoreState(id, st)

	ema, _ := model.EMAPrice(id)
	if ema != 500_000 || model.LastUpdate(id) != 100 {
		t.Errorf("after restore ema=%d last=%d, want 500000/100", ema, model.LastUpdate(id))
	}
}
