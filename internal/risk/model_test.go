package risk_test

import (
	"errors"
	"testing"

	"OutcomePerp/internal/fpmath"
	"OutcomePerp/internal/ledger"
	"OutcomePerp/internal/risk"

	"github.com/google/uuid"
)

func baseParams() risk.Params {
	return risk.Params{
		InitialMarginBps:      1_000,
		MaintenanceMarginBps:  500,
		MaxLeverage:           20,
		BaseBorrowRateAprBps:  200,
		MaxBorrowRateAprBps:   5_000,
		OptimalUtilizationBps: 8_000,
		LiquidationPenaltyBps: 100,
		LiquidatorShareBps:    4_000,
		ProtocolShareBps:      1_000,
		PoolShareBps:          5_000,
	}
}

func newRisk(t *testing.T) (*ledger.Store, ledger.Capability, *risk.Model, uint64) {
	t.Helper()
	store, root := ledger.NewStore()
	id, err := store.CreateMarket(root, "oracle:test", 1_000_000)
	if err != nil {
		t.Fatal(err)
	}
	model := risk.NewModel(store)
	if err := model.SetParams(root, id, baseParams()); err != nil {
		t.Fatal(err)
	}
	return store, root, model, id
}

// ==== parameter validation ====

func TestParams_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*risk.Params)
	}{
		{"zero maintenance", func(p *risk.Params) { p.MaintenanceMarginBps = 0 }},
		{"initial not above maintenance", func(p *risk.Params) { p.InitialMarginBps = p.MaintenanceMarginBps }},
		{"initial at full notional", func(p *risk.Params) { p.InitialMarginBps = fpmath.BpsScale }},
		{"zero leverage", func(p *risk.Params) { p.MaxLeverage = 0 }},
		{"max rate below base", func(p *risk.Params) { p.MaxBorrowRateAprBps = p.BaseBorrowRateAprBps - 1 }},
		{"optimal utilization at 100%", func(p *risk.Params) { p.OptimalUtilizationBps = fpmath.BpsScale }},
		{"negative penalty", func(p *risk.Params) { p.LiquidationPenaltyBps = -1 }},
		{"shares do not sum", func(p *risk.Params) { p.PoolShareBps = p.PoolShareBps - 1 }},
	}
	for _, c := range cases {
		p := baseParams()
		c.mutate(&p)
		if err := p.Validate(); err == nil {
			t.Errorf("%s: want error, got nil", c.name)
		}
	}
	if err := baseParams().Validate(); err != nil {
		t.Errorf("base params should validate: %v", err)
	}
}

func TestSetParams_RejectsInvalid(t *testing.T) {
	_, root, model, id := newRisk(t)

	p := baseParams()
	p.MaxLeverage = 0
	if err := model.SetParams(root, id, p); err == nil {
		t.Error("want error for invalid params")
	}
	if err := model.SetParams(ledger.Capability{}, id, baseParams()); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}

// ==== margin requirements ====

func TestRequiredMargin_MarginFractionBinds(t *testing.T) {
	_, _, model, id := newRisk(t)

	// Notional 50 units; 10% initial beats 1/20 leverage.
	initial, maintenance, err := model.RequiredMargin(id, 100, 500_000)
	if err != nil {
		t.Fatal(err)
	}
	if initial != 5_000_000 {
		t.Errorf("initial = %d, want 5000000", initial)
	}
	if maintenance != 2_500_000 {
		t.Errorf("maintenance = %d, want 2500000", maintenance)
	}
}

func TestRequiredMargin_LeverageCapBinds(t *testing.T) {
	_, root, model, id := newRisk(t)

	p := baseParams()
	p.MaxLeverage = 5
	if err := model.SetParams(root, id, p); err != nil {
		t.Fatal(err)
	}

	// 1/5 of notional exceeds the 10% margin fraction.
	initial, _, err := model.RequiredMargin(id, 100, 500_000)
	if err != nil {
		t.Fatal(err)
	}
	if initial != 10_000_000 {
		t.Errorf("initial = %d, want 10000000", initial)
	}
}

func TestRequiredMargin_NotConfigured(t *testing.T) {
	_, _, model, _ := newRisk(t)
	if _, _, err := model.RequiredMargin(999, 100, 500_000); !errors.Is(err, risk.ErrNotConfigured) {
		t.Errorf("got %v, want ErrNotConfigured", err)
	}
}

// ==== utilization and borrow rate ====

func TestUtilization_BelowOptimal(t *testing.T) {
	store, root, model, id := newRisk(t)

	if err := model.SetCapital(root, id, 100_000_000); err != nil {
		t.Fatal(err)
	}
	if _, err := store.OpenOrAdjust(root, uuid.New(), id, 100, 500_000, 20_000_000, 1); err != nil {
		t.Fatal(err)
	}

	// Open notional 50 against capital 100: 50% utilization. First segment
	// interpolates base -> midpoint (2600) over [0, optimal].
	utilBps, rateAprBps, err := model.Utilization(id, 500_000)
	if err != nil {
		t.Fatal(err)
	}
	if utilBps != 5_000 {
		t.Errorf("utilBps = %d, want 5000", utilBps)
	}
	if rateAprBps != 1_700 {
		t.Errorf("rateAprBps = %d, want 1700", rateAprBps)
	}
}

func TestUtilization_AboveOptimal(t *testing.T) {
	store, root, model, id := newRisk(t)

	if err := model.SetCapital(root, id, 55_000_000); err != nil {
		t.Fatal(err)
	}
	if _, err := store.OpenOrAdjust(root, uuid.New(), id, 100, 500_000, 20_000_000, 1); err != nil {
		t.Fatal(err)
	}

	utilBps, rateAprBps, err := model.Utilization(id, 500_000)
	if err != nil {
		t.Fatal(err)
	}
	if utilBps != 9_090 {
		t.Errorf("utilBps = %d, want 9090", utilBps)
	}
	// Second segment: 2600 + 2400 * 1090/2000.
	if rateAprBps != 3_908 {
		t.Errorf("rateAprBps = %d, want 3908", rateAprBps)
	}
}

func TestUtilization_NoCapital(t *testing.T) {
	store, root, model, id := newRisk(t)

	utilBps, rateAprBps, err := model.Utilization(id, 500_000)
	if err != nil {
		t.Fatal(err)
	}
	if utilBps != 0 || rateAprBps != 200 {
		t.Errorf("empty market: util=%d rate=%d, want 0/200", utilBps, rateAprBps)
	}

	// Any open interest without capital saturates the curve.
	if _, err := store.OpenOrAdjust(root, uuid.New(), id, 10, 500_000, 5_000_000, 1); err != nil {
		t.Fatal(err)
	}
	utilBps, rateAprBps, err = model.Utilization(id, 500_000)
	if err != nil {
		t.Fatal(err)
	}
	if utilBps != fpmath.BpsScale || rateAprBps != 5_000 {
		t.Errorf("util=%d rate=%d, want 10000/5000", utilBps, rateAprBps)
	}
}

// ==== interest accrual ====

func TestAccrueInterest_FirstCallOnlySetsBaseline(t *testing.T) {
	_, root, model, id := newRisk(t)

	delta, err := model.AccrueInterest(root, id, 500_000, 1_000)
	if err != nil {
		t.Fatal(err)
	}
	if delta != 0 {
		t.Errorf("first accrual delta = %d, want 0", delta)
	}
	if model.LastAccrual(id) != 1_000 {
		t.Errorf("LastAccrual = %d, want 1000", model.LastAccrual(id))
	}
}

func TestAccrueInterest_WritesBorrowIndex(t *testing.T) {
	store, root, model, id := newRisk(t)

	if err := model.SetCapital(root, id, 100_000_000); err != nil {
		t.Fatal(err)
	}
	if _, err := store.OpenOrAdjust(root, uuid.New(), id, 100, 500_000, 20_000_000, 1); err != nil {
		t.Fatal(err)
	}

	if _, err := model.AccrueInterest(root, id, 500_000, 1_000); err != nil {
		t.Fatal(err)
	}
	// One full year at 17% APR on a 0.50 mark: 0.085 per contract.
	delta, err := model.AccrueInterest(root, id, 500_000, 1_000+fpmath.SecondsYear)
	if err != nil {
		t.Fatal(err)
	}
	if delta != 85_000 {
		t.Errorf("delta = %d, want 85000", delta)
	}

	mkt, err := store.GetMarket(id)
	if err != nil {
		t.Fatal(err)
	}
	if mkt.BorrowIndex != 85_000 {
		t.Errorf("BorrowIndex = %d, want 85000", mkt.BorrowIndex)
	}
}

func TestAccrueInterest_RestoreAccrualRewinds(t *testing.T) {
	_, root, model, id := newRisk(t)

	if _, err := model.AccrueInterest(root, id, 500_000, 1_000); err != nil {
		t.Fatal(err)
	}
	model.RestoreAccrual(id, 500)
	if model.LastAccrual(id) != 500 {
		t.Errorf("LastAccrual = %d, want 500", model.LastAccrual(id))
	}
}

func TestAccrueInterest_FailureKeepsBaseline(t *testing.T) {
	store, root := ledger.NewStore()
	model := risk.NewModel(store)

	// Params exist for a market the store has never seen, so utilization
	// lookups fail after the baseline call.
	if err := model.SetParams(root, 999, baseParams()); err != nil {
		t.Fatal(err)
	}
	if _, err := model.AccrueInterest(root, 999, 500_000, 1_000); err != nil {
		t.Fatal(err)
	}

	if _, err := model.AccrueInterest(root, 999, 500_000, 2_000); !errors.Is(err, ledger.ErrMarketNotConfigured) {
		t.Fatalf("got %v, want ErrMarketNotConfigured", err)
	}
	if model.LastAccrual(999) != 1_000 {
		t.Errorf("failed accrual moved the baseline to %d, want 1000", model.LastAccrual(999))
	}
}

// ==== equity and liquidation trigger ====

func TestEquity_IncludesUnrealizedPnL(t *testing.T) {
	store, root, model, id := newRisk(t)

	owner := uuid.New()
	if _, err := store.OpenOrAdjust(root, owner, id, 100, 500_000, 10_000_000, 1); err != nil {
		t.Fatal(err)
	}

	equity, err := model.Equity(owner, id, 600_000)
	if err != nil {
		t.Fatal(err)
	}
	if equity != 20_000_000 {
		t.Errorf("equity = %d, want 20000000", equity)
	}

	// Flat owner has zero equity.
	equity, err = model.Equity(uuid.New(), id, 600_000)
	if err != nil {
		t.Fatal(err)
	}
	if equity != 0 {
		t.Errorf("flat equity = %d, want 0", equity)
	}
}

func TestEquity_DeductsPendingBorrowCost(t *testing.T) {
	store, root, model, id := newRisk(t)

	if err := model.SetCapital(root, id, 100_000_000); err != nil {
		t.Fatal(err)
	}
	owner := uuid.New()
	if _, err := store.OpenOrAdjust(root, owner, id, 100, 500_000, 10_000_000, 1); err != nil {
		t.Fatal(err)
	}

	if _, err := model.AccrueInterest(root, id, 500_000, 1_000); err != nil {
		t.Fatal(err)
	}
	if _, err := model.AccrueInterest(root, id, 500_000, 1_000+fpmath.SecondsYear); err != nil {
		t.Fatal(err)
	}

	// 0.085 per contract over 100 contracts pending.
	equity, err := model.Equity(owner, id, 500_000)
	if err != nil {
		t.Fatal(err)
	}
	if equity != 1_500_000 {
		t.Errorf("equity = %d, want 1500000", equity)
	}
}

func TestIsLiquidatable(t *testing.T) {
	store, root, model, id := newRisk(t)

	owner := uuid.New()
	if _, err := store.OpenOrAdjust(root, owner, id, 100, 500_000, 3_000_000, 1); err != nil {
		t.Fatal(err)
	}

	// Healthy at entry: equity 3.0 vs maintenance 2.5.
	liq, shortfall, err := model.IsLiquidatable(owner, id, 500_000)
	if err != nil {
		t.Fatal(err)
	}
	if liq || shortfall != 0 {
		t.Errorf("healthy position flagged: liq=%v shortfall=%d", liq, shortfall)
	}

	// At 0.48 equity drops to 1.0 against maintenance 2.4.
	liq, shortfall, err = model.IsLiquidatable(owner, id, 480_000)
	if err != nil {
		t.Fatal(err)
	}
	if !liq {
		t.Fatal("expected liquidatable")
	}
	if shortfall != 1_400_000 {
		t.Errorf("shortfall = %d, want 1400000", shortfall)
	}

	// Unknown owner is never liquidatable.
	liq, _, err = model.IsLiquidatable(uuid.New(), id, 480_000)
	if err != nil {
		t.Fatal(err)
	}
	if liq {
		t.Error("flat position flagged liquidatable")
	}
}

// ==== pool capital ====

func TestCapital_SetAndAdd(t *testing.T) {
	_, root, model, id := newRisk(t)

	if err := model.SetCapital(root, id, -1); err == nil {
		t.Error("negative capital accepted")
	}
	if err := model.SetCapital(root, id, 50_000_000); err != nil {
		t.Fatal(err)
	}
	if err := model.AddCapital(root, id, 2_500_000); err != nil {
		t.Fatal(err)
	}
	if got := model.Capital(id); got != 52_500_000 {
		t.Errorf("capital = %d, want 52500000", got)
	}
	if err := model.SetCapital(ledger.Capability{}, id, 1); !errors.Is(err, ledger.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}
