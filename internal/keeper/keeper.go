// Package keeper runs the periodic maintenance loop: funding accrual,
// borrow-interest accrual, staleness probes, and liquidation scans. All
// actual state changes go through the engine, so the keeper holds no
// authority of its own.
package keeper

import (
	"context"
	"errors"
	"time"

	"OutcomePerp/internal/funding"
	"OutcomePerp/internal/liquidation"
	"OutcomePerp/internal/observability"
	"OutcomePerp/internal/pricing"
	"OutcomePerp/internal/risk"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine is the maintenance surface the keeper drives.
type Engine interface {
	MarketIDs() []uint64
	UpdateFunding(marketID uint64) (bool, error)
	AccrueInterest(marketID uint64) (int64, error)
	PriceIsStale(marketID uint64) bool
	ScanLiquidatable(marketID uint64) ([]uuid.UUID, error)
	Liquidate(owner uuid.UUID, marketID uint64, liquidator uuid.UUID) (liquidation.Result, error)
}

// Config tunes the keeper cadence.
type Config struct {
	// Interval between maintenance sweeps.
	Interval time.Duration
	// AutoLiquidate makes the keeper act as liquidator of last resort.
	AutoLiquidate bool
	// LiquidatorID receives the reward share for keeper liquidations.
	LiquidatorID uuid.UUID
}

// Keeper is the background maintenance worker.
type Keeper struct {
	engine  Engine
	metrics *observability.Metrics
	log     zerolog.Logger
	cfg     Config
}

func New(engine Engine, metrics *observability.Metrics, log zerolog.Logger, cfg Config) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Keeper{
		engine:  engine,
		metrics: metrics,
		log:     log,
		cfg:     cfg,
	}
}

// Run sweeps until the context is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	k.log.Info().
		Dur("interval", k.cfg.Interval).
		Bool("auto_liquidate", k.cfg.AutoLiquidate).
		Msg("keeper started")

	for {
		select {
		case <-ctx.Done():
			k.log.Info().Msg("keeper stopped")
			return ctx.Err()
		case <-ticker.C:
			k.Sweep()
		}
	}
}

// Sweep runs one maintenance pass over every market.
func (k *Keeper) Sweep() {
	stale := 0
	for _, id := range k.engine.MarketIDs() {
		if k.engine.PriceIsStale(id) {
			// Funding, accrual, and liquidation all price against the
			// mark; with a dead feed the mark is not trustworthy.
			stale++
			continue
		}
		k.sweepMarket(id)
	}
	if k.metrics != nil {
		k.metrics.StaleMarkets.Set(float64(stale))
	}
}

func (k *Keeper) sweepMarket(marketID uint64) {
	if _, err := k.engine.UpdateFunding(marketID); err != nil && !ignorable(err) {
		k.log.Error().Uint64("market_id", marketID).Err(err).Msg("funding update failed")
	}
	if _, err := k.engine.AccrueInterest(marketID); err != nil && !ignorable(err) {
		k.log.Error().Uint64("market_id", marketID).Err(err).Msg("interest accrual failed")
	}

	owners, err := k.engine.ScanLiquidatable(marketID)
	if err != nil {
		k.log.Error().Uint64("market_id", marketID).Err(err).Msg("liquidation scan failed")
		return
	}
	for _, owner := range owners {
		k.log.Warn().
			Uint64("market_id", marketID).
			Stringer("owner", owner).
			Msg("position below maintenance")
		if !k.cfg.AutoLiquidate {
			continue
		}
		if _, err := k.engine.Liquidate(owner, marketID, k.cfg.LiquidatorID); err != nil {
			// The scan snapshot can go stale between scan and close.
			if ignorable(err) {
				continue
			}
			k.log.Error().
				Uint64("market_id", marketID).
				Stringer("owner", owner).
				Err(err).
				Msg("keeper liquidation failed")
		}
	}
}

// ignorable filters expected between-tick races: a market configured but
// not yet priced, or a position that recovered before the close landed.
func ignorable(err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, pricing.ErrNotConfigured),
		errors.Is(err, pricing.ErrStalePrice),
		errors.Is(err, funding.ErrNotConfigured),
		errors.Is(err, risk.ErrNotConfigured),
		errors.Is(err, liquidation.ErrNotLiquidatable):
		return true
	}
	return false
}
