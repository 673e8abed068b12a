package feed

import (
	"context"
	"fmt"
	"time"

	"OutcomePerp/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Aggregator answers on-demand price queries. This is the pull path, for
// markets whose oracle does not publish a stream or whose stream has gone
// quiet.
type Aggregator interface {
	FetchPrice(ctx context.Context, marketID uint64) (int64, error)
}

// NATSAggregator queries the oracle over request/reply. The reply body is
// a regular price tick.
type NATSAggregator struct {
	nc      *nats.Conn
	timeout time.Duration
}

func NewNATSAggregator(nc *nats.Conn, timeout time.Duration) *NATSAggregator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &NATSAggregator{nc: nc, timeout: timeout}
}

func (a *NATSAggregator) FetchPrice(ctx context.Context, marketID uint64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	subject := fmt.Sprintf("outcome.prices.get.%d", marketID)
	msg, err := a.nc.RequestWithContext(ctx, subject, nil)
	if err != nil {
		return 0, fmt.Errorf("price request %s: %w", subject, err)
	}
	tick, err := ParseTick(subject, msg.Data)
	if err != nil {
		return 0, err
	}
	return tick.Price, nil
}

// PullEngine is the engine surface the poller drives.
type PullEngine interface {
	PricePusher
	MarketIDs() []uint64
	PriceIsStale(marketID uint64) bool
}

// Poller refreshes stale markets from the aggregator on a fixed interval.
// Markets with a live stream are left to the push path.
type Poller struct {
	agg      Aggregator
	engine   PullEngine
	interval time.Duration
	metrics  *observability.Metrics
	log      zerolog.Logger
}

func NewPoller(agg Aggregator, engine PullEngine, interval time.Duration, metrics *observability.Metrics, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Poller{
		agg:      agg,
		engine:   engine,
		interval: interval,
		metrics:  metrics,
		log:      log,
	}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info().Dur("interval", p.interval).Msg("price poller started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("price poller stopped")
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	for _, id := range p.engine.MarketIDs() {
		if !p.engine.PriceIsStale(id) {
			continue
		}
		price, err := p.agg.FetchPrice(ctx, id)
		if err != nil {
			p.log.Warn().Uint64("market_id", id).Err(err).Msg("price pull failed")
			continue
		}
		if err := p.engine.PushPrice(id, price); err != nil {
			if p.metrics != nil {
				p.metrics.FeedRejected.WithLabelValues(rejectReason(err)).Inc()
			}
			p.log.Warn().Uint64("market_id", id).Int64("price", price).Err(err).Msg("pulled price rejected")
		}
	}
}
