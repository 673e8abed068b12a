// Package feed ingests oracle price observations from NATS JetStream and
// forwards them into the engine's smoothing model. The feed is the only
// inbound message surface; everything else enters through the HTTP API.
package feed

import (
	"context"
	"fmt"
	"time"

	"OutcomePerp/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// StreamName holds inbound oracle observations.
	StreamName = "OUTCOME_PRICES"
	// Subject pattern: outcome.prices.{market_id}.
	SubjectWildcard = "outcome.prices.>"
	ConsumerName    = "outcome-engine-prices"
)

// PricePusher is the engine surface the feed drives.
type PricePusher interface {
	PushPrice(marketID uint64, rawPrice int64) error
}

// Subscriber consumes price ticks and pushes them into the engine.
type Subscriber struct {
	js       jetstream.JetStream
	engine   PricePusher
	metrics  *observability.Metrics
	log      zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewSubscriber(js jetstream.JetStream, engine PricePusher, metrics *observability.Metrics, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		js:      js,
		engine:  engine,
		metrics: metrics,
		log:     log,
	}
}

// Start creates the durable consumer and begins pushing ticks. Parse and
// model rejections are counted, logged, and acked: a bad observation must
// not be redelivered.
func (s *Subscriber) Start(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		FilterSubject: SubjectWildcard,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", ConsumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		s.handle(msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", ConsumerName, err)
	}
	s.consumer = cc

	s.log.Info().Str("subject", SubjectWildcard).Msg("price feed subscribed")
	return nil
}

func (s *Subscriber) handle(msg jetstream.Msg) {
	if s.metrics != nil {
		s.metrics.FeedMessages.Inc()
	}

	tick, err := ParseTick(msg.Subject(), msg.Data())
	if err != nil {
		if s.metrics != nil {
			s.metrics.FeedParseErrors.Inc()
		}
		s.log.Warn().Str("subject", msg.Subject()).Err(err).Msg("unparseable price tick")
		msg.Ack()
		return
	}

	if err := s.engine.PushPrice(tick.MarketID, tick.Price); err != nil {
		if s.metrics != nil {
			s.metrics.FeedRejected.WithLabelValues(rejectReason(err)).Inc()
		}
		s.log.Warn().
			Uint64("market_id", tick.MarketID).
			Int64("price", tick.Price).
			Err(err).
			Msg("price tick rejected")
	}
	msg.Ack()
}

// Stop halts consumption.
func (s *Subscriber) Stop() {
	if s.consumer != nil {
		s.consumer.Stop()
	}
	s.log.Info().Msg("price feed stopped")
}

// EnsureStream creates the inbound price stream if missing.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectWildcard},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
