package event

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher drains a ChanRecorder and publishes records to NATS JetStream
// for downstream indexers. Subjects follow the pattern
// outcome.ledger.events.{kind}.{market_id}. Publish failures are non-fatal:
// indexers can reconcile from the operations table.
type Publisher struct {
	js    jetstream.JetStream
	input <-chan Record
	log   zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, input <-chan Record, log zerolog.Logger) *Publisher {
	return &Publisher{js: js, input: input, log: log}
}

// Run publishes until the context is cancelled or the channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-p.input:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, rec); err != nil {
				p.log.Warn().
					Int64("sequence", rec.Sequence).
					Str("kind", rec.Kind.String()).
					Err(err).
					Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, rec Record) error {
	rec.KindName = rec.Kind.String()
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	subject := fmt.Sprintf("outcome.ledger.events.%s.%s",
		rec.Kind.String(), strconv.FormatUint(rec.MarketID, 10))
	_, err = p.js.Publish(ctx, subject, data)
	return err
}

// EnsureStream creates the outbound events stream if missing.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     "OUTCOME_LEDGER_EVENTS",
		Subjects: []string{"outcome.ledger.events.>"},
		Storage:  jetstream.FileStorage,
	})
	return err
}
