package event_test

import (
	"testing"

	"OutcomePerp/internal/event"
)

func TestChanRecorder_DropsWhenFull(t *testing.T) {
	drops := 0
	rec := event.NewChanRecorder(2, func() { drops++ })

	rec.Record(event.Record{Sequence: 1})
	rec.Record(event.Record{Sequence: 2})
	rec.Record(event.Record{Sequence: 3}) // full, dropped

	if drops != 1 {
		t.Errorf("drops = %d, want 1", drops)
	}
	if got := (<-rec.C).Sequence; got != 1 {
		t.Errorf("first delivered sequence = %d, want 1", got)
	}
	if got := (<-rec.C).Sequence; got != 2 {
		t.Errorf("second delivered sequence = %d, want 2", got)
	}
}

func TestFanOut_ReplicatesInOrder(t *testing.T) {
	a, b := &event.MemoryRecorder{}, &event.MemoryRecorder{}
	fan := event.FanOut{a, b}

	fan.Record(event.Record{Sequence: 1})
	fan.Record(event.Record{Sequence: 2})

	for _, m := range []*event.MemoryRecorder{a, b} {
		if len(m.Records) != 2 || m.Records[0].Sequence != 1 || m.Records[1].Sequence != 2 {
			t.Fatalf("records = %+v, want sequences 1,2", m.Records)
		}
	}
}

func TestKindString(t *testing.T) {
	cases := map[event.Kind]string{
		event.KindMarketCreated:       "MarketCreated",
		event.KindPositionChanged:     "PositionChanged",
		event.KindLiquidationExecuted: "LiquidationExecuted",
		event.Kind(99):                "Unknown",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", k, got, want)
		}
	}
}
