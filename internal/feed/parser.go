package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"OutcomePerp/internal/ledger"
	"OutcomePerp/internal/pricing"
)

// Tick is one parsed oracle observation.
type Tick struct {
	MarketID  uint64
	Price     int64 // probability, fixed-point 1e6
	Timestamp time.Time
}

// tickJSON is the wire format. Field names use snake_case to match
// upstream producers; market_id in the body wins over the subject token.
type tickJSON struct {
	MarketID    uint64 `json:"market_id"`
	Price       int64  `json:"price"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParseTick decodes a price message. The subject's last token carries the
// market id for producers that do not repeat it in the body.
func ParseTick(subject string, data []byte) (Tick, error) {
	var j tickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Tick{}, fmt.Errorf("parse price tick: %w", err)
	}

	marketID := j.MarketID
	if marketID == 0 {
		tok := subject[strings.LastIndex(subject, ".")+1:]
		id, err := strconv.ParseUint(tok, 10, 64)
		if err != nil {
			return Tick{}, fmt.Errorf("parse market id from subject %q: %w", subject, err)
		}
		marketID = id
	}

	if j.Price <= 0 {
		return Tick{}, fmt.Errorf("price must be > 0, got %d", j.Price)
	}
	return Tick{
		MarketID:  marketID,
		Price:     j.Price,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, pricing.ErrPriceDeviationTooHigh):
		return "deviation"
	case errors.Is(err, pricing.ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, ledger.ErrInvalidPrice):
		return "invalid_price"
	default:
		return "other"
	}
}
