package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"OutcomePerp/internal/event"

	"github.com/google/uuid"
)

// RecordReader serves operation history from the record log; the HTTP API
// uses it for the /records endpoints.
type RecordReader struct {
	db *sql.DB
}

func NewRecordReader(db *sql.DB) *RecordReader {
	return &RecordReader{db: db}
}

// RecordQuery filters a history listing. Zero values mean "no filter";
// AfterSequence paginates forward.
type RecordQuery struct {
	MarketID      uint64
	Owner         *uuid.UUID
	Kind          string
	AfterSequence int64
	Limit         int
}

// List returns records matching the query in sequence order.
func (r *RecordReader) List(ctx context.Context, q RecordQuery) ([]event.Record, error) {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 100
	}

	query := `SELECT payload FROM record_log.records WHERE sequence > $1`
	args := []interface{}{q.AfterSequence}

	if q.MarketID != 0 {
		args = append(args, q.MarketID)
		query += fmt.Sprintf(" AND market_id = $%d", len(args))
	}
	if q.Owner != nil {
		args = append(args, q.Owner.String())
		query += fmt.Sprintf(" AND owner = $%d", len(args))
	}
	if q.Kind != "" {
		args = append(args, q.Kind)
		query += fmt.Sprintf(" AND kind = $%d", len(args))
	}

	args = append(args, q.Limit)
	query += fmt.Sprintf(" ORDER BY sequence LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []event.Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec event.Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("decode record payload: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
