// Package persistence batch-writes committed operation records to
// Postgres. The record log is the system of record for indexers and for
// reconciling the outbound NATS stream after an outage.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"OutcomePerp/internal/event"
)

// RecordWriter writes operation records to record_log.records using
// multi-row INSERT. Inserts are idempotent on sequence, so a retried
// batch never double-writes.
type RecordWriter struct {
	db *sql.DB
}

// RecordRow is one row in record_log.records.
type RecordRow struct {
	Sequence  int64
	Kind      string
	MarketID  uint64
	Owner     *string
	Payload   []byte // full record, JSON
	Timestamp time.Time
}

func NewRecordWriter(db *sql.DB) *RecordWriter {
	return &RecordWriter{db: db}
}

// RowFromRecord flattens an operation record into its storage row. The
// indexed columns cover the common query axes; everything else lives in
// the JSON payload.
func RowFromRecord(rec event.Record) (RecordRow, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return RecordRow{}, fmt.Errorf("marshal record %d: %w", rec.Sequence, err)
	}
	row := RecordRow{
		Sequence:  rec.Sequence,
		Kind:      rec.Kind.String(),
		MarketID:  rec.MarketID,
		Payload:   payload,
		Timestamp: rec.Timestamp,
	}
	if rec.Owner != nil {
		s := rec.Owner.String()
		row.Owner = &s
	}
	return row, nil
}

// WriteBatch inserts a batch of rows inside the given transaction.
func (w *RecordWriter) WriteBatch(ctx context.Context, tx *sql.Tx, rows []RecordRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO record_log.records
		(sequence, kind, market_id, owner, payload, timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*6)

	for i, r := range rows {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args, r.Sequence, r.Kind, r.MarketID, r.Owner, r.Payload, r.Timestamp)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LastSequence returns the highest persisted sequence, 0 when empty.
func (w *RecordWriter) LastSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := w.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM record_log.records`,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}
