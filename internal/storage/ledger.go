package storage

import (
	"context"
	"time"
)

// RecordDelivery upserts one (broadcast, recipient) ledger row. A succeeded
// row is immutable: a later failed attempt never downgrades it, which is what
// keeps redelivery after a recovered claim idempotent.
func (s *Store) RecordDelivery(ctx context.Context, broadcastID, recipientID string, ok bool, at time.Time) error {
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (broadcast_id, recipient_id, ok, at) VALUES (?,?,?,?)
		 ON CONFLICT(broadcast_id, recipient_id) DO UPDATE
		 SET ok = excluded.ok, at = excluded.at
		 WHERE deliveries.ok = 0`,
		broadcastID, recipientID, okInt, millis(at))
	return err
}

// Deliveries returns the ledger for one broadcast: recipient -> succeeded.
func (s *Store) Deliveries(ctx context.Context, broadcastID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT recipient_id, ok FROM deliveries WHERE broadcast_id = ?`, broadcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var rid string
		var ok int
		if err := rows.Scan(&rid, &ok); err != nil {
			return nil, err
		}
		out[rid] = ok == 1
	}
	return out, rows.Err()
}
