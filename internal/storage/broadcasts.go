package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"caster/internal/broadcast"
	"caster/pkg/logx"
)

const broadcastCols = `id, kind, message_json, ticket_id, target_kind, target_groups, target_user,
	scheduled_at, state, version, created_at, created_by, sent_at, delivered, failed,
	warnings_json, claimed_at, claim_owner`

func (s *Store) InsertBroadcast(ctx context.Context, b *broadcast.Broadcast) error {
	msgJSON, err := marshalJSON(b.Message)
	if err != nil {
		return err
	}
	groupsJSON, err := marshalJSON(b.Target.GroupIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO broadcasts (`+broadcastCols+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, string(b.Kind), msgJSON, b.TicketID,
		string(b.Target.Kind), groupsJSON, b.Target.UserID,
		millis(b.ScheduledAt), string(b.State), b.Version,
		millis(b.CreatedAt), b.CreatedBy,
		nullMillis(b.SentAt), b.Delivered, b.Failed,
		nil, nullMillis(b.ClaimedAt), b.ClaimOwner,
	)
	return err
}

func (s *Store) GetBroadcast(ctx context.Context, id string) (*broadcast.Broadcast, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+broadcastCols+` FROM broadcasts WHERE id = ?`, id)
	b, err := scanBroadcast(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, broadcast.ErrNotFound
	}
	return b, err
}

func (s *Store) ListBroadcasts(ctx context.Context, f broadcast.ListFilter) ([]*broadcast.Broadcast, int, error) {
	where := "1=1"
	args := []any{}
	if f.State != "" {
		where += " AND state = ?"
		args = append(args, string(f.State))
	}
	if f.Kind != "" {
		where += " AND kind = ?"
		args = append(args, string(f.Kind))
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM broadcasts WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	// History reads: newest schedule first, id as tie-break for stable pages.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+broadcastCols+` FROM broadcasts WHERE `+where+`
		 ORDER BY scheduled_at DESC, id LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*broadcast.Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, b)
	}
	return out, total, rows.Err()
}

// UpdatePendingBroadcast rewrites the editable fields guarded by
// (id, PENDING, version). On a failed guard it distinguishes "gone" from
// "state moved on" so the caller can surface the right error.
func (s *Store) UpdatePendingBroadcast(ctx context.Context, b *broadcast.Broadcast) error {
	msgJSON, err := marshalJSON(b.Message)
	if err != nil {
		return err
	}
	groupsJSON, err := marshalJSON(b.Target.GroupIDs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET
			message_json = ?, ticket_id = ?,
			target_kind = ?, target_groups = ?, target_user = ?,
			scheduled_at = ?, version = version + 1
		 WHERE id = ? AND state = ? AND version = ?`,
		msgJSON, b.TicketID,
		string(b.Target.Kind), groupsJSON, b.Target.UserID,
		millis(b.ScheduledAt),
		b.ID, string(broadcast.StatePending), b.Version)
	if err != nil {
		return err
	}
	return s.explainGuardMiss(ctx, res, b.ID, "edit")
}

func (s *Store) CancelPendingBroadcast(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET state = ?, version = version + 1
		 WHERE id = ? AND state = ?`,
		string(broadcast.StateCancelled), id, string(broadcast.StatePending))
	if err != nil {
		return err
	}
	return s.explainGuardMiss(ctx, res, id, "cancel")
}

// DueBroadcasts returns PENDING broadcasts with scheduled_at <= now, in
// (scheduled_at, id) order.
func (s *Store) DueBroadcasts(ctx context.Context, now time.Time, limit int) ([]*broadcast.Broadcast, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+broadcastCols+` FROM broadcasts
		 WHERE state = ? AND scheduled_at <= ?
		 ORDER BY scheduled_at, id LIMIT ?`,
		string(broadcast.StatePending), millis(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*broadcast.Broadcast
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ClaimBroadcast performs the atomic PENDING -> DISPATCHING transition.
// Exactly one concurrent claimant observes RowsAffected()==1; the rest get
// broadcast.ErrClaimConflict.
func (s *Store) ClaimBroadcast(ctx context.Context, id, owner string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET state = ?, claimed_at = ?, claim_owner = ?, version = version + 1
		 WHERE id = ? AND state = ?`,
		string(broadcast.StateDispatching), millis(now), owner,
		id, string(broadcast.StatePending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return broadcast.ErrClaimConflict
	}
	return nil
}

// ReleaseClaim undoes a claim after a non-delivery failure (e.g. the
// directory was unreachable), returning the broadcast to PENDING for a later
// cycle. Only the owning worker may release.
func (s *Store) ReleaseClaim(ctx context.Context, id, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET state = ?, claimed_at = NULL, claim_owner = '', version = version + 1
		 WHERE id = ? AND state = ? AND claim_owner = ?`,
		string(broadcast.StatePending),
		id, string(broadcast.StateDispatching), owner)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return broadcast.ErrClaimConflict
	}
	return nil
}

// MarkBroadcastSent completes DISPATCHING -> SENT with the delivery tallies.
// The owner guard makes a markSent from a worker that lost its claim (after a
// recovery sweep) fail loudly instead of double-finishing.
func (s *Store) MarkBroadcastSent(ctx context.Context, id, owner string, delivered, failed int, warnings []string, at time.Time) error {
	warnJSON, err := marshalJSON(warnings)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE broadcasts SET state = ?, sent_at = ?, delivered = ?, failed = ?,
			warnings_json = ?, claimed_at = NULL, claim_owner = '', version = version + 1
		 WHERE id = ? AND state = ? AND claim_owner = ?`,
		string(broadcast.StateSent), millis(at), delivered, failed, warnJSON,
		id, string(broadcast.StateDispatching), owner)
	if err != nil {
		return err
	}
	return s.explainGuardMiss(ctx, res, id, "markSent")
}

// RecoverStaleClaims resets DISPATCHING broadcasts whose claim is older than
// cutoff back to PENDING and returns their ids. The delivery ledger keeps the
// retried dispatch idempotent per recipient.
func (s *Store) RecoverStaleClaims(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM broadcasts WHERE state = ? AND claimed_at IS NOT NULL AND claimed_at < ?`,
		string(broadcast.StateDispatching), millis(cutoff))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		_, err := s.db.ExecContext(ctx,
			`UPDATE broadcasts SET state = ?, claimed_at = NULL, claim_owner = '', version = version + 1
			 WHERE id = ? AND state = ? AND claimed_at < ?`,
			string(broadcast.StatePending), id, string(broadcast.StateDispatching), millis(cutoff))
		if err != nil {
			return ids, err
		}
		s.log.Warn("recovered stale broadcast claim", logx.String("id", id))
	}
	return ids, nil
}

// explainGuardMiss turns RowsAffected()==0 into the precise error: the row is
// gone (ErrNotFound) or its state moved on (InvalidStateError).
func (s *Store) explainGuardMiss(ctx context.Context, res sql.Result, id, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	cur, err := s.GetBroadcast(ctx, id)
	if err != nil {
		return err
	}
	return &broadcast.InvalidStateError{ID: id, State: cur.State, Op: op}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBroadcast(r rowScanner) (*broadcast.Broadcast, error) {
	var (
		b           broadcast.Broadcast
		kind, state string
		targetKind  string
		msgJSON     sql.NullString
		groupsJSON  sql.NullString
		warnJSON    sql.NullString
		scheduledMS int64
		createdMS   int64
		sentMS      sql.NullInt64
		claimedMS   sql.NullInt64
	)
	err := r.Scan(
		&b.ID, &kind, &msgJSON, &b.TicketID, &targetKind, &groupsJSON, &b.Target.UserID,
		&scheduledMS, &state, &b.Version, &createdMS, &b.CreatedBy,
		&sentMS, &b.Delivered, &b.Failed, &warnJSON, &claimedMS, &b.ClaimOwner,
	)
	if err != nil {
		return nil, err
	}
	b.Kind = broadcast.Kind(kind)
	b.State = broadcast.State(state)
	b.Target.Kind = broadcast.TargetKind(targetKind)
	b.ScheduledAt = fromMillis(scheduledMS)
	b.CreatedAt = fromMillis(createdMS)
	if sentMS.Valid {
		t := fromMillis(sentMS.Int64)
		b.SentAt = &t
	}
	if claimedMS.Valid {
		t := fromMillis(claimedMS.Int64)
		b.ClaimedAt = &t
	}
	if msgJSON.Valid && msgJSON.String != "" {
		var m broadcast.MessagePayload
		if err := json.Unmarshal([]byte(msgJSON.String), &m); err != nil {
			return nil, fmt.Errorf("broadcast %s: decode message: %w", b.ID, err)
		}
		b.Message = &m
	}
	if groupsJSON.Valid && groupsJSON.String != "" {
		if err := json.Unmarshal([]byte(groupsJSON.String), &b.Target.GroupIDs); err != nil {
			return nil, fmt.Errorf("broadcast %s: decode groups: %w", b.ID, err)
		}
	}
	if warnJSON.Valid && warnJSON.String != "" {
		if err := json.Unmarshal([]byte(warnJSON.String), &b.Warnings); err != nil {
			return nil, fmt.Errorf("broadcast %s: decode warnings: %w", b.ID, err)
		}
	}
	return &b, nil
}

func marshalJSON(v any) (any, error) {
	switch x := v.(type) {
	case *broadcast.MessagePayload:
		if x == nil {
			return nil, nil
		}
	case []string:
		if len(x) == 0 {
			return nil, nil
		}
	case nil:
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
