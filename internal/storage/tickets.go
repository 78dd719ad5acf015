package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"caster/internal/broadcast"
	"caster/internal/catalog"
)

const ticketCols = `id, category, title, value, start_at, expired_at, game_ids, created_at, updated_at`

func (s *Store) InsertTicket(ctx context.Context, d *catalog.TicketDefinition) error {
	gamesJSON, err := marshalJSON(d.GameIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ticket_definitions (`+ticketCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		d.ID, string(d.Category), d.Title, d.Value.String(),
		millis(d.StartAt), nullMillis(d.ExpiredAt), gamesJSON,
		millis(d.CreatedAt), millis(d.UpdatedAt))
	return err
}

func (s *Store) GetTicket(ctx context.Context, id string) (*catalog.TicketDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ticketCols+` FROM ticket_definitions WHERE id = ?`, id)
	d, err := scanTicket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	return d, err
}

func (s *Store) ListTickets(ctx context.Context, limit, offset int) ([]*catalog.TicketDefinition, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ticket_definitions`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ticketCols+` FROM ticket_definitions
		 ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*catalog.TicketDefinition
	for rows.Next() {
		d, err := scanTicket(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

// UpdateTicketGuarded enforces the sent-lock inside one transaction: the
// sent-grant count read and the mutation are consistent with each other.
func (s *Store) UpdateTicketGuarded(ctx context.Context, d *catalog.TicketDefinition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var curCategory, curValue string
	err = tx.QueryRowContext(ctx,
		`SELECT category, value FROM ticket_definitions WHERE id = ?`, d.ID).
		Scan(&curCategory, &curValue)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.ErrNotFound
	}
	if err != nil {
		return err
	}

	if curCategory != string(d.Category) || curValue != d.Value.String() {
		n, err := sentGrantCountTx(ctx, tx, d.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("edit category/value of %s: %w", d.ID, catalog.ErrLocked)
		}
	}

	gamesJSON, err := marshalJSON(d.GameIDs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE ticket_definitions SET category = ?, title = ?, value = ?,
			start_at = ?, expired_at = ?, game_ids = ?, updated_at = ?
		 WHERE id = ?`,
		string(d.Category), d.Title, d.Value.String(),
		millis(d.StartAt), nullMillis(d.ExpiredAt), gamesJSON, millis(d.UpdatedAt),
		d.ID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) DeleteTicketGuarded(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	n, err := sentGrantCountTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("delete %s: %w", id, catalog.ErrLocked)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM ticket_definitions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return catalog.ErrNotFound
	}
	return tx.Commit()
}

func (s *Store) SentGrantCount(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM broadcasts WHERE ticket_id = ? AND kind = ? AND state = ?`,
		id, string(broadcast.KindTicketGrant), string(broadcast.StateSent)).Scan(&n)
	return n, err
}

func sentGrantCountTx(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM broadcasts WHERE ticket_id = ? AND kind = ? AND state = ?`,
		id, string(broadcast.KindTicketGrant), string(broadcast.StateSent)).Scan(&n)
	return n, err
}

func scanTicket(r rowScanner) (*catalog.TicketDefinition, error) {
	var (
		d         catalog.TicketDefinition
		category  string
		value     string
		startMS   int64
		expiredMS sql.NullInt64
		gamesJSON sql.NullString
		createdMS int64
		updatedMS int64
	)
	err := r.Scan(&d.ID, &category, &d.Title, &value, &startMS, &expiredMS, &gamesJSON, &createdMS, &updatedMS)
	if err != nil {
		return nil, err
	}
	d.Category = catalog.Category(category)
	dec, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("ticket %s: decode value %q: %w", d.ID, value, err)
	}
	d.Value = dec
	d.StartAt = fromMillis(startMS)
	if expiredMS.Valid {
		t := fromMillis(expiredMS.Int64)
		d.ExpiredAt = &t
	}
	if gamesJSON.Valid && gamesJSON.String != "" {
		if err := json.Unmarshal([]byte(gamesJSON.String), &d.GameIDs); err != nil {
			return nil, fmt.Errorf("ticket %s: decode game ids: %w", d.ID, err)
		}
	}
	d.CreatedAt = fromMillis(createdMS)
	d.UpdatedAt = fromMillis(updatedMS)
	return &d, nil
}
