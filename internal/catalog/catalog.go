// Package catalog is the read-mostly store of reusable ticket definitions.
//
// One protective rule lives here rather than in the broadcast state machine:
// once at least one SENT TICKET_GRANT references a definition, the definition
// can no longer be deleted and its category/value can no longer change. Title,
// availability window and eligible game list stay editable.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"caster/pkg/logx"
)

// ErrNotFound reports an unknown ticket definition id.
var ErrNotFound = errors.New("ticket definition not found")

// ErrLocked reports a delete or category/value edit against a definition
// already referenced by at least one SENT grant.
var ErrLocked = errors.New("ticket definition is referenced by sent grants")

// ErrInvalid wraps malformed definition input; surfaces as a 400.
var ErrInvalid = errors.New("invalid ticket definition")

type Category string

const (
	CategoryTournament Category = "TOURNAMENT"
	CategoryCash       Category = "CASH"
	CategoryFreeroll   Category = "FREEROLL"
	CategorySatellite  Category = "SATELLITE"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryTournament, CategoryCash, CategoryFreeroll, CategorySatellite:
		return true
	}
	return false
}

// TicketDefinition is a reusable grantable-ticket template.
type TicketDefinition struct {
	ID       string
	Category Category
	Title    string
	Value    decimal.Decimal

	// Availability window: ExpiredAt nil means open-ended.
	StartAt   time.Time
	ExpiredAt *time.Time

	GameIDs []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (d *TicketDefinition) Clone() *TicketDefinition {
	if d == nil {
		return nil
	}
	cp := *d
	if d.GameIDs != nil {
		cp.GameIDs = append([]string(nil), d.GameIDs...)
	}
	if d.ExpiredAt != nil {
		t := *d.ExpiredAt
		cp.ExpiredAt = &t
	}
	return &cp
}

func (d *TicketDefinition) validate() error {
	if !d.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalid, d.Category)
	}
	if d.Title == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if d.Value.IsNegative() {
		return fmt.Errorf("%w: value must not be negative", ErrInvalid)
	}
	if d.StartAt.IsZero() {
		return fmt.Errorf("%w: start_at is required", ErrInvalid)
	}
	if d.ExpiredAt != nil && !d.ExpiredAt.After(d.StartAt) {
		return fmt.Errorf("%w: expired_at must be after start_at", ErrInvalid)
	}
	return nil
}

// Store is the persistence surface for definitions. UpdateGuarded and
// DeleteGuarded enforce the sent-lock inside one transaction so the
// sent-count read is consistent with the mutation.
type Store interface {
	InsertTicket(ctx context.Context, d *TicketDefinition) error
	GetTicket(ctx context.Context, id string) (*TicketDefinition, error)
	ListTickets(ctx context.Context, limit, offset int) ([]*TicketDefinition, int, error)
	// UpdateTicketGuarded persists d; when the stored definition is locked it
	// returns ErrLocked if d changes category or value.
	UpdateTicketGuarded(ctx context.Context, d *TicketDefinition) error
	// DeleteTicketGuarded removes the definition unless locked.
	DeleteTicketGuarded(ctx context.Context, id string) error
	// SentGrantCount counts SENT TICKET_GRANT broadcasts referencing id.
	SentGrantCount(ctx context.Context, id string) (int, error)
}

type CreateInput struct {
	Category  Category
	Title     string
	Value     decimal.Decimal
	StartAt   time.Time
	ExpiredAt *time.Time
	GameIDs   []string
}

// Patch carries editable fields; nil means "leave unchanged".
// Category and Value are included here but rejected by Update when locked.
type Patch struct {
	Category  *Category
	Title     *string
	Value     *decimal.Decimal
	StartAt   *time.Time
	ExpiredAt **time.Time
	GameIDs   *[]string
}

type Service struct {
	store Store
	log   logx.Logger

	now func() time.Time
}

func NewService(store Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, log: log, now: time.Now}
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*TicketDefinition, error) {
	now := s.now()
	d := &TicketDefinition{
		ID:        uuid.NewString(),
		Category:  in.Category,
		Title:     in.Title,
		Value:     in.Value,
		StartAt:   in.StartAt,
		ExpiredAt: in.ExpiredAt,
		GameIDs:   append([]string(nil), in.GameIDs...),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	if err := s.store.InsertTicket(ctx, d); err != nil {
		return nil, fmt.Errorf("insert ticket: %w", err)
	}
	s.log.Info("ticket definition created", logx.String("id", d.ID), logx.String("category", string(d.Category)))
	return d.Clone(), nil
}

func (s *Service) Update(ctx context.Context, id string, p Patch) (*TicketDefinition, error) {
	cur, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return nil, err
	}
	next := cur.Clone()
	if p.Category != nil {
		next.Category = *p.Category
	}
	if p.Title != nil {
		next.Title = *p.Title
	}
	if p.Value != nil {
		next.Value = *p.Value
	}
	if p.StartAt != nil {
		next.StartAt = *p.StartAt
	}
	if p.ExpiredAt != nil {
		next.ExpiredAt = *p.ExpiredAt
	}
	if p.GameIDs != nil {
		next.GameIDs = append([]string(nil), (*p.GameIDs)...)
	}
	if err := next.validate(); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()
	if err := s.store.UpdateTicketGuarded(ctx, next); err != nil {
		return nil, err
	}
	s.log.Info("ticket definition updated", logx.String("id", id))
	return next, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteTicketGuarded(ctx, id); err != nil {
		return err
	}
	s.log.Info("ticket definition deleted", logx.String("id", id))
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*TicketDefinition, error) {
	return s.store.GetTicket(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*TicketDefinition, int, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListTickets(ctx, limit, offset)
}

// SentCount exposes the live sent-grant count for console display.
func (s *Service) SentCount(ctx context.Context, id string) (int, error) {
	return s.store.SentGrantCount(ctx, id)
}

// TicketExists implements broadcast.TicketReader.
func (s *Service) TicketExists(ctx context.Context, id string) (bool, error) {
	_, err := s.store.GetTicket(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
