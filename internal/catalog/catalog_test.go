package catalog

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"caster/pkg/logx"
)

type memStore struct {
	rows map[string]*TicketDefinition
	sent map[string]int
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]*TicketDefinition{}, sent: map[string]int{}}
}

func (m *memStore) InsertTicket(_ context.Context, d *TicketDefinition) error {
	m.rows[d.ID] = d.Clone()
	return nil
}

func (m *memStore) GetTicket(_ context.Context, id string) (*TicketDefinition, error) {
	d, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (m *memStore) ListTickets(_ context.Context, limit, offset int) ([]*TicketDefinition, int, error) {
	var out []*TicketDefinition
	for _, d := range m.rows {
		out = append(out, d.Clone())
	}
	return out, len(out), nil
}

func (m *memStore) UpdateTicketGuarded(_ context.Context, d *TicketDefinition) error {
	cur, ok := m.rows[d.ID]
	if !ok {
		return ErrNotFound
	}
	if m.sent[d.ID] > 0 && (cur.Category != d.Category || !cur.Value.Equal(d.Value)) {
		return fmt.Errorf("edit category/value of %s: %w", d.ID, ErrLocked)
	}
	m.rows[d.ID] = d.Clone()
	return nil
}

func (m *memStore) DeleteTicketGuarded(_ context.Context, id string) error {
	if _, ok := m.rows[id]; !ok {
		return ErrNotFound
	}
	if m.sent[id] > 0 {
		return fmt.Errorf("delete %s: %w", id, ErrLocked)
	}
	delete(m.rows, id)
	return nil
}

func (m *memStore) SentGrantCount(_ context.Context, id string) (int, error) {
	return m.sent[id], nil
}

func validInput() CreateInput {
	return CreateInput{
		Category: CategoryTournament,
		Title:    "Sunday Major Seat",
		Value:    decimal.RequireFromString("109.50"),
		StartAt:  time.Now(),
		GameIDs:  []string{"g-100"},
	}
}

func TestCreateValidatesDefinition(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, logx.Nop())
	ctx := context.Background()

	d, err := svc.Create(ctx, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.ID == "" {
		t.Fatalf("expected generated id")
	}

	cases := []struct {
		name   string
		mutate func(*CreateInput)
	}{
		{"bad category", func(in *CreateInput) { in.Category = "SPIN" }},
		{"empty title", func(in *CreateInput) { in.Title = "" }},
		{"negative value", func(in *CreateInput) { in.Value = decimal.RequireFromString("-1") }},
		{"zero start", func(in *CreateInput) { in.StartAt = time.Time{} }},
		{"window ends before start", func(in *CreateInput) {
			past := in.StartAt.Add(-time.Hour)
			in.ExpiredAt = &past
		}},
	}
	for _, tc := range cases {
		in := validInput()
		tc.mutate(&in)
		if _, err := svc.Create(ctx, in); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: err = %v, want ErrInvalid", tc.name, err)
		}
	}
}

func TestUpdateMergesPatch(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, logx.Nop())
	ctx := context.Background()

	d, err := svc.Create(ctx, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	title := "Renamed"
	expiry := d.StartAt.Add(48 * time.Hour)
	exp := &expiry
	got, err := svc.Update(ctx, d.ID, Patch{Title: &title, ExpiredAt: &exp})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Title != "Renamed" {
		t.Fatalf("title = %q", got.Title)
	}
	if got.ExpiredAt == nil || !got.ExpiredAt.Equal(expiry) {
		t.Fatalf("expired_at = %v, want %v", got.ExpiredAt, expiry)
	}
	if !got.Value.Equal(d.Value) {
		t.Fatalf("untouched value changed: %s", got.Value)
	}

	// Clearing the expiry reopens the window.
	var cleared *time.Time
	got, err = svc.Update(ctx, d.ID, Patch{ExpiredAt: &cleared})
	if err != nil {
		t.Fatalf("clear expiry: %v", err)
	}
	if got.ExpiredAt != nil {
		t.Fatalf("expired_at = %v, want nil", got.ExpiredAt)
	}
}

func TestUpdateLockedDefinition(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, logx.Nop())
	ctx := context.Background()

	d, err := svc.Create(ctx, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	store.sent[d.ID] = 3

	v := decimal.RequireFromString("500")
	if _, err := svc.Update(ctx, d.ID, Patch{Value: &v}); !errors.Is(err, ErrLocked) {
		t.Fatalf("value edit on locked: err = %v, want ErrLocked", err)
	}
	if err := svc.Delete(ctx, d.ID); !errors.Is(err, ErrLocked) {
		t.Fatalf("delete locked: err = %v, want ErrLocked", err)
	}

	title := "Still editable"
	if _, err := svc.Update(ctx, d.ID, Patch{Title: &title}); err != nil {
		t.Fatalf("title edit on locked: %v", err)
	}
}

func TestTicketExists(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, logx.Nop())
	ctx := context.Background()

	d, err := svc.Create(ctx, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if ok, err := svc.TicketExists(ctx, d.ID); err != nil || !ok {
		t.Fatalf("exists = %v (%v), want true", ok, err)
	}
	if ok, err := svc.TicketExists(ctx, "ghost"); err != nil || ok {
		t.Fatalf("exists(ghost) = %v (%v), want false", ok, err)
	}
}
