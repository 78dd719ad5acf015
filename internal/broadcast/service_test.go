package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"caster/pkg/logx"
)

type memRepo struct {
	rows map[string]*Broadcast
}

func newMemRepo() *memRepo { return &memRepo{rows: map[string]*Broadcast{}} }

func (r *memRepo) InsertBroadcast(_ context.Context, b *Broadcast) error {
	r.rows[b.ID] = b.Clone()
	return nil
}

func (r *memRepo) GetBroadcast(_ context.Context, id string) (*Broadcast, error) {
	b, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return b.Clone(), nil
}

func (r *memRepo) ListBroadcasts(_ context.Context, f ListFilter) ([]*Broadcast, int, error) {
	var out []*Broadcast
	for _, b := range r.rows {
		if f.State != "" && b.State != f.State {
			continue
		}
		if f.Kind != "" && b.Kind != f.Kind {
			continue
		}
		out = append(out, b.Clone())
	}
	return out, len(out), nil
}

func (r *memRepo) UpdatePendingBroadcast(_ context.Context, b *Broadcast) error {
	cur, ok := r.rows[b.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != StatePending {
		return &InvalidStateError{ID: b.ID, State: cur.State, Op: "edit"}
	}
	if cur.Version != b.Version {
		return &InvalidStateError{ID: b.ID, State: cur.State, Op: "edit"}
	}
	next := b.Clone()
	next.Version++
	r.rows[b.ID] = next
	return nil
}

func (r *memRepo) CancelPendingBroadcast(_ context.Context, id string) error {
	cur, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	if cur.State != StatePending {
		return &InvalidStateError{ID: id, State: cur.State, Op: "cancel"}
	}
	cur.State = StateCancelled
	return nil
}

type ticketSet map[string]bool

func (t ticketSet) TicketExists(_ context.Context, id string) (bool, error) {
	return t[id], nil
}

func newTestService(repo *memRepo, tickets ticketSet) *Service {
	return NewService(repo, tickets, logx.Nop())
}

func msg() *MessagePayload {
	return &MessagePayload{
		Title: map[string]string{"en": "Sunday Major"},
		Body:  map[string]string{"en": "Doors open at 18:00."},
	}
}

func TestCreateMessageBroadcast(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, nil)

	b, err := svc.Create(context.Background(), CreateInput{
		Kind:      KindMessage,
		Message:   msg(),
		Target:    AllTarget(),
		CreatedBy: "admin-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.State != StatePending {
		t.Fatalf("state = %s, want PENDING", b.State)
	}
	if b.Version != 1 {
		t.Fatalf("version = %d, want 1", b.Version)
	}
	if b.ScheduledAt.IsZero() {
		t.Fatalf("expected zero ScheduledAt to default to now")
	}
	if b.ID == "" {
		t.Fatalf("expected generated id")
	}
}

func TestCreateValidationRules(t *testing.T) {
	svc := newTestService(newMemRepo(), ticketSet{"tk-1": true})
	ctx := context.Background()

	cases := []struct {
		name string
		in   CreateInput
	}{
		{"missing message", CreateInput{Kind: KindMessage, Target: AllTarget()}},
		{"message with ticket", CreateInput{Kind: KindMessage, Message: msg(), TicketID: "tk-1", Target: AllTarget()}},
		{"ticket grant with message", CreateInput{Kind: KindTicketGrant, Message: msg(), TicketID: "tk-1", Target: AllTarget()}},
		{"ticket grant without ticket", CreateInput{Kind: KindTicketGrant, Target: AllTarget()}},
		{"empty groups", CreateInput{Kind: KindMessage, Message: msg(), Target: GroupsTarget()}},
		{"duplicate groups", CreateInput{Kind: KindMessage, Message: msg(), Target: GroupsTarget("g1", "g1")}},
		{"user target without id", CreateInput{Kind: KindMessage, Message: msg(), Target: UserTarget("")}},
		{"mixed target shape", CreateInput{Kind: KindMessage, Message: msg(), Target: Target{Kind: TargetAll, UserID: "u1"}}},
		{"bad kind", CreateInput{Kind: "NOTIFY", Message: msg(), Target: AllTarget()}},
		{"no title locale", CreateInput{Kind: KindMessage, Message: &MessagePayload{Body: map[string]string{"en": "x"}}, Target: AllTarget()}},
	}
	for _, tc := range cases {
		if _, err := svc.Create(ctx, tc.in); !IsValidation(err) {
			t.Fatalf("%s: err = %v, want validation error", tc.name, err)
		}
	}
}

func TestCreateTicketGrantChecksCatalog(t *testing.T) {
	svc := newTestService(newMemRepo(), ticketSet{"tk-known": true})
	ctx := context.Background()

	if _, err := svc.Create(ctx, CreateInput{Kind: KindTicketGrant, TicketID: "tk-known", Target: AllTarget()}); err != nil {
		t.Fatalf("known ticket: %v", err)
	}
	if _, err := svc.Create(ctx, CreateInput{Kind: KindTicketGrant, TicketID: "tk-ghost", Target: AllTarget()}); !IsValidation(err) {
		t.Fatalf("unknown ticket: err = %v, want validation error", err)
	}
}

func TestEditPendingOnly(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	b, err := svc.Create(ctx, CreateInput{Kind: KindMessage, Message: msg(), Target: AllTarget()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	when := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	edited, err := svc.Edit(ctx, b.ID, Patch{ScheduledAt: &when})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if !edited.ScheduledAt.Equal(when) {
		t.Fatalf("ScheduledAt = %v, want %v", edited.ScheduledAt, when)
	}
	if edited.Version != b.Version+1 {
		t.Fatalf("version = %d, want %d", edited.Version, b.Version+1)
	}

	repo.rows[b.ID].State = StateSent
	if _, err := svc.Edit(ctx, b.ID, Patch{ScheduledAt: &when}); !IsConflict(err) {
		t.Fatalf("edit after SENT: err = %v, want conflict", err)
	}

	repo.rows[b.ID].State = StateDispatching
	if _, err := svc.Edit(ctx, b.ID, Patch{ScheduledAt: &when}); !IsConflict(err) {
		t.Fatalf("edit while DISPATCHING: err = %v, want conflict", err)
	}
}

func TestEditRevalidatesMergedResult(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	b, err := svc.Create(ctx, CreateInput{Kind: KindMessage, Message: msg(), Target: GroupsTarget("g1")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	bad := GroupsTarget()
	if _, err := svc.Edit(ctx, b.ID, Patch{Target: &bad}); !IsValidation(err) {
		t.Fatalf("edit to empty groups: err = %v, want validation error", err)
	}
	cur, err := svc.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(cur.Target.GroupIDs) != 1 || cur.Target.GroupIDs[0] != "g1" {
		t.Fatalf("rejected edit mutated stored target: %+v", cur.Target)
	}
}

func TestCancelRules(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	b, err := svc.Create(ctx, CreateInput{Kind: KindMessage, Message: msg(), Target: AllTarget()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Cancel(ctx, b.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	cur, _ := svc.Get(ctx, b.ID)
	if cur.State != StateCancelled {
		t.Fatalf("state = %s, want CANCELLED", cur.State)
	}

	if err := svc.Cancel(ctx, b.ID); !IsConflict(err) {
		t.Fatalf("second cancel: err = %v, want conflict", err)
	}
	if err := svc.Cancel(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel unknown: err = %v, want ErrNotFound", err)
	}
}

func TestReissueRequiresTerminalState(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()

	b, err := svc.Create(ctx, CreateInput{Kind: KindMessage, Message: msg(), Target: GroupsTarget("g1", "g2")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Reissue(ctx, b.ID, ReissueOverrides{}); !IsConflict(err) {
		t.Fatalf("reissue of PENDING: err = %v, want conflict", err)
	}

	repo.rows[b.ID].State = StateSent
	when := time.Now().Add(2 * time.Hour)
	copyB, err := svc.Reissue(ctx, b.ID, ReissueOverrides{ScheduledAt: &when, CreatedBy: "admin-2"})
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if copyB.ID == b.ID {
		t.Fatalf("reissue reused the source id")
	}
	if copyB.State != StatePending {
		t.Fatalf("copy state = %s, want PENDING", copyB.State)
	}
	if copyB.CreatedBy != "admin-2" {
		t.Fatalf("copy CreatedBy = %q", copyB.CreatedBy)
	}

	// Source row stays terminal and untouched.
	src, _ := svc.Get(ctx, b.ID)
	if src.State != StateSent {
		t.Fatalf("source state changed to %s", src.State)
	}
}

func TestListClampsLimit(t *testing.T) {
	repo := newMemRepo()
	svc := newTestService(repo, nil)

	if _, _, err := svc.List(context.Background(), ListFilter{Limit: -5, Offset: -1}); err != nil {
		t.Fatalf("list: %v", err)
	}
}
