package broadcast

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"caster/pkg/logx"
)

// Repo is the persistence surface the console service needs. The SQLite
// store implements it; all conditional-update semantics (state + version
// guards) live behind this interface so the service never sees a torn write.
type Repo interface {
	InsertBroadcast(ctx context.Context, b *Broadcast) error
	GetBroadcast(ctx context.Context, id string) (*Broadcast, error)
	ListBroadcasts(ctx context.Context, f ListFilter) ([]*Broadcast, int, error)
	// UpdatePendingBroadcast persists b guarded by (id, PENDING, version).
	// It returns ErrNotFound or *InvalidStateError when the guard fails.
	UpdatePendingBroadcast(ctx context.Context, b *Broadcast) error
	// CancelPendingBroadcast transitions PENDING -> CANCELLED under the same
	// guard discipline.
	CancelPendingBroadcast(ctx context.Context, id string) error
}

// TicketReader is the slice of the ticket catalog needed to validate
// TICKET_GRANT references at authoring time.
type TicketReader interface {
	TicketExists(ctx context.Context, id string) (bool, error)
}

type ListFilter struct {
	State  State
	Kind   Kind
	Limit  int
	Offset int
}

type CreateInput struct {
	Kind        Kind
	Message     *MessagePayload
	TicketID    string
	Target      Target
	ScheduledAt time.Time // zero means "now"
	CreatedBy   string
}

// Patch carries the editable fields. Nil pointers mean "leave unchanged".
type Patch struct {
	Message     *MessagePayload
	TicketID    *string
	Target      *Target
	ScheduledAt *time.Time
}

// ReissueOverrides optionally replaces parts of the copied broadcast.
type ReissueOverrides struct {
	Target      *Target
	ScheduledAt *time.Time
	Message     *MessagePayload
	CreatedBy   string
}

// Service is the console-facing API over broadcasts. It owns create-time
// validation and the PENDING-only mutation rules; the SENT transition belongs
// exclusively to the dispatch worker.
type Service struct {
	repo    Repo
	tickets TicketReader
	log     logx.Logger

	now func() time.Time
}

func NewService(repo Repo, tickets TicketReader, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{repo: repo, tickets: tickets, log: log, now: time.Now}
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*Broadcast, error) {
	now := s.now()
	b := &Broadcast{
		ID:          uuid.NewString(),
		Kind:        in.Kind,
		Message:     in.Message.clone(),
		TicketID:    in.TicketID,
		Target:      in.Target.clone(),
		ScheduledAt: in.ScheduledAt,
		State:       StatePending,
		Version:     1,
		CreatedAt:   now,
		CreatedBy:   in.CreatedBy,
	}
	if b.ScheduledAt.IsZero() {
		// Immediate dispatch: picked up on the next worker cycle.
		b.ScheduledAt = now
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	if err := s.checkTicketRef(ctx, b); err != nil {
		return nil, err
	}
	if err := s.repo.InsertBroadcast(ctx, b); err != nil {
		return nil, fmt.Errorf("insert broadcast: %w", err)
	}
	s.log.Info("broadcast created",
		logx.String("id", b.ID),
		logx.String("kind", string(b.Kind)),
		logx.String("target", string(b.Target.Kind)),
		logx.Time("scheduled_at", b.ScheduledAt))
	return b.Clone(), nil
}

// Edit merges the patch into the current PENDING broadcast, re-validates the
// result with the same rules as Create, and persists it under the
// (PENDING, version) guard. Anything else yields InvalidStateError.
func (s *Service) Edit(ctx context.Context, id string, p Patch) (*Broadcast, error) {
	cur, err := s.repo.GetBroadcast(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.State != StatePending {
		return nil, &InvalidStateError{ID: id, State: cur.State, Op: "edit"}
	}

	next := cur.Clone()
	if p.Message != nil {
		next.Message = p.Message.clone()
	}
	if p.TicketID != nil {
		next.TicketID = *p.TicketID
	}
	if p.Target != nil {
		next.Target = p.Target.clone()
	}
	if p.ScheduledAt != nil {
		next.ScheduledAt = *p.ScheduledAt
	}
	if err := next.validate(); err != nil {
		return nil, err
	}
	if err := s.checkTicketRef(ctx, next); err != nil {
		return nil, err
	}
	if err := s.repo.UpdatePendingBroadcast(ctx, next); err != nil {
		return nil, err
	}
	next.Version++
	s.log.Info("broadcast edited", logx.String("id", id), logx.Time("scheduled_at", next.ScheduledAt))
	return next, nil
}

// Cancel transitions PENDING -> CANCELLED. A broadcast already claimed by a
// worker (or already terminal) is rejected, never silently ignored: the
// atomic claim is the sole source of truth in the cancel-vs-claim race.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.repo.CancelPendingBroadcast(ctx, id); err != nil {
		return err
	}
	s.log.Info("broadcast cancelled", logx.String("id", id))
	return nil
}

// Reissue copies a finished broadcast into a fresh PENDING one. The original
// row is never reopened; delivery history stays immutable.
func (s *Service) Reissue(ctx context.Context, id string, o ReissueOverrides) (*Broadcast, error) {
	src, err := s.repo.GetBroadcast(ctx, id)
	if err != nil {
		return nil, err
	}
	if !src.State.Terminal() {
		// A PENDING (or claimed) broadcast is still editable/in-flight;
		// copying it would just breed duplicates.
		return nil, &InvalidStateError{ID: id, State: src.State, Op: "reissue"}
	}

	in := CreateInput{
		Kind:      src.Kind,
		Message:   src.Message.clone(),
		TicketID:  src.TicketID,
		Target:    src.Target.clone(),
		CreatedBy: o.CreatedBy,
	}
	if o.Message != nil {
		in.Message = o.Message.clone()
	}
	if o.Target != nil {
		in.Target = o.Target.clone()
	}
	if o.ScheduledAt != nil {
		in.ScheduledAt = *o.ScheduledAt
	}
	b, err := s.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	s.log.Info("broadcast reissued", logx.String("source", id), logx.String("id", b.ID))
	return b, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Broadcast, error) {
	return s.repo.GetBroadcast(ctx, id)
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]*Broadcast, int, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.repo.ListBroadcasts(ctx, f)
}

func (s *Service) checkTicketRef(ctx context.Context, b *Broadcast) error {
	if b.Kind != KindTicketGrant {
		return nil
	}
	if s.tickets == nil {
		return nil
	}
	ok, err := s.tickets.TicketExists(ctx, b.TicketID)
	if err != nil {
		return fmt.Errorf("check ticket %s: %w", b.TicketID, err)
	}
	if !ok {
		return &ValidationError{Field: "ticket_id", Reason: "unknown ticket definition " + b.TicketID}
	}
	return nil
}
