package broadcast

import (
	"time"
)

type Kind string

const (
	KindMessage     Kind = "MESSAGE"
	KindTicketGrant Kind = "TICKET_GRANT"
)

func (k Kind) Valid() bool {
	return k == KindMessage || k == KindTicketGrant
}

type State string

const (
	StatePending State = "PENDING"
	// StateDispatching marks a broadcast claimed by a worker. It is internal:
	// list/read surfaces report it, but no console mutation accepts it.
	StateDispatching State = "DISPATCHING"
	StateSent        State = "SENT"
	StateCancelled   State = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateSent || s == StateCancelled }

// MessagePayload is the content bundle for KindMessage broadcasts.
// Title and Body are keyed by locale tag (e.g. "en", "pt-BR"); rendering and
// fallback rules belong to the inbox service, not to this model.
type MessagePayload struct {
	Title     map[string]string `json:"title"`
	Body      map[string]string `json:"body"`
	ImagePath string            `json:"image_path,omitempty"`
}

func (p *MessagePayload) clone() *MessagePayload {
	if p == nil {
		return nil
	}
	cp := &MessagePayload{ImagePath: p.ImagePath}
	if p.Title != nil {
		cp.Title = make(map[string]string, len(p.Title))
		for k, v := range p.Title {
			cp.Title[k] = v
		}
	}
	if p.Body != nil {
		cp.Body = make(map[string]string, len(p.Body))
		for k, v := range p.Body {
			cp.Body[k] = v
		}
	}
	return cp
}

type Broadcast struct {
	ID   string
	Kind Kind

	// Exactly one of Message / TicketID is set, matching Kind.
	Message  *MessagePayload
	TicketID string

	Target      Target
	ScheduledAt time.Time

	State   State
	Version int64

	CreatedAt time.Time
	CreatedBy string

	SentAt    *time.Time
	Delivered int
	Failed    int
	// Warnings records non-fatal resolution notes (vanished groups/users)
	// alongside the SENT result.
	Warnings []string

	// Claim bookkeeping, populated while DISPATCHING.
	ClaimedAt  *time.Time
	ClaimOwner string
}

// Clone returns a deep copy. Repositories and services return clones so
// callers can never mutate shared state.
func (b *Broadcast) Clone() *Broadcast {
	if b == nil {
		return nil
	}
	cp := *b
	cp.Message = b.Message.clone()
	cp.Target = b.Target.clone()
	if b.Warnings != nil {
		cp.Warnings = append([]string(nil), b.Warnings...)
	}
	if b.SentAt != nil {
		t := *b.SentAt
		cp.SentAt = &t
	}
	if b.ClaimedAt != nil {
		t := *b.ClaimedAt
		cp.ClaimedAt = &t
	}
	return &cp
}

// validate checks the kind/payload/target shape rules shared by create and
// edit. It does not look at lifecycle state.
func (b *Broadcast) validate() error {
	if !b.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: "must be MESSAGE or TICKET_GRANT"}
	}
	switch b.Kind {
	case KindMessage:
		if b.TicketID != "" {
			return &ValidationError{Field: "ticket_id", Reason: "not allowed for MESSAGE broadcasts"}
		}
		if b.Message == nil {
			return &ValidationError{Field: "message", Reason: "required for MESSAGE broadcasts"}
		}
		if len(b.Message.Title) == 0 {
			return &ValidationError{Field: "message.title", Reason: "at least one locale required"}
		}
		if len(b.Message.Body) == 0 {
			return &ValidationError{Field: "message.body", Reason: "at least one locale required"}
		}
	case KindTicketGrant:
		if b.Message != nil {
			return &ValidationError{Field: "message", Reason: "not allowed for TICKET_GRANT broadcasts"}
		}
		if b.TicketID == "" {
			return &ValidationError{Field: "ticket_id", Reason: "required for TICKET_GRANT broadcasts"}
		}
	}
	return b.Target.Validate()
}
