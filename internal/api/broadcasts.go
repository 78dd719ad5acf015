package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"caster/internal/broadcast"
)

type broadcastDTO struct {
	ID          string                    `json:"id"`
	Kind        broadcast.Kind            `json:"kind"`
	Message     *broadcast.MessagePayload `json:"message,omitempty"`
	TicketID    string                    `json:"ticket_id,omitempty"`
	Target      broadcast.Target          `json:"target"`
	ScheduledAt time.Time                 `json:"scheduled_at"`
	State       broadcast.State           `json:"state"`
	CreatedAt   time.Time                 `json:"created_at"`
	CreatedBy   string                    `json:"created_by,omitempty"`
	SentAt      *time.Time                `json:"sent_at,omitempty"`
	Delivered   int                       `json:"delivered"`
	Failed      int                       `json:"failed"`
	Warnings    []string                  `json:"warnings,omitempty"`
}

func toBroadcastDTO(b *broadcast.Broadcast) broadcastDTO {
	return broadcastDTO{
		ID:          b.ID,
		Kind:        b.Kind,
		Message:     b.Message,
		TicketID:    b.TicketID,
		Target:      b.Target,
		ScheduledAt: b.ScheduledAt,
		State:       b.State,
		CreatedAt:   b.CreatedAt,
		CreatedBy:   b.CreatedBy,
		SentAt:      b.SentAt,
		Delivered:   b.Delivered,
		Failed:      b.Failed,
		Warnings:    b.Warnings,
	}
}

type createBroadcastRequest struct {
	Kind        broadcast.Kind            `json:"kind"`
	Message     *broadcast.MessagePayload `json:"message,omitempty"`
	TicketID    string                    `json:"ticket_id,omitempty"`
	Target      broadcast.Target          `json:"target"`
	ScheduledAt *time.Time                `json:"scheduled_at,omitempty"`
}

func (h *Handler) createBroadcast(w http.ResponseWriter, r *http.Request) {
	var req createBroadcastRequest
	if !decodeBody(w, r, &req) {
		return
	}
	in := broadcast.CreateInput{
		Kind:      req.Kind,
		Message:   req.Message,
		TicketID:  req.TicketID,
		Target:    req.Target,
		CreatedBy: adminID(r),
	}
	if req.ScheduledAt != nil {
		in.ScheduledAt = *req.ScheduledAt
	}
	b, err := h.broadcasts.Create(r.Context(), in)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toBroadcastDTO(b))
}

type editBroadcastRequest struct {
	Message     *broadcast.MessagePayload `json:"message,omitempty"`
	TicketID    *string                   `json:"ticket_id,omitempty"`
	Target      *broadcast.Target         `json:"target,omitempty"`
	ScheduledAt *time.Time                `json:"scheduled_at,omitempty"`
}

func (h *Handler) editBroadcast(w http.ResponseWriter, r *http.Request) {
	var req editBroadcastRequest
	if !decodeBody(w, r, &req) {
		return
	}
	b, err := h.broadcasts.Edit(r.Context(), mux.Vars(r)["id"], broadcast.Patch{
		Message:     req.Message,
		TicketID:    req.TicketID,
		Target:      req.Target,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toBroadcastDTO(b))
}

func (h *Handler) cancelBroadcast(w http.ResponseWriter, r *http.Request) {
	if err := h.broadcasts.Cancel(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reissueBroadcastRequest struct {
	Message     *broadcast.MessagePayload `json:"message,omitempty"`
	Target      *broadcast.Target         `json:"target,omitempty"`
	ScheduledAt *time.Time                `json:"scheduled_at,omitempty"`
}

func (h *Handler) reissueBroadcast(w http.ResponseWriter, r *http.Request) {
	var req reissueBroadcastRequest
	if !decodeBody(w, r, &req) {
		return
	}
	b, err := h.broadcasts.Reissue(r.Context(), mux.Vars(r)["id"], broadcast.ReissueOverrides{
		Message:     req.Message,
		Target:      req.Target,
		ScheduledAt: req.ScheduledAt,
		CreatedBy:   adminID(r),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toBroadcastDTO(b))
}

func (h *Handler) getBroadcast(w http.ResponseWriter, r *http.Request) {
	b, err := h.broadcasts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toBroadcastDTO(b))
}

func (h *Handler) listBroadcasts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := broadcast.ListFilter{
		State: broadcast.State(q.Get("state")),
		Kind:  broadcast.Kind(q.Get("kind")),
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	items, total, err := h.broadcasts.List(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	dtos := make([]broadcastDTO, 0, len(items))
	for _, b := range items {
		dtos = append(dtos, toBroadcastDTO(b))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"broadcasts": dtos,
		"total":      total,
	})
}

type previewRequest struct {
	Target broadcast.Target `json:"target"`
}

// previewAudience returns the authoring-time member count snapshot. The
// response carries an explicit disclaimer field because the number is not a
// delivery guarantee: membership is resolved again at dispatch time.
func (h *Handler) previewAudience(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Target.Validate(); err != nil {
		h.writeError(w, err)
		return
	}
	n, err := h.resolver.PreviewCount(r.Context(), req.Target)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"count":    n,
		"snapshot": true,
	})
}

// adminID is the acting admin's identity, set by the auth proxy in front of
// this service.
func adminID(r *http.Request) string {
	return r.Header.Get("X-Admin-Id")
}
