package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"caster/internal/catalog"
	"caster/pkg/logx"
)

type ticketDTO struct {
	ID        string           `json:"id"`
	Category  catalog.Category `json:"category"`
	Title     string           `json:"title"`
	Value     string           `json:"value"`
	StartAt   time.Time        `json:"start_at"`
	ExpiredAt *time.Time       `json:"expired_at,omitempty"`
	GameIDs   []string         `json:"game_ids,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	SentCount int              `json:"sent_count"`
}

func (h *Handler) toTicketDTO(r *http.Request, d *catalog.TicketDefinition) ticketDTO {
	sent, err := h.tickets.SentCount(r.Context(), d.ID)
	if err != nil {
		// The count is display-only; the lock itself is enforced in the store.
		h.log.Warn("sent count lookup failed", logx.String("id", d.ID), logx.Err(err))
	}
	return ticketDTO{
		ID:        d.ID,
		Category:  d.Category,
		Title:     d.Title,
		Value:     d.Value.String(),
		StartAt:   d.StartAt,
		ExpiredAt: d.ExpiredAt,
		GameIDs:   d.GameIDs,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
		SentCount: sent,
	}
}

type createTicketRequest struct {
	Category  catalog.Category `json:"category"`
	Title     string           `json:"title"`
	Value     string           `json:"value"`
	StartAt   time.Time        `json:"start_at"`
	ExpiredAt *time.Time       `json:"expired_at,omitempty"`
	GameIDs   []string         `json:"game_ids,omitempty"`
}

func (h *Handler) createTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if !decodeBody(w, r, &req) {
		return
	}
	value, err := decimal.NewFromString(req.Value)
	if err != nil {
		writeBadRequest(w, "value must be a decimal string")
		return
	}
	d, err := h.tickets.Create(r.Context(), catalog.CreateInput{
		Category:  req.Category,
		Title:     req.Title,
		Value:     value,
		StartAt:   req.StartAt,
		ExpiredAt: req.ExpiredAt,
		GameIDs:   req.GameIDs,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, h.toTicketDTO(r, d))
}

type updateTicketRequest struct {
	Category  *catalog.Category `json:"category,omitempty"`
	Title     *string           `json:"title,omitempty"`
	Value     *string           `json:"value,omitempty"`
	StartAt   *time.Time        `json:"start_at,omitempty"`
	ExpiredAt *time.Time        `json:"expired_at,omitempty"`
	// ClearExpiry makes the window open-ended again.
	ClearExpiry bool      `json:"clear_expiry,omitempty"`
	GameIDs     *[]string `json:"game_ids,omitempty"`
}

func (h *Handler) updateTicket(w http.ResponseWriter, r *http.Request) {
	var req updateTicketRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p := catalog.Patch{
		Category: req.Category,
		Title:    req.Title,
		StartAt:  req.StartAt,
		GameIDs:  req.GameIDs,
	}
	if req.Value != nil {
		value, err := decimal.NewFromString(*req.Value)
		if err != nil {
			writeBadRequest(w, "value must be a decimal string")
			return
		}
		p.Value = &value
	}
	if req.ClearExpiry {
		var cleared *time.Time
		p.ExpiredAt = &cleared
	} else if req.ExpiredAt != nil {
		p.ExpiredAt = &req.ExpiredAt
	}
	d, err := h.tickets.Update(r.Context(), mux.Vars(r)["id"], p)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.toTicketDTO(r, d))
}

func (h *Handler) deleteTicket(w http.ResponseWriter, r *http.Request) {
	if err := h.tickets.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getTicket(w http.ResponseWriter, r *http.Request) {
	d, err := h.tickets.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.toTicketDTO(r, d))
}

func (h *Handler) listTickets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	items, total, err := h.tickets.List(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	dtos := make([]ticketDTO, 0, len(items))
	for _, d := range items {
		dtos = append(dtos, h.toTicketDTO(r, d))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"tickets": dtos,
		"total":   total,
	})
}
