package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"caster/internal/broadcast"
	"caster/internal/catalog"
	"caster/pkg/logx"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("response encode failed", logx.Err(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case broadcast.IsValidation(err) || errors.Is(err, catalog.ErrInvalid):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case broadcast.IsConflict(err) || errors.Is(err, catalog.ErrLocked):
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, broadcast.ErrNotFound) || errors.Is(err, catalog.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	default:
		h.log.Error("request failed", logx.Err(err))
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

// decodeBody strictly decodes the JSON request body into v. On failure it
// writes a 400 and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
