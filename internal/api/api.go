// Package api exposes the console-facing REST surface over broadcasts and
// the ticket catalog. It is a thin translation layer: authentication and the
// actual admin UI live upstream; state rules live in the services. Error
// mapping follows the conflict contract: validation failures are 400,
// lifecycle conflicts ("already sent") are 409, unknown ids are 404.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"caster/internal/audience"
	"caster/internal/broadcast"
	"caster/internal/catalog"
	"caster/pkg/logx"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Handler struct {
	broadcasts *broadcast.Service
	tickets    *catalog.Service
	resolver   *audience.Resolver
	log        logx.Logger
}

func NewHandler(b *broadcast.Service, t *catalog.Service, r *audience.Resolver, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{broadcasts: b, tickets: t, resolver: r, log: log}
}

func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/broadcasts", h.createBroadcast).Methods(http.MethodPost)
	v1.HandleFunc("/broadcasts", h.listBroadcasts).Methods(http.MethodGet)
	v1.HandleFunc("/broadcasts/{id}", h.getBroadcast).Methods(http.MethodGet)
	v1.HandleFunc("/broadcasts/{id}", h.editBroadcast).Methods(http.MethodPatch)
	v1.HandleFunc("/broadcasts/{id}", h.cancelBroadcast).Methods(http.MethodDelete)
	v1.HandleFunc("/broadcasts/{id}/reissue", h.reissueBroadcast).Methods(http.MethodPost)

	v1.HandleFunc("/audience/preview", h.previewAudience).Methods(http.MethodPost)

	v1.HandleFunc("/tickets", h.createTicket).Methods(http.MethodPost)
	v1.HandleFunc("/tickets", h.listTickets).Methods(http.MethodGet)
	v1.HandleFunc("/tickets/{id}", h.getTicket).Methods(http.MethodGet)
	v1.HandleFunc("/tickets/{id}", h.updateTicket).Methods(http.MethodPatch)
	v1.HandleFunc("/tickets/{id}", h.deleteTicket).Methods(http.MethodDelete)

	return r
}

// NewServer wraps the handler in an http.Server with the configured
// timeouts.
func NewServer(cfg Config, h *Handler) *http.Server {
	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:8087"
	}
	return &http.Server{
		Addr:         addr,
		Handler:      h.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}
