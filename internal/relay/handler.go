package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/N1ades/screencast/internal/platform/metrics"
	"github.com/N1ades/screencast/internal/wsserver"
)

// Status is the JSON body of the status endpoint.
type Status struct {
	Stats
	Encoders int `json:"encoders"`
	Sessions int `json:"sessions"`
}

// Status reports the connection table, running encoders and stored sessions.
func (r *Relay) Status(ctx context.Context) (Status, error) {
	st := Status{Stats: r.table.Stats(), Encoders: r.sup.Running()}
	n, err := r.registry.Count(ctx)
	if err != nil {
		return st, err
	}
	st.Sessions = n
	return st, nil
}

// Handler exposes the relay over HTTP using go-chi.
type Handler struct {
	relay   *Relay
	hub     *wsserver.Hub
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler. Metrics may be nil.
func NewHandler(rl *Relay, hub *wsserver.Hub, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{relay: rl, hub: hub, log: log, metrics: m}
}

// Signaling handles GET / and GET /ws: the broadcaster/viewer websocket.
func (h *Handler) Signaling(w http.ResponseWriter, r *http.Request) {
	conn, err := h.hub.Accept(w, r)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	h.relay.Serve(r.Context(), conn)
}

// Upload handles GET /upload: a websocket that must open with a start message.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	conn, err := h.hub.Accept(w, r)
	if err != nil {
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	h.relay.ServeUpload(r.Context(), conn)
}

// Status handles GET /api/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	st, err := h.relay.Status(r.Context())
	if err != nil {
		h.log.Error("status failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(st)
}

// Disconnect handles POST /api/disconnect: drops the current broadcaster.
func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id, ok := h.relay.DisconnectBroadcaster()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	h.log.Info("broadcaster disconnected by request", slog.String("conn_id", id))
	w.WriteHeader(http.StatusOK)
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// UpdateGauges refreshes scrape-time gauges.
func (h *Handler) UpdateGauges(ctx context.Context) {
	if n, err := h.relay.registry.Count(ctx); err == nil {
		h.metrics.SetSessions(n)
	}
}
