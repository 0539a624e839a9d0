// Package api serves the gateway status and table download endpoints over HTTP.
//
//	GET  /api/health                           overall link state
//	GET  /api/channels                         status of every channel
//	GET  /api/channels/{name}                  status of one channel
//	POST /api/channels/{name}/tables/{kind}    push a table to one channel
//	POST /api/tables/{kind}                    push a table to every channel
//
// kind is "airline" or "fallback".
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/arloliu/go-bhs/gateway"
	"github.com/arloliu/go-bhs/logger"
	"github.com/arloliu/go-bhs/plcconn"
	"github.com/arloliu/go-bhs/tabledownload"
)

// Gateway is the part of *gateway.Manager served by the API.
type Gateway interface {
	Channels() []gateway.ChannelStatus
	Channel(name string) (gateway.ChannelStatus, error)
	PushTable(ctx context.Context, channel string, kind tabledownload.Kind) error
	PushAll(ctx context.Context, kind tabledownload.Kind) error
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status    string `json:"status"`
	Channels  int    `json:"channels"`
	Streaming int    `json:"streaming"`
	Timestamp string `json:"timestamp"`
}

// PushResponse is the body of a successful table push.
type PushResponse struct {
	Channel   string `json:"channel,omitempty"`
	Kind      string `json:"kind"`
	Timestamp string `json:"timestamp"`
}

// pushTimeout bounds a table push started over HTTP.
const pushTimeout = 30 * time.Second

type handlers struct {
	gw     Gateway
	logger logger.Logger
}

// NewRouter creates the API router, mounted at /api.
func NewRouter(gw Gateway, l logger.Logger) chi.Router {
	if l == nil {
		l = logger.GetLogger()
	}
	h := &handlers{gw: gw, logger: l}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.handleHealth)
		r.Get("/channels", h.handleListChannels)
		r.Get("/channels/{name}", h.handleChannel)
		r.Post("/channels/{name}/tables/{kind}", h.handlePushTable)
		r.Post("/tables/{kind}", h.handlePushAll)
	})

	return r
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("failed to write response", "error", err)
	}
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// errorStatus maps a push error to its HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrChannelNotFound):
		return http.StatusNotFound
	case errors.Is(err, plcconn.ErrNotStreaming):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	channels := h.gw.Channels()

	resp := HealthResponse{
		Channels:  len(channels),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	for _, ch := range channels {
		if ch.State == "streaming" {
			resp.Streaming++
		}
	}

	status := http.StatusOK
	switch {
	case resp.Streaming == resp.Channels:
		resp.Status = "ok"
	case resp.Streaming > 0:
		resp.Status = "degraded"
	default:
		resp.Status = "down"
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, resp)
}

func (h *handlers) handleListChannels(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.gw.Channels())
}

func (h *handlers) handleChannel(w http.ResponseWriter, r *http.Request) {
	name, _ := url.PathUnescape(chi.URLParam(r, "name"))

	st, err := h.gw.Channel(name)
	if err != nil {
		h.writeError(w, errorStatus(err), err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, st)
}

func (h *handlers) handlePushTable(w http.ResponseWriter, r *http.Request) {
	name, _ := url.PathUnescape(chi.URLParam(r, "name"))

	kind, err := tabledownload.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), pushTimeout)
	defer cancel()

	if err := h.gw.PushTable(ctx, name, kind); err != nil {
		h.logger.Warn("table push over HTTP failed", "channel", name, "kind", kind, "error", err)
		h.writeError(w, errorStatus(err), err.Error())

		return
	}

	h.logger.Info("table pushed over HTTP", "channel", name, "kind", kind, "remote", r.RemoteAddr)
	h.writeJSON(w, http.StatusOK, PushResponse{
		Channel:   name,
		Kind:      kind.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *handlers) handlePushAll(w http.ResponseWriter, r *http.Request) {
	kind, err := tabledownload.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), pushTimeout)
	defer cancel()

	if err := h.gw.PushAll(ctx, kind); err != nil {
		h.logger.Warn("table push to all channels over HTTP failed", "kind", kind, "error", err)
		h.writeError(w, errorStatus(err), err.Error())

		return
	}

	h.writeJSON(w, http.StatusOK, PushResponse{
		Kind:      kind.String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
