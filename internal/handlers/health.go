package handlers

import (
	"net/http"

	"github.com/docker/go-units"

	"github.com/jomxxx/mcwdserver2/internal/sshtunnel"
)

// HealthCheck never opens a tunnel. An idle provider is healthy; only a
// provider whose last acquisition exhausted its retries is not.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	st := h.Tunnel.Status()

	status := "healthy"
	code := http.StatusOK
	if st.State == sshtunnel.StateFailed {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]string{
		"status":   status,
		"database": st.State.String(),
	})
}

type dbStatusResponse struct {
	sshtunnel.Status
	Uptime      string                      `json:"uptime,omitempty"`
	Transitions []sshtunnel.StateTransition `json:"transitions"`
	Events      []sshtunnel.Event           `json:"events"`
}

func (h *Handler) DBStatus(w http.ResponseWriter, r *http.Request) {
	st := h.Tunnel.Status()
	resp := dbStatusResponse{
		Status:      st,
		Transitions: h.Tunnel.Transitions(),
		Events:      h.Tunnel.Events(),
	}
	if !st.ConnectedAt.IsZero() {
		resp.Uptime = units.HumanDuration(h.now().Sub(st.ConnectedAt))
	}
	if resp.Transitions == nil {
		resp.Transitions = []sshtunnel.StateTransition{}
	}
	if resp.Events == nil {
		resp.Events = []sshtunnel.Event{}
	}
	writeJSON(w, http.StatusOK, resp)
}
