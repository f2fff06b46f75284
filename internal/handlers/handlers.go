package handlers

import (
	"context"
	"log"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/jomxxx/mcwdserver2/internal/booking"
	"github.com/jomxxx/mcwdserver2/internal/metrics"
	"github.com/jomxxx/mcwdserver2/internal/sshtunnel"
)

const (
	msgUnavailable   = "Service unavailable"
	msgInternalError = "Internal server error."
)

// Acquirer hands out the shared database handle. *sshtunnel.Provider
// satisfies it.
type Acquirer interface {
	Acquire(ctx context.Context) (*gorm.DB, error)
	ReportError(err error) bool
}

// TunnelStatus reports the connection provider's state.
type TunnelStatus interface {
	Status() sshtunnel.Status
	Transitions() []sshtunnel.StateTransition
	Events() []sshtunnel.Event
}

// Handler serves the booking API.
type Handler struct {
	DB       Acquirer
	Tunnel   TunnelStatus
	Metrics  *metrics.Metrics
	Location *time.Location
	Capacity int

	// NewCode and Now are replaced in tests.
	NewCode func() (string, error)
	Now     func() time.Time
}

// New returns a Handler with production defaults.
func New(db Acquirer, tunnel TunnelStatus, m *metrics.Metrics, loc *time.Location, capacity int) *Handler {
	return &Handler{
		DB:       db,
		Tunnel:   tunnel,
		Metrics:  m,
		Location: loc,
		Capacity: capacity,
		NewCode:  booking.NewCode,
		Now:      time.Now,
	}
}

func (h *Handler) location() *time.Location {
	if h.Location == nil {
		return time.UTC
	}
	return h.Location
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now().In(h.location())
	}
	return h.Now().In(h.location())
}

// acquire returns the database handle or writes 503.
func (h *Handler) acquire(w http.ResponseWriter, r *http.Request) (*gorm.DB, bool) {
	db, err := h.DB.Acquire(r.Context())
	if err != nil {
		log.Printf("[http] %s %s: database unavailable: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusServiceUnavailable, msgUnavailable)
		return nil, false
	}
	return db, true
}

// queryFailed reports err to the provider, logs it and writes 500.
func (h *Handler) queryFailed(w http.ResponseWriter, r *http.Request, err error) {
	if h.DB.ReportError(err) {
		log.Printf("[http] %s %s: connection lost, will reconnect on next request", r.Method, r.URL.Path)
	}
	log.Printf("[http] %s %s: %v", r.Method, r.URL.Path, err)
	writeError(w, http.StatusInternalServerError, msgInternalError)
}
