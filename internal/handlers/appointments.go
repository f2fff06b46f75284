package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/jomxxx/mcwdserver2/internal/booking"
	"github.com/jomxxx/mcwdserver2/internal/database"
	"github.com/jomxxx/mcwdserver2/internal/logutil"
)

func rejectReason(err error) string {
	switch {
	case errors.Is(err, booking.ErrMissingFields):
		return "missing_fields"
	case errors.Is(err, booking.ErrInvalidTime):
		return "invalid_time"
	case errors.Is(err, booking.ErrInvalidDate):
		return "invalid_date"
	case errors.Is(err, database.ErrSlotFull):
		return "slot_full"
	default:
		return "invalid_body"
	}
}

func (h *Handler) CreateAppointment(w http.ResponseWriter, r *http.Request) {
	var req booking.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Metrics.AppointmentRejected(rejectReason(err))
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}

	code, err := h.NewCode()
	if err != nil {
		log.Printf("[http] %v", err)
		writeError(w, http.StatusInternalServerError, msgInternalError)
		return
	}

	appt, err := req.Appointment(h.location(), code)
	if err != nil {
		var ve *booking.ValidationError
		if errors.As(err, &ve) {
			h.Metrics.AppointmentRejected(rejectReason(err))
			writeError(w, http.StatusBadRequest, ve.Message)
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid request body.")
		return
	}

	db, ok := h.acquire(w, r)
	if !ok {
		return
	}

	if err := database.Book(r.Context(), db, appt, h.Capacity); err != nil {
		if errors.Is(err, database.ErrSlotFull) {
			h.Metrics.AppointmentRejected(rejectReason(err))
			writeError(w, http.StatusBadRequest, "This time slot is fully booked.")
			return
		}
		h.queryFailed(w, r, err)
		return
	}

	h.Metrics.AppointmentCreated()
	log.Printf("[http] appointment %s booked for %s (%s)",
		code, appt.DateSelected.Format(time.DateTime), logutil.SanitizeForLog(appt.CategoryCode))

	writeJSON(w, http.StatusCreated, map[string]string{
		"message": "Appointment created successfully.",
		"code":    code,
	})
}

func (h *Handler) ListAppointments(w http.ResponseWriter, r *http.Request) {
	db, ok := h.acquire(w, r)
	if !ok {
		return
	}

	appointments, err := database.ListOrdered(r.Context(), db)
	if err != nil {
		h.queryFailed(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appointments)
}

func (h *Handler) FullyBooked(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		writeError(w, http.StatusBadRequest, "Date is required.")
		return
	}
	day, err := booking.ParseDate(date, h.location())
	if err != nil {
		writeError(w, http.StatusBadRequest, booking.ErrInvalidDate.Message)
		return
	}

	db, ok := h.acquire(w, r)
	if !ok {
		return
	}

	slots, err := database.FullyBookedSlots(r.Context(), db, day, h.Capacity)
	if err != nil {
		h.queryFailed(w, r, err)
		return
	}
	if len(slots) > 0 {
		log.Printf("[http] %d fully booked slot(s) on %s", len(slots), logutil.SanitizeForLog(date))
	}
	writeJSON(w, http.StatusOK, slots)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	db, ok := h.acquire(w, r)
	if !ok {
		return
	}

	stats, err := database.GetStats(r.Context(), db, h.now())
	if err != nil {
		h.queryFailed(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
