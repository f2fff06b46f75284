// Package booking turns a booking request into an appointment row: field
// validation, slot time parsing, validity window and appointment codes.
package booking

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jomxxx/mcwdserver2/internal/database"
)

// ValidityWindow is how long after its slot a pending appointment stays valid.
const ValidityWindow = 8*time.Hour + 30*time.Minute

const codeLength = 6

// ValidationError is a client error whose message is returned verbatim.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

var (
	ErrMissingFields = &ValidationError{Message: "All fields are required."}
	ErrInvalidTime   = &ValidationError{Message: "Invalid time format."}
	ErrInvalidDate   = &ValidationError{Message: "Invalid date format."}
)

var timePattern = regexp.MustCompile(`(?i)^(\d{1,2}):(\d{2})\s*(AM|PM)?$`)

// FlexString accepts a JSON string or number. Null and a numeric zero decode
// as empty.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number: %w", err)
	}
	// A numeric zero counts as absent; the string "0" does not.
	if v, err := n.Float64(); err == nil && v == 0 {
		*f = ""
		return nil
	}
	*f = FlexString(n.String())
	return nil
}

// Request is the body of POST /api/appointments.
type Request struct {
	Date                string     `json:"date"`
	Time                string     `json:"time"`
	Category            string     `json:"category"`
	CategoryDescription string     `json:"category_description"`
	Age                 FlexString `json:"age"`
}

// Validate checks that every field is present.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Date) == "" ||
		strings.TrimSpace(r.Time) == "" ||
		strings.TrimSpace(r.Category) == "" ||
		strings.TrimSpace(r.CategoryDescription) == "" ||
		strings.TrimSpace(string(r.Age)) == "" {
		return ErrMissingFields
	}
	return nil
}

// Slot returns the slot start time in loc.
func (r Request) Slot(loc *time.Location) (time.Time, error) {
	hour, minute, err := ParseClock(r.Time)
	if err != nil {
		return time.Time{}, err
	}
	day, err := ParseDate(r.Date, loc)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := day.Date()
	return time.Date(y, m, d, hour, minute, 0, 0, loc), nil
}

// Appointment validates r and builds the pending row for it.
func (r Request) Appointment(loc *time.Location, code string) (*database.Appointment, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	slot, err := r.Slot(loc)
	if err != nil {
		return nil, err
	}
	return &database.Appointment{
		AppointmentCode:     code,
		DateSelected:        slot,
		DateValidity:        slot.Add(ValidityWindow),
		CategoryCode:        strings.TrimSpace(r.Category),
		CategoryDescription: strings.TrimSpace(r.CategoryDescription),
		Age:                 strings.TrimSpace(string(r.Age)),
		QueStatusCode:       database.StatusPending,
		QueDescription:      database.StatusPendingDesc,
	}, nil
}

// ParseClock parses "H:MM" (24-hour) or "H:MM AM|PM" into hour and minute.
func ParseClock(s string) (int, int, error) {
	m := timePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, ErrInvalidTime
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if minute > 59 {
		return 0, 0, ErrInvalidTime
	}

	switch strings.ToUpper(m[3]) {
	case "":
		if hour > 23 {
			return 0, 0, ErrInvalidTime
		}
	case "AM":
		if hour < 1 || hour > 12 {
			return 0, 0, ErrInvalidTime
		}
		if hour == 12 {
			hour = 0
		}
	case "PM":
		if hour < 1 || hour > 12 {
			return 0, 0, ErrInvalidTime
		}
		if hour != 12 {
			hour += 12
		}
	}
	return hour, minute, nil
}

// ParseDate accepts "YYYY-MM-DD" or an RFC 3339 timestamp. Timestamps are
// reduced to their UTC calendar date.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(time.DateOnly, s, loc); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		y, m, d := t.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc), nil
	}
	return time.Time{}, ErrInvalidDate
}

// NewCode returns a random six-character upper-case base-36 appointment code.
func NewCode() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate appointment code: %w", err)
	}
	v := binary.BigEndian.Uint64(id[:8]) % pow36(codeLength)
	code := strings.ToUpper(strconv.FormatUint(v, 36))
	return strings.Repeat("0", codeLength-len(code)) + code, nil
}

func pow36(n int) uint64 {
	v := uint64(1)
	for i := 0; i < n; i++ {
		v *= 36
	}
	return v
}
