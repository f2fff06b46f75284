package database

import "time"

// Queue status codes stored in que_statuscode / que_description.
const (
	StatusPending     = "PD"
	StatusPendingDesc = "PENDING"
	StatusExpired     = "EX"
	StatusExpiredDesc = "EXPIRED"
)

// Appointment is one booked slot. The table predates this service, so column
// names are fixed.
type Appointment struct {
	ID                  uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	AppointmentCode     string    `gorm:"column:appointment_code;size:6;not null;index" json:"appointment_code"`
	DateSelected        time.Time `gorm:"column:date_selected;not null;index" json:"date_selected"`
	DateValidity        time.Time `gorm:"column:date_validity;not null" json:"date_validity"`
	CategoryCode        string    `gorm:"column:category_code;not null" json:"category_code"`
	CategoryDescription string    `gorm:"column:category_description;not null" json:"category_description"`
	Age                 string    `gorm:"column:age;not null" json:"age"`
	QueStatusCode       string    `gorm:"column:que_statuscode;size:2;not null;default:PD" json:"que_statuscode"`
	QueDescription      string    `gorm:"column:que_description;not null;default:PENDING" json:"que_description"`
	DateCreated         time.Time `gorm:"column:date_created;autoCreateTime" json:"date_created"`
}

func (Appointment) TableName() string {
	return "tappointment"
}

// BookedSlot is a slot start time returned by FullyBookedSlots.
type BookedSlot struct {
	DateSelected time.Time `json:"date_selected"`
}

// Stats holds the dashboard counters.
type Stats struct {
	TotalAppointments int64 `json:"totalAppointments"`
	TodayAppointments int64 `json:"todayAppointments"`
}
