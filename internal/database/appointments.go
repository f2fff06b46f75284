package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrSlotFull is returned by Book when the slot already holds capacity bookings.
var ErrSlotFull = errors.New("time slot is fully booked")

// dayBounds returns [start of day, start of next day) in day's location.
// Range predicates keep the date_selected index usable and behave the same
// on MySQL and SQLite.
func dayBounds(day time.Time) (time.Time, time.Time) {
	y, m, d := day.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, day.Location())
	return start, start.AddDate(0, 0, 1)
}

// CountAtSlot counts bookings of any status at exactly slot.
func CountAtSlot(ctx context.Context, db *gorm.DB, slot time.Time) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&Appointment{}).
		Where("date_selected = ?", slot).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count slot %s: %w", slot.Format(time.DateTime), err)
	}
	return n, nil
}

// Book inserts a as a pending appointment unless its slot already holds
// capacity bookings, in which case it returns ErrSlotFull.
func Book(ctx context.Context, db *gorm.DB, a *Appointment, capacity int) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := CountAtSlot(ctx, tx, a.DateSelected)
		if err != nil {
			return err
		}
		if n >= int64(capacity) {
			return ErrSlotFull
		}

		a.QueStatusCode = StatusPending
		a.QueDescription = StatusPendingDesc
		if err := tx.Create(a).Error; err != nil {
			return fmt.Errorf("insert appointment: %w", err)
		}
		return nil
	})
}

// ListOrdered returns every appointment ordered by slot time.
func ListOrdered(ctx context.Context, db *gorm.DB) ([]Appointment, error) {
	appointments := []Appointment{}
	if err := db.WithContext(ctx).Order("date_selected ASC").Order("id ASC").Find(&appointments).Error; err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return appointments, nil
}

// FullyBookedSlots returns the slots on day holding at least capacity
// pending bookings.
func FullyBookedSlots(ctx context.Context, db *gorm.DB, day time.Time, capacity int) ([]BookedSlot, error) {
	start, end := dayBounds(day)
	slots := []BookedSlot{}
	err := db.WithContext(ctx).Model(&Appointment{}).
		Select("date_selected").
		Where("date_selected >= ? AND date_selected < ?", start, end).
		Where("que_statuscode = ?", StatusPending).
		Group("date_selected").
		Having("COUNT(*) >= ?", capacity).
		Order("date_selected ASC").
		Scan(&slots).Error
	if err != nil {
		return nil, fmt.Errorf("fully booked slots for %s: %w", start.Format(time.DateOnly), err)
	}
	return slots, nil
}

// GetStats counts all appointments and those whose slot falls on today.
func GetStats(ctx context.Context, db *gorm.DB, today time.Time) (Stats, error) {
	var s Stats
	if err := db.WithContext(ctx).Model(&Appointment{}).Count(&s.TotalAppointments).Error; err != nil {
		return Stats{}, fmt.Errorf("count appointments: %w", err)
	}

	start, end := dayBounds(today)
	err := db.WithContext(ctx).Model(&Appointment{}).
		Where("date_selected >= ? AND date_selected < ?", start, end).
		Count(&s.TodayAppointments).Error
	if err != nil {
		return Stats{}, fmt.Errorf("count today's appointments: %w", err)
	}
	return s, nil
}

// ExpireStale marks pending appointments whose validity ended before now as
// expired and returns how many changed.
func ExpireStale(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Model(&Appointment{}).
		Where("que_statuscode = ? AND date_validity < ?", StatusPending, now).
		Updates(map[string]any{
			"que_statuscode":  StatusExpired,
			"que_description": StatusExpiredDesc,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("expire stale appointments: %w", res.Error)
	}
	return res.RowsAffected, nil
}
