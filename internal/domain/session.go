package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Session struct {
	ID              int64           `json:"id"`
	KioskID         int64           `json:"kiosk_id"`
	AccountID       *int64          `json:"account_id"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         *time.Time      `json:"end_time"`
	DurationMinutes int             `json:"duration_minutes"`
	HourlyRate      decimal.Decimal `json:"hourly_rate"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	Status          SessionStatus   `json:"status"`
	CancelReason    string          `json:"cancel_reason,omitempty"`
}

// ScheduledEnd is the moment the allotted time runs out.
func (s *Session) ScheduledEnd() time.Time {
	return s.StartTime.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// IsExpired reports whether an active session has used up its allotted time.
func (s *Session) IsExpired(now time.Time) bool {
	return s.Status == SessionActive && !now.Before(s.ScheduledEnd())
}

// Close moves the session into a terminal status at the given time.
func (s *Session) Close(status SessionStatus, at time.Time) {
	end := at
	if end.Before(s.StartTime) {
		end = s.StartTime
	}
	s.Status = status
	s.EndTime = &end
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.AccountID != nil {
		id := *s.AccountID
		c.AccountID = &id
	}
	if s.EndTime != nil {
		t := *s.EndTime
		c.EndTime = &t
	}
	return &c
}
