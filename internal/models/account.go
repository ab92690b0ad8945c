package models

import "time"

// AccountWindow is the per-account monthly credit window. Created on the
// account's first request and rolled forward at each month boundary; it is
// never deleted.
type AccountWindow struct {
	AccountID   string    `db:"account_id"`
	CreditLimit int64     `db:"credit_limit"`
	Unlimited   bool      `db:"unlimited"`
	Used        int64     `db:"used"`
	Reserved    int64     `db:"reserved"`
	WindowStart time.Time `db:"window_start"`
	WindowEnd   time.Time `db:"window_end"`
}

// Remaining returns the credits still available for new reservations.
func (w *AccountWindow) Remaining() int64 {
	if w.Unlimited {
		return 0
	}
	remaining := w.CreditLimit - w.Used - w.Reserved
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the window has passed its end.
func (w *AccountWindow) Expired(now time.Time) bool {
	return !now.Before(w.WindowEnd)
}

// Balance is a read-only snapshot of an account's credit state, shaped for
// display in the assistant panel.
type Balance struct {
	AccountID   string    `json:"account_id"`
	Limit       int64     `json:"limit"`
	Used        int64     `json:"used"`
	Remaining   int64     `json:"remaining"`
	Unlimited   bool      `json:"unlimited"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// MonthWindow returns the calendar-month boundaries containing now, in UTC.
func MonthWindow(now time.Time) (start, end time.Time) {
	now = now.UTC()
	start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0)
	return start, end
}
