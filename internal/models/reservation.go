package models

import (
	"time"

	"github.com/google/uuid"
)

// ReservationState tracks a reservation's lifecycle. A reservation leaves
// Held at most once; Committed and Released are terminal.
type ReservationState string

const (
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Reservation is a provisional hold on credits pending a generation outcome.
// Unlimited accounts get reservations too, but Amount never touches their
// balance.
type Reservation struct {
	ID             uuid.UUID        `db:"id"`
	AccountID      string           `db:"account_id"`
	Amount         int64            `db:"amount"`
	IdempotencyKey string           `db:"idempotency_key"`
	State          ReservationState `db:"state"`
	Unlimited      bool             `db:"unlimited"`
	WindowClosed   bool             `db:"window_closed"` // released by rollover, not by its caller
	CreatedAt      time.Time        `db:"created_at"`
}

// Terminal reports whether the reservation has left the held state.
func (r *Reservation) Terminal() bool {
	return r.State != ReservationHeld
}
