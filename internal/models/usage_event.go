package models

import "time"

// UsageOutcome is the terminal result of a generation request.
type UsageOutcome string

const (
	UsageCommitted UsageOutcome = "committed" // credits charged
	UsageReleased  UsageOutcome = "released"  // credits returned
)

// UsageEvent records the terminal outcome of one generation request for the
// audit trail. Written asynchronously; never consulted for balance math.
type UsageEvent struct {
	ID        int64        `db:"id" json:"-"`
	RequestID string       `db:"request_id" json:"request_id"`
	AccountID string       `db:"account_id" json:"account_id"`
	Kind      string       `db:"kind" json:"kind"`
	Cost      int64        `db:"cost" json:"cost"`
	Outcome   UsageOutcome `db:"outcome" json:"outcome"`
	Detail    string       `db:"detail" json:"detail,omitempty"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}
