package ledger

import (
	"context"
	"time"

	"assistant_core/internal/models"
)

// Ledger meters per-account credit usage over monthly windows. All balance
// mutations for one account are serialized; distinct accounts never contend.
//
// A successful Reserve must be terminated by exactly one of Commit or
// Release. Calling the same terminator again is a no-op; calling the other
// one fails with ErrInvalidTransition.
type Ledger interface {
	// Reserve places a provisional hold of amount credits. If a held
	// reservation already exists for idempotencyKey, that reservation is
	// returned instead of creating a second hold.
	Reserve(ctx context.Context, accountID string, amount int64, idempotencyKey string) (*models.Reservation, error)

	// Commit moves the reserved amount into used.
	Commit(ctx context.Context, res *models.Reservation) error

	// Release returns the reserved amount without charging it.
	Release(ctx context.Context, res *models.Reservation) error

	// Balance returns a display snapshot for the account.
	Balance(ctx context.Context, accountID string) (models.Balance, error)

	// Rollover advances the account's window if now is past its end,
	// resetting used and failing any still-held reservations with
	// ErrWindowClosed. Idempotent.
	Rollover(ctx context.Context, accountID string, now time.Time) error

	// AccountsDue lists accounts whose window has ended as of now.
	AccountsDue(ctx context.Context, now time.Time) ([]string, error)
}

// Plan is the subscription-derived quota for an account.
type Plan struct {
	Limit     int64
	Unlimited bool
}

// PlanResolver yields the quota plan for an account. Plan resolution itself
// (workspaces, subscriptions) lives outside this service; the ledger calls
// this once, when it first sees an account.
type PlanResolver interface {
	Resolve(ctx context.Context, accountID string) (Plan, error)
}

// StaticPlanResolver returns the same plan for every account.
type StaticPlanResolver struct {
	Plan Plan
}

func (r StaticPlanResolver) Resolve(_ context.Context, _ string) (Plan, error) {
	return r.Plan, nil
}
