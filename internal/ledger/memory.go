package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"assistant_core/internal/models"
)

// MemoryLedger is an in-memory Ledger. Each account record carries its own
// mutex, so accounts never contend with each other; the outer mutex only
// guards the account map itself.
type MemoryLedger struct {
	plans PlanResolver

	mu       sync.Mutex
	accounts map[string]*memAccount
}

type memAccount struct {
	mu           sync.Mutex
	window       models.AccountWindow
	reservations map[uuid.UUID]*models.Reservation
	heldByKey    map[string]uuid.UUID
}

var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an in-memory ledger backed by the given plan
// resolver.
func NewMemoryLedger(plans PlanResolver) *MemoryLedger {
	return &MemoryLedger{
		plans:    plans,
		accounts: make(map[string]*memAccount),
	}
}

// account returns the record for accountID, creating it on first use from
// the resolved plan.
func (l *MemoryLedger) account(ctx context.Context, accountID string) (*memAccount, error) {
	l.mu.Lock()
	if acct, ok := l.accounts[accountID]; ok {
		l.mu.Unlock()
		return acct, nil
	}
	l.mu.Unlock()

	// Resolve outside the map lock; plan resolution may be slow.
	plan, err := l.plans.Resolve(ctx, accountID)
	if err != nil {
		return nil, err
	}

	start, end := models.MonthWindow(time.Now())
	acct := &memAccount{
		window: models.AccountWindow{
			AccountID:   accountID,
			CreditLimit: plan.Limit,
			Unlimited:   plan.Unlimited,
			WindowStart: start,
			WindowEnd:   end,
		},
		reservations: make(map[uuid.UUID]*models.Reservation),
		heldByKey:    make(map[string]uuid.UUID),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.accounts[accountID]; ok {
		// Lost the race to another first request.
		return existing, nil
	}
	l.accounts[accountID] = acct
	return acct, nil
}

func (l *MemoryLedger) lookup(accountID string) (*memAccount, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[accountID]
	return acct, ok
}

// Reserve places a provisional hold of amount credits.
func (l *MemoryLedger) Reserve(ctx context.Context, accountID string, amount int64, idempotencyKey string) (*models.Reservation, error) {
	acct, err := l.account(ctx, accountID)
	if err != nil {
		return nil, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	acct.rolloverLocked(time.Now())

	if idempotencyKey != "" {
		if id, ok := acct.heldByKey[idempotencyKey]; ok {
			res := *acct.reservations[id]
			return &res, nil
		}
	}

	if !acct.window.Unlimited {
		if acct.window.Used+acct.window.Reserved+amount > acct.window.CreditLimit {
			return nil, ErrQuotaExceeded
		}
		acct.window.Reserved += amount
	}

	res := &models.Reservation{
		ID:             uuid.New(),
		AccountID:      accountID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		State:          models.ReservationHeld,
		Unlimited:      acct.window.Unlimited,
		CreatedAt:      time.Now().UTC(),
	}
	acct.reservations[res.ID] = res
	if idempotencyKey != "" {
		acct.heldByKey[idempotencyKey] = res.ID
	}

	out := *res
	return &out, nil
}

// Commit moves the reserved amount into used.
func (l *MemoryLedger) Commit(_ context.Context, res *models.Reservation) error {
	acct, ok := l.lookup(res.AccountID)
	if !ok {
		return ErrAccountNotFound
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	rec, ok := acct.reservations[res.ID]
	if !ok {
		return ErrReservationNotFound
	}

	switch rec.State {
	case models.ReservationHeld:
		if !rec.Unlimited {
			acct.window.Reserved -= rec.Amount
			acct.window.Used += rec.Amount
		}
		rec.State = models.ReservationCommitted
		acct.dropKeyLocked(rec)
		res.State = models.ReservationCommitted
		return nil
	case models.ReservationCommitted:
		res.State = models.ReservationCommitted
		return nil
	default: // released
		if rec.WindowClosed {
			return ErrWindowClosed
		}
		return ErrInvalidTransition
	}
}

// Release returns the reserved amount without charging it.
func (l *MemoryLedger) Release(_ context.Context, res *models.Reservation) error {
	acct, ok := l.lookup(res.AccountID)
	if !ok {
		return ErrAccountNotFound
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	rec, ok := acct.reservations[res.ID]
	if !ok {
		return ErrReservationNotFound
	}

	switch rec.State {
	case models.ReservationHeld:
		if !rec.Unlimited {
			acct.window.Reserved -= rec.Amount
		}
		rec.State = models.ReservationReleased
		acct.dropKeyLocked(rec)
		res.State = models.ReservationReleased
		return nil
	case models.ReservationReleased:
		res.State = models.ReservationReleased
		return nil
	default: // committed
		return ErrInvalidTransition
	}
}

// Balance returns a display snapshot for the account, creating its window
// on first use.
func (l *MemoryLedger) Balance(ctx context.Context, accountID string) (models.Balance, error) {
	acct, err := l.account(ctx, accountID)
	if err != nil {
		return models.Balance{}, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()

	acct.rolloverLocked(time.Now())

	w := acct.window
	return models.Balance{
		AccountID:   accountID,
		Limit:       w.CreditLimit,
		Used:        w.Used,
		Remaining:   w.Remaining(),
		Unlimited:   w.Unlimited,
		WindowStart: w.WindowStart,
		WindowEnd:   w.WindowEnd,
	}, nil
}

// Rollover advances the account's window if it has expired.
func (l *MemoryLedger) Rollover(_ context.Context, accountID string, now time.Time) error {
	acct, ok := l.lookup(accountID)
	if !ok {
		return ErrAccountNotFound
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.rolloverLocked(now)
	return nil
}

// AccountsDue lists accounts whose window has ended as of now.
func (l *MemoryLedger) AccountsDue(_ context.Context, now time.Time) ([]string, error) {
	l.mu.Lock()
	accounts := make([]*memAccount, 0, len(l.accounts))
	for _, acct := range l.accounts {
		accounts = append(accounts, acct)
	}
	l.mu.Unlock()

	var due []string
	for _, acct := range accounts {
		acct.mu.Lock()
		if acct.window.Expired(now) {
			due = append(due, acct.window.AccountID)
		}
		acct.mu.Unlock()
	}
	return due, nil
}

// rolloverLocked resets the window if now is past its end, failing any
// still-held reservations. Callers hold acct.mu.
func (a *memAccount) rolloverLocked(now time.Time) {
	if !a.window.Expired(now) {
		return
	}

	for _, rec := range a.reservations {
		if rec.State == models.ReservationHeld {
			rec.State = models.ReservationReleased
			rec.WindowClosed = true
			a.dropKeyLocked(rec)
		}
	}

	a.window.Used = 0
	a.window.Reserved = 0
	a.window.WindowStart, a.window.WindowEnd = models.MonthWindow(now)
}

func (a *memAccount) dropKeyLocked(rec *models.Reservation) {
	if rec.IdempotencyKey == "" {
		return
	}
	if id, ok := a.heldByKey[rec.IdempotencyKey]; ok && id == rec.ID {
		delete(a.heldByKey, rec.IdempotencyKey)
	}
}
