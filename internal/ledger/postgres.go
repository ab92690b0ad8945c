package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"assistant_core/internal/models"
	"assistant_core/internal/storage"
)

// PostgresLedger is a Ledger backed by PostgreSQL. Per-account
// serialization comes from row locks on credit_windows: every mutation
// starts by selecting the account's window FOR UPDATE, so two requests for
// the same account queue behind each other while other accounts proceed.
type PostgresLedger struct {
	db    *storage.DB
	plans PlanResolver
}

var _ Ledger = (*PostgresLedger)(nil)

// NewPostgresLedger creates a PostgreSQL-backed ledger.
func NewPostgresLedger(db *storage.DB, plans PlanResolver) *PostgresLedger {
	return &PostgresLedger{db: db, plans: plans}
}

// windowForUpdate loads the account's window under a row lock, creating it
// from the resolved plan on first use, and applies a lazy rollover.
func (l *PostgresLedger) windowForUpdate(ctx context.Context, tx *sqlx.Tx, accountID string, now time.Time) (*models.AccountWindow, error) {
	const selectQuery = `
		SELECT account_id, credit_limit, unlimited, used, reserved, window_start, window_end
		FROM credit_windows
		WHERE account_id = $1
		FOR UPDATE
	`

	var w models.AccountWindow
	err := tx.GetContext(ctx, &w, selectQuery, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		plan, perr := l.plans.Resolve(ctx, accountID)
		if perr != nil {
			return nil, perr
		}

		start, end := models.MonthWindow(now)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO credit_windows (account_id, credit_limit, unlimited, used, reserved, window_start, window_end)
			VALUES ($1, $2, $3, 0, 0, $4, $5)
			ON CONFLICT (account_id) DO NOTHING
		`, accountID, plan.Limit, plan.Unlimited, start, end)
		if err != nil {
			return nil, fmt.Errorf("failed to create credit window: %w", err)
		}

		err = tx.GetContext(ctx, &w, selectQuery, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credit window: %w", err)
	}

	if err := rolloverTx(ctx, tx, &w, now); err != nil {
		return nil, err
	}
	return &w, nil
}

// rolloverTx resets an expired window and fails its held reservations.
// Callers hold the window row lock.
func rolloverTx(ctx context.Context, tx *sqlx.Tx, w *models.AccountWindow, now time.Time) error {
	if !w.Expired(now) {
		return nil
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE credit_reservations
		SET state = $1, window_closed = true
		WHERE account_id = $2 AND state = $3
	`, models.ReservationReleased, w.AccountID, models.ReservationHeld)
	if err != nil {
		return fmt.Errorf("failed to expire held reservations: %w", err)
	}

	start, end := models.MonthWindow(now)
	_, err = tx.ExecContext(ctx, `
		UPDATE credit_windows
		SET used = 0, reserved = 0, window_start = $1, window_end = $2
		WHERE account_id = $3
	`, start, end, w.AccountID)
	if err != nil {
		return fmt.Errorf("failed to roll window: %w", err)
	}

	w.Used = 0
	w.Reserved = 0
	w.WindowStart = start
	w.WindowEnd = end
	return nil
}

// Reserve places a provisional hold of amount credits.
func (l *PostgresLedger) Reserve(ctx context.Context, accountID string, amount int64, idempotencyKey string) (*models.Reservation, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	w, err := l.windowForUpdate(ctx, tx, accountID, now)
	if err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		var existing models.Reservation
		err = tx.GetContext(ctx, &existing, `
			SELECT id, account_id, amount, idempotency_key, state, unlimited, window_closed, created_at
			FROM credit_reservations
			WHERE account_id = $1 AND idempotency_key = $2 AND state = $3
		`, accountID, idempotencyKey, models.ReservationHeld)
		if err == nil {
			if cerr := tx.Commit(); cerr != nil {
				return nil, fmt.Errorf("failed to commit: %w", cerr)
			}
			return &existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to check idempotency key: %w", err)
		}
	}

	if !w.Unlimited {
		if w.Used+w.Reserved+amount > w.CreditLimit {
			return nil, ErrQuotaExceeded
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE credit_windows SET reserved = reserved + $1 WHERE account_id = $2
		`, amount, accountID)
		if err != nil {
			return nil, fmt.Errorf("failed to reserve credits: %w", err)
		}
	}

	res := &models.Reservation{
		ID:             uuid.New(),
		AccountID:      accountID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		State:          models.ReservationHeld,
		Unlimited:      w.Unlimited,
		CreatedAt:      now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_reservations (id, account_id, amount, idempotency_key, state, unlimited, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, res.ID, res.AccountID, res.Amount, res.IdempotencyKey, res.State, res.Unlimited, res.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return res, nil
}

// terminate drives a reservation out of held under the window row lock.
func (l *PostgresLedger) terminate(ctx context.Context, res *models.Reservation, target models.ReservationState) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	// Lock the window row first to serialize with Reserve and rollover.
	var w models.AccountWindow
	err = tx.GetContext(ctx, &w, `
		SELECT account_id, credit_limit, unlimited, used, reserved, window_start, window_end
		FROM credit_windows WHERE account_id = $1 FOR UPDATE
	`, res.AccountID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock credit window: %w", err)
	}

	var rec models.Reservation
	err = tx.GetContext(ctx, &rec, `
		SELECT id, account_id, amount, idempotency_key, state, unlimited, window_closed, created_at
		FROM credit_reservations WHERE id = $1
	`, res.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrReservationNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load reservation: %w", err)
	}

	switch rec.State {
	case target:
		// Repeat of the terminal call already applied.
		res.State = target
		return nil
	case models.ReservationHeld:
		// fall through to the transition below
	case models.ReservationReleased:
		if rec.WindowClosed && target == models.ReservationCommitted {
			return ErrWindowClosed
		}
		return ErrInvalidTransition
	default:
		return ErrInvalidTransition
	}

	if !rec.Unlimited {
		balanceUpdate := `UPDATE credit_windows SET reserved = reserved - $1 WHERE account_id = $2`
		if target == models.ReservationCommitted {
			balanceUpdate = `UPDATE credit_windows SET reserved = reserved - $1, used = used + $1 WHERE account_id = $2`
		}
		if _, err := tx.ExecContext(ctx, balanceUpdate, rec.Amount, rec.AccountID); err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_reservations SET state = $1 WHERE id = $2
	`, target, rec.ID); err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	res.State = target
	return nil
}

// Commit moves the reserved amount into used.
func (l *PostgresLedger) Commit(ctx context.Context, res *models.Reservation) error {
	return l.terminate(ctx, res, models.ReservationCommitted)
}

// Release returns the reserved amount without charging it.
func (l *PostgresLedger) Release(ctx context.Context, res *models.Reservation) error {
	return l.terminate(ctx, res, models.ReservationReleased)
}

// Balance returns a display snapshot for the account.
func (l *PostgresLedger) Balance(ctx context.Context, accountID string) (models.Balance, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Balance{}, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	w, err := l.windowForUpdate(ctx, tx, accountID, time.Now().UTC())
	if err != nil {
		return models.Balance{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.Balance{}, fmt.Errorf("failed to commit: %w", err)
	}

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
func (l *PostgresLedger) Rollover(ctx context.Context, accountID string, now time.Time) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	var w models.AccountWindow
	err = tx.GetContext(ctx, &w, `
		SELECT account_id, credit_limit, unlimited, used, reserved, window_start, window_end
		FROM credit_windows WHERE account_id = $1 FOR UPDATE
	`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrAccountNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock credit window: %w", err)
	}

	if err := rolloverTx(ctx, tx, &w, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// AccountsDue lists accounts whose window has ended as of now.
func (l *PostgresLedger) AccountsDue(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := l.db.Conn().SelectContext(ctx, &ids, `
		SELECT account_id FROM credit_windows WHERE window_end <= $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due accounts: %w", err)
	}
	return ids, nil
}
