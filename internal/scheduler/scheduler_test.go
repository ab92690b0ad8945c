package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant_core/internal/ledger"
)

func TestQuotaReset_SweepRollsOverDueAccounts(t *testing.T) {
	l := ledger.NewMemoryLedger(ledger.StaticPlanResolver{Plan: ledger.Plan{Limit: 5}})
	ctx := context.Background()

	res, err := l.Reserve(ctx, "acct-1", 3, "")
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, res))

	balance, err := l.Balance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(3), balance.Used)

	q := NewQuotaReset(l, time.Hour)
	q.sweep(balance.WindowEnd.Add(time.Minute))

	after, err := l.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), after.Used)
	assert.Equal(t, int64(5), after.Remaining)
}

func TestQuotaReset_SweepSkipsCurrentWindows(t *testing.T) {
	l := ledger.NewMemoryLedger(ledger.StaticPlanResolver{Plan: ledger.Plan{Limit: 5}})
	ctx := context.Background()

	res, err := l.Reserve(ctx, "acct-1", 2, "")
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, res))

	q := NewQuotaReset(l, time.Hour)
	q.sweep(time.Now().UTC())

	balance, err := l.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance.Used)
}

func TestQuotaReset_StartStop(t *testing.T) {
	l := ledger.NewMemoryLedger(ledger.StaticPlanResolver{Plan: ledger.Plan{Limit: 5}})

	q := NewQuotaReset(l, 10*time.Millisecond)
	q.Start()

	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
