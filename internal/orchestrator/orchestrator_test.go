package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant_core/internal/conversation"
	"assistant_core/internal/ledger"
	"assistant_core/internal/models"
	"assistant_core/internal/provider"
)

// fakeGateway is a scriptable provider.Gateway.
type fakeGateway struct {
	mu    sync.Mutex
	calls int
	reply string
	err   error
	block chan struct{} // when set, respond only after close or ctx deadline
}

func (g *fakeGateway) QuickAction(ctx context.Context, _ provider.Action, _ string) (string, error) {
	return g.respond(ctx)
}

func (g *fakeGateway) ChatTurn(ctx context.Context, _ []provider.Turn, _ string) (string, error) {
	return g.respond(ctx)
}

func (g *fakeGateway) respond(ctx context.Context) (string, error) {
	g.mu.Lock()
	g.calls++
	block := g.block
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// captureRecorder collects usage events for assertions.
type captureRecorder struct {
	mu     sync.Mutex
	events []models.UsageEvent
}

func (r *captureRecorder) Record(_ context.Context, event models.UsageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *captureRecorder) snapshot() []models.UsageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.UsageEvent, len(r.events))
	copy(out, r.events)
	return out
}

type testEnv struct {
	svc     *Service
	ledger  *ledger.MemoryLedger
	log     *conversation.MemoryLog
	gateway *fakeGateway
	usage   *captureRecorder
}

func newTestEnv(t *testing.T, plan ledger.Plan, gw *fakeGateway, opts Options) *testEnv {
	t.Helper()

	l := ledger.NewMemoryLedger(ledger.StaticPlanResolver{Plan: plan})
	log := conversation.NewMemoryLog()
	rec := &captureRecorder{}
	catalog := provider.NewStaticCatalog(map[string]provider.Action{
		"improve-bio": {Prompt: "Rewrite this bio.", Cost: 2},
	})

	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	svc := New(l, gw, catalog, log, rec, opts)
	t.Cleanup(svc.Stop)

	return &testEnv{svc: svc, ledger: l, log: log, gateway: gw, usage: rec}
}

func chatRequest(key string) Request {
	return Request{
		AccountID:      "acct-1",
		ConversationID: "conv-1",
		Kind:           KindChat,
		Content:        "make my bio better",
		IdempotencyKey: key,
	}
}

func TestService_ChatSuccess(t *testing.T) {
	gw := &fakeGateway{reply: "Here is a better bio."}
	env := newTestEnv(t, ledger.Plan{Limit: 10}, gw, Options{})
	ctx := context.Background()

	result, err := env.svc.Handle(ctx, chatRequest(""))
	require.NoError(t, err)
	assert.NotEmpty(t, result.RequestID)
	assert.Equal(t, models.RoleAssistant, result.Reply.Role)
	assert.Equal(t, "Here is a better bio.", result.Reply.Content)

	balance, err := env.ledger.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance.Used)

	messages, err := env.log.List(ctx, "conv-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, models.RoleUser, messages[0].Role)
	assert.Equal(t, "make my bio better", messages[0].Content)
	assert.Equal(t, int64(1), messages[0].Sequence)
	assert.Equal(t, models.RoleAssistant, messages[1].Role)
	assert.Equal(t, int64(2), messages[1].Sequence)
	assert.Equal(t, result.RequestID, messages[1].RelatedRequestID)

	events := env.usage.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, models.UsageCommitted, events[0].Outcome)
	assert.Equal(t, int64(1), events[0].Cost)
}

func TestService_QuickActionChargesCatalogCost(t *testing.T) {
	gw := &fakeGateway{reply: "A sharper bio."}
	env := newTestEnv(t, ledger.Plan{Limit: 10}, gw, Options{})
	ctx := context.Background()

	req := chatRequest("")
	req.Kind = "improve-bio"
	req.Content = "surfer, coffee person"

	_, err := env.svc.Handle(ctx, req)
	require.NoError(t, err)

	balance, err := env.ledger.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance.Used)

	messages, err := env.log.List(ctx, "conv-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "Quick action: improve-bio", messages[0].Content)
}

func TestService_RejectsInvalidRequests(t *testing.T) {
	gw := &fakeGateway{reply: "unused"}
	env := newTestEnv(t, ledger.Plan{Limit: 10}, gw, Options{})
	ctx := context.Background()

	t.Run("empty chat message", func(t *testing.T) {
		req := chatRequest("")
		req.Content = "   "
		_, err := env.svc.Handle(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("unknown action", func(t *testing.T) {
		req := chatRequest("")
		req.Kind = "write-novel"
		_, err := env.svc.Handle(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("missing account", func(t *testing.T) {
		req := chatRequest("")
		req.AccountID = ""
		_, err := env.svc.Handle(ctx, req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	// No validation failure reaches the provider or the ledger.
	assert.Equal(t, 0, gw.callCount())
	balance, err := env.ledger.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Used)
}

func TestService_QuotaExceededLeavesNoTrace(t *testing.T) {
	gw := &fakeGateway{reply: "unused"}
	env := newTestEnv(t, ledger.Plan{Limit: 0}, gw, Options{})
	ctx := context.Background()

	_, err := env.svc.Handle(ctx, chatRequest(""))
	assert.ErrorIs(t, err, ledger.ErrQuotaExceeded)

	// No provider call, no conversation entry, no usage event.
	assert.Equal(t, 0, gw.callCount())
	messages, lerr := env.log.List(ctx, "conv-1", 0, 0)
	require.NoError(t, lerr)
	assert.Empty(t, messages)
	assert.Empty(t, env.usage.snapshot())
}

func TestService_ActionCostExceedingRemainderIsRejected(t *testing.T) {
	gw := &fakeGateway{reply: "ok"}
	env := newTestEnv(t, ledger.Plan{Limit: 10}, gw, Options{})
	ctx := context.Background()

	// Spend 9 of 10 credits on chat turns.
	for i := 0; i < 9; i++ {
		_, err := env.svc.Handle(ctx, chatRequest(""))
		require.NoError(t, err)
	}

	// A 2-credit quick action no longer fits into the single remaining
	// credit.
	req := chatRequest("")
	req.Kind = "improve-bio"
	req.Content = "bio text"
	_, err := env.svc.Handle(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrQuotaExceeded)

	balance, berr := env.ledger.Balance(ctx, "acct-1")
	require.NoError(t, berr)
	assert.Equal(t, int64(9), balance.Used)

	// The rejection left no trace in the conversation.
	messages, lerr := env.log.List(ctx, "conv-1", 0, 0)
	require.NoError(t, lerr)
	assert.Len(t, messages, 18)
}

func TestService_ProviderFailureReleasesCredits(t *testing.T) {
	gw := &fakeGateway{err: provider.ErrRateLimited}
	env := newTestEnv(t, ledger.Plan{Limit: 5}, gw, Options{})
	ctx := context.Background()

	_, err := env.svc.Handle(ctx, chatRequest(""))
	assert.ErrorIs(t, err, provider.ErrRateLimited)

	balance, berr := env.ledger.Balance(ctx, "acct-1")
	require.NoError(t, berr)
	assert.Equal(t, int64(0), balance.Used)
	assert.Equal(t, int64(5), balance.Remaining)

	// Exactly one system note, no user or assistant message.
	messages, lerr := env.log.List(ctx, "conv-1", 0, 0)
	require.NoError(t, lerr)
	require.Len(t, messages, 1)
	assert.Equal(t, models.RoleSystem, messages[0].Role)

	events := env.usage.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, models.UsageReleased, events[0].Outcome)
}

func TestService_ProviderTimeoutReleasesCredits(t *testing.T) {
	gw := &fakeGateway{block: make(chan struct{})} // never closed; only ctx frees it
	env := newTestEnv(t, ledger.Plan{Limit: 5}, gw, Options{CallTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := env.svc.Handle(ctx, chatRequest(""))
	var perr *provider.ProviderError
	assert.ErrorAs(t, err, &perr)

	balance, berr := env.ledger.Balance(ctx, "acct-1")
	require.NoError(t, berr)
	assert.Equal(t, int64(5), balance.Remaining)
}

func TestService_DuplicateKeyJoinsInFlightRequest(t *testing.T) {
	block := make(chan struct{})
	gw := &fakeGateway{reply: "done", block: block}
	env := newTestEnv(t, ledger.Plan{Limit: 5}, gw, Options{})
	ctx := context.Background()

	type outcome struct {
		result Result
		err    error
	}
	results := make(chan outcome, 2)

	go func() {
		r, err := env.svc.Handle(ctx, chatRequest("req-dup"))
		results <- outcome{r, err}
	}()

	// Wait for the first attempt to reach the provider before submitting
	// the duplicate.
	require.Eventually(t, func() bool { return gw.callCount() == 1 }, time.Second, time.Millisecond)

	go func() {
		r, err := env.svc.Handle(ctx, chatRequest("req-dup"))
		results <- outcome{r, err}
	}()

	time.Sleep(20 * time.Millisecond)
	close(block)

	first := <-results
	second := <-results
	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Equal(t, first.result.RequestID, second.result.RequestID)

	// One provider call, one charge.
	assert.Equal(t, 1, gw.callCount())
	balance, err := env.ledger.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance.Used)
}

func TestService_ConcurrentRequestsUnlimitedAccount(t *testing.T) {
	gw := &fakeGateway{reply: "ok"}
	env := newTestEnv(t, ledger.Plan{Unlimited: true}, gw, Options{})
	ctx := context.Background()

	const n = 1000
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Handle(ctx, chatRequest(""))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, n, gw.callCount())

	// Balance math is untouched for unlimited accounts.
	balance, err := env.ledger.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Used)
}

func TestService_ConcurrentRequestsRespectLimit(t *testing.T) {
	gw := &fakeGateway{reply: "ok"}
	env := newTestEnv(t, ledger.Plan{Limit: 10}, gw, Options{})
	ctx := context.Background()

	const n = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, rejected := 0, 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Handle(ctx, chatRequest(""))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case err == ledger.ErrQuotaExceeded:
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assert.Equal(t, n-10, rejected)

	balance, err := env.ledger.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.Used)
	assert.Equal(t, int64(0), balance.Remaining)
}

func TestService_WatchdogReclaimsStaleReservations(t *testing.T) {
	block := make(chan struct{})
	gw := &fakeGateway{reply: "late", block: block}
	env := newTestEnv(t, ledger.Plan{Limit: 5}, gw, Options{CallTimeout: time.Minute})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := env.svc.Handle(ctx, chatRequest(""))
		done <- err
	}()

	require.Eventually(t, func() bool { return gw.callCount() == 1 }, time.Second, time.Millisecond)

	// Sweep with a zero TTL: the in-flight reservation counts as stale.
	env.svc.sweepStale(time.Now().Add(time.Second), 0)

	balance, err := env.ledger.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance.Remaining)

	// The late success cannot commit the reclaimed reservation.
	close(block)
	handleErr := <-done
	var perr *provider.ProviderError
	assert.ErrorAs(t, handleErr, &perr)

	balance, err = env.ledger.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Used)
}
