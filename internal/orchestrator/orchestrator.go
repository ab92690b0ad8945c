package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"assistant_core/internal/conversation"
	"assistant_core/internal/ledger"
	"assistant_core/internal/logging"
	"assistant_core/internal/models"
	"assistant_core/internal/provider"
	"assistant_core/internal/usage"
)

// KindChat marks a free-form chat request; any other kind names a quick
// action from the catalog.
const KindChat = "chat"

// ErrInvalidRequest is returned for malformed requests before any ledger
// or log interaction.
var ErrInvalidRequest = errors.New("invalid request")

// Request is one generation request from the UI.
type Request struct {
	AccountID      string
	ConversationID string
	Kind           string
	Content        string
	IdempotencyKey string
}

// Result is the outcome of a successful generation.
type Result struct {
	RequestID string
	Reply     models.Message
}

// Options tunes the orchestrator.
type Options struct {
	CallTimeout    time.Duration // deadline for one provider call
	HistoryLimit   int           // prior messages fed to a chat turn
	StorageRetries int           // local retries for ledger/log errors
	RetryBackoff   time.Duration
}

// Service sequences the ledger, provider gateway and conversation log for
// each request: validate, reserve, generate, then commit or release. It is
// the only component the HTTP layer calls for generation.
type Service struct {
	ledger   ledger.Ledger
	gateway  provider.Gateway
	catalog  provider.Catalog
	log      conversation.Log
	usage    usage.Recorder
	logger   *logging.Logger
	opts     Options
	stopOnce sync.Once
	stopChan chan struct{}

	mu       sync.Mutex
	inflight map[string]*call
}

// call tracks one in-flight request so duplicate submissions can join it
// and the watchdog can reclaim its reservation if it is abandoned.
type call struct {
	done      chan struct{}
	started   time.Time
	result    Result
	err       error
	res       *models.Reservation
	abandoned bool
}

// New creates an orchestrator service.
func New(l ledger.Ledger, gw provider.Gateway, catalog provider.Catalog, log conversation.Log, rec usage.Recorder, opts Options) *Service {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if opts.StorageRetries <= 0 {
		opts.StorageRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}
	if rec == nil {
		rec = usage.NoopRecorder{}
	}

	return &Service{
		ledger:   l,
		gateway:  gw,
		catalog:  catalog,
		log:      log,
		usage:    rec,
		logger:   logging.NewLogger("orchestrator"),
		opts:     opts,
		stopChan: make(chan struct{}),
		inflight: make(map[string]*call),
	}
}

// Handle runs one generation request end to end. Repeat submissions with
// the same idempotency key while the first is in flight join the first
// attempt's outcome instead of charging twice.
func (s *Service) Handle(ctx context.Context, req Request) (Result, error) {
	action, cost, err := s.validate(req)
	if err != nil {
		return Result{}, err
	}

	key := req.IdempotencyKey
	if key == "" {
		// No client key: every submission is its own request.
		key = uuid.New().String()
	}
	callKey := req.AccountID + "/" + key

	s.mu.Lock()
	if existing, ok := s.inflight[callKey]; ok {
		s.mu.Unlock()
		select {
		case <-existing.done:
			return existing.result, existing.err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{}), started: time.Now()}
	s.inflight[callKey] = c
	s.mu.Unlock()

	result, err := s.execute(ctx, req, key, action, cost, c)

	s.mu.Lock()
	c.result, c.err = result, err
	delete(s.inflight, callKey)
	s.mu.Unlock()
	close(c.done)

	return result, err
}

// validate checks request shape without touching ledger or log.
func (s *Service) validate(req Request) (provider.Action, int64, error) {
	if req.AccountID == "" || req.ConversationID == "" {
		return provider.Action{}, 0, fmt.Errorf("%w: missing account or conversation", ErrInvalidRequest)
	}

	if req.Kind == KindChat {
		if strings.TrimSpace(req.Content) == "" {
			return provider.Action{}, 0, fmt.Errorf("%w: empty chat message", ErrInvalidRequest)
		}
		return provider.Action{}, 1, nil
	}

	action, ok := s.catalog.Resolve(req.Kind)
	if !ok {
		return provider.Action{}, 0, fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, req.Kind)
	}
	cost := action.Cost
	if cost <= 0 {
		cost = 1
	}
	return action, cost, nil
}

// execute runs the reserve → generate → commit/release protocol.
func (s *Service) execute(ctx context.Context, req Request, key string, action provider.Action, cost int64, c *call) (Result, error) {
	requestID := uuid.New().String()

	var res *models.Reservation
	err := s.withRetry(ctx, "reserve", func() error {
		var rerr error
		res, rerr = s.ledger.Reserve(ctx, req.AccountID, cost, key)
		return rerr
	})
	if err != nil {
		// QuotaExceeded surfaces as-is with no log append; the UI shows
		// quota state from Balance.
		return Result{}, err
	}

	s.mu.Lock()
	c.res = res
	s.mu.Unlock()

	reply, err := s.generate(ctx, req, action)
	if err != nil {
		return Result{}, s.fail(req, requestID, res, cost, err)
	}

	return s.succeed(ctx, req, requestID, res, cost, reply, c)
}

// generate performs the provider call under a bounded deadline.
func (s *Service) generate(ctx context.Context, req Request, action provider.Action) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	if req.Kind != KindChat {
		return s.gateway.QuickAction(callCtx, action, req.Content)
	}

	history, err := s.log.List(callCtx, req.ConversationID, s.opts.HistoryLimit, 0)
	if err != nil {
		// A missing context degrades the reply, it does not fail the turn.
		s.logger.Warn("history unavailable for chat turn", "conversation", req.ConversationID, "error", err)
		history = nil
	}

	turns := make([]provider.Turn, 0, len(history))
	for _, msg := range history {
		if msg.Role == models.RoleSystem {
			continue
		}
		turns = append(turns, provider.Turn{Role: string(msg.Role), Content: msg.Content})
	}

	return s.gateway.ChatTurn(callCtx, turns, req.Content)
}

// succeed commits the reservation, then appends the exchange to the log.
// Accounting correctness outranks history durability: a failed append
// leaves the credit correctly committed.
func (s *Service) succeed(ctx context.Context, req Request, requestID string, res *models.Reservation, cost int64, reply string, c *call) (Result, error) {
	// Detached context: once the provider produced text, commit must not
	// be lost to the caller hanging up.
	opCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err := s.withRetry(opCtx, "commit", func() error {
		return s.ledger.Commit(opCtx, res)
	})
	if err != nil {
		if errors.Is(err, ledger.ErrWindowClosed) {
			// The monthly window rolled while the call was in flight;
			// the hold is already returned. Callers see quota exhaustion.
			s.appendNote(opCtx, req.ConversationID, requestID, "Your monthly credit window reset while this request was running. Please try again.")
			s.record(opCtx, req, requestID, cost, models.UsageReleased, "window closed")
			return Result{}, err
		}

		s.mu.Lock()
		abandoned := c.abandoned
		s.mu.Unlock()
		if errors.Is(err, ledger.ErrInvalidTransition) && abandoned {
			// The watchdog reclaimed this reservation as stuck; treat
			// the late success like a provider timeout.
			perr := &provider.ProviderError{Cause: context.DeadlineExceeded}
			return Result{}, s.fail(req, requestID, res, cost, perr)
		}

		s.logger.Error("commit failed after provider success", "request", requestID, "error", err)
		return Result{}, err
	}

	if req.Kind == KindChat {
		if _, aerr := s.appendWithRetry(opCtx, req.ConversationID, models.RoleUser, req.Content, requestID); aerr != nil {
			s.logger.Error("failed to append user message", "request", requestID, "error", aerr)
		}
	} else {
		if _, aerr := s.appendWithRetry(opCtx, req.ConversationID, models.RoleUser, "Quick action: "+req.Kind, requestID); aerr != nil {
			s.logger.Error("failed to append action message", "request", requestID, "error", aerr)
		}
	}

	replyMsg, aerr := s.appendWithRetry(opCtx, req.ConversationID, models.RoleAssistant, reply, requestID)
	if aerr != nil {
		s.logger.Error("failed to append assistant message", "request", requestID, "error", aerr)
		// The generated text still reaches the caller even though the
		// log write failed.
		replyMsg = models.Message{
			ConversationID:   req.ConversationID,
			Role:             models.RoleAssistant,
			Content:          reply,
			RelatedRequestID: requestID,
		}
	}

	s.record(opCtx, req, requestID, cost, models.UsageCommitted, "")
	return Result{RequestID: requestID, Reply: replyMsg}, nil
}

// fail releases the reservation and appends a system note describing the
// failure. Runs on a detached context: the release happens even when the
// caller's context is already cancelled.
func (s *Service) fail(req Request, requestID string, res *models.Reservation, cost int64, cause error) error {
	opCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.withRetry(opCtx, "release", func() error {
		return s.ledger.Release(opCtx, res)
	}); err != nil && !errors.Is(err, ledger.ErrInvalidTransition) {
		s.logger.Error("release failed", "request", requestID, "error", err)
	}

	s.appendNote(opCtx, req.ConversationID, requestID, failureNote(cause))
	s.record(opCtx, req, requestID, cost, models.UsageReleased, cause.Error())

	return normalizeProviderErr(cause)
}

// appendNote writes a system-role message, best effort.
func (s *Service) appendNote(ctx context.Context, conversationID, requestID, note string) {
	if _, err := s.appendWithRetry(ctx, conversationID, models.RoleSystem, note, requestID); err != nil {
		s.logger.Error("failed to append system note", "request", requestID, "error", err)
	}
}

func (s *Service) appendWithRetry(ctx context.Context, conversationID string, role models.Role, content, requestID string) (models.Message, error) {
	var msg models.Message
	err := s.withRetry(ctx, "append", func() error {
		var aerr error
		msg, aerr = s.log.Append(ctx, conversationID, role, content, requestID)
		return aerr
	})
	return msg, err
}

// record emits a usage event, best effort.
func (s *Service) record(ctx context.Context, req Request, requestID string, cost int64, outcome models.UsageOutcome, detail string) {
	event := models.UsageEvent{
		RequestID: requestID,
		AccountID: req.AccountID,
		Kind:      req.Kind,
		Cost:      cost,
		Outcome:   outcome,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.usage.Record(ctx, event); err != nil {
		s.logger.Warn("failed to record usage event", "request", requestID, "error", err)
	}
}

// withRetry runs fn with bounded retries, exponential backoff and jitter.
// Domain errors are never retried; only unexpected storage failures are.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.opts.StorageRetries; attempt++ {
		if attempt > 0 {
			backoff := s.opts.RetryBackoff * time.Duration(1<<uint(attempt-1))
			backoff += time.Duration(rand.Int63n(int64(backoff)/2 + 1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if isDomainErr(err) {
			return err
		}
		lastErr = err
		s.logger.Warn("storage operation failed", "op", op, "attempt", attempt, "error", err)
	}
	return lastErr
}

// isDomainErr reports whether an error is a deliberate ledger outcome
// rather than a transient storage failure.
func isDomainErr(err error) bool {
	return errors.Is(err, ledger.ErrQuotaExceeded) ||
		errors.Is(err, ledger.ErrWindowClosed) ||
		errors.Is(err, ledger.ErrInvalidTransition) ||
		errors.Is(err, ledger.ErrReservationNotFound) ||
		errors.Is(err, ledger.ErrAccountNotFound)
}

// normalizeProviderErr folds timeouts and cancellations into the provider
// failure taxonomy so callers see one shape for "no text, no charge".
func normalizeProviderErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &provider.ProviderError{Cause: err}
	}
	return err
}

// failureNote renders a user-facing description of a failed generation.
func failureNote(err error) string {
	switch {
	case errors.Is(err, provider.ErrRateLimited):
		return "The assistant is handling too many requests right now. No credits were used; please try again in a moment."
	case errors.Is(err, provider.ErrInvalidPrompt):
		return "The assistant could not process that request. No credits were used."
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "The assistant took too long to respond. No credits were used; please try again."
	default:
		return "The assistant ran into a problem generating a response. No credits were used; please try again."
	}
}
