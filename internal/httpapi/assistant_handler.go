package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"assistant_core/internal/conversation"
	"assistant_core/internal/ledger"
	"assistant_core/internal/logging"
	"assistant_core/internal/models"
	"assistant_core/internal/orchestrator"
	"assistant_core/internal/provider"
)

// AssistantHandler serves the assistant endpoints: generation, balance and
// conversation history.
type AssistantHandler struct {
	orch   *orchestrator.Service
	ledger ledger.Ledger
	log    conversation.Log
	logger *logging.Logger
}

// NewAssistantHandler creates the handler.
func NewAssistantHandler(orch *orchestrator.Service, l ledger.Ledger, log conversation.Log) *AssistantHandler {
	return &AssistantHandler{
		orch:   orch,
		ledger: l,
		log:    log,
		logger: logging.NewLogger("httpapi"),
	}
}

type generateRequest struct {
	ConversationID string `json:"conversation_id"`
	Kind           string `json:"kind"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotency_key"`
}

type generateResponse struct {
	RequestID string          `json:"request_id"`
	Reply     models.Message  `json:"reply"`
	Balance   *models.Balance `json:"balance,omitempty"`
}

// Generate handles POST /v1/assistant/generate.
func (h *AssistantHandler) Generate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	accountID, ok := GetAccountID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Missing session")
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ConversationID == "" {
		respondWithError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if req.Kind == "" {
		req.Kind = orchestrator.KindChat
	}

	result, err := h.orch.Handle(r.Context(), orchestrator.Request{
		AccountID:      accountID,
		ConversationID: scopedConversation(accountID, req.ConversationID),
		Kind:           req.Kind,
		Content:        req.Content,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondGenerateError(w, err)
		return
	}

	resp := generateResponse{RequestID: result.RequestID, Reply: result.Reply}
	if balance, berr := h.ledger.Balance(r.Context(), accountID); berr == nil {
		resp.Balance = &balance
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// respondGenerateError maps orchestration failures onto HTTP status codes.
func (h *AssistantHandler) respondGenerateError(w http.ResponseWriter, err error) {
	var perr *provider.ProviderError
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, provider.ErrInvalidPrompt):
		respondWithError(w, http.StatusBadRequest, "The request could not be processed")
	case errors.Is(err, ledger.ErrQuotaExceeded), errors.Is(err, ledger.ErrWindowClosed):
		respondWithError(w, http.StatusPaymentRequired, "Monthly credit limit reached")
	case errors.Is(err, provider.ErrRateLimited):
		respondWithError(w, http.StatusTooManyRequests, "The assistant is busy, please retry shortly")
	case errors.As(err, &perr):
		respondWithError(w, http.StatusBadGateway, "The assistant is temporarily unavailable")
	default:
		h.logger.Error("generation failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal error")
	}
}

// Balance handles GET /v1/assistant/balance.
func (h *AssistantHandler) Balance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	accountID, ok := GetAccountID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Missing session")
		return
	}

	balance, err := h.ledger.Balance(r.Context(), accountID)
	if err != nil {
		h.logger.Error("balance lookup failed", "account", accountID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	respondWithJSON(w, http.StatusOK, balance)
}

type historyResponse struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []models.Message `json:"messages"`
}

// History handles GET and DELETE on /v1/assistant/history.
func (h *AssistantHandler) History(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Missing session")
		return
	}

	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		respondWithError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	scoped := scopedConversation(accountID, conversationID)

	switch r.Method {
	case http.MethodGet:
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				respondWithError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = parsed
		}
		var before int64
		if raw := r.URL.Query().Get("before"); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || parsed < 0 {
				respondWithError(w, http.StatusBadRequest, "before must be a non-negative integer")
				return
			}
			before = parsed
		}

		messages, err := h.log.List(r.Context(), scoped, limit, before)
		if err != nil {
			h.logger.Error("history lookup failed", "conversation", scoped, "error", err)
			respondWithError(w, http.StatusInternalServerError, "Internal error")
			return
		}
		if messages == nil {
			messages = []models.Message{}
		}
		respondWithJSON(w, http.StatusOK, historyResponse{ConversationID: conversationID, Messages: messages})

	case http.MethodDelete:
		if err := h.log.Clear(r.Context(), scoped); err != nil {
			h.logger.Error("history clear failed", "conversation", scoped, "error", err)
			respondWithError(w, http.StatusInternalServerError, "Internal error")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// scopedConversation namespaces a conversation ID under its account so one
// account can never read or clear another's history.
func scopedConversation(accountID, conversationID string) string {
	return accountID + ":" + conversationID
}
