package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"assistant_core/internal/logging"
	"assistant_core/internal/models"
)

// usageLister reads back recorded usage events. Satisfied by
// storage.UsageRepository.
type usageLister interface {
	ListByAccount(ctx context.Context, accountID string, limit int) ([]models.UsageEvent, error)
}

// UsageHandler serves the account's usage audit trail. Only registered
// when the usage pipeline persists events.
type UsageHandler struct {
	usage  usageLister
	logger *logging.Logger
}

// NewUsageHandler creates the handler.
func NewUsageHandler(usage usageLister) *UsageHandler {
	return &UsageHandler{
		usage:  usage,
		logger: logging.NewLogger("httpapi"),
	}
}

type usageResponse struct {
	Events []models.UsageEvent `json:"events"`
}

// History handles GET /v1/assistant/usage.
func (h *UsageHandler) History(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	accountID, ok := GetAccountID(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Missing session")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	events, err := h.usage.ListByAccount(r.Context(), accountID, limit)
	if err != nil {
		h.logger.Error("usage lookup failed", "account", accountID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	if events == nil {
		events = []models.UsageEvent{}
	}
	respondWithJSON(w, http.StatusOK, usageResponse{Events: events})
}
