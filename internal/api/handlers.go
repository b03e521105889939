/**
 * @description
 * HTTP handlers for the reward-service: the claim endpoint used by the web form,
 * the public stats feed, and the operator ledger view.
 *
 * @dependencies
 * - internal/app: the allocation engine.
 * - internal/domain: request/response models and typed errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/transfa/reward-service/internal/app"
	"github.com/transfa/reward-service/internal/domain"
)

const maxClaimBodyBytes = 4 << 10

type claimResponse struct {
	OK            bool                `json:"ok"`
	Replay        bool                `json:"replay"`
	Degraded      bool                `json:"degraded"`
	Code          string              `json:"code"`
	Tier          string              `json:"tier"`
	Description   string              `json:"description,omitempty"`
	DiscountKind  domain.DiscountKind `json:"discountKind"`
	DiscountValue float64             `json:"discountValue"`
	Message       string              `json:"message"`
}

type errorResponse struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

type redemptionsResponse struct {
	Redemptions []domain.RedemptionRecord `json:"redemptions"`
	Count       int                       `json:"count"`
}

// RewardHandlers serves the reward HTTP API.
type RewardHandlers struct {
	service *app.Service
	logger  *slog.Logger
}

func NewRewardHandlers(service *app.Service, logger *slog.Logger) *RewardHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &RewardHandlers{service: service, logger: logger}
}

func claimMessage(result *domain.ClaimRewardResult) string {
	switch {
	case result.Replay:
		return "You have already claimed a reward. Here is your code again."
	case result.Degraded:
		return "The requested reward is sold out, so you received a different one."
	default:
		return "Your reward code is ready."
	}
}

// mapClaimError translates engine errors into an HTTP status and client message.
func mapClaimError(err error) (int, string, bool) {
	var validationErr *domain.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, validationErr.Error(), false
	case errors.Is(err, domain.ErrRateLimitUnresolved):
		return http.StatusTooManyRequests, "A reward was already issued to this email but could not be retrieved. Please contact support.", false
	case errors.Is(err, domain.ErrInventoryExhausted):
		return http.StatusServiceUnavailable, "All rewards have been claimed.", false
	case domain.IsStorageError(err):
		return http.StatusInternalServerError, "Could not process your claim right now. Please try again.", true
	}
	return http.StatusInternalServerError, "Could not process your claim.", true
}

// ClaimRewardHandler handles POST /rewards/claims.
func (h *RewardHandlers) ClaimRewardHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.ClaimRewardRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxClaimBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body", false)
		return
	}

	result, err := h.service.ClaimReward(r.Context(), req)
	if err != nil {
		status, message, retryable := mapClaimError(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("claim failed", "component", "api", "endpoint", "claim_reward", "status", status, "error", err)
		}
		h.writeError(w, status, message, retryable)
		return
	}

	status := http.StatusCreated
	if result.Replay {
		status = http.StatusOK
	}
	h.writeJSON(w, status, claimResponse{
		OK:            true,
		Replay:        result.Replay,
		Degraded:      result.Degraded,
		Code:          result.Code,
		Tier:          result.Tier,
		Description:   result.Description,
		DiscountKind:  result.DiscountKind,
		DiscountValue: result.DiscountValue,
		Message:       claimMessage(result),
	})
}

// StatsHandler handles GET /rewards/stats.
func (h *RewardHandlers) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.logger.Error("stats failed", "component", "api", "endpoint", "reward_stats", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Could not load reward stats.", true)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// OperatorRedemptionsHandler handles GET /admin/rewards/redemptions.
func (h *RewardHandlers) OperatorRedemptionsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := parseOptionalPositiveInt(r.URL.Query().Get("limit"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "limit must be a positive integer", false)
		return
	}

	records, err := h.service.OperatorRedemptions(r.Context(), limit)
	if err != nil {
		h.logger.Error("list redemptions failed", "component", "api", "endpoint", "operator_redemptions", "error", err)
		h.writeError(w, http.StatusInternalServerError, "Could not load redemptions.", true)
		return
	}
	h.writeJSON(w, http.StatusOK, redemptionsResponse{Redemptions: records, Count: len(records)})
}

// HealthHandler handles GET /health.
func (h *RewardHandlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Warn("health check failed", "component", "api", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseOptionalPositiveInt(raw string, defaultValue int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(trimmed)
	if err != nil || value <= 0 {
		return 0, errors.New("invalid positive integer")
	}
	return value, nil
}

// writeJSON is a helper for writing JSON responses.
func (h *RewardHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSONResponse(w, status, data)
}

// writeError is a helper for writing JSON error responses.
func (h *RewardHandlers) writeError(w http.ResponseWriter, status int, message string, retryable bool) {
	writeJSONResponse(w, status, errorResponse{OK: false, Error: message, Retryable: retryable})
}

func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
