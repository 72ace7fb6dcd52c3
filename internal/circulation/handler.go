// internal/circulation/handler.go
package circulation

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Handler exposes the circulation engine over HTTP.
type Handler struct {
	service Service
	logger  *slog.Logger

	// Invalidation is an administrative override; keep it throttled.
	invalidateLimiter *rate.Limiter
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{
		service:           service,
		logger:            logger,
		invalidateLimiter: rate.NewLimiter(rate.Every(time.Minute/30), 30), // 30 per minute
	}
}

// Routes returns the circulation sub-router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/loans", h.handleCheckout)
	r.Post("/loans/{loanID}/renew", h.handleRenew)
	r.Post("/loans/{loanID}/return", h.handleReturn)
	r.Post("/loans/{loanID}/invalidate", h.handleInvalidate)
	r.Post("/waitlist", h.handleJoinWaitlist)
	return r
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatronID uuid.UUID `json:"patron_id"`
		TitleID  uuid.UUID `json:"title_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	loan, err := h.service.Checkout(r.Context(), req.PatronID, req.TitleID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, loan)
}

func (h *Handler) handleRenew(w http.ResponseWriter, r *http.Request) {
	loanID, ok := h.loanID(w, r)
	if !ok {
		return
	}

	loan, err := h.service.Renew(r.Context(), loanID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	loanID, ok := h.loanID(w, r)
	if !ok {
		return
	}

	if err := h.service.Return(r.Context(), loanID); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "returned"})
}

func (h *Handler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if !h.invalidateLimiter.Allow() {
		h.writeErrorMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	loanID, ok := h.loanID(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.service.Invalidate(r.Context(), loanID, req.Reason); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated"})
}

func (h *Handler) handleJoinWaitlist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PatronID uuid.UUID `json:"patron_id"`
		TitleID  uuid.UUID `json:"title_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}

	entry, position, err := h.service.JoinWaitlist(r.Context(), req.PatronID, req.TitleID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, struct {
		*WaitlistEntry
		Position int `json:"position"`
	}{entry, position})
}

func (h *Handler) loanID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "loanID"))
	if err != nil {
		h.writeErrorMessage(w, http.StatusBadRequest, "invalid loan ID")
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps the engine's error taxonomy onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrReasonRequired):
		h.writeErrorMessage(w, http.StatusBadRequest, err.Error())
	case IsRetryable(err):
		w.Header().Set("Retry-After", "5")
		h.writeErrorMessage(w, http.StatusServiceUnavailable, err.Error())
	case IsRejection(err):
		h.writeErrorMessage(w, http.StatusConflict, err.Error())
	case IsNotFound(err):
		h.writeErrorMessage(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		h.writeErrorMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("could not encode response", "error", err)
	}
}

func (h *Handler) writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
