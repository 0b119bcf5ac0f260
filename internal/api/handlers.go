/**
 * @description
 * HTTP handlers for the referral service. Graph-build and earning-recording
 * errors surface synchronously to the caller; settlement and retry errors
 * never do — they are absorbed into retry state and exposed only through the
 * operator endpoints.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sigmatrade/referral-service/internal/domain"
	"github.com/sigmatrade/referral-service/internal/store"
)

// ReferralService is the application surface the handlers depend on.
type ReferralService interface {
	BuildReferralLinks(ctx context.Context, userID, referrerID uuid.UUID) (*domain.BuildReferralResult, error)
	GetReferralChain(ctx context.Context, userID uuid.UUID, depth int) ([]domain.ChainEntry, error)
	RecordDepositEarnings(ctx context.Context, depositorID, depositID uuid.UUID, amount int64) (*domain.RecordEarningsResult, error)
	RunSettlementOnce(ctx context.Context) (*domain.SettlementResult, error)
	RunRetrySweep(ctx context.Context) (*domain.RetrySweepResult, error)
	ListDeadLetter(ctx context.Context) ([]domain.RetryRecord, error)
	ReplayDeadLetter(ctx context.Context, recordID uuid.UUID) (bool, error)
	RetryStats(ctx context.Context) (*domain.RetryStats, error)
}

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service ReferralService
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service ReferralService) *Handler {
	return &Handler{service: service}
}

func (h *Handler) handleBuildReferral(w http.ResponseWriter, r *http.Request) {
	var req domain.BuildReferralRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == uuid.Nil || req.ReferrerID == uuid.Nil {
		http.Error(w, "user_id and referrer_id are required", http.StatusBadRequest)
		return
	}

	result, err := h.service.BuildReferralLinks(r.Context(), req.UserID, req.ReferrerID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrSelfReferral), errors.Is(err, store.ErrCycleDetected), errors.Is(err, store.ErrReferrerAlreadySet):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, store.ErrReferrerNotFound), errors.Is(err, store.ErrUserNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			log.Printf("Error building referral links for user %s: %v", req.UserID, err)
			http.Error(w, "failed to build referral links", http.StatusInternalServerError)
		}
		return
	}

	respondWithJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleGetChain(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "Invalid user ID", http.StatusBadRequest)
		return
	}

	depth := domain.MaxReferralDepth
	if raw := r.URL.Query().Get("depth"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "Invalid depth", http.StatusBadRequest)
			return
		}
		depth = parsed
	}

	chain, err := h.service.GetReferralChain(r.Context(), userID, depth)
	if err != nil {
		log.Printf("Error loading referral chain for user %s: %v", userID, err)
		http.Error(w, "failed to load referral chain", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, chain)
}

func (h *Handler) handleRecordEarnings(w http.ResponseWriter, r *http.Request) {
	var req domain.RecordEarningsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.DepositorID == uuid.Nil || req.DepositID == uuid.Nil {
		http.Error(w, "depositor_id and deposit_id are required", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	result, err := h.service.RecordDepositEarnings(r.Context(), req.DepositorID, req.DepositID, req.Amount)
	if err != nil {
		log.Printf("Error recording earnings for deposit %s: %v", req.DepositID, err)
		http.Error(w, "failed to record earnings", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRunSettlement(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RunSettlementOnce(r.Context())
	if err != nil {
		log.Printf("Error running settlement pass: %v", err)
		http.Error(w, "failed to run settlement pass", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleRunRetrySweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RunRetrySweep(r.Context())
	if err != nil {
		log.Printf("Error running retry sweep: %v", err)
		http.Error(w, "failed to run retry sweep", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleListDeadLetter(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.ListDeadLetter(r.Context())
	if err != nil {
		log.Printf("Error listing dead-letter records: %v", err)
		http.Error(w, "failed to list dead-letter records", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []domain.RetryRecord{}
	}

	respondWithJSON(w, http.StatusOK, records)
}

func (h *Handler) handleReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	recordID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid record ID", http.StatusBadRequest)
		return
	}

	resolved, err := h.service.ReplayDeadLetter(r.Context(), recordID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrRetryRecordNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, store.ErrNotDeadLettered):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Printf("Error replaying dead-letter record %s: %v", recordID, err)
			http.Error(w, "failed to replay dead-letter record", http.StatusInternalServerError)
		}
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]bool{"resolved": resolved})
}

func (h *Handler) handleRetryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.RetryStats(r.Context())
	if err != nil {
		log.Printf("Error loading retry stats: %v", err)
		http.Error(w, "failed to load retry stats", http.StatusInternalServerError)
		return
	}

	respondWithJSON(w, http.StatusOK, stats)
}

func respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}
