package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
)

// SecurityCoreInterface is what the authentication flow calls around each credential check
type SecurityCoreInterface interface {
	Precheck(ctx context.Context, address, identity string) (models.PrecheckResult, error)
	RecordAttempt(ctx context.Context, in models.AttemptInput) (*services.AttemptResult, error)
	ResetAttempts(ctx context.Context, identity string) error
}

// LoginDetector runs the per-login detectors
type LoginDetector interface {
	DetectMultipleFailedLogins(ctx context.Context, account string, window time.Duration, threshold int) (models.MultipleFailedLoginsResult, error)
	DetectNewLocationLogin(ctx context.Context, account, address, country string) (models.NewLocationResult, error)
}

// AuthHandler serves the collaborator API used by the authentication flow
type AuthHandler struct {
	core     SecurityCoreInterface
	detector LoginDetector
	ipConfig *pkghttp.IPConfig
	logger   *slog.Logger
}

// NewAuthHandler creates a new AuthHandler. detector may be nil.
func NewAuthHandler(core SecurityCoreInterface, detector LoginDetector, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		core:     core,
		detector: detector,
		ipConfig: ipConfig,
		logger:   logger,
	}
}

// Request DTOs

// PrecheckRequest is sent before the credential check.
// Address defaults to the calling client's address.
type PrecheckRequest struct {
	Address  string `json:"address" validate:"omitempty,ip"`
	Identity string `json:"identity" validate:"required,max=254"`
}

// PrecheckResponse is returned when the attempt may proceed
type PrecheckResponse struct {
	Decision          models.Decision `json:"decision"`
	RemainingAttempts int64           `json:"remaining_attempts"`
}

// AttemptRequest reports the result of a credential check
type AttemptRequest struct {
	Address   string  `json:"address" validate:"omitempty,ip"`
	Identity  string  `json:"identity" validate:"required,max=254"`
	Outcome   string  `json:"outcome" validate:"required,oneof=success bad_credential unknown_account disabled_account mfa_failed rate_limited"`
	Account   *string `json:"account,omitempty" validate:"omitempty,max=254"`
	UserAgent string  `json:"user_agent,omitempty" validate:"max=2048"`
	Country   string  `json:"country,omitempty" validate:"omitempty,len=2"`
}

// AttemptResponse acknowledges a recorded attempt
type AttemptResponse struct {
	AttemptID string             `json:"attempt_id"`
	Track     models.TrackResult `json:"track"`
}

// SuccessRequest resets the attempt counter for an identity
type SuccessRequest struct {
	Identity string `json:"identity" validate:"required,max=254"`
}

func (h *AuthHandler) address(r *http.Request, reported string) string {
	if reported != "" {
		return reported
	}
	return pkghttp.ExtractClientIP(r, h.ipConfig)
}

// Precheck handles POST /v1/auth/precheck
func (h *AuthHandler) Precheck(w http.ResponseWriter, r *http.Request) {
	var req PrecheckRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.core.Precheck(r.Context(), h.address(r, req.Address), req.Identity)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	switch result.Decision {
	case models.DecisionDenied:
		pkghttp.WriteAccessDenied(w)
	case models.DecisionRateLimited:
		pkghttp.WriteTooManyRequests(w, result.RetryAfter, "Too many failed attempts. Please try again later.")
	default:
		pkghttp.WriteJSON(w, http.StatusOK, PrecheckResponse{
			Decision:          result.Decision,
			RemainingAttempts: result.Remaining,
		})
	}
}

// RecordAttempt handles POST /v1/auth/attempts
func (h *AuthHandler) RecordAttempt(w http.ResponseWriter, r *http.Request) {
	var req AttemptRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	ctx := r.Context()
	address := h.address(r, req.Address)
	outcome := models.Outcome(req.Outcome)
	account := ""
	if req.Account != nil {
		account = *req.Account
	}

	// Must run before the success is recorded, or the address is already known
	if h.detector != nil && account != "" && outcome.IsSuccess() {
		if _, err := h.detector.DetectNewLocationLogin(ctx, account, address, req.Country); err != nil {
			h.logger.WarnContext(ctx, "new location detection failed", slog.Any("error", err))
		}
	}

	result, err := h.core.RecordAttempt(ctx, models.AttemptInput{
		SourceAddress:   address,
		Identity:        req.Identity,
		Outcome:         outcome,
		ResolvedAccount: req.Account,
		UserAgent:       req.UserAgent,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if h.detector != nil && account != "" && !outcome.IsSuccess() {
		if _, err := h.detector.DetectMultipleFailedLogins(ctx, account, 0, 0); err != nil {
			h.logger.WarnContext(ctx, "multiple failed logins detection failed", slog.Any("error", err))
		}
	}

	pkghttp.WriteJSON(w, http.StatusAccepted, AttemptResponse{
		AttemptID: result.Record.ID.String(),
		Track:     result.Track,
	})
}

// RecordSuccess handles POST /v1/auth/success
func (h *AuthHandler) RecordSuccess(w http.ResponseWriter, r *http.Request) {
	var req SuccessRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	if err := h.core.ResetAttempts(r.Context(), req.Identity); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
