package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/BradenHooton/bastion/internal/auth"
	"github.com/BradenHooton/bastion/internal/models"
	"github.com/BradenHooton/bastion/internal/services"
	pkghttp "github.com/BradenHooton/bastion/pkg/http"
	pkglogger "github.com/BradenHooton/bastion/pkg/logger"
	"github.com/go-chi/chi/v5"
)

const defaultDashboardHours = 24

// DashboardProvider builds the security dashboard
type DashboardProvider interface {
	GetSecurityDashboardData(ctx context.Context, windowHours int) (*models.DashboardData, error)
}

// IPAdmin manages address flags
type IPAdmin interface {
	GetAllFlaggedIPs(ctx context.Context) ([]models.FlagEntry, error)
	FlagIP(ctx context.Context, address, reason string, duration time.Duration) (*models.FlagEntry, error)
	UnflagIP(ctx context.Context, address string) error
	GetIPMetadata(ctx context.Context, address string) (*models.FlagEntry, error)
}

// LockoutAdmin manages attempt counters and hard account locks
type LockoutAdmin interface {
	GetLockoutInfo(ctx context.Context, identity string) (*models.LockoutInfo, error)
	ResetAttempts(ctx context.Context, identity string) error
	LockAccount(ctx context.Context, account string, duration time.Duration, lockedBy, reason string) (*models.AccountLock, error)
	UnlockAccount(ctx context.Context, account, unlockedBy string) error
	GetAccountLock(ctx context.Context, account string) (*models.AccountLock, error)
}

// SessionAdmin inspects and terminates sessions
type SessionAdmin interface {
	GetActiveSessions(ctx context.Context, account string) ([]models.SessionRecord, error)
	ForceLogout(ctx context.Context, account string, sessionKey *string, actor string) (int, error)
	DetectSessionHijacking(ctx context.Context, account string) (models.HijackReport, error)
}

// DetectionRunner runs every detector for one account
type DetectionRunner interface {
	RunAll(ctx context.Context, in services.DetectionInput) models.DetectionReport
}

// ChainAuditor verifies the security event hash chain
type ChainAuditor interface {
	VerifyChain(ctx context.Context) (models.ChainVerification, error)
}

// EventBrowser pages through the event trail of one account
type EventBrowser interface {
	EventsBySubject(ctx context.Context, subject string, limit, offset int) ([]models.SecurityEvent, error)
}

// AdminHandler serves the operator API
type AdminHandler struct {
	dashboard DashboardProvider
	ips       IPAdmin
	lockouts  LockoutAdmin
	sessions  SessionAdmin
	detector  DetectionRunner
	chain     ChainAuditor
	events    EventBrowser
	audit     *pkglogger.AuditLogger
}

// AdminDeps groups the services behind the operator API
type AdminDeps struct {
	Dashboard DashboardProvider
	IPs       IPAdmin
	Lockouts  LockoutAdmin
	Sessions  SessionAdmin
	Detector  DetectionRunner
	Chain     ChainAuditor
	Events    EventBrowser
	Audit     *pkglogger.AuditLogger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(deps AdminDeps) *AdminHandler {
	return &AdminHandler{
		dashboard: deps.Dashboard,
		ips:       deps.IPs,
		lockouts:  deps.Lockouts,
		sessions:  deps.Sessions,
		detector:  deps.Detector,
		chain:     deps.Chain,
		events:    deps.Events,
		audit:     deps.Audit,
	}
}

// Request DTOs

// FlagIPRequest flags an address by hand
type FlagIPRequest struct {
	Address         string `json:"address" validate:"required,ip"`
	Reason          string `json:"reason" validate:"required,max=200"`
	DurationMinutes int    `json:"duration_minutes" validate:"gte=0,lte=43200"`
}

// LockAccountRequest installs a hard lock
type LockAccountRequest struct {
	Reason          string `json:"reason" validate:"required,max=200"`
	DurationMinutes int    `json:"duration_minutes" validate:"gte=0,lte=43200"`
}

// ForceLogoutRequest terminates one session, or all when SessionKey is empty
type ForceLogoutRequest struct {
	SessionKey string `json:"session_key,omitempty" validate:"max=256"`
}

// DetectRequest carries the caller-supplied counters for detectors that need them
type DetectRequest struct {
	SourceAddress string               `json:"source_address,omitempty" validate:"omitempty,ip"`
	Country       string               `json:"country,omitempty" validate:"omitempty,len=2"`
	ExportCount   *int                 `json:"export_count,omitempty" validate:"omitempty,gte=0"`
	RequestStats  *models.RequestStats `json:"request_stats,omitempty"`
}

// ForceLogoutResponse reports how many sessions were removed
type ForceLogoutResponse struct {
	Removed int `json:"removed"`
}

// FlaggedIPsResponse lists live flags
type FlaggedIPsResponse struct {
	Count int                `json:"count"`
	Items []models.FlagEntry `json:"items"`
}

// EventsResponse is one page of an account's event trail
type EventsResponse struct {
	Account string                 `json:"account"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
	Events  []models.SecurityEvent `json:"events"`
}

// SessionsResponse lists live sessions for an account
type SessionsResponse struct {
	Account  string                 `json:"account"`
	Count    int                    `json:"count"`
	Sessions []models.SessionRecord `json:"sessions"`
}

func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

// queryInt reads a non-negative integer query parameter, returning def when absent
func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (h *AdminHandler) logAction(r *http.Request, action, target string, metadata map[string]string) {
	if h.audit != nil {
		h.audit.LogAdminAction(r.Context(), action, auth.Actor(r.Context()), target, metadata)
	}
}

// GetDashboard handles GET /v1/security/dashboard?hours=N
func (h *AdminHandler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	hours := defaultDashboardHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			pkghttp.WriteBadRequest(w, "hours must be an integer")
			return
		}
		hours = n
	}

	data, err := h.dashboard.GetSecurityDashboardData(r.Context(), hours)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, data)
}

// ListFlaggedIPs handles GET /v1/security/ips
func (h *AdminHandler) ListFlaggedIPs(w http.ResponseWriter, r *http.Request) {
	flags, err := h.ips.GetAllFlaggedIPs(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, FlaggedIPsResponse{Count: len(flags), Items: flags})
}

// FlagIP handles POST /v1/security/ips
func (h *AdminHandler) FlagIP(w http.ResponseWriter, r *http.Request) {
	var req FlagIPRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	entry, err := h.ips.FlagIP(r.Context(), req.Address, req.Reason, time.Duration(req.DurationMinutes)*time.Minute)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.logAction(r, "flag_ip", req.Address, map[string]string{
		"reason":     req.Reason,
		"expires_at": entry.ExpiresAt.Format(time.RFC3339),
	})
	pkghttp.WriteJSON(w, http.StatusCreated, entry)
}

// GetIP handles GET /v1/security/ips/{address}
func (h *AdminHandler) GetIP(w http.ResponseWriter, r *http.Request) {
	entry, err := h.ips.GetIPMetadata(r.Context(), pathParam(r, "address"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if entry == nil {
		pkghttp.WriteNotFound(w, "Address is not flagged")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, entry)
}

// UnflagIP handles DELETE /v1/security/ips/{address}
func (h *AdminHandler) UnflagIP(w http.ResponseWriter, r *http.Request) {
	address := pathParam(r, "address")
	if err := h.ips.UnflagIP(r.Context(), address); err != nil {
		writeServiceError(w, err)
		return
	}
	h.logAction(r, "unflag_ip", address, nil)
	w.WriteHeader(http.StatusNoContent)
}

// GetLockout handles GET /v1/security/lockouts/{identity}
func (h *AdminHandler) GetLockout(w http.ResponseWriter, r *http.Request) {
	info, err := h.lockouts.GetLockoutInfo(r.Context(), pathParam(r, "identity"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if info == nil {
		info = &models.LockoutInfo{}
	}
	pkghttp.WriteJSON(w, http.StatusOK, info)
}

// ResetLockout handles DELETE /v1/security/lockouts/{identity}
func (h *AdminHandler) ResetLockout(w http.ResponseWriter, r *http.Request) {
	identity := pathParam(r, "identity")
	if err := h.lockouts.ResetAttempts(r.Context(), identity); err != nil {
		writeServiceError(w, err)
		return
	}
	h.logAction(r, "reset_attempts", pkglogger.MaskIdentity(identity), nil)
	w.WriteHeader(http.StatusNoContent)
}

// GetAccountLock handles GET /v1/security/accounts/{account}/lock
func (h *AdminHandler) GetAccountLock(w http.ResponseWriter, r *http.Request) {
	lock, err := h.lockouts.GetAccountLock(r.Context(), pathParam(r, "account"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if lock == nil {
		pkghttp.WriteNotFound(w, "Account is not locked")
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, lock)
}

// LockAccount handles POST /v1/security/accounts/{account}/lock
func (h *AdminHandler) LockAccount(w http.ResponseWriter, r *http.Request) {
	var req LockAccountRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	account := pathParam(r, "account")
	lock, err := h.lockouts.LockAccount(r.Context(), account, time.Duration(req.DurationMinutes)*time.Minute, auth.Actor(r.Context()), req.Reason)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.logAction(r, "lock_account", account, map[string]string{
		"reason":     req.Reason,
		"expires_at": lock.ExpiresAt.Format(time.RFC3339),
	})
	pkghttp.WriteJSON(w, http.StatusCreated, lock)
}

// UnlockAccount handles DELETE /v1/security/accounts/{account}/lock
func (h *AdminHandler) UnlockAccount(w http.ResponseWriter, r *http.Request) {
	account := pathParam(r, "account")
	if err := h.lockouts.UnlockAccount(r.Context(), account, auth.Actor(r.Context())); err != nil {
		writeServiceError(w, err)
		return
	}
	h.logAction(r, "unlock_account", account, nil)
	w.WriteHeader(http.StatusNoContent)
}

// ListSessions handles GET /v1/security/accounts/{account}/sessions
func (h *AdminHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	account := pathParam(r, "account")
	sessions, err := h.sessions.GetActiveSessions(r.Context(), account)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, SessionsResponse{Account: account, Count: len(sessions), Sessions: sessions})
}

// ForceLogout handles POST /v1/security/accounts/{account}/sessions/logout
func (h *AdminHandler) ForceLogout(w http.ResponseWriter, r *http.Request) {
	var req ForceLogoutRequest
	if !decodeOptionalAndValidate(w, r, &req) {
		return
	}

	var sessionKey *string
	if req.SessionKey != "" {
		sessionKey = &req.SessionKey
	}

	account := pathParam(r, "account")
	removed, err := h.sessions.ForceLogout(r.Context(), account, sessionKey, auth.Actor(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.logAction(r, "force_logout", account, map[string]string{"removed": strconv.Itoa(removed)})
	pkghttp.WriteJSON(w, http.StatusOK, ForceLogoutResponse{Removed: removed})
}

// DetectHijacking handles GET /v1/security/accounts/{account}/sessions/hijacking
func (h *AdminHandler) DetectHijacking(w http.ResponseWriter, r *http.Request) {
	report, err := h.sessions.DetectSessionHijacking(r.Context(), pathParam(r, "account"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, report)
}

// RunDetectors handles POST /v1/security/accounts/{account}/detect
func (h *AdminHandler) RunDetectors(w http.ResponseWriter, r *http.Request) {
	var req DetectRequest
	if !decodeOptionalAndValidate(w, r, &req) {
		return
	}

	report := h.detector.RunAll(r.Context(), services.DetectionInput{
		Account:       pathParam(r, "account"),
		SourceAddress: req.SourceAddress,
		Country:       req.Country,
		ExportCount:   req.ExportCount,
		RequestStats:  req.RequestStats,
	})
	pkghttp.WriteJSON(w, http.StatusOK, report)
}

// ListAccountEvents handles GET /v1/security/accounts/{account}/events?limit=N&offset=M
func (h *AdminHandler) ListAccountEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 50)
	if !ok {
		pkghttp.WriteBadRequest(w, "limit must be a non-negative integer")
		return
	}
	offset, ok := queryInt(r, "offset", 0)
	if !ok {
		pkghttp.WriteBadRequest(w, "offset must be a non-negative integer")
		return
	}

	account := pathParam(r, "account")
	events, err := h.events.EventsBySubject(r.Context(), account, limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, EventsResponse{Account: account, Limit: limit, Offset: offset, Events: events})
}

// VerifyEventChain handles GET /v1/security/events/verify
func (h *AdminHandler) VerifyEventChain(w http.ResponseWriter, r *http.Request) {
	result, err := h.chain.VerifyChain(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pkghttp.WriteJSON(w, http.StatusOK, result)
}
