// Package governance exposes admission, usage and quota administration over HTTP.
package governance

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/promptlab/gatekeeper/internal/api"
	"github.com/promptlab/gatekeeper/internal/auth"
	"github.com/promptlab/gatekeeper/internal/directory"
	"github.com/promptlab/gatekeeper/internal/governance/admission"
	"github.com/promptlab/gatekeeper/internal/governance/audit"
	"github.com/promptlab/gatekeeper/internal/governance/quota"
	"github.com/promptlab/gatekeeper/internal/governance/usage"
	mw "github.com/promptlab/gatekeeper/internal/middleware"
)

// Handler provides HTTP handlers for governance endpoints.
type Handler struct {
	ctrl       *admission.Controller
	ledger     *usage.Ledger
	quotas     *quota.Service
	dir        directory.Repository
	violations audit.Repository
	validate   *validator.Validate
}

// NewHandler creates a new governance Handler.
func NewHandler(ctrl *admission.Controller, ledger *usage.Ledger, quotas *quota.Service, dir directory.Repository, violations audit.Repository) *Handler {
	return &Handler{
		ctrl:       ctrl,
		ledger:     ledger,
		quotas:     quotas,
		dir:        dir,
		violations: violations,
		validate:   validator.New(),
	}
}

// Check runs the per-user window and quota checks for the caller.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	d, err := h.ctrl.Check(r.Context(), identity(r, claims))
	if err != nil {
		slog.Error("admission check failed", "user_id", claims.UserID, "error", err)
		api.HandleError(w, api.ErrServiceUnavailable)
		return
	}
	if !d.Allowed {
		if d.RateLimit != nil {
			w.Header().Set("Retry-After", strconv.Itoa(d.RateLimit.RetryAfterSeconds()))
		}
		api.HandleError(w, api.NewTooManyRequestsError(d.Reason(), denialData(d)))
		return
	}

	api.JSON(w, http.StatusOK, map[string]bool{"allowed": true})
}

// Record accounts for a completed AI call.
func (h *Handler) Record(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	var req admission.Usage
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	rec, err := h.ctrl.Record(r.Context(), identity(r, claims), req)
	if err != nil {
		if errors.Is(err, usage.ErrInvalidUsage) {
			api.HandleError(w, api.NewValidationError(err.Error()))
			return
		}
		api.HandleError(w, api.ErrServiceUnavailable)
		return
	}

	api.JSON(w, http.StatusOK, rec)
}

// RecordRequest counts one admitted call in the caller's sliding windows.
func (h *Handler) RecordRequest(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	h.ctrl.RecordRequest(r.Context(), claims.UserID)
	api.JSONMessage(w, http.StatusOK, "request recorded")
}

// UsageStats returns the caller's sliding-window counts.
func (h *Handler) UsageStats(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	api.JSON(w, http.StatusOK, h.ctrl.UsageStats(r.Context(), claims.UserID))
}

// QuotaStatus returns the caller's quota, usage and headroom.
func (h *Handler) QuotaStatus(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	status, err := h.ctrl.QuotaStatus(r.Context(), claims.UserID, claims.TeamID)
	if err != nil {
		slog.Error("loading quota status", "user_id", claims.UserID, "error", err)
		api.HandleError(w, api.ErrServiceUnavailable)
		return
	}

	api.JSON(w, http.StatusOK, status)
}

// UsageHistory returns the caller's daily usage records, newest first.
func (h *Handler) UsageHistory(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetUserClaims(r.Context())
	if claims == nil {
		api.HandleError(w, api.ErrUnauthorized)
		return
	}

	days, err := intQuery(r, "days", 30, 1, 365)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	records, err := h.ledger.History(r.Context(), claims.UserID, days)
	if err != nil {
		slog.Error("listing usage history", "user_id", claims.UserID, "error", err)
		api.HandleError(w, api.ErrServiceUnavailable)
		return
	}

	api.JSON(w, http.StatusOK, records)
}

// ListQuotas returns one page of quota overrides.
func (h *Handler) ListQuotas(w http.ResponseWriter, r *http.Request) {
	params := quota.DefaultListParams()
	params.Scope = quota.Scope(r.URL.Query().Get("scope"))
	if p := r.URL.Query().Get("page"); p != "" {
		if page, err := strconv.Atoi(p); err == nil && page > 0 {
			params.Page = page
		}
	}
	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if pageSize, err := strconv.Atoi(ps); err == nil && pageSize > 0 && pageSize <= 100 {
			params.PageSize = pageSize
		}
	}

	configs, total, err := h.quotas.ListQuotas(r.Context(), params)
	if err != nil {
		if errors.Is(err, quota.ErrInvalidScope) {
			api.HandleError(w, api.NewValidationError(err.Error()))
			return
		}
		slog.Error("listing quotas", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, configs, total, params.Page, params.PageSize)
}

// SetUserQuota creates or merges a user-scoped override.
func (h *Handler) SetUserQuota(w http.ResponseWriter, r *http.Request) {
	h.setQuota(w, r, quota.ScopeUser, "userID")
}

// SetTeamQuota creates or merges a team-scoped override.
func (h *Handler) SetTeamQuota(w http.ResponseWriter, r *http.Request) {
	h.setQuota(w, r, quota.ScopeTeam, "teamID")
}

func (h *Handler) setQuota(w http.ResponseWriter, r *http.Request, scope quota.Scope, param string) {
	targetID, err := pathID(r, param)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	var req quota.PartialLimits
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.HandleError(w, api.ErrBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.HandleError(w, api.NewValidationError(err.Error()))
		return
	}

	cfg, err := h.quotas.SetQuota(r.Context(), scope, targetID, req)
	if err != nil {
		if errors.Is(err, quota.ErrInvalidTarget) {
			api.HandleError(w, api.NewUnprocessableError(err.Error()))
			return
		}
		slog.Error("setting quota", "scope", scope, "target_id", targetID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSON(w, http.StatusOK, cfg)
}

// DeleteQuota removes an override.
func (h *Handler) DeleteQuota(w http.ResponseWriter, r *http.Request) {
	quotaID, err := pathID(r, "quotaID")
	if err != nil {
		api.HandleError(w, err)
		return
	}

	if err := h.quotas.DeleteQuota(r.Context(), quotaID); err != nil {
		if errors.Is(err, quota.ErrConfigNotFound) {
			api.HandleError(w, api.NewNotFoundError("quota config not found"))
			return
		}
		slog.Error("deleting quota", "quota_id", quotaID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONMessage(w, http.StatusOK, "quota deleted")
}

// UserQuotaStatus is the admin view of any user's quota status.
func (h *Handler) UserQuotaStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r, "userID")
	if err != nil {
		api.HandleError(w, err)
		return
	}

	var teamID *int64
	if s := r.URL.Query().Get("team_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			api.HandleError(w, api.NewValidationError("team_id must be a positive integer"))
			return
		}
		teamID = &id
	}

	user, err := h.dir.GetUser(r.Context(), userID)
	if err != nil {
		slog.Error("looking up user", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}
	if user == nil {
		api.HandleError(w, api.NewNotFoundError("user not found"))
		return
	}

	status, err := h.ctrl.QuotaStatus(r.Context(), userID, teamID)
	if err != nil {
		slog.Error("loading quota status", "user_id", userID, "error", err)
		api.HandleError(w, api.ErrServiceUnavailable)
		return
	}

	api.JSON(w, http.StatusOK, struct {
		UserID   int64  `json:"user_id"`
		Username string `json:"username"`
		*admission.QuotaStatus
	}{user.ID, user.Username, status})
}

// UsageSummary sums usage per user over the last days days.
func (h *Handler) UsageSummary(w http.ResponseWriter, r *http.Request) {
	days, err := intQuery(r, "days", 7, 1, 30)
	if err != nil {
		api.HandleError(w, err)
		return
	}

	summaries, err := h.ledger.Summaries(r.Context(), days)
	if err != nil {
		slog.Error("summarising usage", "days", days, "error", err)
		api.HandleError(w, api.ErrServiceUnavailable)
		return
	}

	api.JSON(w, http.StatusOK, map[string]any{
		"days":  days,
		"users": summaries,
	})
}

// ListViolations returns a page of the admission denial audit trail.
func (h *Handler) ListViolations(w http.ResponseWriter, r *http.Request) {
	params := audit.DefaultListParams()
	q := r.URL.Query()

	if s := q.Get("user_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			api.HandleError(w, api.NewValidationError("user_id must be an integer"))
			return
		}
		params.UserID = &id
	}
	params.Stage = q.Get("stage")
	if p := q.Get("page"); p != "" {
		if page, err := strconv.Atoi(p); err == nil && page > 0 {
			params.Page = page
		}
	}
	if ps := q.Get("page_size"); ps != "" {
		if pageSize, err := strconv.Atoi(ps); err == nil && pageSize > 0 && pageSize <= 100 {
			params.PageSize = pageSize
		}
	}
	if from := q.Get("from"); from != "" {
		if t, err := time.Parse(time.RFC3339, from); err == nil {
			params.From = &t
		}
	}

	list, total, err := h.violations.List(r.Context(), params)
	if err != nil {
		slog.Error("listing violations", "error", err)
		api.HandleError(w, api.ErrInternalServer)
		return
	}

	api.JSONPaginated(w, http.StatusOK, list, total, params.Page, params.PageSize)
}

func identity(r *http.Request, claims *auth.AccessClaims) admission.Identity {
	return admission.Identity{
		UserID: claims.UserID,
		TeamID: claims.TeamID,
		IP:     mw.ClientIP(r),
	}
}

func denialData(d admission.Decision) map[string]any {
	data := map[string]any{"stage": d.Stage}
	switch {
	case d.RateLimit != nil:
		data["window"] = d.RateLimit.Window
		data["limit"] = d.RateLimit.Limit
		data["retry_after"] = d.RateLimit.RetryAfterSeconds()
	case d.Quota != nil:
		data["dimension"] = d.Quota.Dimension
		data["limit"] = d.Quota.Limit
		data["used"] = d.Quota.Used
	}
	return data
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, api.NewBadRequestError("invalid " + name)
	}
	return id, nil
}

func intQuery(r *http.Request, name string, def, lo, hi int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < lo || v > hi {
		return 0, api.NewValidationError(name + " must be between " + strconv.Itoa(lo) + " and " + strconv.Itoa(hi))
	}
	return v, nil
}
