package handler

import (
	"net/http"

	"github.com/leca/imagevault/internal/api"
	"github.com/leca/imagevault/internal/model"
	"github.com/leca/imagevault/internal/tenant"
)

type registerRequest struct {
	Name   string `json:"name" validate:"required,min=2,max=100"`
	Domain string `json:"domain" validate:"omitempty,max=253"`
	// Self-service registration is always on the free plan; other plans
	// are assigned with ChangePlan.
	Plan string `json:"plan" validate:"omitempty,eq=free"`
}

type authenticateRequest struct {
	APIKey    string `json:"apiKey" validate:"required"`
	APISecret string `json:"apiSecret" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type logoutRequest struct {
	All bool `json:"all"`
}

type settingsRequest struct {
	PublicAccess   *bool    `json:"publicAccess"`
	DefaultQuality *int     `json:"defaultQuality" validate:"omitempty,min=50,max=100"`
	AllowedFormats []string `json:"allowedFormats" validate:"omitempty,min=1,dive,oneof=jpeg png webp"`
}

// Register handles POST /applications/register.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		api.Error(w, r, err)
		return
	}

	reg, err := h.Tenants.Register(r.Context(), tenant.RegisterInput{
		Name:   req.Name,
		Domain: req.Domain,
		Plan:   model.PlanFree,
	})
	if err != nil {
		api.Error(w, r, err)
		return
	}
	api.Created(w, r, reg)
}

// Authenticate handles POST /applications/authenticate.
func (h *Handler) Authenticate(w http.ResponseWriter, r *http.Request) {
	var req authenticateRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		api.Error(w, r, err)
		return
	}

	pair, err := h.Tenants.Authenticate(r.Context(), req.APIKey, req.APISecret)
	if err != nil {
		api.Error(w, r, err)
		return
	}
	api.OK(w, r, pair)
}

// Refresh handles POST /applications/refresh.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		api.Error(w, r, err)
		return
	}

	pair, err := h.Tenants.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		api.Error(w, r, err)
		return
	}
	api.OK(w, r, pair)
}

// Logout handles POST /applications/logout. An empty body revokes the
// current session only.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req logoutRequest
	if r.ContentLength > 0 {
		if err := h.decodeJSON(w, r, &req); err != nil {
			api.Error(w, r, err)
			return
		}
	}

	p := api.PrincipalFrom(r.Context())
	if err := h.Tenants.Logout(r.Context(), p.Tenant, p.Claims.SessionID, req.All); err != nil {
		api.Error(w, r, err)
		return
	}
	api.OK(w, r, map[string]string{"message": "logged out"})
}

// Me handles GET /applications/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	api.OK(w, r, map[string]any{"application": api.TenantFrom(r.Context())})
}

// UpdateSettings handles PATCH /applications/settings.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		api.Error(w, r, err)
		return
	}

	settings, err := h.Tenants.UpdateSettings(r.Context(), api.TenantFrom(r.Context()), tenant.SettingsPatch{
		PublicAccess:   req.PublicAccess,
		DefaultQuality: req.DefaultQuality,
		AllowedFormats: req.AllowedFormats,
	})
	if err != nil {
		api.Error(w, r, err)
		return
	}
	api.OK(w, r, map[string]any{"settings": settings})
}

// Deactivate handles DELETE /applications/me.
func (h *Handler) Deactivate(w http.ResponseWriter, r *http.Request) {
	if err := h.Tenants.Deactivate(r.Context(), api.TenantFrom(r.Context())); err != nil {
		api.Error(w, r, err)
		return
	}
	api.OK(w, r, map[string]string{"message": "application deactivated"})
}
