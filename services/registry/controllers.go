package registry

import (
	"net/http"

	"github.com/asaskevich/govalidator"
	"github.com/go-chi/chi"
	"github.com/quillpay/platform/libs/handlers"
	"github.com/quillpay/platform/libs/requestutils"
)

// Router returns the registry admin routes
func Router(svc *Service) chi.Router {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/brands/{idOrCode}", handlers.AppHandler(svc.GetBrandHandler))
	r.Method(http.MethodPost, "/brands", handlers.AppHandler(svc.UpsertBrandHandler))
	r.Method(http.MethodGet, "/tenants/{idOrCode}", handlers.AppHandler(svc.GetTenantHandler))
	r.Method(http.MethodPost, "/tenants", handlers.AppHandler(svc.UpsertTenantHandler))
	r.Method(http.MethodGet, "/config/{service}", handlers.AppHandler(svc.ListConfigHandler))
	r.Method(http.MethodPut, "/config", handlers.AppHandler(svc.SetConfigHandler))
	r.Method(http.MethodPost, "/cache/invalidate/{key}", handlers.AppHandler(svc.InvalidateHandler))
	return r
}

// GetBrandHandler resolves a brand by id or code
func (s *Service) GetBrandHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	brand, err := s.GetBrand(ctx, chi.URLParam(r, "idOrCode"))
	if err != nil {
		return handlers.CodedError(err, "failed to load brand")
	}
	return handlers.RenderContent(ctx, brand, w, http.StatusOK)
}

// UpsertBrandRequest creates or updates a brand
type UpsertBrandRequest struct {
	ID     string `json:"id" valid:"-"`
	Code   string `json:"code" valid:"required"`
	Name   string `json:"name" valid:"required"`
	Active bool   `json:"active" valid:"-"`
}

// UpsertBrandHandler writes a brand and invalidates its cache keys
func (s *Service) UpsertBrandHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	var req UpsertBrandRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return handlers.WrapValidationError(err)
	}

	brand := &Brand{ID: req.ID, Code: req.Code, Name: req.Name, Active: req.Active}
	if err := s.Datastore.UpsertBrand(ctx, brand); err != nil {
		return handlers.CodedError(err, "failed to save brand")
	}
	s.Invalidate(brand.ID)
	s.Invalidate(brand.Code)
	return handlers.RenderContent(ctx, brand, w, http.StatusOK)
}

// GetTenantHandler resolves a tenant by id or code
func (s *Service) GetTenantHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	tenant, err := s.GetTenant(ctx, chi.URLParam(r, "idOrCode"))
	if err != nil {
		return handlers.CodedError(err, "failed to load tenant")
	}
	return handlers.RenderContent(ctx, tenant, w, http.StatusOK)
}

// UpsertTenantRequest creates or updates a tenant
type UpsertTenantRequest struct {
	ID      string `json:"id" valid:"-"`
	Code    string `json:"code" valid:"required"`
	Name    string `json:"name" valid:"required"`
	BrandID string `json:"brandId" valid:"-"`
	Active  bool   `json:"active" valid:"-"`
}

// UpsertTenantHandler writes a tenant and invalidates its cache keys
func (s *Service) UpsertTenantHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	var req UpsertTenantRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return handlers.WrapValidationError(err)
	}

	tenant := &Tenant{ID: req.ID, Code: req.Code, Name: req.Name, BrandID: req.BrandID, Active: req.Active}
	if err := s.Datastore.UpsertTenant(ctx, tenant); err != nil {
		return handlers.CodedError(err, "failed to save tenant")
	}
	s.Invalidate(tenant.ID)
	s.Invalidate(tenant.Code)
	return handlers.RenderContent(ctx, tenant, w, http.StatusOK)
}

// ListConfigHandler lists a service's config with sensitive paths redacted
func (s *Service) ListConfigHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	summaries, err := s.ListConfig(ctx, chi.URLParam(r, "service"))
	if err != nil {
		return handlers.CodedError(err, "failed to list config")
	}
	return handlers.RenderContent(ctx, summaries, w, http.StatusOK)
}

// SetConfigRequest writes one config entry
type SetConfigRequest struct {
	Service        string      `json:"service" valid:"required"`
	Brand          string      `json:"brand" valid:"-"`
	Tenant         string      `json:"tenant" valid:"-"`
	Key            string      `json:"key" valid:"required"`
	Value          interface{} `json:"value" valid:"-"`
	SensitivePaths []string    `json:"sensitivePaths" valid:"-"`
}

// SetConfigHandler writes a config entry
func (s *Service) SetConfigHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	var req SetConfigRequest
	if err := requestutils.ReadJSON(ctx, r.Body, &req); err != nil {
		return handlers.WrapError(err, "error reading request body", http.StatusBadRequest)
	}
	if _, err := govalidator.ValidateStruct(req); err != nil {
		return handlers.WrapValidationError(err)
	}

	entry := &ConfigEntry{
		Service:        req.Service,
		Brand:          req.Brand,
		Tenant:         req.Tenant,
		Key:            req.Key,
		Value:          req.Value,
		SensitivePaths: req.SensitivePaths,
	}
	if err := s.SetConfig(ctx, entry); err != nil {
		return handlers.CodedError(err, "failed to save config")
	}
	return handlers.RenderContent(ctx, map[string]string{"status": "saved"}, w, http.StatusOK)
}

// InvalidateHandler drops cached registry entries
func (s *Service) InvalidateHandler(w http.ResponseWriter, r *http.Request) *handlers.AppError {
	ctx := r.Context()
	s.Invalidate(chi.URLParam(r, "key"))
	return handlers.RenderContent(ctx, map[string]string{"status": "invalidated"}, w, http.StatusOK)
}
