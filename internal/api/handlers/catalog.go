package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/rxdesk/internal/domain/catalog"
	"github.com/drfirst/rxdesk/internal/service"
)

// CatalogHandler serves medicines and batches.
type CatalogHandler struct {
	svc    *service.Catalog
	logger *zap.Logger
}

// NewCatalogHandler creates a new handler
func NewCatalogHandler(svc *service.Catalog, logger *zap.Logger) *CatalogHandler {
	return &CatalogHandler{svc: svc, logger: logger}
}

// Routes returns the router for catalog endpoints
func (h *CatalogHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/medicines", h.ListMedicines)
	r.Post("/medicines", h.CreateMedicine)
	r.Put("/medicines/{id}", h.UpdateMedicine)
	r.Delete("/medicines/{id}", h.DeleteMedicine)
	r.Get("/batches", h.ListBatches)
	r.Post("/batches", h.CreateBatch)
	r.Post("/import", h.Import)
	return r
}

// ListMedicines handles GET /catalog/medicines
func (h *CatalogHandler) ListMedicines(w http.ResponseWriter, r *http.Request) {
	ms, err := h.svc.ListMedicines(r.Context(), principal(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if ms == nil {
		ms = []catalog.Medicine{}
	}
	writeJSON(w, http.StatusOK, ms)
}

// CreateMedicine handles POST /catalog/medicines
func (h *CatalogHandler) CreateMedicine(w http.ResponseWriter, r *http.Request) {
	var in catalog.MedicineInput
	if err := decode(r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}
	m, err := h.svc.CreateMedicine(r.Context(), principal(r), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// UpdateMedicine handles PUT /catalog/medicines/{id}
func (h *CatalogHandler) UpdateMedicine(w http.ResponseWriter, r *http.Request) {
	var in catalog.MedicineInput
	if err := decode(r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}
	m, err := h.svc.UpdateMedicine(r.Context(), principal(r), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// DeleteMedicine handles DELETE /catalog/medicines/{id}
func (h *CatalogHandler) DeleteMedicine(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteMedicine(r.Context(), principal(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListBatches handles GET /catalog/batches?medicine_id=
func (h *CatalogHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	bs, err := h.svc.ListBatches(r.Context(), principal(r), r.URL.Query().Get("medicine_id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if bs == nil {
		bs = []catalog.Batch{}
	}
	writeJSON(w, http.StatusOK, bs)
}

// CreateBatch handles POST /catalog/batches
func (h *CatalogHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var in catalog.BatchInput
	if err := decode(r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}
	b, err := h.svc.CreateBatch(r.Context(), principal(r), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// Import handles POST /catalog/import
func (h *CatalogHandler) Import(w http.ResponseWriter, r *http.Request) {
	var items []service.ImportItem
	if err := decode(r, &items); err != nil {
		writeError(w, h.logger, err)
		return
	}
	res, err := h.svc.Import(r.Context(), principal(r), items)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
