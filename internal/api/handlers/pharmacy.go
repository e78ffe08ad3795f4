package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/rxdesk/internal/domain/availability"
	"github.com/drfirst/rxdesk/internal/domain/prescription"
	"github.com/drfirst/rxdesk/internal/service"
)

// PharmacyHandler serves the pharmacy inbox and decisions.
type PharmacyHandler struct {
	inbox     *service.Inbox
	decisions *service.Decisions
	catalog   *service.Catalog
	logger    *zap.Logger
}

// NewPharmacyHandler creates a new handler
func NewPharmacyHandler(inbox *service.Inbox, decisions *service.Decisions, catalog *service.Catalog, logger *zap.Logger) *PharmacyHandler {
	return &PharmacyHandler{inbox: inbox, decisions: decisions, catalog: catalog, logger: logger}
}

// Routes returns the router for pharmacy endpoints
func (h *PharmacyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/inbox", h.Inbox)
	r.Get("/inventory", h.Inventory)
	r.Get("/reorder", h.Reorder)
	r.Route("/prescriptions/{id}", func(r chi.Router) {
		r.Get("/availability", h.Availability)
		r.Post("/fulfill", h.Fulfill)
		r.Post("/reject", h.Reject)
	})
	return r
}

// InboxEntryView is one pending prescription of the inbox.
type InboxEntryView struct {
	Prescription       PrescriptionView             `json:"prescription"`
	Availability       availability.Report          `json:"availability"`
	SuggestedRejection prescription.RejectionReason `json:"suggestedRejection"`
	SuggestedPickup    string                       `json:"suggestedPickup"`
	WaitingHours       int                          `json:"waitingHours"`
}

// Inbox handles GET /pharmacy/inbox
func (h *PharmacyHandler) Inbox(w http.ResponseWriter, r *http.Request) {
	entries, err := h.inbox.Pending(r.Context(), principal(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	out := make([]InboxEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, InboxEntryView{
			Prescription:       NewPrescriptionView(e.Prescription),
			Availability:       e.Availability,
			SuggestedRejection: e.SuggestedRejection,
			SuggestedPickup:    e.SuggestedPickup,
			WaitingHours:       e.WaitingHours,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Availability handles GET /pharmacy/prescriptions/{id}/availability
func (h *PharmacyHandler) Availability(w http.ResponseWriter, r *http.Request) {
	report, err := h.inbox.Check(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// FulfillRequest is the body of POST /pharmacy/prescriptions/{id}/fulfill.
// An empty body fulfills with no pickup instructions.
type FulfillRequest struct {
	PickupInstructions string `json:"pickupInstructions"`
}

// Fulfill handles POST /pharmacy/prescriptions/{id}/fulfill
func (h *PharmacyHandler) Fulfill(w http.ResponseWriter, r *http.Request) {
	var req FulfillRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	p, err := h.decisions.Fulfill(r.Context(), principal(r), chi.URLParam(r, "id"), req.PickupInstructions)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, NewPrescriptionView(p))
}

// RejectRequest is the body of POST /pharmacy/prescriptions/{id}/reject
type RejectRequest struct {
	ReasonCode string `json:"reasonCode"`
	ReasonNote string `json:"reasonNote,omitempty"`
}

// Reject handles POST /pharmacy/prescriptions/{id}/reject
func (h *PharmacyHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	p, err := h.decisions.Reject(r.Context(), principal(r), chi.URLParam(r, "id"), req.ReasonCode, req.ReasonNote)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, NewPrescriptionView(p))
}

// Inventory handles GET /pharmacy/inventory
func (h *PharmacyHandler) Inventory(w http.ResponseWriter, r *http.Request) {
	rows, err := h.catalog.Inventory(r.Context(), principal(r))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// Reorder handles GET /pharmacy/reorder?q=
func (h *PharmacyHandler) Reorder(w http.ResponseWriter, r *http.Request) {
	items, err := h.catalog.ReorderReport(r.Context(), principal(r), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}
