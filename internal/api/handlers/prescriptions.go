package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/rxdesk/internal/api/middleware"
	"github.com/drfirst/rxdesk/internal/domain"
	"github.com/drfirst/rxdesk/internal/domain/prescription"
	"github.com/drfirst/rxdesk/internal/fhir/r5"
	"github.com/drfirst/rxdesk/internal/service"
)

// PrescriptionView is the API rendering of a prescription. The rejection is
// flattened into code and note next to the legacy combined text.
type PrescriptionView struct {
	prescription.Prescription
	ReasonCode      string                       `json:"reasonCode,omitempty"`
	ReasonNote      string                       `json:"reasonNote,omitempty"`
	RejectionReason string                       `json:"rejectionReason,omitempty"`
	CanEdit         bool                         `json:"canEdit"`
	Timeline        []prescription.TimelineEntry `json:"timeline"`
}

// NewPrescriptionView renders p.
func NewPrescriptionView(p prescription.Prescription) PrescriptionView {
	v := PrescriptionView{
		Prescription:    p,
		RejectionReason: p.RejectionReasonText(),
		CanEdit:         p.CanEdit(),
		Timeline:        p.Timeline(),
	}
	if p.Rejection != nil {
		v.ReasonCode, v.ReasonNote = string(p.Rejection.Code), p.Rejection.Note
	}
	if v.Lines == nil {
		v.Lines = []prescription.Line{}
	}
	return v
}

func viewsOf(ps []prescription.Prescription) []PrescriptionView {
	out := make([]PrescriptionView, 0, len(ps))
	for _, p := range ps {
		out = append(out, NewPrescriptionView(p))
	}
	return out
}

// PrescriptionHandler handles prescription HTTP requests
type PrescriptionHandler struct {
	svc    *service.Prescriptions
	now    func() time.Time
	logger *zap.Logger
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(svc *service.Prescriptions, logger *zap.Logger) *PrescriptionHandler {
	return &PrescriptionHandler{svc: svc, now: time.Now, logger: logger}
}

// Routes returns the router for prescription endpoints
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Patch("/", h.UpdateHeader)
		r.Delete("/", h.Delete)
		r.Get("/fhir", h.FHIR)
		r.Put("/lines", h.ReplaceLines)
		r.Post("/send", h.Send)
		r.Post("/duplicate", h.Duplicate)
	})
	return r
}

// Create handles POST /prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in service.DraftInput
	if err := decode(r, &in); err != nil {
		writeError(w, h.logger, err)
		return
	}
	p, err := h.svc.CreateDraft(r.Context(), principal(r), in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	h.logger.Debug("draft created",
		zap.String("prescription_id", p.ID),
		zap.String("request_id", middleware.GetRequestID(r.Context())),
	)
	w.Header().Set("Location", "/api/v1/prescriptions/"+p.ID)
	writeJSON(w, http.StatusCreated, NewPrescriptionView(p))
}

// List handles GET /prescriptions?status=
func (h *PrescriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	var status prescription.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		s, err := prescription.ParseStatus(raw)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		status = s
	}
	ps, err := h.svc.List(r.Context(), principal(r), status)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, viewsOf(ps))
}

// Get handles GET /prescriptions/{id}
func (h *PrescriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Get(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, NewPrescriptionView(p))
}

// FHIR handles GET /prescriptions/{id}/fhir
func (h *PrescriptionHandler) FHIR(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Get(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		status := StatusOf(domain.KindOf(err))
		msg := err.Error()
		if status >= http.StatusInternalServerError {
			h.logger.Error("fhir export failed", zap.Error(err))
			msg = http.StatusText(status)
		}
		writeFHIR(w, status, r5.NewErrorOutcome(outcomeCode(status), msg))
		return
	}
	writeFHIR(w, http.StatusOK, r5.NewBundle(p, h.now()))
}

func writeFHIR(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// outcomeCode maps an HTTP status onto the FHIR issue-type value set.
func outcomeCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not-found"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadRequest:
		return "invalid"
	case http.StatusServiceUnavailable:
		return "transient"
	default:
		return "exception"
	}
}

// UpdateHeader handles PATCH /prescriptions/{id}
func (h *PrescriptionHandler) UpdateHeader(w http.ResponseWriter, r *http.Request) {
	var patch prescription.HeaderPatch
	if err := decode(r, &patch); err != nil {
		writeError(w, h.logger, err)
		return
	}
	p, err := h.svc.UpdateHeader(r.Context(), principal(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, NewPrescriptionView(p))
}

// ReplaceLinesRequest is the body of PUT /prescriptions/{id}/lines
type ReplaceLinesRequest struct {
	Lines []prescription.LineInput `json:"lines"`
}

// ReplaceLines handles PUT /prescriptions/{id}/lines
func (h *PrescriptionHandler) ReplaceLines(w http.ResponseWriter, r *http.Request) {
	var req ReplaceLinesRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	p, err := h.svc.ReplaceLines(r.Context(), principal(r), chi.URLParam(r, "id"), req.Lines)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, NewPrescriptionView(p))
}

// Send handles POST /prescriptions/{id}/send
func (h *PrescriptionHandler) Send(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Send(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, NewPrescriptionView(p))
}

// Duplicate handles POST /prescriptions/{id}/duplicate
func (h *PrescriptionHandler) Duplicate(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Duplicate(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set("Location", "/api/v1/prescriptions/"+p.ID)
	writeJSON(w, http.StatusCreated, NewPrescriptionView(p))
}

// Delete handles DELETE /prescriptions/{id}
func (h *PrescriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), principal(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
