package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/drfirst/rxdesk/internal/domain"
	"github.com/drfirst/rxdesk/internal/domain/prescription"
)

func TestWriteError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		kind domain.Kind
	}{
		{"validation", domain.Validation("quantity must be a positive number"), http.StatusBadRequest, domain.KindValidation},
		{"forbidden", domain.Forbidden("fulfill prescriptions", "doctor"), http.StatusForbidden, domain.KindForbidden},
		{"not found", domain.NotFound("prescription", "rx-1"), http.StatusNotFound, domain.KindNotFound},
		{"transition", &prescription.TransitionError{Current: prescription.StatusDraft, Action: prescription.ActionFulfill}, http.StatusConflict, domain.KindInvalidTransition},
		{"decided", &prescription.DecisionConflictError{Current: prescription.StatusRejected}, http.StatusConflict, domain.KindAlreadyDecided},
		{"stock", &domain.StockError{Missing: []string{"Amoxicillin (need 3, have 1)"}}, http.StatusConflict, domain.KindInsufficientStock},
		{"store", domain.Store("load", errors.New("connection refused")), http.StatusServiceUnavailable, domain.KindStore},
		{"internal", errors.New("boom"), http.StatusInternalServerError, domain.KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, zap.NewNop(), tc.err)
			if rec.Code != tc.code {
				t.Errorf("status = %d, want %d", rec.Code, tc.code)
			}
			var body ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Code != string(tc.kind) {
				t.Errorf("code = %q, want %q", body.Code, tc.kind)
			}
			if tc.code >= 500 && body.Error != http.StatusText(tc.code) {
				t.Errorf("server error leaked cause: %q", body.Error)
			}
		})
	}
}

func TestWriteErrorCarriesMissingLines(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, zap.NewNop(), &domain.StockError{Missing: []string{"Ibuprofen"}})
	var body ErrorResponse
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if len(body.Missing) != 1 || body.Missing[0] != "Ibuprofen" {
		t.Errorf("missing = %v", body.Missing)
	}
}

func TestPrescriptionViewFlattensRejection(t *testing.T) {
	v := NewPrescriptionView(prescription.Prescription{
		ID:        "rx-1",
		Status:    prescription.StatusRejected,
		Rejection: &prescription.RejectionReason{Code: prescription.ReasonOther, Note: "call the clinic"},
	})
	if v.ReasonCode != "other" || v.ReasonNote != "call the clinic" || v.RejectionReason != "other | call the clinic" {
		t.Errorf("view = %+v", v)
	}
	if v.CanEdit || v.Lines == nil {
		t.Errorf("canEdit=%t lines=%v", v.CanEdit, v.Lines)
	}
}
