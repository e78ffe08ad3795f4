// Package prescription implements the prescription aggregate, its lifecycle
// state machine and domain events.
package prescription

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/rxdesk/internal/domain"
)

// Status represents prescription status
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSent      Status = "sent"
	StatusFulfilled Status = "fulfilled"
	StatusRejected  Status = "rejected"
)

// ParseStatus accepts any casing and surrounding whitespace.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StatusDraft, StatusSent, StatusFulfilled, StatusRejected:
		return st, nil
	}
	return "", domain.Validation(fmt.Sprintf("unknown status %q", s))
}

// IsTerminal reports whether the status is a pharmacy decision.
func (s Status) IsTerminal() bool {
	return s == StatusFulfilled || s == StatusRejected
}

// DefaultInstructions is used for lines submitted without instructions.
const DefaultInstructions = "Take as directed"

// DefaultPickupInstructions pre-fills the pharmacy fulfill form.
const DefaultPickupInstructions = "Show ID at counter"

// Line is one medicine entry of a prescription. Name, Strength and Form are a
// snapshot taken when the line was written.
type Line struct {
	ID             string `json:"id"`
	PrescriptionID string `json:"prescriptionId"`
	MedicineID     string `json:"medicineId,omitempty"`
	Name           string `json:"name,omitempty"`
	Strength       string `json:"strength,omitempty"`
	Form           string `json:"form,omitempty"`
	Quantity       int    `json:"quantity"`
	Instructions   string `json:"instructions"`
}

// LineInput is a requested line of a replace-lines call.
type LineInput struct {
	MedicineID   string `json:"medicineId,omitempty"`
	Name         string `json:"name,omitempty"`
	Strength     string `json:"strength,omitempty"`
	Form         string `json:"form,omitempty"`
	Quantity     int    `json:"quantity"`
	Instructions string `json:"instructions,omitempty"`
}

// BuildLines validates inputs and turns them into lines owned by
// prescriptionID. An empty input set yields no lines and no error.
func BuildLines(prescriptionID string, inputs []LineInput, newID func() string) ([]Line, error) {
	var fields []string
	lines := make([]Line, 0, len(inputs))
	for i, in := range inputs {
		l := Line{
			ID:             newID(),
			PrescriptionID: prescriptionID,
			MedicineID:     strings.TrimSpace(in.MedicineID),
			Name:           strings.TrimSpace(in.Name),
			Strength:       strings.TrimSpace(in.Strength),
			Form:           strings.TrimSpace(in.Form),
			Quantity:       in.Quantity,
			Instructions:   strings.TrimSpace(in.Instructions),
		}
		if l.MedicineID == "" && l.Name == "" {
			fields = append(fields, fmt.Sprintf("line %d: medicine is required", i+1))
		}
		if l.Quantity <= 0 {
			fields = append(fields, fmt.Sprintf("line %d: quantity must be a positive number", i+1))
		}
		if l.Instructions == "" {
			l.Instructions = DefaultInstructions
		}
		lines = append(lines, l)
	}
	if len(fields) > 0 {
		return nil, domain.Validation(fields...)
	}
	return lines, nil
}

// Prescription is the aggregate root: header plus lines.
type Prescription struct {
	ID                 string           `json:"id"`
	PatientID          string           `json:"patientId"`
	PatientName        string           `json:"patientName"`
	DoctorID           string           `json:"doctorId"`
	SourceID           string           `json:"sourcePrescriptionId,omitempty"`
	Status             Status           `json:"status"`
	CreatedAt          time.Time        `json:"createdAt"`
	SentAt             *time.Time       `json:"sentAt,omitempty"`
	PharmacyAt         *time.Time       `json:"pharmacyAt,omitempty"`
	Rejection          *RejectionReason `json:"rejection,omitempty"`
	PickupInstructions string           `json:"pickupInstructions,omitempty"`
	Lines              []Line           `json:"lines"`
}

// NewDraft starts a prescription for a patient.
func NewDraft(id, doctorID, patientID, patientName string, now time.Time) (Prescription, error) {
	p := Prescription{
		ID:          id,
		DoctorID:    doctorID,
		PatientID:   strings.TrimSpace(patientID),
		PatientName: strings.TrimSpace(patientName),
		Status:      StatusDraft,
		CreatedAt:   now.UTC(),
		Lines:       []Line{},
	}
	if err := p.requirePatient(); err != nil {
		return Prescription{}, err
	}
	return p, nil
}

func (p *Prescription) requirePatient() error {
	var fields []string
	if p.PatientID == "" {
		fields = append(fields, "patient id is required")
	}
	if p.PatientName == "" {
		fields = append(fields, "patient name is required")
	}
	if len(fields) > 0 {
		return domain.Validation(fields...)
	}
	return nil
}

// HeaderPatch carries the header fields a doctor may change on a draft. Nil
// fields are left untouched.
type HeaderPatch struct {
	PatientID          *string `json:"patientId,omitempty"`
	PatientName        *string `json:"patientName,omitempty"`
	PickupInstructions *string `json:"pickupInstructions,omitempty"`
}

// ApplyHeader edits header fields of a draft.
func (p *Prescription) ApplyHeader(patch HeaderPatch) error {
	if _, err := Next(p.Status, ActionEdit); err != nil {
		return err
	}
	next := *p
	if patch.PatientID != nil {
		next.PatientID = strings.TrimSpace(*patch.PatientID)
	}
	if patch.PatientName != nil {
		next.PatientName = strings.TrimSpace(*patch.PatientName)
	}
	if patch.PickupInstructions != nil {
		next.PickupInstructions = strings.TrimSpace(*patch.PickupInstructions)
	}
	if err := next.requirePatient(); err != nil {
		return err
	}
	*p = next
	return nil
}

// ReplaceLines swaps the whole line set of a draft.
func (p *Prescription) ReplaceLines(lines []Line) error {
	if _, err := Next(p.Status, ActionEdit); err != nil {
		return err
	}
	p.Lines = lines
	return nil
}

// Send moves a draft with at least one line to sent.
func (p *Prescription) Send(now time.Time) error {
	to, err := Next(p.Status, ActionSend)
	if err != nil {
		return err
	}
	if err := p.requirePatient(); err != nil {
		return err
	}
	if len(p.Lines) == 0 {
		return domain.Validation("a prescription needs at least one line before it can be sent")
	}
	at := now.UTC()
	p.Status = to
	p.SentAt = &at
	return nil
}

// Fulfill records the fulfill decision. Stock checks are the caller's job.
func (p *Prescription) Fulfill(now time.Time, pickup string) error {
	to, err := Next(p.Status, ActionFulfill)
	if err != nil {
		return err
	}
	at := now.UTC()
	p.Status = to
	p.PharmacyAt = &at
	p.PickupInstructions = strings.TrimSpace(pickup)
	return nil
}

// Reject records the reject decision.
func (p *Prescription) Reject(now time.Time, reason RejectionReason) error {
	to, err := Next(p.Status, ActionReject)
	if err != nil {
		return err
	}
	at := now.UTC()
	p.Status = to
	p.PharmacyAt = &at
	p.Rejection = &reason
	p.PickupInstructions = ""
	return nil
}

// DuplicateAsDraft clones a rejected prescription into a new draft with
// fresh ids. The receiver is not modified.
func (p Prescription) DuplicateAsDraft(id string, now time.Time, newLineID func() string) (Prescription, error) {
	to, err := Next(p.Status, ActionDuplicate)
	if err != nil {
		return Prescription{}, err
	}
	dup := Prescription{
		ID:          id,
		PatientID:   p.PatientID,
		PatientName: p.PatientName,
		DoctorID:    p.DoctorID,
		SourceID:    p.ID,
		Status:      to,
		CreatedAt:   now.UTC(),
		Lines:       make([]Line, 0, len(p.Lines)),
	}
	for _, l := range p.Lines {
		l.ID = newLineID()
		l.PrescriptionID = id
		dup.Lines = append(dup.Lines, l)
	}
	return dup, nil
}

// CheckDelete reports whether the prescription may be deleted.
func (p Prescription) CheckDelete() error {
	_, err := Next(p.Status, ActionDelete)
	return err
}

// CanEdit reports whether header and lines may change.
func (p Prescription) CanEdit() bool {
	_, err := Next(p.Status, ActionEdit)
	return err == nil
}

// RejectionReasonText is the legacy combined form, empty unless rejected.
func (p Prescription) RejectionReasonText() string {
	if p.Rejection == nil {
		return ""
	}
	return p.Rejection.String()
}

// CheckInvariants verifies the timestamp and outcome fields agree with status.
func (p Prescription) CheckInvariants() error {
	var errs []error
	if (p.SentAt == nil) != (p.Status == StatusDraft) {
		errs = append(errs, fmt.Errorf("sent_at set=%t with status %s", p.SentAt != nil, p.Status))
	}
	if (p.PharmacyAt != nil) != p.Status.IsTerminal() {
		errs = append(errs, fmt.Errorf("pharmacy_at set=%t with status %s", p.PharmacyAt != nil, p.Status))
	}
	if (p.Rejection != nil) != (p.Status == StatusRejected) {
		errs = append(errs, fmt.Errorf("rejection reason set=%t with status %s", p.Rejection != nil, p.Status))
	}
	return errors.Join(errs...)
}

// TimelineEntry is one step of the status timeline.
type TimelineEntry struct {
	Status Status    `json:"status"`
	At     time.Time `json:"at"`
}

// Timeline lists the reached statuses in order, derived from timestamps.
func (p Prescription) Timeline() []TimelineEntry {
	entries := []TimelineEntry{{Status: StatusDraft, At: p.CreatedAt}}
	if p.SentAt != nil {
		entries = append(entries, TimelineEntry{Status: StatusSent, At: *p.SentAt})
	}
	if p.PharmacyAt != nil && p.Status.IsTerminal() {
		entries = append(entries, TimelineEntry{Status: p.Status, At: *p.PharmacyAt})
	}
	return entries
}

// WaitingHours is the number of whole hours since the prescription was sent,
// zero if it was never sent.
func (p Prescription) WaitingHours(now time.Time) int {
	if p.SentAt == nil || now.Before(*p.SentAt) {
		return 0
	}
	return int(now.Sub(*p.SentAt) / time.Hour)
}
