package r5

import (
	"time"
)

// MedicationRequest is the FHIR R5 resource for one prescribed medicine.
// A prescription with several lines becomes several requests sharing a
// group identifier.
type MedicationRequest struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	Identifier      []Identifier `json:"identifier,omitempty"`
	GroupIdentifier *Identifier  `json:"groupIdentifier,omitempty"`

	Status        string           `json:"status"` // active | cancelled | completed | draft | unknown
	StatusReason  *CodeableConcept `json:"statusReason,omitempty"`
	StatusChanged *time.Time       `json:"statusChanged,omitempty"`

	Intent string `json:"intent"`

	Medication CodeableReference `json:"medication"`
	Subject    Reference         `json:"subject"`
	AuthoredOn *time.Time        `json:"authoredOn,omitempty"`
	Requester  *Reference        `json:"requester,omitempty"`

	Note                      []Annotation     `json:"note,omitempty"`
	RenderedDosageInstruction string           `json:"renderedDosageInstruction,omitempty"`
	DosageInstruction         []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest           *DispenseRequest `json:"dispenseRequest,omitempty"`

	// Set on requests duplicated from a rejected prescription.
	PriorPrescription *Reference `json:"priorPrescription,omitempty"`
}

// DispenseRequest contains information about the requested dispensing.
type DispenseRequest struct {
	Quantity             *Quantity    `json:"quantity,omitempty"`
	DispenserInstruction []Annotation `json:"dispenserInstruction,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Sequence int    `json:"sequence,omitempty"`
	Text     string `json:"text,omitempty"`
}

// PatientReference returns the id from a "Patient/<id>" subject.
func (m *MedicationRequest) PatientReference() string {
	return extractIDFromReference(m.Subject.Reference)
}

// MedicationDisplay returns the display name of the medication.
func (m *MedicationRequest) MedicationDisplay() string {
	if c := m.Medication.Concept; c != nil {
		if c.Text != "" {
			return c.Text
		}
		if len(c.Coding) > 0 {
			return c.Coding[0].Display
		}
	}
	return ""
}

// DispenseQuantity returns the requested quantity, zero when unset.
func (m *MedicationRequest) DispenseQuantity() float64 {
	if m.DispenseRequest == nil || m.DispenseRequest.Quantity == nil {
		return 0
	}
	return m.DispenseRequest.Quantity.Value
}

// extractIDFromReference handles references like "Patient/123" or "urn:uuid:123".
func extractIDFromReference(ref string) string {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}
