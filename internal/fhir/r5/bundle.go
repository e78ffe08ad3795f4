package r5

import (
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/rxdesk/internal/domain/prescription"
)

// Patient is the minimal patient resource carried in an export bundle.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
}

// Bundle is a FHIR collection bundle.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Timestamp    time.Time     `json:"timestamp"`
	Total        int           `json:"total"`
	Entry        []BundleEntry `json:"entry"`
}

// BundleEntry holds one resource of a bundle.
type BundleEntry struct {
	FullURL  string `json:"fullUrl"`
	Resource any    `json:"resource"`
}

// StatusOf maps a prescription status onto the MedicationRequest status set.
func StatusOf(s prescription.Status) string {
	switch s {
	case prescription.StatusDraft:
		return StatusDraft
	case prescription.StatusSent:
		return StatusActive
	case prescription.StatusFulfilled:
		return StatusCompleted
	case prescription.StatusRejected:
		return StatusCancelled
	default:
		return StatusUnknown
	}
}

// FromPrescription builds one MedicationRequest per line. The group
// identifier ties the requests back to the prescription.
func FromPrescription(p prescription.Prescription) []MedicationRequest {
	group := &Identifier{Use: "official", System: SystemPrescriptionID, Value: p.ID}
	authored := p.CreatedAt
	subject := Reference{Reference: "Patient/" + p.PatientID, Type: "Patient", Display: p.PatientName}
	requester := &Reference{Reference: "Practitioner/" + p.DoctorID, Type: "Practitioner"}

	var statusReason *CodeableConcept
	if p.Rejection != nil {
		statusReason = &CodeableConcept{
			Coding: []Coding{{System: SystemRejectionReason, Code: string(p.Rejection.Code)}},
			Text:   p.Rejection.Note,
		}
	}
	var changed *time.Time
	if p.PharmacyAt != nil {
		changed = p.PharmacyAt
	} else if p.SentAt != nil {
		changed = p.SentAt
	}
	var prior *Reference
	if p.SourceID != "" {
		prior = &Reference{Reference: "MedicationRequest/" + p.SourceID, Type: "MedicationRequest"}
	}

	out := make([]MedicationRequest, 0, len(p.Lines))
	for i, l := range p.Lines {
		mr := MedicationRequest{
			ResourceType:      "MedicationRequest",
			ID:                l.ID,
			Identifier:        []Identifier{{Use: "usual", System: SystemLineID, Value: l.ID}},
			GroupIdentifier:   group,
			Status:            StatusOf(p.Status),
			StatusReason:      statusReason,
			StatusChanged:     changed,
			Intent:            IntentOrder,
			Medication:        medicationOf(l),
			Subject:           subject,
			AuthoredOn:        &authored,
			Requester:         requester,
			PriorPrescription: prior,
			DispenseRequest: &DispenseRequest{
				Quantity: &Quantity{Value: float64(l.Quantity), Unit: "unit", System: SystemUCUM, Code: "1"},
			},
		}
		if l.Instructions != "" {
			mr.RenderedDosageInstruction = l.Instructions
			mr.DosageInstruction = []Dosage{{Sequence: i + 1, Text: l.Instructions}}
		}
		if p.PickupInstructions != "" {
			mr.DispenseRequest.DispenserInstruction = []Annotation{{Time: p.PharmacyAt, Text: p.PickupInstructions}}
		}
		out = append(out, mr)
	}
	return out
}

func medicationOf(l prescription.Line) CodeableReference {
	text := strings.TrimSpace(strings.Join([]string{l.Name, l.Strength, l.Form}, " "))
	c := &CodeableConcept{Text: text}
	if l.MedicineID != "" {
		c.Coding = []Coding{{System: SystemMedicineID, Code: l.MedicineID, Display: text}}
	}
	return CodeableReference{Concept: c}
}

// NewBundle exports p as a collection bundle holding the patient and the
// medication requests.
func NewBundle(p prescription.Prescription, now time.Time) Bundle {
	requests := FromPrescription(p)
	b := Bundle{
		ResourceType: "Bundle",
		ID:           p.ID,
		Type:         "collection",
		Timestamp:    now.UTC(),
		Entry:        make([]BundleEntry, 0, len(requests)+1),
	}
	b.Entry = append(b.Entry, BundleEntry{
		FullURL: fmt.Sprintf("urn:rxdesk:patient:%s", p.PatientID),
		Resource: Patient{
			ResourceType: "Patient",
			ID:           p.PatientID,
			Identifier:   []Identifier{{Use: "usual", Value: p.PatientID}},
			Name:         []HumanName{{Use: "usual", Text: p.PatientName}},
		},
	})
	for _, mr := range requests {
		b.Entry = append(b.Entry, BundleEntry{
			FullURL:  fmt.Sprintf("urn:rxdesk:medication-request:%s", mr.ID),
			Resource: mr,
		})
	}
	b.Total = len(b.Entry)
	return b
}
