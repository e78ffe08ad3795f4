package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventDrafted    EventType = "prescription.drafted"
	EventSent       EventType = "prescription.sent"
	EventFulfilled  EventType = "prescription.fulfilled"
	EventRejected   EventType = "prescription.rejected"
	EventDuplicated EventType = "prescription.duplicated"
	EventDeleted    EventType = "prescription.deleted"
)

// Event is a lifecycle event written to the outbox with the state change.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	ActorID       string          `json:"actor_id,omitempty"`
	ActorRole     string          `json:"actor_role,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// EventData is the payload carried by every lifecycle event.
type EventData struct {
	PrescriptionID       string     `json:"prescription_id"`
	PatientID            string     `json:"patient_id"`
	PatientName          string     `json:"patient_name"`
	DoctorID             string     `json:"doctor_id"`
	FromStatus           Status     `json:"from_status,omitempty"`
	Status               Status     `json:"status"`
	LineCount            int        `json:"line_count"`
	SentAt               *time.Time `json:"sent_at,omitempty"`
	PharmacyAt           *time.Time `json:"pharmacy_at,omitempty"`
	PickupInstructions   string     `json:"pickup_instructions,omitempty"`
	ReasonCode           ReasonCode `json:"reason_code,omitempty"`
	ReasonNote           string     `json:"reason_note,omitempty"`
	SourcePrescriptionID string     `json:"source_prescription_id,omitempty"`
}

// NewEvent snapshots p after a transition from the given status.
func NewEvent(eventType EventType, p *Prescription, from Status, at time.Time) (*Event, error) {
	data := EventData{
		PrescriptionID:       p.ID,
		PatientID:            p.PatientID,
		PatientName:          p.PatientName,
		DoctorID:             p.DoctorID,
		FromStatus:           from,
		Status:               p.Status,
		LineCount:            len(p.Lines),
		SentAt:               p.SentAt,
		PharmacyAt:           p.PharmacyAt,
		PickupInstructions:   p.PickupInstructions,
		SourcePrescriptionID: p.SourceID,
	}
	if p.Rejection != nil {
		data.ReasonCode = p.Rejection.Code
		data.ReasonNote = p.Rejection.Note
	}
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   p.ID,
		AggregateType: "Prescription",
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
	}, nil
}

// WithActor sets audit fields
func (e *Event) WithActor(id, role string) *Event {
	e.ActorID = id
	e.ActorRole = role
	return e
}

// WithCorrelation sets the request correlation id.
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// Data decodes the event payload.
func (e *Event) Data() (EventData, error) {
	var d EventData
	err := json.Unmarshal(e.EventData, &d)
	return d, err
}
