// Package notify turns prescription decision events into patient
// notifications and delivers them to a webhook.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/drfirst/rxdesk/internal/domain/prescription"
)

// Kind names the notification a patient receives.
type Kind string

const (
	KindPickupReady Kind = "pickup_ready"
	KindRejected    Kind = "rejected"
)

// Notification is the webhook payload.
type Notification struct {
	EventID            string    `json:"eventId"`
	Kind               Kind      `json:"kind"`
	PrescriptionID     string    `json:"prescriptionId"`
	PatientID          string    `json:"patientId"`
	PatientName        string    `json:"patientName"`
	DoctorID           string    `json:"doctorId"`
	Message            string    `json:"message"`
	PickupInstructions string    `json:"pickupInstructions,omitempty"`
	ReasonCode         string    `json:"reasonCode,omitempty"`
	ReasonNote         string    `json:"reasonNote,omitempty"`
	OccurredAt         time.Time `json:"occurredAt"`
	CorrelationID      string    `json:"correlationId,omitempty"`
}

// Decode parses a lifecycle event from a topic record.
func Decode(value []byte) (*prescription.Event, error) {
	var e prescription.Event
	if err := json.Unmarshal(value, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if e.ID == "" || e.EventType == "" {
		return nil, fmt.Errorf("decode event: id and event_type are required")
	}
	return &e, nil
}

// FromEvent builds the notification for a decision event. ok is false for
// events patients are not notified about.
func FromEvent(e *prescription.Event) (n Notification, ok bool, err error) {
	var kind Kind
	switch e.EventType {
	case prescription.EventFulfilled:
		kind = KindPickupReady
	case prescription.EventRejected:
		kind = KindRejected
	default:
		return Notification{}, false, nil
	}
	d, err := e.Data()
	if err != nil {
		return Notification{}, false, fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	n = Notification{
		EventID:        e.ID,
		Kind:           kind,
		PrescriptionID: d.PrescriptionID,
		PatientID:      d.PatientID,
		PatientName:    d.PatientName,
		DoctorID:       d.DoctorID,
		OccurredAt:     e.Timestamp,
		CorrelationID:  e.CorrelationID,
	}
	switch kind {
	case KindPickupReady:
		n.PickupInstructions = d.PickupInstructions
		n.Message = "Your prescription is ready for pickup."
		if d.PickupInstructions != "" {
			n.Message += " " + d.PickupInstructions
		}
	case KindRejected:
		n.ReasonCode, n.ReasonNote = string(d.ReasonCode), d.ReasonNote
		n.Message = "Your prescription could not be filled: " + strings.ReplaceAll(string(d.ReasonCode), "_", " ")
		if d.ReasonNote != "" {
			n.Message += " (" + d.ReasonNote + ")"
		}
	}
	return n, true, nil
}
