package prescription

import "context"

// Filter narrows a listing. Empty fields match everything.
type Filter struct {
	Status    Status
	PatientID string
	DoctorID  string
}

// Repository is the prescription half of the store's query/command surface.
// Implementations return domain.NotFoundError for unknown ids.
type Repository interface {
	// ListPrescriptions orders by sent_at desc (unsent last), then created_at
	// desc. Lines are included.
	ListPrescriptions(ctx context.Context, f Filter) ([]Prescription, error)
	GetPrescription(ctx context.Context, id string) (Prescription, error)
	// LockPrescription reads the prescription and holds a row lock until the
	// surrounding transaction ends.
	LockPrescription(ctx context.Context, id string) (Prescription, error)
	CreatePrescription(ctx context.Context, p Prescription) error
	// ReplaceLines deletes every line of the prescription, then inserts lines.
	ReplaceLines(ctx context.Context, prescriptionID string, lines []Line) error
	// UpdatePrescription writes the header of p only if the stored status is
	// still expected. It reports whether a row was updated.
	UpdatePrescription(ctx context.Context, p Prescription, expected Status) (bool, error)
	// DeletePrescription removes lines, then the header.
	DeletePrescription(ctx context.Context, id string) error
}
