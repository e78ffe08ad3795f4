package catalog

import "context"

// Repository is the catalog half of the store's query/command surface.
type Repository interface {
	ListMedicines(ctx context.Context) ([]Medicine, error)
	GetMedicine(ctx context.Context, id string) (Medicine, error)
	CreateMedicine(ctx context.Context, m Medicine) error
	UpdateMedicine(ctx context.Context, m Medicine) error
	DeleteMedicine(ctx context.Context, id string) error

	// ListBatches returns every batch, or only those of medicineID when set,
	// newest first.
	ListBatches(ctx context.Context, medicineID string) ([]Batch, error)
	// LockBatches returns the batches of the given medicines, locked for
	// update until the surrounding transaction ends.
	LockBatches(ctx context.Context, medicineIDs []string) ([]Batch, error)
	CreateBatch(ctx context.Context, b Batch) error
	SetBatchQuantity(ctx context.Context, id string, quantity int) error
}
