package catalog

import (
	"sort"
	"strings"
	"time"

	"github.com/drfirst/rxdesk/internal/domain"
)

// Batch is a received lot of a medicine.
type Batch struct {
	ID          string     `json:"id"`
	MedicineID  string     `json:"medicineId"`
	BatchNumber string     `json:"batchNumber,omitempty"`
	Quantity    int        `json:"quantity"`
	ExpiryDate  *time.Time `json:"expiryDate,omitempty"`
	ReceivedAt  time.Time  `json:"receivedAt"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// BatchInput is the payload for receiving a new batch.
type BatchInput struct {
	MedicineID  string     `json:"medicineId"`
	Quantity    int        `json:"quantity"`
	BatchNumber string     `json:"batchNumber,omitempty"`
	ExpiryDate  *time.Time `json:"expiryDate,omitempty"`
	ReceivedAt  *time.Time `json:"receivedAt,omitempty"`
}

// Validate checks the fields that do not need the store.
func (in BatchInput) Validate() error {
	var fields []string
	if strings.TrimSpace(in.MedicineID) == "" {
		fields = append(fields, "medicine is required")
	}
	if in.Quantity <= 0 {
		fields = append(fields, "quantity must be a positive number")
	}
	if len(fields) > 0 {
		return domain.Validation(fields...)
	}
	return nil
}

// IsExpired reports whether the batch expired before now.
func (b Batch) IsExpired(now time.Time) bool {
	return b.ExpiryDate != nil && b.ExpiryDate.Before(now)
}

// ExpiresWithin reports whether the batch expires within d of now. Batches
// without an expiry date never do.
func (b Batch) ExpiresWithin(now time.Time, d time.Duration) bool {
	return b.ExpiryDate != nil && !b.ExpiryDate.After(now.Add(d))
}

// expiresBefore orders dated expiries ascending with undated ones last.
func expiresBefore(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.Before(*b)
	}
}

// SortFEFO orders batches first-expiring-first-out: soonest expiry first,
// undated batches last, ties broken by received date then id.
func SortFEFO(batches []Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		a, b := batches[i], batches[j]
		if expiresBefore(a.ExpiryDate, b.ExpiryDate) {
			return true
		}
		if expiresBefore(b.ExpiryDate, a.ExpiryDate) {
			return false
		}
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.ID < b.ID
	})
}

// Draw is one batch decrement of a consumption plan.
type Draw struct {
	BatchID   string
	Take      int
	Remaining int
}

// PlanConsumption draws qty units of medicineID from batches in FEFO order.
// It fails with a StockError when the batches hold less than qty in total.
func PlanConsumption(batches []Batch, medicineID string, qty int) ([]Draw, error) {
	own := make([]Batch, 0, len(batches))
	total := 0
	for _, b := range batches {
		if b.MedicineID == medicineID && b.Quantity > 0 {
			own = append(own, b)
			total += b.Quantity
		}
	}
	if total < qty {
		return nil, &domain.StockError{}
	}
	SortFEFO(own)

	var draws []Draw
	left := qty
	for _, b := range own {
		if left == 0 {
			break
		}
		take := b.Quantity
		if take > left {
			take = left
		}
		draws = append(draws, Draw{BatchID: b.ID, Take: take, Remaining: b.Quantity - take})
		left -= take
	}
	return draws, nil
}
