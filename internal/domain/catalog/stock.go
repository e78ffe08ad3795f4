package catalog

import (
	"fmt"
	"time"
)

// StockSummary aggregates every batch of one medicine.
type StockSummary struct {
	MedicineID    string     `json:"medicineId"`
	Total         int        `json:"totalStock"`
	SoonestExpiry *time.Time `json:"soonestExpiry,omitempty"`
	Batches       int        `json:"batches"`
}

// StockIndex maps medicine id to its summary.
type StockIndex map[string]StockSummary

// Aggregate sums batch quantities per medicine and tracks the soonest expiry.
// Expired batches still count toward the total. Emptied batches are kept in
// the store but take no part in the summary.
func Aggregate(batches []Batch) StockIndex {
	idx := make(StockIndex)
	for _, b := range batches {
		if b.Quantity <= 0 {
			continue
		}
		s := idx[b.MedicineID]
		s.MedicineID = b.MedicineID
		s.Total += b.Quantity
		s.Batches++
		if b.ExpiryDate != nil && expiresBefore(b.ExpiryDate, s.SoonestExpiry) {
			exp := *b.ExpiryDate
			s.SoonestExpiry = &exp
		}
		idx[b.MedicineID] = s
	}
	return idx
}

// Total returns the total stock of a medicine, zero when it has no batches.
func (idx StockIndex) Total(medicineID string) int {
	return idx[medicineID].Total
}

// SoonestExpiry returns the earliest dated expiry of a medicine, or nil.
func (idx StockIndex) SoonestExpiry(medicineID string) *time.Time {
	return idx[medicineID].SoonestExpiry
}

// StockLevel buckets a stock total.
type StockLevel string

const (
	LevelOut  StockLevel = "out_of_stock"
	LevelLow  StockLevel = "low_stock"
	LevelOkay StockLevel = "in_stock"
)

// LevelOf classifies total against the low-stock limit.
func LevelOf(total, lowLimit int) StockLevel {
	switch {
	case total <= 0:
		return LevelOut
	case total <= lowLimit:
		return LevelLow
	default:
		return LevelOkay
	}
}

// StockLabel is the human-friendly badge text for a stock total.
func StockLabel(total, lowLimit int) string {
	switch LevelOf(total, lowLimit) {
	case LevelOut:
		return "Out of stock"
	case LevelLow:
		return fmt.Sprintf("Low stock · %d left", total)
	default:
		return fmt.Sprintf("%d in stock", total)
	}
}
