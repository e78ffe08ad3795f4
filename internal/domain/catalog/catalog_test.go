package catalog

import (
	"errors"
	"testing"
	"time"

	"github.com/drfirst/rxdesk/internal/domain"
)

func day(n int) *time.Time {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
	return &t
}

func TestMatchKey(t *testing.T) {
	a := MatchKey("  Amoxicillin ", "500MG", " Tablet")
	b := MatchKey("amoxicillin", "500mg", "tablet")
	if a != b {
		t.Fatalf("keys differ: %q vs %q", a, b)
	}
	if MatchKey("amoxicillin", "", "tablet") == b {
		t.Error("missing strength must not match")
	}
}

func TestMedicineInputNormalize(t *testing.T) {
	in, err := MedicineInput{Name: "  Ibuprofen ", Strength: " 200mg "}.Normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if in.Name != "Ibuprofen" || in.Strength != "200mg" {
		t.Errorf("unexpected normalized input: %+v", in)
	}

	_, err = MedicineInput{Name: "   "}.Normalize()
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestBatchInputValidate(t *testing.T) {
	if err := (BatchInput{MedicineID: "m1", Quantity: 3}).Validate(); err != nil {
		t.Fatalf("valid input rejected: %v", err)
	}
	err := BatchInput{Quantity: 0}.Validate()
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(ve.Fields) != 2 {
		t.Errorf("expected 2 field errors, got %v", ve.Fields)
	}
}

func TestAggregate(t *testing.T) {
	batches := []Batch{
		{ID: "b1", MedicineID: "m1", Quantity: 5, ExpiryDate: day(40)},
		{ID: "b2", MedicineID: "m1", Quantity: 3, ExpiryDate: day(10)},
		{ID: "b3", MedicineID: "m1", Quantity: 2},
		{ID: "b4", MedicineID: "m2", Quantity: 7},
	}
	idx := Aggregate(batches)

	if got := idx.Total("m1"); got != 10 {
		t.Errorf("m1 total = %d, want 10", got)
	}
	if exp := idx.SoonestExpiry("m1"); exp == nil || !exp.Equal(*day(10)) {
		t.Errorf("m1 soonest expiry = %v, want %v", exp, day(10))
	}
	if idx.SoonestExpiry("m2") != nil {
		t.Error("m2 has no dated batches, expected nil expiry")
	}
	if idx.Total("missing") != 0 {
		t.Error("unknown medicine should have zero stock")
	}
}

func TestAggregateCountsExpiredBatches(t *testing.T) {
	past := time.Now().AddDate(0, -1, 0)
	idx := Aggregate([]Batch{{ID: "b1", MedicineID: "m1", Quantity: 4, ExpiryDate: &past}})
	if idx.Total("m1") != 4 {
		t.Errorf("expired batch should still count, total = %d", idx.Total("m1"))
	}
}

func TestAggregateIgnoresEmptiedBatches(t *testing.T) {
	idx := Aggregate([]Batch{
		{ID: "drained", MedicineID: "m1", Quantity: 0, ExpiryDate: day(3)},
		{ID: "full", MedicineID: "m1", Quantity: 100, ExpiryDate: day(300)},
		{ID: "gone", MedicineID: "m2", Quantity: 0, ExpiryDate: day(1)},
	})
	s := idx["m1"]
	if s.Total != 100 || s.Batches != 1 || s.SoonestExpiry == nil || !s.SoonestExpiry.Equal(*day(300)) {
		t.Errorf("m1 = %+v, want only the full batch", s)
	}
	if idx.SoonestExpiry("m2") != nil || idx.Total("m2") != 0 {
		t.Errorf("m2 = %+v, want no stock and no expiry", idx["m2"])
	}
}

func TestSortFEFO(t *testing.T) {
	batches := []Batch{
		{ID: "undated", MedicineID: "m1", Quantity: 1},
		{ID: "late", MedicineID: "m1", Quantity: 1, ExpiryDate: day(20)},
		{ID: "early", MedicineID: "m1", Quantity: 1, ExpiryDate: day(2)},
	}
	SortFEFO(batches)
	want := []string{"early", "late", "undated"}
	for i, id := range want {
		if batches[i].ID != id {
			t.Fatalf("position %d = %s, want %s", i, batches[i].ID, id)
		}
	}
}

func TestPlanConsumption(t *testing.T) {
	batches := []Batch{
		{ID: "b1", MedicineID: "m1", Quantity: 4, ExpiryDate: day(30)},
		{ID: "b2", MedicineID: "m1", Quantity: 3, ExpiryDate: day(5)},
		{ID: "b3", MedicineID: "m2", Quantity: 50},
	}

	draws, err := PlanConsumption(batches, "m1", 5)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(draws) != 2 {
		t.Fatalf("expected 2 draws, got %d", len(draws))
	}
	if draws[0].BatchID != "b2" || draws[0].Take != 3 || draws[0].Remaining != 0 {
		t.Errorf("first draw = %+v", draws[0])
	}
	if draws[1].BatchID != "b1" || draws[1].Take != 2 || draws[1].Remaining != 2 {
		t.Errorf("second draw = %+v", draws[1])
	}

	if _, err := PlanConsumption(batches, "m1", 8); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Errorf("expected insufficient stock, got %v", err)
	}
}

func TestStockLabel(t *testing.T) {
	cases := map[int]string{0: "Out of stock", 3: "Low stock · 3 left", 5: "Low stock · 5 left", 6: "6 in stock"}
	for total, want := range cases {
		if got := StockLabel(total, 5); got != want {
			t.Errorf("StockLabel(%d) = %q, want %q", total, got, want)
		}
	}
}

func TestRankReorderRisks(t *testing.T) {
	now := *day(0)
	meds := []Medicine{
		{ID: "healthy", Name: "Healthy"},
		{ID: "expiring", Name: "Expiring"},
		{ID: "low", Name: "Low"},
		{ID: "out", Name: "Out"},
		{ID: "expiring-sooner", Name: "Expiring Sooner"},
	}
	batches := []Batch{
		{ID: "1", MedicineID: "healthy", Quantity: 100, ExpiryDate: day(200)},
		{ID: "2", MedicineID: "expiring", Quantity: 100, ExpiryDate: day(20)},
		{ID: "3", MedicineID: "low", Quantity: 2},
		{ID: "4", MedicineID: "expiring-sooner", Quantity: 100, ExpiryDate: day(3)},
	}

	items := RankReorderRisks(meds, batches, DefaultRiskPolicy(), now, "")
	var got []string
	for _, it := range items {
		got = append(got, it.Medicine.ID)
	}
	want := []string{"out", "low", "expiring-sooner", "expiring"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	filtered := RankReorderRisks(meds, batches, DefaultRiskPolicy(), now, "EXPIR")
	if len(filtered) != 2 {
		t.Errorf("query filter kept %d items, want 2", len(filtered))
	}
}
