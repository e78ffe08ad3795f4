package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/drfirst/rxdesk/internal/domain"
	"github.com/drfirst/rxdesk/internal/domain/catalog"
	"github.com/drfirst/rxdesk/internal/domain/prescription"
	"github.com/drfirst/rxdesk/internal/store"
)

func seed(t *testing.T, s *Store) {
	t.Helper()
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateMedicine(ctx, catalog.Medicine{ID: "m1", Name: "Amoxicillin"}); err != nil {
			return err
		}
		return tx.CreatePrescription(ctx, prescription.Prescription{
			ID: "rx1", Status: prescription.StatusSent, CreatedAt: time.Unix(1, 0),
			Lines: []prescription.Line{{ID: "l1", PrescriptionID: "rx1", MedicineID: "m1", Quantity: 1}},
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestRollbackOnError(t *testing.T) {
	s := New()
	seed(t, s)
	boom := errors.New("boom")
	err := s.RunInTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateMedicine(ctx, catalog.Medicine{ID: "m2", Name: "Ibuprofen"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	_ = s.View(context.Background(), func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetMedicine(ctx, "m2"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("rolled back medicine visible: %v", err)
		}
		return nil
	})
}

func TestConditionalUpdate(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()
	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetPrescription(ctx, "rx1")
		if err != nil {
			return err
		}
		p.Status = prescription.StatusFulfilled
		ok, err := tx.UpdatePrescription(ctx, p, prescription.StatusDraft)
		if err != nil || ok {
			t.Errorf("update with stale status: ok=%t err=%v", ok, err)
		}
		ok, err = tx.UpdatePrescription(ctx, p, prescription.StatusSent)
		if err != nil || !ok {
			t.Errorf("update with current status: ok=%t err=%v", ok, err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = s.View(ctx, func(ctx context.Context, tx store.Tx) error {
		p, _ := tx.GetPrescription(ctx, "rx1")
		if p.Status != prescription.StatusFulfilled || len(p.Lines) != 1 {
			t.Errorf("stored = %+v", p)
		}
		return nil
	})
}

func TestViewIsReadOnlyAndIsolated(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()
	_ = s.View(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateMedicine(ctx, catalog.Medicine{ID: "x"}); !errors.Is(err, errReadOnly) {
			t.Errorf("write in view: %v", err)
		}
		p, _ := tx.GetPrescription(ctx, "rx1")
		p.Lines[0].Quantity = 99
		return nil
	})
	_ = s.View(ctx, func(ctx context.Context, tx store.Tx) error {
		p, _ := tx.GetPrescription(ctx, "rx1")
		if p.Lines[0].Quantity != 1 {
			t.Error("mutating a read result leaked into the store")
		}
		return nil
	})
}

func TestDeleteMedicineRestrictions(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()
	err := s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreateBatch(ctx, catalog.Batch{ID: "b1", MedicineID: "m1", Quantity: 2}); err != nil {
			return err
		}
		if err := tx.DeleteMedicine(ctx, "m1"); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("delete referenced medicine: %v", err)
		}
		if err := tx.CreateBatch(ctx, catalog.Batch{ID: "b2", MedicineID: "ghost", Quantity: 1}); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("batch for unknown medicine: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOutboxDrain(t *testing.T) {
	s := New()
	ctx := context.Background()
	_ = s.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.AppendOutbox(ctx, &prescription.Event{ID: "e1"})
	})
	if got := s.DrainOutbox(); len(got) != 1 || got[0].ID != "e1" {
		t.Fatalf("drain = %+v", got)
	}
	if len(s.Outbox()) != 0 {
		t.Error("outbox not empty after drain")
	}
}
