package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/drfirst/rxdesk/internal/auth"
	"github.com/drfirst/rxdesk/internal/domain"
	"github.com/drfirst/rxdesk/internal/domain/catalog"
	"github.com/drfirst/rxdesk/internal/domain/prescription"
	"github.com/drfirst/rxdesk/internal/infrastructure/memstore"
	"github.com/drfirst/rxdesk/internal/service"
)

var (
	doctor   = auth.Principal{UserID: "doc-1", Role: auth.RoleDoctor, Name: "Dr. House"}
	doctor2  = auth.Principal{UserID: "doc-2", Role: auth.RoleDoctor}
	pharmacy = auth.Principal{UserID: "ph-1", Role: auth.RolePharmacy}
	patient  = auth.Principal{UserID: "P-1", Role: auth.RolePatient}
)

type fixture struct {
	store     *memstore.Store
	rx        *service.Prescriptions
	decisions *service.Decisions
	inbox     *service.Inbox
	catalog   *service.Catalog
	now       time.Time
}

func newFixture(t *testing.T, consume bool) *fixture {
	t.Helper()
	f := &fixture{store: memstore.New(), now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	var seq atomic.Int64
	opts := service.Options{
		Now:          func() time.Time { return f.now },
		NewID:        func() string { return fmt.Sprintf("id-%d", seq.Add(1)) },
		ConsumeStock: consume,
	}
	f.rx = service.NewPrescriptions(f.store, opts)
	f.decisions = service.NewDecisions(f.store, opts)
	f.inbox = service.NewInbox(f.store, opts)
	f.catalog = service.NewCatalog(f.store, opts)
	return f
}

func (f *fixture) medicine(t *testing.T, name, strength, form string, quantities ...int) catalog.Medicine {
	t.Helper()
	ctx := context.Background()
	m, err := f.catalog.CreateMedicine(ctx, pharmacy, catalog.MedicineInput{Name: name, Strength: strength, Form: form})
	if err != nil {
		t.Fatalf("create medicine: %v", err)
	}
	for i, q := range quantities {
		exp := f.now.AddDate(0, 0, 10*(i+1))
		if _, err := f.catalog.CreateBatch(ctx, pharmacy, catalog.BatchInput{MedicineID: m.ID, Quantity: q, ExpiryDate: &exp}); err != nil {
			t.Fatalf("create batch: %v", err)
		}
	}
	return m
}

func (f *fixture) sent(t *testing.T, lines ...prescription.LineInput) prescription.Prescription {
	t.Helper()
	ctx := context.Background()
	p, err := f.rx.CreateDraft(ctx, doctor, service.DraftInput{PatientID: "P-1", PatientName: "Jane Doe", Lines: lines})
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	p, err = f.rx.Send(ctx, doctor, p.ID)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return p
}

func TestEndToEndRejectAndDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	m1 := f.medicine(t, "Amoxicillin", "500mg", "tablet", 2)

	p, err := f.rx.CreateDraft(ctx, doctor, service.DraftInput{PatientID: "P-1", PatientName: "Jane Doe"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != prescription.StatusDraft {
		t.Fatalf("status = %s", p.Status)
	}
	p, err = f.rx.ReplaceLines(ctx, doctor, p.ID, []prescription.LineInput{{MedicineID: m1.ID, Quantity: 3}})
	if err != nil {
		t.Fatal(err)
	}
	f.now = f.now.Add(time.Hour)
	p, err = f.rx.Send(ctx, doctor, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != prescription.StatusSent || p.SentAt == nil {
		t.Fatalf("after send: %+v", p)
	}

	f.now = f.now.Add(3 * time.Hour)
	entries, err := f.inbox.Pending(ctx, pharmacy)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Prescription.ID != p.ID {
		t.Fatalf("inbox = %+v", entries)
	}
	e := entries[0]
	if e.Availability.CanFulfill {
		t.Error("stock 2 must not cover qty 3")
	}
	if len(e.Availability.Missing) != 1 || !strings.HasSuffix(e.Availability.Missing[0], "(need 3, have 2)") {
		t.Errorf("missing = %v", e.Availability.Missing)
	}
	if e.WaitingHours != 3 {
		t.Errorf("waiting hours = %d", e.WaitingHours)
	}
	if e.SuggestedRejection.Code != prescription.ReasonInsufficientStock {
		t.Errorf("suggested = %+v", e.SuggestedRejection)
	}

	if _, err := f.decisions.Fulfill(ctx, pharmacy, p.ID, ""); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("fulfill: expected insufficient stock, got %v", err)
	}

	rejected, err := f.decisions.Reject(ctx, pharmacy, p.ID, "insufficient_stock", e.SuggestedRejection.Note)
	if err != nil {
		t.Fatal(err)
	}
	if rejected.Status != prescription.StatusRejected {
		t.Fatalf("status = %s", rejected.Status)
	}
	if got := rejected.RejectionReasonText(); !strings.HasPrefix(got, "insufficient_stock | ") {
		t.Errorf("reason = %q", got)
	}
	if err := rejected.CheckInvariants(); err != nil {
		t.Error(err)
	}

	dup, err := f.rx.Duplicate(ctx, doctor, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if dup.Status != prescription.StatusDraft || dup.ID == p.ID || dup.SourceID != p.ID {
		t.Fatalf("duplicate = %+v", dup)
	}
	if len(dup.Lines) != 1 || dup.Lines[0].Quantity != 3 || dup.Lines[0].MedicineID != m1.ID {
		t.Errorf("duplicate lines = %+v", dup.Lines)
	}

	orig, err := f.rx.Get(ctx, doctor, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if orig.Status != prescription.StatusRejected || len(orig.Lines) != 1 {
		t.Errorf("original changed: %+v", orig)
	}

	var types []prescription.EventType
	for _, ev := range f.store.Outbox() {
		types = append(types, ev.EventType)
	}
	want := []prescription.EventType{
		prescription.EventDrafted, prescription.EventSent, prescription.EventRejected, prescription.EventDuplicated,
	}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Errorf("outbox events = %v, want %v", types, want)
	}
}

func TestSendRequiresLines(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	p, err := f.rx.CreateDraft(ctx, doctor, service.DraftInput{PatientID: "P-1", PatientName: "Jane"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.rx.Send(ctx, doctor, p.ID); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got, _ := f.rx.Get(ctx, doctor, p.ID)
	if got.Status != prescription.StatusDraft || got.SentAt != nil {
		t.Errorf("failed send changed state: %+v", got)
	}
}

func TestReplaceLinesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	m := f.medicine(t, "Ibuprofen", "200mg", "tablet", 10)
	p, _ := f.rx.CreateDraft(ctx, doctor, service.DraftInput{PatientID: "P-1", PatientName: "Jane"})
	lines := []prescription.LineInput{
		{MedicineID: m.ID, Quantity: 2, Instructions: "After meals"},
		{Name: "Paracetamol", Strength: "500mg", Quantity: 1},
	}
	for i := 0; i < 2; i++ {
		if _, err := f.rx.ReplaceLines(ctx, doctor, p.ID, lines); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := f.rx.Get(ctx, doctor, p.ID)
	if len(got.Lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(got.Lines))
	}
	if got.Lines[0].Instructions != "After meals" || got.Lines[1].Instructions != prescription.DefaultInstructions {
		t.Errorf("lines = %+v", got.Lines)
	}

	if _, err := f.rx.ReplaceLines(ctx, doctor, p.ID, nil); err != nil {
		t.Fatalf("clearing lines: %v", err)
	}
	got, _ = f.rx.Get(ctx, doctor, p.ID)
	if len(got.Lines) != 0 {
		t.Errorf("lines not cleared: %+v", got.Lines)
	}
}

func TestEditsAfterSendAreRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	m := f.medicine(t, "Ibuprofen", "", "", 10)
	p := f.sent(t, prescription.LineInput{MedicineID: m.ID, Quantity: 1})

	name := "Other"
	if _, err := f.rx.UpdateHeader(ctx, doctor, p.ID, prescription.HeaderPatch{PatientName: &name}); !errors.Is(err, domain.ErrNotEditable) {
		t.Errorf("header edit: %v", err)
	}
	if _, err := f.rx.ReplaceLines(ctx, doctor, p.ID, []prescription.LineInput{{MedicineID: m.ID, Quantity: 0}}); !errors.Is(err, domain.ErrNotEditable) {
		t.Errorf("replace lines: %v", err)
	}
	if _, err := f.rx.Send(ctx, doctor, p.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("second send: %v", err)
	}
	if err := f.rx.Delete(ctx, doctor, p.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("delete sent: %v", err)
	}
	if _, err := f.rx.Duplicate(ctx, doctor, p.ID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("duplicate sent: %v", err)
	}
}

func TestUpdateHeader(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	p, _ := f.rx.CreateDraft(ctx, doctor, service.DraftInput{PatientID: "P-1", PatientName: "Jane"})
	name, pickup := "Jane Q. Doe", "Counter 2"
	got, err := f.rx.UpdateHeader(ctx, doctor, p.ID, prescription.HeaderPatch{PatientName: &name, PickupInstructions: &pickup})
	if err != nil {
		t.Fatal(err)
	}
	if got.PatientName != name || got.PickupInstructions != pickup || got.PatientID != "P-1" {
		t.Errorf("header = %+v", got)
	}
	stored, _ := f.rx.Get(ctx, doctor, p.ID)
	if stored.PatientName != name {
		t.Errorf("stored name = %q", stored.PatientName)
	}
}

func TestFulfillConsumesStockFEFO(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	m := f.medicine(t, "Amoxicillin", "500mg", "tablet", 3, 5)
	p := f.sent(t, prescription.LineInput{MedicineID: m.ID, Quantity: 4})

	got, err := f.decisions.Fulfill(ctx, pharmacy, p.ID, "Show ID at counter")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != prescription.StatusFulfilled || got.PickupInstructions != "Show ID at counter" || got.PharmacyAt == nil {
		t.Errorf("fulfilled = %+v", got)
	}
	if err := got.CheckInvariants(); err != nil {
		t.Error(err)
	}

	batches, _ := f.catalog.ListBatches(ctx, pharmacy, m.ID)
	qty := map[int]int{}
	for _, b := range batches {
		days := int(b.ExpiryDate.Sub(f.now).Hours() / 24)
		qty[days] = b.Quantity
	}
	if qty[10] != 0 || qty[20] != 4 {
		t.Errorf("quantities by expiry day = %v, want soonest drained first", qty)
	}
}

func TestDrainedBatchLeavesStockViews(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	m, err := f.catalog.CreateMedicine(ctx, pharmacy, catalog.MedicineInput{Name: "Ibuprofen", Strength: "200mg", Form: "tablet"})
	if err != nil {
		t.Fatal(err)
	}
	soon, late := f.now.AddDate(0, 0, 10), f.now.AddDate(1, 0, 0)
	for _, in := range []catalog.BatchInput{
		{MedicineID: m.ID, Quantity: 4, ExpiryDate: &soon},
		{MedicineID: m.ID, Quantity: 100, ExpiryDate: &late},
	} {
		if _, err := f.catalog.CreateBatch(ctx, pharmacy, in); err != nil {
			t.Fatal(err)
		}
	}
	p := f.sent(t, prescription.LineInput{MedicineID: m.ID, Quantity: 4})
	if _, err := f.decisions.Fulfill(ctx, pharmacy, p.ID, ""); err != nil {
		t.Fatal(err)
	}

	risks, err := f.catalog.ReorderReport(ctx, pharmacy, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(risks) != 0 {
		t.Errorf("reorder report after drain = %+v, want none", risks)
	}

	rows, err := f.catalog.Inventory(ctx, pharmacy)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("inventory rows = %d", len(rows))
	}
	row := rows[0]
	if row.Stock.Total != 100 || row.Stock.Batches != 1 || row.ExpiringUnits != 0 {
		t.Errorf("inventory = %+v", row)
	}
	if row.Stock.SoonestExpiry == nil || !row.Stock.SoonestExpiry.Equal(late) {
		t.Errorf("soonest expiry = %v, want %v", row.Stock.SoonestExpiry, late)
	}
}

func TestFulfillWithoutConsumption(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	m := f.medicine(t, "Amoxicillin", "500mg", "tablet", 5)
	p1 := f.sent(t, prescription.LineInput{MedicineID: m.ID, Quantity: 5})
	p2 := f.sent(t, prescription.LineInput{MedicineID: m.ID, Quantity: 5})

	if _, err := f.decisions.Fulfill(ctx, pharmacy, p1.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.decisions.Fulfill(ctx, pharmacy, p2.ID, ""); err != nil {
		t.Fatalf("non-consuming fulfill should leave stock intact: %v", err)
	}
}

func TestFulfillChecksAggregateDemand(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	m := f.medicine(t, "Amoxicillin", "500mg", "tablet", 6)
	p := f.sent(t,
		prescription.LineInput{MedicineID: m.ID, Quantity: 4},
		prescription.LineInput{Name: "amoxicillin", Strength: "500MG", Form: "tablet", Quantity: 4},
	)
	_, err := f.decisions.Fulfill(ctx, pharmacy, p.ID, "")
	var se *domain.StockError
	if !errors.As(err, &se) {
		t.Fatalf("expected StockError, got %v", err)
	}
	if len(se.Missing) != 1 || se.Missing[0] != "Amoxicillin 500mg tablet (need 8, have 6)" {
		t.Errorf("missing = %v", se.Missing)
	}
	got, _ := f.rx.Get(ctx, pharmacy, p.ID)
	if got.Status != prescription.StatusSent {
		t.Errorf("failed fulfill changed status to %s", got.Status)
	}
	batches, _ := f.catalog.ListBatches(ctx, pharmacy, m.ID)
	if batches[0].Quantity != 6 {
		t.Errorf("failed fulfill consumed stock: %d", batches[0].Quantity)
	}
}

func TestConcurrentDecisions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	m := f.medicine(t, "Amoxicillin", "500mg", "tablet", 50)

	for round := 0; round < 20; round++ {
		p := f.sent(t, prescription.LineInput{MedicineID: m.ID, Quantity: 1})

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = f.decisions.Fulfill(ctx, pharmacy, p.ID, "")
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = f.decisions.Reject(ctx, pharmacy, p.ID, "other", "")
		}()
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case !errors.Is(err, domain.ErrAlreadyDecided):
				t.Fatalf("round %d: unexpected error %v", round, err)
			}
		}
		if succeeded != 1 {
			t.Fatalf("round %d: %d decisions succeeded, want exactly 1", round, succeeded)
		}

		got, _ := f.rx.Get(ctx, pharmacy, p.ID)
		if !got.Status.IsTerminal() {
			t.Fatalf("round %d: status %s", round, got.Status)
		}
		if err := got.CheckInvariants(); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if got.Status == prescription.StatusFulfilled && got.Rejection != nil {
			t.Fatalf("round %d: both outcomes applied", round)
		}
	}
}

func TestRejectValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	m := f.medicine(t, "Ibuprofen", "", "", 1)
	p := f.sent(t, prescription.LineInput{MedicineID: m.ID, Quantity: 1})

	if _, err := f.decisions.Reject(ctx, pharmacy, p.ID, "", "note"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("empty code: %v", err)
	}
	if _, err := f.decisions.Reject(ctx, pharmacy, p.ID, "because", ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unknown code: %v", err)
	}
	got, err := f.decisions.Reject(ctx, pharmacy, p.ID, "other", strings.Repeat("x", 500))
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Rejection.Note) != prescription.MaxReasonNoteLength {
		t.Errorf("note length = %d", len(got.Rejection.Note))
	}
	if _, err := f.decisions.Fulfill(ctx, pharmacy, p.ID, ""); !errors.Is(err, domain.ErrAlreadyDecided) {
		t.Errorf("fulfill after reject: %v", err)
	}
}

func TestDecisionOnDraftIsRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	p, _ := f.rx.CreateDraft(ctx, doctor, service.DraftInput{PatientID: "P-1", PatientName: "Jane"})
	_, err := f.decisions.Reject(ctx, pharmacy, p.ID, "other", "")
	if !errors.Is(err, domain.ErrAlreadyDecided) || !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("reject draft: %v", err)
	}
	if _, err := f.decisions.Fulfill(ctx, pharmacy, "missing", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("fulfill missing: %v", err)
	}
}

func TestRoleGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	m := f.medicine(t, "Ibuprofen", "", "", 5)
	p := f.sent(t, prescription.LineInput{MedicineID: m.ID, Quantity: 1})

	checks := map[string]error{}
	_, checks["patient creates draft"] = f.rx.CreateDraft(ctx, patient, service.DraftInput{PatientID: "P-1", PatientName: "x"})
	_, checks["doctor fulfills"] = f.decisions.Fulfill(ctx, doctor, p.ID, "")
	_, checks["patient rejects"] = f.decisions.Reject(ctx, patient, p.ID, "other", "")
	_, checks["doctor reads inbox"] = f.inbox.Pending(ctx, doctor)
	_, checks["doctor creates medicine"] = f.catalog.CreateMedicine(ctx, doctor, catalog.MedicineInput{Name: "x"})
	_, checks["other doctor duplicates"] = f.rx.Duplicate(ctx, doctor2, p.ID)
	_, checks["other doctor reads"] = f.rx.Get(ctx, doctor2, p.ID)
	_, checks["other patient reads"] = f.rx.Get(ctx, auth.Principal{UserID: "P-2", Role: auth.RolePatient}, p.ID)
	_, checks["anonymous lists"] = f.rx.List(ctx, auth.Principal{}, "")
	for name, err := range checks {
		if !errors.Is(err, domain.ErrForbidden) {
			t.Errorf("%s: expected forbidden, got %v", name, err)
		}
	}

	if _, err := f.rx.Get(ctx, patient, p.ID); err != nil {
		t.Errorf("patient reading own prescription: %v", err)
	}
}

func TestListVisibility(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	m := f.medicine(t, "Ibuprofen", "", "", 5)
	f.sent(t, prescription.LineInput{MedicineID: m.ID, Quantity: 1})
	f.now = f.now.Add(time.Minute)
	newer := f.sent(t, prescription.LineInput{MedicineID: m.ID, Quantity: 1})
	if _, err := f.rx.CreateDraft(ctx, doctor, service.DraftInput{PatientID: "P-9", PatientName: "Other"}); err != nil {
		t.Fatal(err)
	}

	mine, _ := f.rx.List(ctx, doctor, "")
	if len(mine) != 3 {
		t.Errorf("doctor sees %d, want 3", len(mine))
	}
	if others, _ := f.rx.List(ctx, doctor2, ""); len(others) != 0 {
		t.Errorf("other doctor sees %d", len(others))
	}
	ph, _ := f.rx.List(ctx, pharmacy, "")
	if len(ph) != 2 || ph[0].ID != newer.ID {
		t.Errorf("pharmacy listing = %d items, first %s", len(ph), ph[0].ID)
	}
	own, _ := f.rx.List(ctx, patient, "")
	if len(own) != 2 {
		t.Errorf("patient sees %d, want 2", len(own))
	}
	if _, err := f.rx.List(ctx, pharmacy, prescription.StatusDraft); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("pharmacy listing drafts: %v", err)
	}
}

func TestDeleteDraft(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	p, _ := f.rx.CreateDraft(ctx, doctor, service.DraftInput{PatientID: "P-1", PatientName: "Jane"})
	if err := f.rx.Delete(ctx, doctor2, p.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Errorf("other doctor delete: %v", err)
	}
	if err := f.rx.Delete(ctx, doctor, p.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.rx.Get(ctx, doctor, p.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("deleted prescription still readable: %v", err)
	}
}

func TestCatalogOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	if _, err := f.catalog.CreateMedicine(ctx, pharmacy, catalog.MedicineInput{Name: "  "}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("blank name: %v", err)
	}
	if _, err := f.catalog.CreateBatch(ctx, pharmacy, catalog.BatchInput{MedicineID: "nope", Quantity: 1}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("batch for unknown medicine: %v", err)
	}

	m := f.medicine(t, "Ibuprofen", "200mg", "tablet", 3)
	if _, err := f.catalog.CreateBatch(ctx, pharmacy, catalog.BatchInput{MedicineID: m.ID, Quantity: 0}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("zero quantity: %v", err)
	}

	updated, err := f.catalog.UpdateMedicine(ctx, pharmacy, m.ID, catalog.MedicineInput{Name: " Ibuprofen ", Strength: "400mg"})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Strength != "400mg" || updated.Form != "" || !updated.CreatedAt.Equal(m.CreatedAt) {
		t.Errorf("updated = %+v", updated)
	}

	if err := f.catalog.DeleteMedicine(ctx, pharmacy, m.ID); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("delete with batches: %v", err)
	}
	empty := f.medicine(t, "Unused", "", "")
	if err := f.catalog.DeleteMedicine(ctx, pharmacy, empty.ID); err != nil {
		t.Errorf("delete unused: %v", err)
	}
	if err := f.catalog.DeleteMedicine(ctx, pharmacy, empty.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("delete twice: %v", err)
	}

	rows, err := f.catalog.Inventory(ctx, pharmacy)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Label != "Low stock · 3 left" || rows[0].Stock.Total != 3 {
		t.Errorf("inventory = %+v", rows)
	}
	if len(rows) == 1 && (rows[0].ExpiringUnits != 3 || rows[0].ExpiredUnits != 0) {
		t.Errorf("expiry counts = %d expiring, %d expired", rows[0].ExpiringUnits, rows[0].ExpiredUnits)
	}

	risks, err := f.catalog.ReorderReport(ctx, pharmacy, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(risks) != 1 || !risks[0].LowStock || !risks[0].NearExpiry {
		t.Errorf("reorder report = %+v", risks)
	}
}

func TestImport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.medicine(t, "Amoxicillin", "500mg", "tablet")

	res, err := f.catalog.Import(ctx, pharmacy, []service.ImportItem{
		{MedicineInput: catalog.MedicineInput{Name: "amoxicillin", Strength: "500MG", Form: "Tablet"}, Batches: []catalog.BatchInput{{Quantity: 10}}},
		{MedicineInput: catalog.MedicineInput{Name: "Cetirizine", Strength: "10mg"}, Batches: []catalog.BatchInput{{Quantity: 4}, {Quantity: 6}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Medicines != 1 || res.Batches != 3 {
		t.Errorf("import result = %+v", res)
	}

	_, err = f.catalog.Import(ctx, pharmacy, []service.ImportItem{
		{MedicineInput: catalog.MedicineInput{Name: "New"}, Batches: []catalog.BatchInput{{Quantity: -1}}},
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("bad batch: %v", err)
	}
	meds, _ := f.catalog.ListMedicines(ctx, pharmacy)
	if len(meds) != 2 {
		t.Errorf("failed import left %d medicines, want 2", len(meds))
	}
}
