package service

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/drfirst/rxdesk/internal/auth"
	"github.com/drfirst/rxdesk/internal/domain/availability"
	"github.com/drfirst/rxdesk/internal/domain/catalog"
	"github.com/drfirst/rxdesk/internal/domain/prescription"
	"github.com/drfirst/rxdesk/internal/store"
)

// Inbox is the pharmacy's view of pending prescriptions with their
// availability verdicts. Verdicts come from the snapshot read with the
// listing and are advisory: Decisions re-checks at execution time.
type Inbox struct {
	base
}

// NewInbox creates the service.
func NewInbox(st store.Store, opts Options) *Inbox {
	return &Inbox{base: newBase(st, opts, "inbox")}
}

// InboxEntry is one pending prescription.
type InboxEntry struct {
	Prescription       prescription.Prescription    `json:"prescription"`
	Availability       availability.Report          `json:"availability"`
	SuggestedRejection prescription.RejectionReason `json:"suggestedRejection"`
	SuggestedPickup    string                       `json:"suggestedPickup"`
	WaitingHours       int                          `json:"waitingHours"`
}

// Pending lists sent prescriptions, newest sent first, each evaluated
// against the current catalog.
func (s *Inbox) Pending(ctx context.Context, who auth.Principal) ([]InboxEntry, error) {
	ctx, span := s.tracer.Start(ctx, "inbox_pending")
	defer span.End()

	if err := who.Require("view the pharmacy inbox", auth.RolePharmacy); err != nil {
		return nil, err
	}

	var (
		pending []prescription.Prescription
		snap    snapshot
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.store.View(gctx, func(ctx context.Context, tx store.Tx) error {
			var err error
			pending, err = tx.ListPrescriptions(ctx, prescription.Filter{Status: prescription.StatusSent})
			return err
		})
	})
	g.Go(func() error {
		var err error
		snap, err = loadSnapshot(gctx, s.store)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, s.fail("load inbox", err)
	}

	m := availability.NewMatcher(snap.medicines, snap.batches)
	now := s.now()
	entries := make([]InboxEntry, 0, len(pending))
	for _, p := range pending {
		report := m.Evaluate(p)
		entries = append(entries, InboxEntry{
			Prescription:       p,
			Availability:       report,
			SuggestedRejection: report.SuggestedRejection(),
			SuggestedPickup:    prescription.DefaultPickupInstructions,
			WaitingHours:       p.WaitingHours(now),
		})
	}
	return entries, nil
}

// Check evaluates a single prescription the caller may read.
func (s *Inbox) Check(ctx context.Context, who auth.Principal, id string) (availability.Report, error) {
	if err := who.Require("check availability", auth.RolePharmacy); err != nil {
		return availability.Report{}, err
	}
	var (
		p    prescription.Prescription
		snap snapshot
	)
	err := s.store.View(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		if p, err = tx.GetPrescription(ctx, id); err != nil {
			return err
		}
		snap, err = readSnapshot(ctx, tx)
		return err
	})
	if err != nil {
		return availability.Report{}, s.fail("check availability", err)
	}
	if err := canRead(who, p); err != nil {
		return availability.Report{}, err
	}
	return availability.NewMatcher(snap.medicines, snap.batches).Evaluate(p), nil
}

type snapshot struct {
	medicines []catalog.Medicine
	batches   []catalog.Batch
}

func loadSnapshot(ctx context.Context, st store.Store) (snapshot, error) {
	var snap snapshot
	err := st.View(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		snap, err = readSnapshot(ctx, tx)
		return err
	})
	return snap, err
}

func readSnapshot(ctx context.Context, tx store.Tx) (snapshot, error) {
	meds, err := tx.ListMedicines(ctx)
	if err != nil {
		return snapshot{}, err
	}
	batches, err := tx.ListBatches(ctx, "")
	if err != nil {
		return snapshot{}, err
	}
	return snapshot{medicines: meds, batches: batches}, nil
}
