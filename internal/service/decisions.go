package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/drfirst/rxdesk/internal/auth"
	"github.com/drfirst/rxdesk/internal/domain"
	"github.com/drfirst/rxdesk/internal/domain/availability"
	"github.com/drfirst/rxdesk/internal/domain/catalog"
	"github.com/drfirst/rxdesk/internal/domain/prescription"
	"github.com/drfirst/rxdesk/internal/store"
)

// Decisions executes the irreversible pharmacy decisions. The status guard,
// the stock re-check and the write happen in one transaction that holds the
// prescription row lock, and the write itself is conditional on the status
// still being sent.
type Decisions struct {
	base
	consumeStock bool
}

// NewDecisions creates the executor.
func NewDecisions(st store.Store, opts Options) *Decisions {
	return &Decisions{base: newBase(st, opts, "decisions"), consumeStock: opts.ConsumeStock}
}

// Fulfill marks a sent prescription fulfilled after re-checking stock on the
// locked batch rows. With stock consumption enabled the matched batches are
// decremented first-expiring-first-out in the same transaction.
func (s *Decisions) Fulfill(ctx context.Context, who auth.Principal, id, pickup string) (prescription.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "fulfill_prescription")
	defer span.End()
	span.SetAttributes(attribute.String("prescription_id", id))

	if err := who.Require("fulfill prescriptions", auth.RolePharmacy); err != nil {
		return prescription.Prescription{}, err
	}
	start := time.Now()

	var p prescription.Prescription
	consumed := 0
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		p, err = tx.LockPrescription(ctx, id)
		if err != nil {
			return err
		}
		if !prescription.Decidable(p.Status) {
			return &prescription.DecisionConflictError{Current: p.Status}
		}
		from := p.Status

		meds, err := tx.ListMedicines(ctx)
		if err != nil {
			return err
		}
		resolved := availability.NewMatcher(meds, nil).Evaluate(p)
		batches, err := tx.LockBatches(ctx, resolved.MedicineIDs())
		if err != nil {
			return err
		}
		report := availability.NewMatcher(meds, batches).Evaluate(p)
		if !report.CanFulfill {
			return &domain.StockError{Missing: report.Missing}
		}

		if s.consumeStock {
			n, err := consume(ctx, tx, report, batches)
			if err != nil {
				return err
			}
			consumed = n
		}

		if err := p.Fulfill(s.now(), pickup); err != nil {
			return err
		}
		ok, err := tx.UpdatePrescription(ctx, p, from)
		if err != nil {
			return err
		}
		if !ok {
			return conflict(ctx, tx, p.ID, prescription.ActionFulfill)
		}
		return s.emit(ctx, tx, who, prescription.EventFulfilled, &p, from)
	})
	if err != nil {
		s.refused(err)
		span.SetStatus(codes.Error, err.Error())
		return prescription.Prescription{}, s.fail("fulfill prescription", err)
	}

	s.metrics.Decided(string(prescription.StatusFulfilled), time.Since(start))
	s.metrics.UnitsConsumed(consumed)
	s.logTransition(p, prescription.StatusSent, who)
	if consumed > 0 {
		s.logger.Debug("stock consumed", zap.String("prescription_id", p.ID), zap.Int("units", consumed))
	}
	return p, nil
}

// consume decrements batches to cover the summed demand of each medicine.
// Two lines resolving to the same medicine draw from one pool, which can
// fail even when each line alone fits.
func consume(ctx context.Context, tx store.Tx, report availability.Report, batches []catalog.Batch) (int, error) {
	demand := report.Demand()
	ids := make([]string, 0, len(demand))
	for id := range demand {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var missing []string
	var draws []catalog.Draw
	total := 0
	for _, id := range ids {
		plan, err := catalog.PlanConsumption(batches, id, demand[id])
		if err != nil {
			missing = append(missing, fmt.Sprintf("%s (need %d, have %d)", labelFor(report, id), demand[id], catalog.Aggregate(batches).Total(id)))
			continue
		}
		draws = append(draws, plan...)
		total += demand[id]
	}
	if len(missing) > 0 {
		return 0, &domain.StockError{Missing: missing}
	}
	for _, d := range draws {
		if err := tx.SetBatchQuantity(ctx, d.BatchID, d.Remaining); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// labelFor names a medicine the way the inbox names its first line, so the
// refusal reads like the availability report.
func labelFor(report availability.Report, medicineID string) string {
	for _, v := range report.Lines {
		if v.Medicine != nil && v.Medicine.ID == medicineID {
			return v.Label()
		}
	}
	return medicineID
}

// Reject marks a sent prescription rejected with a structured reason.
func (s *Decisions) Reject(ctx context.Context, who auth.Principal, id, code, note string) (prescription.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "reject_prescription")
	defer span.End()
	span.SetAttributes(attribute.String("prescription_id", id), attribute.String("reason_code", code))

	if err := who.Require("reject prescriptions", auth.RolePharmacy); err != nil {
		return prescription.Prescription{}, err
	}
	reason, err := prescription.NewRejectionReason(code, note)
	if err != nil {
		return prescription.Prescription{}, err
	}
	start := time.Now()

	var p prescription.Prescription
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		p, err = tx.LockPrescription(ctx, id)
		if err != nil {
			return err
		}
		from := p.Status
		if err := p.Reject(s.now(), reason); err != nil {
			return err
		}
		ok, err := tx.UpdatePrescription(ctx, p, from)
		if err != nil {
			return err
		}
		if !ok {
			return conflict(ctx, tx, p.ID, prescription.ActionReject)
		}
		return s.emit(ctx, tx, who, prescription.EventRejected, &p, from)
	})
	if err != nil {
		s.refused(err)
		span.SetStatus(codes.Error, err.Error())
		return prescription.Prescription{}, s.fail("reject prescription", err)
	}

	s.metrics.Decided(string(prescription.StatusRejected), time.Since(start))
	s.logTransition(p, prescription.StatusSent, who)
	return p, nil
}

func (s *Decisions) refused(err error) {
	switch {
	case errors.Is(err, domain.ErrAlreadyDecided):
		s.metrics.Conflict()
		s.logger.Warn("decision conflict", zap.Error(err))
	case errors.Is(err, domain.ErrInsufficientStock):
		s.metrics.StockRefused()
		s.logger.Info("fulfill refused", zap.Error(err))
	}
}
