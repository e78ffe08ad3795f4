package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/rxdesk/internal/auth"
	"github.com/drfirst/rxdesk/internal/domain"
	"github.com/drfirst/rxdesk/internal/domain/prescription"
	"github.com/drfirst/rxdesk/internal/store"
)

// Prescriptions handles the doctor side of the lifecycle and read access for
// every role.
type Prescriptions struct {
	base
}

// NewPrescriptions creates the service.
func NewPrescriptions(st store.Store, opts Options) *Prescriptions {
	return &Prescriptions{base: newBase(st, opts, "prescriptions")}
}

// DraftInput is the payload of CreateDraft.
type DraftInput struct {
	PatientID   string                   `json:"patientId"`
	PatientName string                   `json:"patientName"`
	Lines       []prescription.LineInput `json:"lines,omitempty"`
}

// CreateDraft starts a prescription authored by the calling doctor.
func (s *Prescriptions) CreateDraft(ctx context.Context, who auth.Principal, in DraftInput) (prescription.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "create_draft")
	defer span.End()

	if err := who.Require("create prescriptions", auth.RoleDoctor); err != nil {
		return prescription.Prescription{}, err
	}
	p, err := prescription.NewDraft(s.newID(), who.UserID, in.PatientID, in.PatientName, s.now())
	if err != nil {
		return prescription.Prescription{}, err
	}
	lines, err := prescription.BuildLines(p.ID, in.Lines, s.newID)
	if err != nil {
		return prescription.Prescription{}, err
	}
	p.Lines = lines
	span.SetAttributes(attribute.String("prescription_id", p.ID))

	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.CreatePrescription(ctx, p); err != nil {
			return err
		}
		return s.emit(ctx, tx, who, prescription.EventDrafted, &p, "")
	})
	if err != nil {
		return prescription.Prescription{}, s.fail("create prescription", err)
	}
	s.metrics.Created()
	s.logTransition(p, "", who)
	return p, nil
}

// Get returns one prescription the caller may read.
func (s *Prescriptions) Get(ctx context.Context, who auth.Principal, id string) (prescription.Prescription, error) {
	var p prescription.Prescription
	err := s.store.View(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		p, err = tx.GetPrescription(ctx, id)
		return err
	})
	if err != nil {
		return prescription.Prescription{}, s.fail("get prescription", err)
	}
	if err := canRead(who, p); err != nil {
		return prescription.Prescription{}, err
	}
	return p, nil
}

// List returns the prescriptions visible to the caller: doctors see their
// own, patients theirs, pharmacies everything that has been sent.
func (s *Prescriptions) List(ctx context.Context, who auth.Principal, status prescription.Status) ([]prescription.Prescription, error) {
	if err := who.Require("list prescriptions", auth.RoleDoctor, auth.RolePatient, auth.RolePharmacy); err != nil {
		return nil, err
	}
	f := prescription.Filter{Status: status}
	switch who.Role {
	case auth.RoleDoctor:
		f.DoctorID = who.UserID
	case auth.RolePatient:
		f.PatientID = who.UserID
	case auth.RolePharmacy:
		if status == prescription.StatusDraft {
			return nil, domain.Forbidden("list draft prescriptions", string(who.Role))
		}
	}

	var out []prescription.Prescription
	err := s.store.View(ctx, func(ctx context.Context, tx store.Tx) error {
		all, err := tx.ListPrescriptions(ctx, f)
		if err != nil {
			return err
		}
		out = make([]prescription.Prescription, 0, len(all))
		for _, p := range all {
			if canRead(who, p) == nil {
				out = append(out, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.fail("list prescriptions", err)
	}
	return out, nil
}

// UpdateHeader edits patient and pickup fields of a draft.
func (s *Prescriptions) UpdateHeader(ctx context.Context, who auth.Principal, id string, patch prescription.HeaderPatch) (prescription.Prescription, error) {
	return s.mutateDraft(ctx, who, id, "edit prescriptions", func(ctx context.Context, tx store.Tx, p *prescription.Prescription) error {
		if err := p.ApplyHeader(patch); err != nil {
			return err
		}
		ok, err := tx.UpdatePrescription(ctx, *p, prescription.StatusDraft)
		if err != nil {
			return err
		}
		if !ok {
			return conflict(ctx, tx, p.ID, prescription.ActionEdit)
		}
		return nil
	})
}

// ReplaceLines swaps the full line set of a draft. An empty set clears it.
func (s *Prescriptions) ReplaceLines(ctx context.Context, who auth.Principal, id string, inputs []prescription.LineInput) (prescription.Prescription, error) {
	return s.mutateDraft(ctx, who, id, "edit prescriptions", func(ctx context.Context, tx store.Tx, p *prescription.Prescription) error {
		if _, err := prescription.Next(p.Status, prescription.ActionEdit); err != nil {
			return err
		}
		lines, err := prescription.BuildLines(p.ID, inputs, s.newID)
		if err != nil {
			return err
		}
		if err := p.ReplaceLines(lines); err != nil {
			return err
		}
		return tx.ReplaceLines(ctx, p.ID, lines)
	})
}

// Send hands a draft over to the pharmacy.
func (s *Prescriptions) Send(ctx context.Context, who auth.Principal, id string) (prescription.Prescription, error) {
	p, err := s.mutateDraft(ctx, who, id, "send prescriptions", func(ctx context.Context, tx store.Tx, p *prescription.Prescription) error {
		from := p.Status
		if err := p.Send(s.now()); err != nil {
			return err
		}
		ok, err := tx.UpdatePrescription(ctx, *p, from)
		if err != nil {
			return err
		}
		if !ok {
			return conflict(ctx, tx, p.ID, prescription.ActionSend)
		}
		return s.emit(ctx, tx, who, prescription.EventSent, p, from)
	})
	if err != nil {
		return prescription.Prescription{}, err
	}
	s.metrics.Sent()
	s.logTransition(p, prescription.StatusDraft, who)
	return p, nil
}

// Duplicate creates a new draft from a rejected prescription. The rejected
// original is left as it is.
func (s *Prescriptions) Duplicate(ctx context.Context, who auth.Principal, id string) (prescription.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, "duplicate_prescription")
	defer span.End()
	span.SetAttributes(attribute.String("source_prescription_id", id))

	if err := who.Require("duplicate prescriptions", auth.RoleDoctor); err != nil {
		return prescription.Prescription{}, err
	}
	var dup prescription.Prescription
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		src, err := tx.GetPrescription(ctx, id)
		if err != nil {
			return err
		}
		if err := ownPrescription(who, src); err != nil {
			return err
		}
		dup, err = src.DuplicateAsDraft(s.newID(), s.now(), s.newID)
		if err != nil {
			return err
		}
		dup.DoctorID = who.UserID
		if err := tx.CreatePrescription(ctx, dup); err != nil {
			return err
		}
		return s.emit(ctx, tx, who, prescription.EventDuplicated, &dup, "")
	})
	if err != nil {
		return prescription.Prescription{}, s.fail("duplicate prescription", err)
	}
	s.metrics.Created()
	s.logger.Info("prescription duplicated",
		zap.String("prescription_id", dup.ID),
		zap.String("source_prescription_id", id),
		zap.String("actor", who.UserID),
	)
	return dup, nil
}

// Delete removes a draft authored by the caller.
func (s *Prescriptions) Delete(ctx context.Context, who auth.Principal, id string) error {
	_, err := s.mutateDraft(ctx, who, id, "delete prescriptions", func(ctx context.Context, tx store.Tx, p *prescription.Prescription) error {
		if err := p.CheckDelete(); err != nil {
			return err
		}
		if err := tx.DeletePrescription(ctx, p.ID); err != nil {
			return err
		}
		return s.emit(ctx, tx, who, prescription.EventDeleted, p, p.Status)
	})
	if err == nil {
		s.logger.Info("prescription deleted", zap.String("prescription_id", id), zap.String("actor", who.UserID))
	}
	return err
}

// mutateDraft locks the prescription, checks authorship and runs fn inside
// one transaction.
func (s *Prescriptions) mutateDraft(ctx context.Context, who auth.Principal, id, action string, fn func(ctx context.Context, tx store.Tx, p *prescription.Prescription) error) (prescription.Prescription, error) {
	ctx, span := s.tracer.Start(ctx, action)
	defer span.End()
	span.SetAttributes(attribute.String("prescription_id", id))

	if err := who.Require(action, auth.RoleDoctor); err != nil {
		return prescription.Prescription{}, err
	}
	var p prescription.Prescription
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		p, err = tx.LockPrescription(ctx, id)
		if err != nil {
			return err
		}
		if err := ownPrescription(who, p); err != nil {
			return err
		}
		return fn(ctx, tx, &p)
	})
	if err != nil {
		return prescription.Prescription{}, s.fail(action, err)
	}
	return p, nil
}

func ownPrescription(who auth.Principal, p prescription.Prescription) error {
	if p.DoctorID != who.UserID {
		return domain.Forbidden("change another doctor's prescription", string(who.Role))
	}
	return nil
}

func canRead(who auth.Principal, p prescription.Prescription) error {
	switch {
	case who.Anonymous():
		return domain.Forbidden("read prescriptions", "")
	case who.Role == auth.RoleDoctor && p.DoctorID == who.UserID:
		return nil
	case who.Role == auth.RolePatient && p.PatientID == who.UserID:
		return nil
	case who.Role == auth.RolePharmacy && p.Status != prescription.StatusDraft:
		return nil
	}
	return domain.Forbidden("read this prescription", string(who.Role))
}
