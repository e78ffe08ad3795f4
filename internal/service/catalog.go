package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/rxdesk/internal/auth"
	"github.com/drfirst/rxdesk/internal/domain"
	"github.com/drfirst/rxdesk/internal/domain/catalog"
	"github.com/drfirst/rxdesk/internal/store"
)

// Catalog manages the pharmacy's medicines and batches.
type Catalog struct {
	base
	risk catalog.RiskPolicy
}

// NewCatalog creates the service.
func NewCatalog(st store.Store, opts Options) *Catalog {
	risk := opts.Risk
	if risk.LowStockLimit <= 0 || risk.NearExpiryDays <= 0 {
		risk = catalog.DefaultRiskPolicy()
	}
	return &Catalog{base: newBase(st, opts, "catalog"), risk: risk}
}

// Policy returns the thresholds used for labels and the reorder report.
func (s *Catalog) Policy() catalog.RiskPolicy { return s.risk }

// ListMedicines is open to doctors composing prescriptions and to the pharmacy.
func (s *Catalog) ListMedicines(ctx context.Context, who auth.Principal) ([]catalog.Medicine, error) {
	if err := who.Require("list medicines", auth.RoleDoctor, auth.RolePharmacy); err != nil {
		return nil, err
	}
	var out []catalog.Medicine
	err := s.store.View(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListMedicines(ctx)
		return err
	})
	if err != nil {
		return nil, s.fail("list medicines", err)
	}
	return out, nil
}

// CreateMedicine adds a catalog entry.
func (s *Catalog) CreateMedicine(ctx context.Context, who auth.Principal, in catalog.MedicineInput) (catalog.Medicine, error) {
	if err := who.Require("create medicines", auth.RolePharmacy); err != nil {
		return catalog.Medicine{}, err
	}
	in, err := in.Normalize()
	if err != nil {
		return catalog.Medicine{}, err
	}
	m := catalog.Medicine{ID: s.newID(), Name: in.Name, Strength: in.Strength, Form: in.Form, CreatedAt: s.now().UTC()}
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.CreateMedicine(ctx, m)
	})
	if err != nil {
		return catalog.Medicine{}, s.fail("create medicine", err)
	}
	s.logger.Info("medicine created", zap.String("medicine_id", m.ID), zap.String("name", m.Name))
	return m, nil
}

// UpdateMedicine replaces name, strength and form.
func (s *Catalog) UpdateMedicine(ctx context.Context, who auth.Principal, id string, in catalog.MedicineInput) (catalog.Medicine, error) {
	if err := who.Require("edit medicines", auth.RolePharmacy); err != nil {
		return catalog.Medicine{}, err
	}
	in, err := in.Normalize()
	if err != nil {
		return catalog.Medicine{}, err
	}
	var m catalog.Medicine
	err = s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.GetMedicine(ctx, id)
		if err != nil {
			return err
		}
		m = cur
		m.Name, m.Strength, m.Form = in.Name, in.Strength, in.Form
		return tx.UpdateMedicine(ctx, m)
	})
	if err != nil {
		return catalog.Medicine{}, s.fail("update medicine", err)
	}
	return m, nil
}

// DeleteMedicine removes a medicine that no batch references.
func (s *Catalog) DeleteMedicine(ctx context.Context, who auth.Principal, id string) error {
	if err := who.Require("delete medicines", auth.RolePharmacy); err != nil {
		return err
	}
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetMedicine(ctx, id); err != nil {
			return err
		}
		batches, err := tx.ListBatches(ctx, id)
		if err != nil {
			return err
		}
		if len(batches) > 0 {
			return domain.Validation("medicine still has batches and cannot be deleted")
		}
		return tx.DeleteMedicine(ctx, id)
	})
	if err != nil {
		return s.fail("delete medicine", err)
	}
	s.logger.Info("medicine deleted", zap.String("medicine_id", id))
	return nil
}

// ListBatches lists batches newest first, optionally for one medicine.
func (s *Catalog) ListBatches(ctx context.Context, who auth.Principal, medicineID string) ([]catalog.Batch, error) {
	if err := who.Require("list batches", auth.RolePharmacy); err != nil {
		return nil, err
	}
	var out []catalog.Batch
	err := s.store.View(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListBatches(ctx, medicineID)
		return err
	})
	if err != nil {
		return nil, s.fail("list batches", err)
	}
	return out, nil
}

// CreateBatch records a received lot. ReceivedAt defaults to now.
func (s *Catalog) CreateBatch(ctx context.Context, who auth.Principal, in catalog.BatchInput) (catalog.Batch, error) {
	if err := who.Require("receive batches", auth.RolePharmacy); err != nil {
		return catalog.Batch{}, err
	}
	var b catalog.Batch
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		b, err = s.createBatch(ctx, tx, in)
		return err
	})
	if err != nil {
		return catalog.Batch{}, s.fail("create batch", err)
	}
	s.logger.Info("batch received",
		zap.String("batch_id", b.ID),
		zap.String("medicine_id", b.MedicineID),
		zap.Int("quantity", b.Quantity),
	)
	return b, nil
}

func (s *Catalog) createBatch(ctx context.Context, tx store.Tx, in catalog.BatchInput) (catalog.Batch, error) {
	if err := in.Validate(); err != nil {
		return catalog.Batch{}, err
	}
	if _, err := tx.GetMedicine(ctx, in.MedicineID); err != nil {
		return catalog.Batch{}, err
	}
	now := s.now().UTC()
	b := catalog.Batch{
		ID:          s.newID(),
		MedicineID:  in.MedicineID,
		BatchNumber: in.BatchNumber,
		Quantity:    in.Quantity,
		ExpiryDate:  in.ExpiryDate,
		ReceivedAt:  now,
		CreatedAt:   now,
	}
	if in.ReceivedAt != nil {
		b.ReceivedAt = in.ReceivedAt.UTC()
	}
	return b, tx.CreateBatch(ctx, b)
}

// StockRow is one line of the inventory view.
type StockRow struct {
	Medicine catalog.Medicine     `json:"medicine"`
	Stock    catalog.StockSummary `json:"stock"`
	Level    catalog.StockLevel   `json:"level"`
	Label    string               `json:"label"`
	// Units in batches past their expiry date, and units expiring within
	// the near-expiry window. Both are included in Stock.Total.
	ExpiredUnits  int `json:"expiredUnits"`
	ExpiringUnits int `json:"expiringUnits"`
}

// Inventory lists every medicine with its aggregated stock.
func (s *Catalog) Inventory(ctx context.Context, who auth.Principal) ([]StockRow, error) {
	if err := who.Require("view inventory", auth.RolePharmacy); err != nil {
		return nil, err
	}
	snap, err := loadSnapshot(ctx, s.store)
	if err != nil {
		return nil, s.fail("load inventory", err)
	}
	idx := catalog.Aggregate(snap.batches)
	now := s.now()
	window := time.Duration(s.risk.NearExpiryDays) * 24 * time.Hour
	expired := make(map[string]int)
	expiring := make(map[string]int)
	for _, b := range snap.batches {
		switch {
		case b.IsExpired(now):
			expired[b.MedicineID] += b.Quantity
		case b.ExpiresWithin(now, window):
			expiring[b.MedicineID] += b.Quantity
		}
	}
	rows := make([]StockRow, 0, len(snap.medicines))
	for _, m := range snap.medicines {
		sum := idx[m.ID]
		sum.MedicineID = m.ID
		rows = append(rows, StockRow{
			Medicine:      m,
			Stock:         sum,
			Level:         catalog.LevelOf(sum.Total, s.risk.LowStockLimit),
			Label:         catalog.StockLabel(sum.Total, s.risk.LowStockLimit),
			ExpiredUnits:  expired[m.ID],
			ExpiringUnits: expiring[m.ID],
		})
	}
	return rows, nil
}

// ReorderReport ranks medicines at risk of running out or expiring.
func (s *Catalog) ReorderReport(ctx context.Context, who auth.Principal, query string) ([]catalog.RiskItem, error) {
	if err := who.Require("view the reorder report", auth.RolePharmacy); err != nil {
		return nil, err
	}
	snap, err := loadSnapshot(ctx, s.store)
	if err != nil {
		return nil, s.fail("load reorder report", err)
	}
	return catalog.RankReorderRisks(snap.medicines, snap.batches, s.risk, s.now(), query), nil
}

// ImportItem is one medicine with its initial batches. Batch medicine ids
// are filled in by Import.
type ImportItem struct {
	catalog.MedicineInput
	Batches []catalog.BatchInput `json:"batches,omitempty"`
}

// ImportResult counts what an import created.
type ImportResult struct {
	Medicines int `json:"medicines"`
	Batches   int `json:"batches"`
}

// Import creates medicines and batches in one transaction. A medicine whose
// match key already exists is reused rather than duplicated.
func (s *Catalog) Import(ctx context.Context, who auth.Principal, items []ImportItem) (ImportResult, error) {
	if err := who.Require("import the catalog", auth.RolePharmacy); err != nil {
		return ImportResult{}, err
	}
	var res ImportResult
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		existing, err := tx.ListMedicines(ctx)
		if err != nil {
			return err
		}
		byKey := make(map[string]string, len(existing))
		for _, m := range existing {
			if _, ok := byKey[m.Key()]; !ok {
				byKey[m.Key()] = m.ID
			}
		}
		for _, item := range items {
			in, err := item.MedicineInput.Normalize()
			if err != nil {
				return err
			}
			key := catalog.MatchKey(in.Name, in.Strength, in.Form)
			id, ok := byKey[key]
			if !ok {
				m := catalog.Medicine{ID: s.newID(), Name: in.Name, Strength: in.Strength, Form: in.Form, CreatedAt: s.now().UTC()}
				if err := tx.CreateMedicine(ctx, m); err != nil {
					return err
				}
				id = m.ID
				byKey[key] = id
				res.Medicines++
			}
			for _, bin := range item.Batches {
				bin.MedicineID = id
				if _, err := s.createBatch(ctx, tx, bin); err != nil {
					return err
				}
				res.Batches++
			}
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, s.fail("import catalog", err)
	}
	s.logger.Info("catalog imported", zap.Int("medicines", res.Medicines), zap.Int("batches", res.Batches))
	return res, nil
}
