// Package memstore provides an in-memory transactional store. Transactions
// run on a private copy of the state that replaces the shared state on
// success, so concurrent writers are serialized.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/drfirst/rxdesk/internal/domain"
	"github.com/drfirst/rxdesk/internal/domain/catalog"
	"github.com/drfirst/rxdesk/internal/domain/prescription"
	"github.com/drfirst/rxdesk/internal/store"
)

var errReadOnly = errors.New("memstore: write in read-only view")

type state struct {
	medicines     map[string]catalog.Medicine
	batches       map[string]catalog.Batch
	prescriptions map[string]prescription.Prescription
	outbox        []prescription.Event
}

func newState() state {
	return state{
		medicines:     map[string]catalog.Medicine{},
		batches:       map[string]catalog.Batch{},
		prescriptions: map[string]prescription.Prescription{},
	}
}

func (s state) clone() state {
	c := state{
		medicines:     make(map[string]catalog.Medicine, len(s.medicines)),
		batches:       make(map[string]catalog.Batch, len(s.batches)),
		prescriptions: make(map[string]prescription.Prescription, len(s.prescriptions)),
		outbox:        append([]prescription.Event(nil), s.outbox...),
	}
	for k, v := range s.medicines {
		c.medicines[k] = v
	}
	for k, v := range s.batches {
		c.batches[k] = cloneBatch(v)
	}
	for k, v := range s.prescriptions {
		c.prescriptions[k] = clonePrescription(v)
	}
	return c
}

func cloneBatch(b catalog.Batch) catalog.Batch {
	if b.ExpiryDate != nil {
		exp := *b.ExpiryDate
		b.ExpiryDate = &exp
	}
	return b
}

func clonePrescription(p prescription.Prescription) prescription.Prescription {
	if p.SentAt != nil {
		at := *p.SentAt
		p.SentAt = &at
	}
	if p.PharmacyAt != nil {
		at := *p.PharmacyAt
		p.PharmacyAt = &at
	}
	if p.Rejection != nil {
		r := *p.Rejection
		p.Rejection = &r
	}
	p.Lines = append([]prescription.Line{}, p.Lines...)
	return p
}

// Store is the in-memory store.Store.
type Store struct {
	mu    sync.RWMutex
	state state
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{state: newState()}
}

// RunInTx implements store.Store.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &tx{state: s.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

// View implements store.Store.
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(ctx, &tx{state: snapshot, readOnly: true})
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// Outbox returns a copy of the events appended so far.
func (s *Store) Outbox() []prescription.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]prescription.Event(nil), s.state.outbox...)
}

// DrainOutbox removes and returns every pending event.
func (s *Store) DrainOutbox() []prescription.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.state.outbox
	s.state.outbox = nil
	return out
}

type tx struct {
	state    state
	readOnly bool
}

func (t *tx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *tx) ListMedicines(_ context.Context) ([]catalog.Medicine, error) {
	out := make([]catalog.Medicine, 0, len(t.state.medicines))
	for _, m := range t.state.medicines {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *tx) GetMedicine(_ context.Context, id string) (catalog.Medicine, error) {
	m, ok := t.state.medicines[id]
	if !ok {
		return catalog.Medicine{}, domain.NotFound("medicine", id)
	}
	return m, nil
}

func (t *tx) CreateMedicine(_ context.Context, m catalog.Medicine) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.medicines[m.ID] = m
	return nil
}

func (t *tx) UpdateMedicine(_ context.Context, m catalog.Medicine) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.state.medicines[m.ID]; !ok {
		return domain.NotFound("medicine", m.ID)
	}
	t.state.medicines[m.ID] = m
	return nil
}

func (t *tx) DeleteMedicine(_ context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.state.medicines[id]; !ok {
		return domain.NotFound("medicine", id)
	}
	for _, b := range t.state.batches {
		if b.MedicineID == id {
			return domain.Validation("medicine still has batches")
		}
	}
	delete(t.state.medicines, id)
	for pid, p := range t.state.prescriptions {
		for i := range p.Lines {
			if p.Lines[i].MedicineID == id {
				p.Lines[i].MedicineID = ""
			}
		}
		t.state.prescriptions[pid] = p
	}
	return nil
}

func (t *tx) ListBatches(_ context.Context, medicineID string) ([]catalog.Batch, error) {
	out := make([]catalog.Batch, 0, len(t.state.batches))
	for _, b := range t.state.batches {
		if medicineID == "" || b.MedicineID == medicineID {
			out = append(out, cloneBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// LockBatches is a plain read: the transaction already holds the store lock.
func (t *tx) LockBatches(_ context.Context, medicineIDs []string) ([]catalog.Batch, error) {
	want := make(map[string]bool, len(medicineIDs))
	for _, id := range medicineIDs {
		want[id] = true
	}
	var out []catalog.Batch
	for _, b := range t.state.batches {
		if want[b.MedicineID] {
			out = append(out, cloneBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) CreateBatch(_ context.Context, b catalog.Batch) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.state.medicines[b.MedicineID]; !ok {
		return domain.NotFound("medicine", b.MedicineID)
	}
	t.state.batches[b.ID] = cloneBatch(b)
	return nil
}

func (t *tx) SetBatchQuantity(_ context.Context, id string, quantity int) error {
	if err := t.writable(); err != nil {
		return err
	}
	b, ok := t.state.batches[id]
	if !ok {
		return domain.NotFound("batch", id)
	}
	b.Quantity = quantity
	t.state.batches[id] = b
	return nil
}

func (t *tx) ListPrescriptions(_ context.Context, f prescription.Filter) ([]prescription.Prescription, error) {
	var out []prescription.Prescription
	for _, p := range t.state.prescriptions {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.PatientID != "" && p.PatientID != f.PatientID {
			continue
		}
		if f.DoctorID != "" && p.DoctorID != f.DoctorID {
			continue
		}
		out = append(out, clonePrescription(p))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.SentAt != nil && b.SentAt == nil:
			return true
		case a.SentAt == nil && b.SentAt != nil:
			return false
		case a.SentAt != nil && !a.SentAt.Equal(*b.SentAt):
			return a.SentAt.After(*b.SentAt)
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return out, nil
}

func (t *tx) GetPrescription(_ context.Context, id string) (prescription.Prescription, error) {
	p, ok := t.state.prescriptions[id]
	if !ok {
		return prescription.Prescription{}, domain.NotFound("prescription", id)
	}
	return clonePrescription(p), nil
}

// LockPrescription is a plain read: the transaction already holds the store lock.
func (t *tx) LockPrescription(ctx context.Context, id string) (prescription.Prescription, error) {
	return t.GetPrescription(ctx, id)
}

func (t *tx) CreatePrescription(_ context.Context, p prescription.Prescription) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.prescriptions[p.ID] = clonePrescription(p)
	return nil
}

func (t *tx) ReplaceLines(_ context.Context, prescriptionID string, lines []prescription.Line) error {
	if err := t.writable(); err != nil {
		return err
	}
	p, ok := t.state.prescriptions[prescriptionID]
	if !ok {
		return domain.NotFound("prescription", prescriptionID)
	}
	p.Lines = append([]prescription.Line{}, lines...)
	t.state.prescriptions[prescriptionID] = p
	return nil
}

func (t *tx) UpdatePrescription(_ context.Context, p prescription.Prescription, expected prescription.Status) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	cur, ok := t.state.prescriptions[p.ID]
	if !ok || cur.Status != expected {
		return false, nil
	}
	next := clonePrescription(p)
	next.Lines = cur.Lines
	t.state.prescriptions[p.ID] = next
	return true, nil
}

func (t *tx) DeletePrescription(_ context.Context, id string) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.state.prescriptions[id]; !ok {
		return domain.NotFound("prescription", id)
	}
	delete(t.state.prescriptions, id)
	return nil
}

func (t *tx) AppendOutbox(_ context.Context, e *prescription.Event) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.outbox = append(t.state.outbox, *e)
	return nil
}
