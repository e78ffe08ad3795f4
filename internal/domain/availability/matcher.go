// Package availability resolves prescription lines against the catalog and
// decides whether a prescription can be fulfilled from current stock.
package availability

import (
	"fmt"
	"sort"
	"strings"

	"github.com/drfirst/rxdesk/internal/domain/catalog"
	"github.com/drfirst/rxdesk/internal/domain/prescription"
)

// Verdict is the outcome for one line.
type Verdict string

const (
	VerdictInStock      Verdict = "in_stock"
	VerdictInsufficient Verdict = "insufficient_stock"
	VerdictNotFound     Verdict = "not_found"
)

// Matcher indexes a catalog snapshot. It is immutable once built and safe to
// share between goroutines.
type Matcher struct {
	byID  map[string]catalog.Medicine
	byKey map[string]catalog.Medicine
	stock catalog.StockIndex
}

// NewMatcher builds the id and match-key indexes. When two medicines share a
// key the oldest one wins.
func NewMatcher(meds []catalog.Medicine, batches []catalog.Batch) *Matcher {
	sorted := append([]catalog.Medicine(nil), meds...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	m := &Matcher{
		byID:  make(map[string]catalog.Medicine, len(sorted)),
		byKey: make(map[string]catalog.Medicine, len(sorted)),
		stock: catalog.Aggregate(batches),
	}
	for _, med := range sorted {
		m.byID[med.ID] = med
		if _, taken := m.byKey[med.Key()]; !taken {
			m.byKey[med.Key()] = med
		}
	}
	return m
}

// Resolve finds the catalog medicine for a line: by id first, then by the
// name/strength/form key.
func (m *Matcher) Resolve(l prescription.Line) (catalog.Medicine, bool) {
	if l.MedicineID != "" {
		if med, ok := m.byID[l.MedicineID]; ok {
			return med, true
		}
	}
	if strings.TrimSpace(l.Name) == "" {
		return catalog.Medicine{}, false
	}
	med, ok := m.byKey[catalog.MatchKey(l.Name, l.Strength, l.Form)]
	return med, ok
}

// Stock returns the aggregated stock of a medicine.
func (m *Matcher) Stock(medicineID string) int {
	return m.stock.Total(medicineID)
}

// LineVerdict is the evaluation of one line.
type LineVerdict struct {
	Line      prescription.Line `json:"line"`
	Medicine  *catalog.Medicine `json:"medicine,omitempty"`
	Needed    int               `json:"needed"`
	Available int               `json:"available"`
	Satisfied bool              `json:"satisfied"`
	Verdict   Verdict           `json:"verdict"`
}

// Label is "name strength form" from the line snapshot, falling back to the
// resolved medicine for empty parts.
func (v LineVerdict) Label() string {
	name, strength, form := v.Line.Name, v.Line.Strength, v.Line.Form
	if v.Medicine != nil {
		if name == "" {
			name = v.Medicine.Name
		}
		if strength == "" {
			strength = v.Medicine.Strength
		}
		if form == "" {
			form = v.Medicine.Form
		}
	}
	if name == "" {
		name = "Unknown medicine"
	}
	return catalog.Label(name, strength, form)
}

// Missing renders the unsatisfied-line text shown to the pharmacist.
func (v LineVerdict) Missing() string {
	if v.Verdict == VerdictNotFound {
		return v.Label() + " (not found)"
	}
	return fmt.Sprintf("%s (need %d, have %d)", v.Label(), v.Needed, v.Available)
}

// Report is the evaluation of a whole prescription.
type Report struct {
	Lines       []LineVerdict `json:"lines"`
	CanFulfill  bool          `json:"canFulfill"`
	Missing     []string      `json:"missing"`
	AnyNotFound bool          `json:"anyNotFound"`
}

// Evaluate checks every line of p. A prescription without lines can never
// be fulfilled.
func (m *Matcher) Evaluate(p prescription.Prescription) Report {
	r := Report{
		Lines:   make([]LineVerdict, 0, len(p.Lines)),
		Missing: []string{},
	}
	allSatisfied := true
	for _, l := range p.Lines {
		v := m.evaluateLine(l)
		r.Lines = append(r.Lines, v)
		if !v.Satisfied {
			allSatisfied = false
			r.Missing = append(r.Missing, v.Missing())
		}
		if v.Verdict == VerdictNotFound {
			r.AnyNotFound = true
		}
	}
	r.CanFulfill = len(p.Lines) > 0 && allSatisfied
	return r
}

func (m *Matcher) evaluateLine(l prescription.Line) LineVerdict {
	v := LineVerdict{Line: l, Needed: l.Quantity, Verdict: VerdictNotFound}
	med, ok := m.Resolve(l)
	if !ok {
		return v
	}
	v.Medicine = &med
	v.Available = m.stock.Total(med.ID)
	v.Satisfied = v.Available >= l.Quantity
	if v.Satisfied {
		v.Verdict = VerdictInStock
	} else {
		v.Verdict = VerdictInsufficient
	}
	return v
}

// SuggestedRejection pre-fills the reject form from the missing list.
func (r Report) SuggestedRejection() prescription.RejectionReason {
	if len(r.Missing) == 0 {
		return prescription.RejectionReason{Code: prescription.ReasonOther}
	}
	code := prescription.ReasonInsufficientStock
	if r.AnyNotFound {
		code = prescription.ReasonNotFound
	}
	return prescription.RejectionReason{
		Code: code,
		Note: prescription.TruncateNote(strings.Join(r.Missing, ", ")),
	}
}

// Demand sums the quantity needed per resolved medicine id. Lines that do not
// resolve are skipped.
func (r Report) Demand() map[string]int {
	need := make(map[string]int)
	for _, v := range r.Lines {
		if v.Medicine != nil {
			need[v.Medicine.ID] += v.Needed
		}
	}
	return need
}

// MedicineIDs lists the resolved medicine ids in first-seen order.
func (r Report) MedicineIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, v := range r.Lines {
		if v.Medicine != nil && !seen[v.Medicine.ID] {
			seen[v.Medicine.ID] = true
			ids = append(ids, v.Medicine.ID)
		}
	}
	return ids
}
