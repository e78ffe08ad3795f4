// Package catalog models the pharmacy's medicines and received batches, and
// derives stock figures from them.
package catalog

import (
	"strings"
	"time"

	"github.com/drfirst/rxdesk/internal/domain"
)

// Medicine is a catalog entry owned by the pharmacy.
type Medicine struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Strength  string    `json:"strength,omitempty"`
	Form      string    `json:"form,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// MedicineInput is the payload for creating or editing a medicine.
type MedicineInput struct {
	Name     string `json:"name"`
	Strength string `json:"strength,omitempty"`
	Form     string `json:"form,omitempty"`
}

// Normalize trims every field and requires a name.
func (in MedicineInput) Normalize() (MedicineInput, error) {
	out := MedicineInput{
		Name:     strings.TrimSpace(in.Name),
		Strength: strings.TrimSpace(in.Strength),
		Form:     strings.TrimSpace(in.Form),
	}
	if out.Name == "" {
		return MedicineInput{}, domain.Validation("medicine name is required")
	}
	return out, nil
}

// Key returns the fallback match key for the medicine.
func (m Medicine) Key() string {
	return MatchKey(m.Name, m.Strength, m.Form)
}

// Label renders "name strength form", skipping empty parts.
func (m Medicine) Label() string {
	return Label(m.Name, m.Strength, m.Form)
}

// MatchKey builds the case- and whitespace-insensitive key used to match a
// prescription line without a medicine reference.
func MatchKey(name, strength, form string) string {
	norm := func(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
	return norm(name) + "|" + norm(strength) + "|" + norm(form)
}

// Label joins the non-empty parts with single spaces.
func Label(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
