package prescription

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/drfirst/rxdesk/internal/domain"
)

// ReasonCode is the structured part of a rejection.
type ReasonCode string

const (
	ReasonOutOfStock          ReasonCode = "out_of_stock"
	ReasonInsufficientStock   ReasonCode = "insufficient_stock"
	ReasonNotFound            ReasonCode = "not_found"
	ReasonExpiredBatchesOnly  ReasonCode = "expired_batches_only"
	ReasonInvalidPrescription ReasonCode = "invalid_prescription"
	ReasonOther               ReasonCode = "other"
)

// ReasonCodes lists the accepted codes in display order.
var ReasonCodes = []ReasonCode{
	ReasonOutOfStock,
	ReasonInsufficientStock,
	ReasonNotFound,
	ReasonExpiredBatchesOnly,
	ReasonInvalidPrescription,
	ReasonOther,
}

// Valid reports whether c belongs to the closed set.
func (c ReasonCode) Valid() bool {
	for _, known := range ReasonCodes {
		if c == known {
			return true
		}
	}
	return false
}

// MaxReasonNoteLength bounds the free-text note, in characters.
const MaxReasonNoteLength = 140

const legacySeparator = " | "

// RejectionReason is a code with an optional note.
type RejectionReason struct {
	Code ReasonCode `json:"code"`
	Note string     `json:"note,omitempty"`
}

// NewRejectionReason validates code and trims and bounds the note.
func NewRejectionReason(code, note string) (RejectionReason, error) {
	c := ReasonCode(strings.ToLower(strings.TrimSpace(code)))
	if c == "" {
		return RejectionReason{}, domain.Validation("rejection code is required")
	}
	if !c.Valid() {
		return RejectionReason{}, domain.Validation(fmt.Sprintf("unknown rejection code %q", code))
	}
	return RejectionReason{Code: c, Note: TruncateNote(note)}, nil
}

// TruncateNote trims n and cuts it to MaxReasonNoteLength characters.
func TruncateNote(n string) string {
	n = strings.TrimSpace(n)
	if utf8.RuneCountInString(n) <= MaxReasonNoteLength {
		return n
	}
	return strings.TrimSpace(string([]rune(n)[:MaxReasonNoteLength]))
}

// String renders the legacy "<code> | <note>" form, or just the code.
func (r RejectionReason) String() string {
	if r.Note == "" {
		return string(r.Code)
	}
	return string(r.Code) + legacySeparator + r.Note
}

// ParseRejectionReason reads the legacy combined string. Unknown codes are
// kept as-is so old rows stay readable.
func ParseRejectionReason(s string) (RejectionReason, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RejectionReason{}, false
	}
	code, note, _ := strings.Cut(s, "|")
	return RejectionReason{
		Code: ReasonCode(strings.TrimSpace(code)),
		Note: strings.TrimSpace(note),
	}, true
}
