package prescription

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/drfirst/rxdesk/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func draftWithLines(t *testing.T, n int) Prescription {
	t.Helper()
	p, err := NewDraft("rx-1", "doc-1", "P-1", "Jane Doe", t0)
	if err != nil {
		t.Fatalf("new draft: %v", err)
	}
	inputs := make([]LineInput, n)
	for i := range inputs {
		inputs[i] = LineInput{MedicineID: fmt.Sprintf("m%d", i+1), Quantity: 3}
	}
	lines, err := BuildLines(p.ID, inputs, seqIDs("line"))
	if err != nil {
		t.Fatalf("build lines: %v", err)
	}
	if err := p.ReplaceLines(lines); err != nil {
		t.Fatalf("replace lines: %v", err)
	}
	return p
}

func TestParseStatus(t *testing.T) {
	for _, in := range []string{"Draft", " SENT ", "fulfilled", "Rejected"} {
		if _, err := ParseStatus(in); err != nil {
			t.Errorf("ParseStatus(%q): %v", in, err)
		}
	}
	if _, err := ParseStatus("pending"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestNewDraftRequiresPatient(t *testing.T) {
	_, err := NewDraft("rx-1", "doc-1", " ", "", t0)
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || len(ve.Fields) != 2 {
		t.Fatalf("expected two field errors, got %v", err)
	}
}

func TestBuildLinesDefaultsInstructions(t *testing.T) {
	lines, err := BuildLines("rx-1", []LineInput{{MedicineID: "m1", Quantity: 1}}, seqIDs("l"))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if lines[0].Instructions != DefaultInstructions {
		t.Errorf("instructions = %q", lines[0].Instructions)
	}
	if _, err := BuildLines("rx-1", []LineInput{{MedicineID: "m1", Quantity: 0}}, seqIDs("l")); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("zero quantity accepted: %v", err)
	}
	empty, err := BuildLines("rx-1", nil, seqIDs("l"))
	if err != nil || len(empty) != 0 {
		t.Errorf("empty line set should be accepted, got %v %v", empty, err)
	}
}

func TestSendGuard(t *testing.T) {
	p := draftWithLines(t, 0)
	if err := p.Send(t0); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("send without lines: expected validation error, got %v", err)
	}
	if p.Status != StatusDraft || p.SentAt != nil {
		t.Fatal("failed send must not change state")
	}

	p = draftWithLines(t, 1)
	if err := p.Send(t0.Add(time.Hour)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if p.Status != StatusSent || p.SentAt == nil {
		t.Fatalf("unexpected state after send: %+v", p)
	}
	if err := p.CheckInvariants(); err != nil {
		t.Error(err)
	}
}

func TestEditAfterSendIsNotEditable(t *testing.T) {
	p := draftWithLines(t, 1)
	if err := p.Send(t0); err != nil {
		t.Fatal(err)
	}
	name := "John"
	err := p.ApplyHeader(HeaderPatch{PatientName: &name})
	if !errors.Is(err, domain.ErrNotEditable) || !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected not editable, got %v", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.Current != StatusSent {
		t.Errorf("transition error should carry current status, got %v", err)
	}
	if err := p.ReplaceLines(nil); !errors.Is(err, domain.ErrNotEditable) {
		t.Errorf("replace lines after send: %v", err)
	}
	if p.PatientName != "Jane Doe" || len(p.Lines) != 1 {
		t.Error("rejected edit must not mutate")
	}
}

func TestApplyHeader(t *testing.T) {
	p := draftWithLines(t, 1)
	id, pickup := " P-2 ", "Front desk"
	if err := p.ApplyHeader(HeaderPatch{PatientID: &id, PickupInstructions: &pickup}); err != nil {
		t.Fatal(err)
	}
	if p.PatientID != "P-2" || p.PatientName != "Jane Doe" || p.PickupInstructions != "Front desk" {
		t.Errorf("unexpected header: %+v", p)
	}
	blank := ""
	if err := p.ApplyHeader(HeaderPatch{PatientName: &blank}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("blank name accepted: %v", err)
	}
}

func TestDecisionsRequireSent(t *testing.T) {
	p := draftWithLines(t, 1)
	err := p.Fulfill(t0, "")
	if !errors.Is(err, domain.ErrAlreadyDecided) || !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("fulfill draft: %v", err)
	}

	if err := p.Send(t0); err != nil {
		t.Fatal(err)
	}
	if err := p.Fulfill(t0.Add(time.Hour), " Show ID "); err != nil {
		t.Fatal(err)
	}
	if p.PickupInstructions != "Show ID" || p.PharmacyAt == nil {
		t.Errorf("unexpected fulfilled state: %+v", p)
	}
	reason, _ := NewRejectionReason("other", "")
	err = p.Reject(t0, reason)
	var conflict *DecisionConflictError
	if !errors.As(err, &conflict) || conflict.Current != StatusFulfilled {
		t.Fatalf("reject after fulfill: %v", err)
	}
	if err := p.CheckInvariants(); err != nil {
		t.Error(err)
	}
}

func TestRejectSetsReason(t *testing.T) {
	p := draftWithLines(t, 1)
	if err := p.Send(t0); err != nil {
		t.Fatal(err)
	}
	reason, err := NewRejectionReason("insufficient_stock", "Amoxicillin (need 3, have 2)")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Reject(t0.Add(time.Hour), reason); err != nil {
		t.Fatal(err)
	}
	if got := p.RejectionReasonText(); got != "insufficient_stock | Amoxicillin (need 3, have 2)" {
		t.Errorf("reason = %q", got)
	}
	if err := p.CheckInvariants(); err != nil {
		t.Error(err)
	}
	if len(p.Timeline()) != 3 || p.Timeline()[2].Status != StatusRejected {
		t.Errorf("timeline = %+v", p.Timeline())
	}
}

func TestDuplicateAsDraft(t *testing.T) {
	p := draftWithLines(t, 2)
	if err := p.Send(t0); err != nil {
		t.Fatal(err)
	}

	if _, err := p.DuplicateAsDraft("rx-2", t0, seqIDs("dup")); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("duplicate of sent: %v", err)
	}

	reason, _ := NewRejectionReason("not_found", "")
	if err := p.Reject(t0, reason); err != nil {
		t.Fatal(err)
	}
	origLines := append([]Line(nil), p.Lines...)

	dup, err := p.DuplicateAsDraft("rx-2", t0.Add(time.Hour), seqIDs("dup"))
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if dup.Status != StatusDraft || dup.SentAt != nil || dup.Rejection != nil || dup.SourceID != p.ID {
		t.Errorf("unexpected duplicate header: %+v", dup)
	}
	if len(dup.Lines) != len(origLines) {
		t.Fatalf("duplicate has %d lines, want %d", len(dup.Lines), len(origLines))
	}
	for i, l := range dup.Lines {
		o := origLines[i]
		if l.ID == o.ID || l.PrescriptionID != "rx-2" {
			t.Errorf("line %d not re-identified: %+v", i, l)
		}
		if l.MedicineID != o.MedicineID || l.Quantity != o.Quantity || l.Instructions != o.Instructions {
			t.Errorf("line %d not cloned: %+v vs %+v", i, l, o)
		}
	}
	if p.Status != StatusRejected || p.Lines[0].ID != origLines[0].ID {
		t.Error("original must stay untouched")
	}
}

func TestCheckDelete(t *testing.T) {
	p := draftWithLines(t, 1)
	if err := p.CheckDelete(); err != nil {
		t.Fatalf("draft delete: %v", err)
	}
	_ = p.Send(t0)
	if err := p.CheckDelete(); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("sent delete: %v", err)
	}
}

func TestRejectionReason(t *testing.T) {
	if _, err := NewRejectionReason("", "x"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("empty code: %v", err)
	}
	if _, err := NewRejectionReason("lost_in_mail", ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unknown code: %v", err)
	}

	long := strings.Repeat("é", 200)
	r, err := NewRejectionReason(" OUT_OF_STOCK ", long)
	if err != nil {
		t.Fatal(err)
	}
	if r.Code != ReasonOutOfStock {
		t.Errorf("code = %q", r.Code)
	}
	if n := len([]rune(r.Note)); n != MaxReasonNoteLength {
		t.Errorf("note length = %d", n)
	}
	if r := (RejectionReason{Code: ReasonOther}); r.String() != "other" {
		t.Errorf("code-only reason = %q", r.String())
	}

	parsed, ok := ParseRejectionReason("insufficient_stock | need 3, have 2")
	if !ok || parsed.Code != ReasonInsufficientStock || parsed.Note != "need 3, have 2" {
		t.Errorf("parsed = %+v", parsed)
	}
	if _, ok := ParseRejectionReason("  "); ok {
		t.Error("blank reason should not parse")
	}
}

func TestWaitingHours(t *testing.T) {
	p := draftWithLines(t, 1)
	if p.WaitingHours(t0.Add(5*time.Hour)) != 0 {
		t.Error("draft should not be waiting")
	}
	_ = p.Send(t0)
	if got := p.WaitingHours(t0.Add(5*time.Hour + 59*time.Minute)); got != 5 {
		t.Errorf("waiting hours = %d", got)
	}
}

func TestNewEvent(t *testing.T) {
	p := draftWithLines(t, 1)
	_ = p.Send(t0)
	e, err := NewEvent(EventSent, &p, StatusDraft, t0)
	if err != nil {
		t.Fatal(err)
	}
	e.WithActor("doc-1", "doctor")
	d, err := e.Data()
	if err != nil {
		t.Fatal(err)
	}
	if d.FromStatus != StatusDraft || d.Status != StatusSent || d.LineCount != 1 || e.AggregateID != p.ID {
		t.Errorf("unexpected event: %+v %+v", e, d)
	}
	if e.ID == "" || e.ActorRole != "doctor" {
		t.Errorf("event id/actor missing: %+v", e)
	}
}
