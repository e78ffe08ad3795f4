package prescription

import (
	"fmt"

	"github.com/drfirst/rxdesk/internal/domain"
)

// Action is a lifecycle event applied to a prescription.
type Action string

const (
	ActionSend      Action = "send"
	ActionEdit      Action = "edit"
	ActionFulfill   Action = "fulfill"
	ActionReject    Action = "reject"
	ActionDuplicate Action = "duplicate"
	ActionDelete    Action = "delete"
)

// transitions maps (from, action) to the resulting status. Duplicate yields
// the status of the new prescription; edit and delete keep or remove a draft.
var transitions = map[Status]map[Action]Status{
	StatusDraft: {
		ActionSend:   StatusSent,
		ActionEdit:   StatusDraft,
		ActionDelete: StatusDraft,
	},
	StatusSent: {
		ActionFulfill: StatusFulfilled,
		ActionReject:  StatusRejected,
	},
	StatusRejected: {
		ActionDuplicate: StatusDraft,
	},
}

// Next returns the status reached by applying a to current. Decisions
// against a prescription that is no longer sent fail with a
// DecisionConflictError, everything else with a TransitionError.
func Next(current Status, a Action) (Status, error) {
	if to, ok := transitions[current][a]; ok {
		return to, nil
	}
	if a == ActionFulfill || a == ActionReject {
		return "", &DecisionConflictError{Current: current}
	}
	return "", &TransitionError{Current: current, Action: a}
}

// Decidable reports whether a pharmacy decision may be applied.
func Decidable(s Status) bool {
	_, ok := transitions[s][ActionFulfill]
	return ok
}

// TransitionError is returned for an action outside its status guard.
type TransitionError struct {
	Current Status
	Action  Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a prescription in status %s", e.Action, e.Current)
}

func (e *TransitionError) Is(target error) bool {
	if target == domain.ErrInvalidTransition {
		return true
	}
	return target == domain.ErrNotEditable && e.Action == ActionEdit
}

// DecisionConflictError is returned when a prescription was already decided,
// or was never sent, at the time of a fulfill or reject.
type DecisionConflictError struct {
	Current Status
}

func (e *DecisionConflictError) Error() string {
	return fmt.Sprintf("prescription already decided: status is %s", e.Current)
}

func (e *DecisionConflictError) Is(target error) bool {
	return target == domain.ErrAlreadyDecided || target == domain.ErrInvalidTransition
}
