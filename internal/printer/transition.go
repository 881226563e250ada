package printer

import "fmt"

// Reason explains why a transition is reported.
type Reason string

const (
	// ReasonStatusChange is a new lifecycle status.
	ReasonStatusChange Reason = "status_change"
	// ReasonFailure is a failure that appeared without a status change.
	ReasonFailure Reason = "failure"
)

// Transition is a report the session should deliver.
type Transition struct {
	From   Status
	To     Status
	Reason Reason
	// Failure is set when the state was in a failure condition.
	Failure bool
}

// TransitionDetector decides when a state change is worth reporting.
//
// A report is due when the status differs from the previous evaluation, or
// when a failure shows up that was not yet reported while in the current
// status. The very first evaluation only records a baseline unless the
// printer is already failing, so reconnecting to a busy printer stays quiet.
type TransitionDetector struct {
	seen bool
	prev Status

	// reported is the failure signature already reported for this status entry.
	reported string
}

// Evaluate compares s with the previous evaluation and records s as the new
// baseline. It returns the transition to report, if any.
func (d *TransitionDetector) Evaluate(s *State) (Transition, bool) {
	first := !d.seen
	changed := first || s.Status != d.prev
	prev := d.prev

	d.seen = true
	d.prev = s.Status
	if changed {
		d.reported = ""
	}

	sig := failureSignature(s)
	if sig != "" && sig == d.reported {
		sig = ""
	}
	if sig != "" {
		d.reported = sig
	}

	switch {
	case first && sig == "":
		return Transition{}, false
	case changed:
		return Transition{From: prev, To: s.Status, Reason: ReasonStatusChange, Failure: s.Failed()}, true
	case sig != "":
		return Transition{From: prev, To: s.Status, Reason: ReasonFailure, Failure: true}, true
	default:
		return Transition{}, false
	}
}

// Observe records s as the baseline without reporting anything.
func (d *TransitionDetector) Observe(s *State) {
	d.Evaluate(s)
}

// Previous returns the status of the last evaluation and whether there was one.
func (d *TransitionDetector) Previous() (Status, bool) {
	return d.prev, d.seen
}

func failureSignature(s *State) string {
	if !s.Failed() {
		return ""
	}
	return fmt.Sprintf("%s/%d", s.Status, s.ErrorCode)
}
