package printer

// LightAction is a requested accessory light change.
type LightAction struct {
	On bool
}

// DoorRule turns the accessory light on when the door is opened after a job
// and off again when it is closed.
//
// It acts only on edges of DoorOpen: repeated reports of the same door state
// produce nothing. Edges that happen while a job is active are consumed
// without action.
type DoorRule struct {
	seen     bool
	lastDoor bool
}

// Evaluate returns the light change for s, if one is due. The caller applies
// the action and mirrors it into State.LightOn.
func (r *DoorRule) Evaluate(s *State) (LightAction, bool) {
	if !r.seen {
		r.seen = true
		r.lastDoor = s.DoorOpen
		return LightAction{}, false
	}
	if s.DoorOpen == r.lastDoor {
		return LightAction{}, false
	}
	r.lastDoor = s.DoorOpen

	if !s.Status.IsAtRest() {
		return LightAction{}, false
	}
	switch {
	case s.DoorOpen && !s.LightOn:
		return LightAction{On: true}, true
	case !s.DoorOpen && s.LightOn:
		return LightAction{On: false}, true
	default:
		return LightAction{}, false
	}
}

// CancelRule detects the firmware clearing the error it reports after a job
// is cancelled from outside: the previous report carried Code and the new one
// carries 0.
type CancelRule struct {
	Code int

	seen      bool
	prevError int
}

// NewCancelRule creates a rule for the given cancellation error code.
func NewCancelRule(code int) *CancelRule {
	return &CancelRule{Code: code}
}

// Evaluate records s.ErrorCode and reports whether the cancellation was just
// cleared.
func (r *CancelRule) Evaluate(s *State) bool {
	prev, seen := r.prevError, r.seen
	r.prevError = s.ErrorCode
	r.seen = true
	return seen && r.Code != 0 && prev == r.Code && s.ErrorCode == 0
}

// ProgressMilestone fires once per job when progress reaches Threshold.
// A zero Threshold disables it.
type ProgressMilestone struct {
	Threshold int

	seen  bool
	armed bool
}

// Evaluate reports whether the milestone was just reached.
func (m *ProgressMilestone) Evaluate(s *State) bool {
	if m.Threshold <= 0 {
		return false
	}
	reached := s.Status == StatusRunning && s.Percent >= m.Threshold

	if !m.seen {
		m.seen = true
		m.armed = !reached
		return false
	}
	if !s.Status.IsActive() {
		m.armed = true
		return false
	}
	if reached && m.armed {
		m.armed = false
		return true
	}
	return false
}
