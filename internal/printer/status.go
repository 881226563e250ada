package printer

import "strings"

// Status is the coarse job lifecycle phase reported as gcode_state.
type Status string

// Lifecycle statuses. Values match the firmware strings.
const (
	StatusIdle     Status = "IDLE"
	StatusPrepare  Status = "PREPARE"
	StatusRunning  Status = "RUNNING"
	StatusPaused   Status = "PAUSE"
	StatusFinished Status = "FINISH"
	StatusFailed   Status = "FAILED"
	StatusUnknown  Status = "UNKNOWN"
)

// ParseStatus maps a gcode_state string to a Status. Unrecognised values,
// including the firmware's transient "SLICING", become StatusUnknown.
func ParseStatus(s string) Status {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusIdle:
		return StatusIdle
	case StatusPrepare:
		return StatusPrepare
	case StatusRunning:
		return StatusRunning
	case StatusPaused:
		return StatusPaused
	case StatusFinished:
		return StatusFinished
	case StatusFailed:
		return StatusFailed
	default:
		return StatusUnknown
	}
}

// IsAtRest reports whether the printer is not working on a job, which is
// when the door is expected to be opened.
func (s Status) IsAtRest() bool {
	return s == StatusFinished || s == StatusIdle || s == StatusFailed
}

// IsActive reports whether a job is in progress.
func (s Status) IsActive() bool {
	return s == StatusRunning || s == StatusPaused || s == StatusPrepare
}

// Label returns a capitalised display form, e.g. "Finish".
func (s Status) Label() string {
	if s == "" {
		return "Unknown"
	}
	lower := strings.ToLower(string(s))
	return strings.ToUpper(lower[:1]) + lower[1:]
}
