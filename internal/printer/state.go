package printer

import "time"

// doorBit is the home_flag bit that is set while the front door is open.
const doorBit = 23

// DefaultJobName is used until a report names the job.
const DefaultJobName = "unknown"

// State is the durable view of one printer, built from successive reports.
type State struct {
	DeviceID string `json:"device_id"`

	Stage            int        `json:"stage"`
	Status           Status     `json:"status"`
	Percent          int        `json:"percent"`
	Layer            int        `json:"layer"`
	TotalLayers      int        `json:"total_layers"`
	JobName          string     `json:"job_name"`
	JobID            string     `json:"job_id"`
	ErrorCode        int        `json:"error_code"`
	RemainingMinutes int        `json:"remaining_minutes"`
	PrintStage       int        `json:"print_stage"`
	DoorOpen         bool       `json:"door_open"`
	LightOn          bool       `json:"light_on"`
	HMS              []HMSEntry `json:"hms"`

	// Messages counts merged reports.
	Messages  int64     `json:"messages"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState returns the state of a printer nothing has been heard from.
func NewState(deviceID string) *State {
	return &State{
		DeviceID: deviceID,
		Stage:    StageIdle,
		Status:   StatusUnknown,
		JobName:  DefaultJobName,
		JobID:    DefaultJobName,
	}
}

// Merge applies every field present in r. Absent fields keep their values.
func (s *State) Merge(r *Report, now time.Time) {
	if r == nil {
		return
	}
	if r.Stage != nil {
		s.Stage = r.Stage.Int()
	}
	if r.GcodeState != nil {
		s.Status = ParseStatus(*r.GcodeState)
	}
	if r.Percent != nil {
		s.Percent = r.Percent.Int()
	}
	if r.Layer != nil {
		s.Layer = r.Layer.Int()
	}
	if r.TotalLayers != nil {
		s.TotalLayers = r.TotalLayers.Int()
	}
	if r.JobName != nil {
		s.JobName = *r.JobName
	}
	if r.JobID != nil {
		s.JobID = *r.JobID
	}
	if r.PrintError != nil {
		s.ErrorCode = r.PrintError.Int()
	}
	if r.RemainingMinutes != nil {
		s.RemainingMinutes = r.RemainingMinutes.Int()
	}
	if r.PrintStage != nil {
		s.PrintStage = r.PrintStage.Int()
	}
	if r.HomeFlag != nil {
		s.DoorOpen = (r.HomeFlag.Int64()>>doorBit)&1 == 1
	}
	if r.HasHMS() {
		s.HMS = append([]HMSEntry(nil), r.HMS...)
	}
	s.Messages++
	s.UpdatedAt = now
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *State) Clone() State {
	c := *s
	c.HMS = append([]HMSEntry(nil), s.HMS...)
	return c
}

// StageName returns the display name of the current stage.
func (s *State) StageName() string {
	return StageName(s.Stage)
}

// Failed reports whether the printer is in a failure condition.
func (s *State) Failed() bool {
	return s.ErrorCode != 0 || s.Status == StatusFailed
}

// PrimaryHMS formats the first HMS alert, or returns "" when there is none.
func (s *State) PrimaryHMS() (string, error) {
	if len(s.HMS) == 0 {
		return "", nil
	}
	return FormatHMS(s.HMS[0].Attr, s.HMS[0].Code)
}

// HMSCodes formats every HMS alert, skipping invalid entries.
func (s *State) HMSCodes() []string {
	codes := make([]string, 0, len(s.HMS))
	for _, e := range s.HMS {
		if code, err := FormatHMS(e.Attr, e.Code); err == nil && code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}

// Remaining returns the remaining time as a duration.
func (s *State) Remaining() time.Duration {
	if s.RemainingMinutes <= 0 {
		return 0
	}
	return time.Duration(s.RemainingMinutes) * time.Minute
}

// ApproxEnd returns when the job should end if it started counting at now.
func (s *State) ApproxEnd(now time.Time) time.Time {
	return now.Add(s.Remaining())
}
