package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/printwatch/internal/printer"
)

// unknownDescription matches errorlookup.Unknown for sessions without a lookup.
const unknownDescription = "unknown"

// approxEndLayout renders the approximate end time, e.g. "03-01-2026 01:15 PM (UTC)".
const approxEndLayout = "01-02-2006 03:04 PM (MST)"

// doneText replaces the end time once a job has finished.
const doneText = "Done!"

// Snapshot is the dashboard view of one printer, sent with printer.update
// and printer.heartbeat and served by the printers endpoint.
type Snapshot struct {
	PrinterID     string    `json:"printer_id"`
	Printer       string    `json:"printer"`
	Connected     bool      `json:"connected"`
	Percent       int       `json:"percent"`
	Lines         int       `json:"lines"`
	LinesTotal    int       `json:"lines_total"`
	RemainingTime string    `json:"remaining_time"`
	ApproxEnd     string    `json:"approx_end"`
	State         string    `json:"state"`
	Stage         int       `json:"stage"`
	StageName     string    `json:"stage_name"`
	ProjectName   string    `json:"project_name"`
	ErrorCode     int       `json:"error_code"`
	ErrorMessages []string  `json:"error_messages"`
	HMS           []string  `json:"hms"`
	DoorOpen      bool      `json:"door_open"`
	LightOn       bool      `json:"light_on"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TransitionEvent is published on the event bus.
type TransitionEvent struct {
	PrinterID   string    `json:"printer_id"`
	Printer     string    `json:"printer"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to"`
	Reason      string    `json:"reason,omitempty"`
	Failure     bool      `json:"failure"`
	ErrorCode   int       `json:"error_code"`
	HMSCode     string    `json:"hms_code,omitempty"`
	Description string    `json:"description,omitempty"`
	Percent     int       `json:"percent"`
	JobName     string    `json:"job_name"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// publishSnapshot stores a snapshot without consulting the error table.
func (s *Session) publishSnapshot() Snapshot {
	var errs []string
	if prev := s.snapshot.Load(); prev != nil {
		errs = prev.ErrorMessages
	}
	return s.storeSnapshot(errs)
}

// refreshSnapshot stores a snapshot with current error descriptions.
func (s *Session) refreshSnapshot(ctx context.Context) Snapshot {
	return s.storeSnapshot(s.errorMessages(ctx))
}

func (s *Session) storeSnapshot(errs []string) Snapshot {
	st := s.state
	now := s.now()
	snap := Snapshot{
		PrinterID:     s.opts.Printer.ID,
		Printer:       s.opts.Printer.DisplayTitle(),
		Connected:     s.connected.Load(),
		Percent:       st.Percent,
		Lines:         st.Layer,
		LinesTotal:    st.TotalLayers,
		RemainingTime: formatRemaining(st.RemainingMinutes),
		ApproxEnd:     s.approxEnd(now),
		State:         string(st.Status),
		Stage:         st.Stage,
		StageName:     st.StageName(),
		ProjectName:   st.JobName,
		ErrorCode:     st.ErrorCode,
		ErrorMessages: append([]string{}, errs...),
		HMS:           st.HMSCodes(),
		DoorOpen:      st.DoorOpen,
		LightOn:       st.LightOn,
		UpdatedAt:     st.UpdatedAt,
	}
	s.snapshot.Store(&snap)
	return snap
}

// broadcastUpdate refreshes the snapshot and sends it as printer.update.
func (s *Session) broadcastUpdate(ctx context.Context) {
	snap := s.refreshSnapshot(ctx)
	s.lastBeat = s.now()
	if s.deps.Broadcaster != nil {
		s.deps.Broadcaster.Broadcast(EventUpdate, snap)
	}
}

// heartbeat refreshes the snapshot and sends printer.heartbeat when the
// interval has passed since the last broadcast.
func (s *Session) heartbeat(ctx context.Context) {
	snap := s.refreshSnapshot(ctx)
	interval := s.opts.HeartbeatInterval
	if interval <= 0 || s.deps.Broadcaster == nil {
		return
	}
	now := s.now()
	if !s.lastBeat.IsZero() && now.Sub(s.lastBeat) < interval {
		return
	}
	s.lastBeat = now
	s.deps.Broadcaster.Broadcast(EventHeartbeat, snap)
}

// beat is the ticker-driven heartbeat. It is skipped when a broadcast went
// out within the last half interval.
func (s *Session) beat(ctx context.Context) {
	now := s.now()
	if !s.lastBeat.IsZero() && now.Sub(s.lastBeat) < s.opts.HeartbeatInterval/2 {
		return
	}
	snap := s.refreshSnapshot(ctx)
	s.lastBeat = now
	s.deps.Broadcaster.Broadcast(EventHeartbeat, snap)
}

// errorMessages lists the lines shown under a failing printer.
func (s *Session) errorMessages(ctx context.Context) []string {
	st := s.state
	var out []string
	if st.ErrorCode != 0 {
		out = append(out, fmt.Sprintf("print_error: %d", st.ErrorCode))
	}
	hms, err := st.PrimaryHMS()
	if err == nil && hms != "" {
		out = append(out,
			"HMS code: "+hms,
			"Description: "+s.describeHMS(ctx, hms),
		)
	} else if st.ErrorCode != 0 {
		out = append(out, "Description: "+s.describeDevice(ctx, st.ErrorCode))
	}
	return out
}

// reportBody renders the HTML list sent with a report.
func (s *Session) reportBody(failure bool, hms, desc string) string {
	st := s.state
	var b strings.Builder
	b.WriteString("<ul>")
	fmt.Fprintf(&b, "<li>State: %s </li>", st.Status)
	fmt.Fprintf(&b, "<li>Percent: %d%% </li>", st.Percent)
	fmt.Fprintf(&b, "<li>Lines: %d/%d </li>", st.Layer, st.TotalLayers)
	if st.JobName != "" && st.JobName != printer.DefaultJobName {
		fmt.Fprintf(&b, "<li>Name: %s </li>", st.JobName)
	}
	fmt.Fprintf(&b, "<li>Remaining time: %s </li>", formatRemaining(st.RemainingMinutes))
	fmt.Fprintf(&b, "<li>Approx End: %s</li>", s.approxEnd(s.now()))
	if failure {
		fmt.Fprintf(&b, "<li>print_error: %d</li>", st.ErrorCode)
		if hms != "" {
			fmt.Fprintf(&b, "<li>HMS code: %s</li>", hms)
		}
		if desc != "" {
			fmt.Fprintf(&b, "<li>Description: %s</li>", desc)
		}
	}
	b.WriteString("</ul>")
	return b.String()
}

func (s *Session) approxEnd(now time.Time) string {
	st := s.state
	switch {
	case st.Remaining() > 0:
		return st.ApproxEnd(now).In(s.opts.Location).Format(approxEndLayout)
	case st.Status == printer.StatusFinished:
		return doneText
	default:
		return ""
	}
}

// formatRemaining renders minutes as H:MM:SS with a day prefix past 24h,
// e.g. "1:15:00" or "1 day, 2:00:00". Zero renders as "".
func formatRemaining(minutes int) string {
	if minutes <= 0 {
		return ""
	}
	days := minutes / (24 * 60)
	hours := minutes % (24 * 60) / 60
	mins := minutes % 60
	clock := fmt.Sprintf("%d:%02d:00", hours, mins)
	switch days {
	case 0:
		return clock
	case 1:
		return "1 day, " + clock
	default:
		return fmt.Sprintf("%d days, %s", days, clock)
	}
}
