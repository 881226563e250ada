package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/nerrad567/printwatch/internal/dispatch"
	"github.com/nerrad567/printwatch/internal/history"
	"github.com/nerrad567/printwatch/internal/infrastructure/eventbus"
	"github.com/nerrad567/printwatch/internal/notify"
	"github.com/nerrad567/printwatch/internal/printer"
	"github.com/nerrad567/printwatch/internal/wled"
)

// UI event names.
const (
	EventUpdate    = "printer.update"
	EventHeartbeat = "printer.heartbeat"
)

// HandleMessage merges one raw report and acts on the result. Malformed
// payloads are logged and dropped. A panic while processing is recovered so
// one bad message cannot end the session.
func (s *Session) HandleMessage(ctx context.Context, raw []byte) {
	id := s.opts.Printer.ID
	defer func() {
		if r := recover(); r != nil {
			s.count(func(st *Stats) { st.Panics++ })
			s.logger.Error("panic processing printer message",
				"printer_id", id,
				"payload_bytes", len(raw),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	report, err := printer.ParseReport(raw)
	if err != nil {
		s.count(func(st *Stats) { st.Malformed++ })
		if errors.Is(err, printer.ErrNoPrintSection) {
			// Version replies and other non-status traffic.
			s.logger.Debug("ignoring message without print section", "printer_id", id, "payload_bytes", len(raw))
			return
		}
		s.logger.Warn("discarding malformed printer message", "printer_id", id, "payload_bytes", len(raw), "error", err)
		return
	}

	s.count(func(st *Stats) { st.Messages++ })
	s.state.Merge(report, s.now())
	s.evaluate(ctx)

	if s.deps.Telemetry != nil {
		s.deps.Telemetry.WriteState(s.state.Clone())
	}
}

// evaluate runs the rules in their fixed order after a merge.
func (s *Session) evaluate(ctx context.Context) {
	cancelled := s.cancel.Evaluate(s.state)
	lightChanged := s.applyDoorRule()

	if cancelled {
		s.detector.Observe(s.state)
		s.milestone.Evaluate(s.state)
		s.reportCancelled(ctx)
		s.broadcastUpdate(ctx)
		return
	}

	t, due := s.detector.Evaluate(s.state)
	reached := s.milestone.Evaluate(s.state)

	switch {
	case due:
		s.reportTransition(ctx, t)
		s.broadcastUpdate(ctx)
	case reached:
		s.reportMilestone(ctx)
		s.broadcastUpdate(ctx)
	case lightChanged:
		s.broadcastUpdate(ctx)
	default:
		s.heartbeat(ctx)
	}
}

// applyDoorRule switches the accessory light on a door edge. It reports
// whether a light command was queued.
func (s *Session) applyDoorRule() bool {
	action, ok := s.door.Evaluate(s.state)
	p := s.opts.Printer
	if !ok || !p.HasAccessory() {
		return false
	}

	err := s.deps.Dispatcher.Light(dispatch.LightRequest{
		DeviceID: p.ID,
		IP:       p.Accessory.IP,
		On:       action.On,
		Color:    wled.ColorFrom(p.Accessory.Color),
	})
	if err != nil {
		s.logger.Warn("accessory light request dropped", "printer_id", p.ID, "on", action.On, "error", err)
		return false
	}
	s.state.LightOn = action.On
	s.count(func(st *Stats) { st.Lights++ })
	s.logger.Info("door changed, switching accessory light", "printer_id", p.ID, "door_open", s.state.DoorOpen, "light_on", action.On)
	return true
}

// reportCancelled clears the indicator lights and sends the cancel alert.
func (s *Session) reportCancelled(ctx context.Context) {
	p := s.opts.Printer
	s.count(func(st *Stats) { st.Cancels++ })
	s.logger.Info("print cancelled", "printer_id", p.ID)

	if s.transport != nil {
		for _, cmd := range printer.IndicatorOffCommands() {
			err := s.deps.Dispatcher.Command(dispatch.CommandRequest{
				DeviceID: p.ID,
				Topic:    s.topics.Request(p.ID),
				Command:  cmd,
				Target:   s.transport,
			})
			if err != nil {
				s.logger.Warn("printer command dropped", "printer_id", p.ID, "command", cmd.Name, "error", err)
			}
		}
	}

	s.notify(notify.Message{
		Title:    p.DisplayTitle() + " Cancelled",
		Body:     "Print Cancelled",
		Priority: notify.PriorityHigh,
	})
	s.publishEvent(eventbus.EventCancelled, s.event(printer.Transition{To: s.state.Status}, "", ""))
}

// reportTransition delivers one transition report.
func (s *Session) reportTransition(ctx context.Context, t printer.Transition) {
	p := s.opts.Printer
	s.count(func(st *Stats) { st.Reports++ })

	hms, desc := "", ""
	if t.Failure {
		hms, desc = s.failureDetail(ctx)
	}
	s.logger.Info("printer status reported",
		"printer_id", p.ID,
		"from", t.From,
		"to", t.To,
		"reason", t.Reason,
		"error_code", s.state.ErrorCode,
		"hms", hms,
	)

	msg := notify.Message{
		Title:    p.DisplayTitle(),
		Body:     s.reportBody(t.Failure, hms, desc),
		HTML:     true,
		Priority: notify.PriorityNormal,
	}
	if t.Failure {
		msg.Priority = notify.PriorityHigh
		if hms != "" {
			msg.URL = printer.WikiURL(hms)
		}
	}
	s.notify(msg)

	at := s.now()
	if s.deps.History != nil {
		hctx, cancel := context.WithTimeout(ctx, sideEffectTimeout)
		err := s.deps.History.Record(hctx, history.Entry{
			DeviceID:    p.ID,
			From:        string(t.From),
			To:          string(t.To),
			Reason:      string(t.Reason),
			Failure:     t.Failure,
			ErrorCode:   s.state.ErrorCode,
			HMSCode:     hms,
			Description: desc,
			Percent:     s.state.Percent,
			JobName:     s.state.JobName,
			OccurredAt:  at,
		})
		cancel()
		if err != nil {
			s.logger.Warn("recording transition failed", "printer_id", p.ID, "error", err)
		}
	}
	if s.deps.Telemetry != nil {
		s.deps.Telemetry.WriteTransition(p.ID, t, s.state.ErrorCode, at)
	}
	s.publishEvent(eventbus.EventTransition, s.event(t, hms, desc))
}

// reportMilestone sends the progress notification.
func (s *Session) reportMilestone(ctx context.Context) {
	p := s.opts.Printer
	s.logger.Info("progress milestone reached", "printer_id", p.ID, "percent", s.state.Percent)
	s.notify(notify.Message{
		Title:    fmt.Sprintf("%s reached %d%%", p.DisplayTitle(), s.milestone.Threshold),
		Body:     s.reportBody(false, "", ""),
		HTML:     true,
		Priority: notify.PriorityNormal,
	})
	s.publishEvent(eventbus.EventMilestone, s.event(printer.Transition{From: s.state.Status, To: s.state.Status}, "", ""))
}

// failureDetail returns the primary HMS code and the best description for
// the current failure.
func (s *Session) failureDetail(ctx context.Context) (string, string) {
	hms, err := s.state.PrimaryHMS()
	if err != nil {
		s.logger.Warn("invalid hms entry", "printer_id", s.opts.Printer.ID, "error", err)
		hms = ""
	}
	if hms != "" {
		return hms, s.describeHMS(ctx, hms)
	}
	if s.state.ErrorCode != 0 {
		return "", s.describeDevice(ctx, s.state.ErrorCode)
	}
	return "", ""
}

func (s *Session) describeHMS(ctx context.Context, hms string) string {
	key := "hms:" + hms
	if s.hmsMemo.key == key {
		return s.hmsMemo.text
	}
	text := s.lookup(ctx, func(ctx context.Context, d Describer) string { return d.Describe(ctx, hms) })
	s.remember(key, text)
	return text
}

func (s *Session) describeDevice(ctx context.Context, code int) string {
	key := fmt.Sprintf("dev:%d", code)
	if s.hmsMemo.key == key {
		return s.hmsMemo.text
	}
	text := s.lookup(ctx, func(ctx context.Context, d Describer) string { return d.DescribeDeviceError(ctx, code) })
	s.remember(key, text)
	return text
}

// remember caches a resolved description. Fallbacks are not cached so a
// later lookup can still succeed once the table loads.
func (s *Session) remember(key, text string) {
	if text == "" || text == unknownDescription {
		return
	}
	s.hmsMemo = memo{key: key, text: text}
}

func (s *Session) lookup(ctx context.Context, fn func(context.Context, Describer) string) string {
	if s.deps.Lookup == nil {
		return unknownDescription
	}
	lctx, cancel := context.WithTimeout(ctx, describeTimeout)
	defer cancel()
	return fn(lctx, s.deps.Lookup)
}

// notify fills the per-printer delivery settings and queues m.
func (s *Session) notify(m notify.Message) {
	p := s.opts.Printer
	m.Sound = p.Sound
	m.User = p.Pushover.User
	m.Token = p.Pushover.App
	if err := s.deps.Dispatcher.Notify(dispatch.NotifyRequest{DeviceID: p.ID, Message: m}); err != nil {
		s.logger.Warn("notification dropped", "printer_id", p.ID, "title", m.Title, "error", err)
	}
}

func (s *Session) publishEvent(name string, ev TransitionEvent) {
	if s.deps.Events == nil {
		return
	}
	if err := s.deps.Events.Publish(s.opts.Printer.ID, name, ev); err != nil {
		s.logger.Debug("event publish failed", "printer_id", s.opts.Printer.ID, "event", name, "error", err)
	}
}

func (s *Session) event(t printer.Transition, hms, desc string) TransitionEvent {
	return TransitionEvent{
		PrinterID:   s.opts.Printer.ID,
		Printer:     s.opts.Printer.DisplayTitle(),
		From:        string(t.From),
		To:          string(t.To),
		Reason:      string(t.Reason),
		Failure:     t.Failure,
		ErrorCode:   s.state.ErrorCode,
		HMSCode:     hms,
		Description: desc,
		Percent:     s.state.Percent,
		JobName:     s.state.JobName,
		OccurredAt:  s.now(),
	}
}
