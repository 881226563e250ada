package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/printwatch/internal/printer"
)

// Measurement names.
const (
	MeasurementStatus      = "printer_status"
	MeasurementTransitions = "printer_transitions"
)

// WriteState records one status point for s.
func (c *Client) WriteState(s printer.State) {
	c.writePoint(statePoint(s))
}

// WriteTransition records a reported transition.
func (c *Client) WriteTransition(deviceID string, t printer.Transition, errorCode int, at time.Time) {
	c.writePoint(transitionPoint(deviceID, t, errorCode, at))
}

// statePoint keeps tags to low-cardinality values; the job name is a field.
func statePoint(s printer.State) *write.Point {
	at := s.UpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(
		MeasurementStatus,
		map[string]string{
			"device_id": s.DeviceID,
			"status":    string(s.Status),
		},
		map[string]interface{}{
			"stage":             s.Stage,
			"percent":           s.Percent,
			"layer":             s.Layer,
			"total_layers":      s.TotalLayers,
			"remaining_minutes": s.RemainingMinutes,
			"error_code":        s.ErrorCode,
			"hms_count":         len(s.HMS),
			"door_open":         s.DoorOpen,
			"light_on":          s.LightOn,
			"job_name":          s.JobName,
		},
		at,
	)
}

func transitionPoint(deviceID string, t printer.Transition, errorCode int, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementTransitions,
		map[string]string{
			"device_id": deviceID,
			"to":        string(t.To),
			"reason":    string(t.Reason),
		},
		map[string]interface{}{
			"from":       string(t.From),
			"failure":    t.Failure,
			"error_code": errorCode,
		},
		at,
	)
}
