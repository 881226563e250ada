package printer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Envelope is the top level of a message on device/<id>/report.
type Envelope struct {
	Print *Report `json:"print"`
}

// Report is the "print" section of a status message. Every field is optional;
// nil means the firmware did not send it this time.
type Report struct {
	Stage            *FlexInt   `json:"stg_cur"`
	GcodeState       *string    `json:"gcode_state"`
	Percent          *FlexInt   `json:"mc_percent"`
	Layer            *FlexInt   `json:"layer_num"`
	TotalLayers      *FlexInt   `json:"total_layer_num"`
	JobName          *string    `json:"subtask_name"`
	JobID            *string    `json:"project_id"`
	PrintError       *FlexInt   `json:"print_error"`
	RemainingMinutes *FlexInt   `json:"mc_remaining_time"`
	PrintStage       *FlexInt   `json:"mc_print_stage"`
	HomeFlag         *FlexInt   `json:"home_flag"`
	HMS              []HMSEntry `json:"hms"`

	// hmsPresent distinguishes "hms":[] (all clear) from an absent key.
	hmsPresent bool
}

// HMSEntry is one health-management alert.
type HMSEntry struct {
	Attr int64 `json:"attr"`
	Code int64 `json:"code"`
}

// UnmarshalJSON records whether the hms key was present.
func (r *Report) UnmarshalJSON(data []byte) error {
	type plain Report
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Report(p)

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return err
	}
	raw, ok := keys["hms"]
	r.hmsPresent = ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
	return nil
}

// HasHMS reports whether the message carried an hms list, even an empty one.
func (r *Report) HasHMS() bool {
	return r.hmsPresent || r.HMS != nil
}

// ParseReport decodes a raw payload and returns its print section.
//
// Returns ErrMalformedReport for invalid JSON and ErrNoPrintSection when the
// message is valid but carries no status.
func ParseReport(raw []byte) (*Report, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedReport, err)
	}
	if env.Print == nil {
		return nil, ErrNoPrintSection
	}
	return env.Print, nil
}

// FlexInt decodes a JSON number or a numeric string. Firmware versions
// disagree on which one they send for several fields.
type FlexInt int64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		data = []byte(s)
	}

	if n, err := strconv.ParseInt(string(data), 10, 64); err == nil {
		*f = FlexInt(n)
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("printer: %q is not a number", data)
	}
	*f = FlexInt(v)
	return nil
}

// Int returns the value as an int.
func (f FlexInt) Int() int { return int(f) }

// Int64 returns the value as an int64.
func (f FlexInt) Int64() int64 { return int64(f) }
