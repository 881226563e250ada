package printer

import (
	"errors"
	"testing"
	"time"
)

func mustParse(t *testing.T, raw string) *Report {
	t.Helper()
	r, err := ParseReport([]byte(raw))
	if err != nil {
		t.Fatalf("ParseReport(%s) error = %v", raw, err)
	}
	return r
}

func TestParseReport_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `{"print":`, ErrMalformedReport},
		{"plain text", `hello`, ErrMalformedReport},
		{"no print section", `{"info":{"command":"get_version"}}`, ErrNoPrintSection},
		{"null print", `{"print":null}`, ErrNoPrintSection},
		{"print not an object", `{"print":"RUNNING"}`, ErrMalformedReport},
		{"non numeric percent", `{"print":{"mc_percent":"abc"}}`, ErrMalformedReport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseReport([]byte(tt.raw))
			if !errors.Is(err, tt.want) {
				t.Errorf("ParseReport() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseReport_FlexibleNumbers(t *testing.T) {
	r := mustParse(t, `{"print":{"mc_percent":"42","layer_num":7,"mc_print_stage":"2","total_layer_num":120.0}}`)

	if r.Percent == nil || r.Percent.Int() != 42 {
		t.Errorf("Percent = %v, want 42", r.Percent)
	}
	if r.Layer == nil || r.Layer.Int() != 7 {
		t.Errorf("Layer = %v, want 7", r.Layer)
	}
	if r.PrintStage == nil || r.PrintStage.Int() != 2 {
		t.Errorf("PrintStage = %v, want 2", r.PrintStage)
	}
	if r.TotalLayers == nil || r.TotalLayers.Int() != 120 {
		t.Errorf("TotalLayers = %v, want 120", r.TotalLayers)
	}
	if r.GcodeState != nil {
		t.Error("GcodeState should be nil when absent")
	}
}

func TestMerge_FullReport(t *testing.T) {
	s := NewState("01S00A000000001")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.Merge(mustParse(t, `{"print":{
		"stg_cur":2,"gcode_state":"RUNNING","mc_percent":10,
		"layer_num":3,"total_layer_num":200,
		"subtask_name":"benchy","project_id":"p-1",
		"print_error":0,"mc_remaining_time":95,
		"home_flag":8388608,
		"hms":[{"attr":16908800,"code":131073}]
	}}`), now)

	if s.Stage != 2 || s.StageName() != "heatbed_preheating" {
		t.Errorf("Stage = %d (%s), want 2 heatbed_preheating", s.Stage, s.StageName())
	}
	if s.Status != StatusRunning {
		t.Errorf("Status = %q, want RUNNING", s.Status)
	}
	if s.Percent != 10 || s.Layer != 3 || s.TotalLayers != 200 {
		t.Errorf("progress = %d%% %d/%d", s.Percent, s.Layer, s.TotalLayers)
	}
	if s.JobName != "benchy" || s.JobID != "p-1" {
		t.Errorf("job = %q/%q", s.JobName, s.JobID)
	}
	if s.RemainingMinutes != 95 {
		t.Errorf("RemainingMinutes = %d, want 95", s.RemainingMinutes)
	}
	if !s.DoorOpen {
		t.Error("DoorOpen = false, want true for bit 23 set")
	}
	if len(s.HMS) != 1 {
		t.Fatalf("len(HMS) = %d, want 1", len(s.HMS))
	}
	if s.UpdatedAt != now || s.Messages != 1 {
		t.Errorf("UpdatedAt/Messages = %v/%d", s.UpdatedAt, s.Messages)
	}
	if got := s.ApproxEnd(now); !got.Equal(now.Add(95 * time.Minute)) {
		t.Errorf("ApproxEnd() = %v", got)
	}
}

func TestMerge_AbsentFieldsKeepValues(t *testing.T) {
	messages := []string{
		`{"print":{"stg_cur":0,"gcode_state":"RUNNING","mc_percent":10,"layer_num":1,"total_layer_num":50,"subtask_name":"bracket","print_error":0,"home_flag":8388608,"hms":[{"attr":1,"code":2}]}}`,
		`{"print":{"mc_percent":55}}`,
		`{"print":{"layer_num":30}}`,
		`{"print":{}}`,
		`{"print":{"gcode_state":"FINISH"}}`,
	}

	s := NewState("dev")
	for _, m := range messages {
		s.Merge(mustParse(t, m), time.Now())
	}

	if s.Percent != 55 {
		t.Errorf("Percent = %d, want 55 retained", s.Percent)
	}
	if s.Layer != 30 || s.TotalLayers != 50 {
		t.Errorf("layers = %d/%d, want 30/50", s.Layer, s.TotalLayers)
	}
	if s.JobName != "bracket" {
		t.Errorf("JobName = %q, want bracket retained", s.JobName)
	}
	if s.Stage != 0 {
		t.Errorf("Stage = %d, want 0 retained", s.Stage)
	}
	if !s.DoorOpen {
		t.Error("DoorOpen reset by a message without home_flag")
	}
	if len(s.HMS) != 1 {
		t.Error("HMS reset by a message without hms")
	}
	if s.Status != StatusFinished {
		t.Errorf("Status = %q, want FINISH", s.Status)
	}
	if s.Messages != int64(len(messages)) {
		t.Errorf("Messages = %d, want %d", s.Messages, len(messages))
	}
}

func TestMerge_EmptyHMSClearsAlerts(t *testing.T) {
	s := NewState("dev")
	s.Merge(mustParse(t, `{"print":{"hms":[{"attr":1,"code":2}]}}`), time.Now())
	s.Merge(mustParse(t, `{"print":{"hms":[]}}`), time.Now())

	if len(s.HMS) != 0 {
		t.Errorf("len(HMS) = %d, want 0 after explicit empty list", len(s.HMS))
	}
}

func TestMerge_DoorBit(t *testing.T) {
	tests := []struct {
		flag int64
		want bool
	}{
		{0, false},
		{1 << 23, true},
		{(1 << 23) | 0x3FF, true},
		{1 << 22, false},
		{(1 << 24) | (1 << 22), false},
	}
	for _, tt := range tests {
		s := NewState("dev")
		flag := FlexInt(tt.flag)
		s.Merge(&Report{HomeFlag: &flag}, time.Now())
		if s.DoorOpen != tt.want {
			t.Errorf("home_flag %#x: DoorOpen = %v, want %v", tt.flag, s.DoorOpen, tt.want)
		}
	}
}

func TestState_Clone(t *testing.T) {
	s := NewState("dev")
	s.HMS = []HMSEntry{{Attr: 1, Code: 2}}

	c := s.Clone()
	c.HMS[0].Attr = 99

	if s.HMS[0].Attr != 1 {
		t.Error("Clone shares the HMS slice with the original")
	}
}

func TestState_PrimaryHMS(t *testing.T) {
	s := NewState("dev")
	if code, err := s.PrimaryHMS(); code != "" || err != nil {
		t.Errorf("PrimaryHMS() on empty = %q, %v", code, err)
	}

	s.HMS = []HMSEntry{{Attr: 0x00010002, Code: 0x00030004}, {Attr: -1, Code: 1}}
	code, err := s.PrimaryHMS()
	if err != nil || code != "0001_0002_0003_0004" {
		t.Errorf("PrimaryHMS() = %q, %v", code, err)
	}
	if codes := s.HMSCodes(); len(codes) != 1 {
		t.Errorf("HMSCodes() = %v, want invalid entry skipped", codes)
	}
}

func TestParseStatus(t *testing.T) {
	tests := map[string]Status{
		"IDLE":    StatusIdle,
		"prepare": StatusPrepare,
		"RUNNING": StatusRunning,
		"PAUSE":   StatusPaused,
		"FINISH":  StatusFinished,
		"FAILED":  StatusFailed,
		"SLICING": StatusUnknown,
		"":        StatusUnknown,
	}
	for in, want := range tests {
		if got := ParseStatus(in); got != want {
			t.Errorf("ParseStatus(%q) = %q, want %q", in, got, want)
		}
	}
	if StatusFinished.Label() != "Finish" {
		t.Errorf("Label() = %q, want Finish", StatusFinished.Label())
	}
}

func TestStageName(t *testing.T) {
	tests := map[int]string{
		-1:  "idle",
		255: "idle",
		0:   "printing",
		14:  "cleaning_nozzle_tip",
		35:  "paused_nozzle_clog",
		36:  StageUnknown,
		999: StageUnknown,
	}
	for id, want := range tests {
		if got := StageName(id); got != want {
			t.Errorf("StageName(%d) = %q, want %q", id, got, want)
		}
	}
}
