package printer

// Command is a payload for device/<id>/request.
type Command struct {
	Name    string
	Payload []byte
}

// The sequence and user ids below are fixed values the firmware expects to
// see echoed back; they carry no meaning here.
var (
	// CommandGetVersion asks the printer for its module versions.
	CommandGetVersion = Command{
		Name:    "get_version",
		Payload: []byte(`{"info":{"sequence_id":"0","command":"get_version"}}`),
	}

	// CommandPushAll asks the printer to publish its full state once.
	CommandPushAll = Command{
		Name:    "pushall",
		Payload: []byte(`{"pushing":{"sequence_id":"1","command":"pushall"},"user_id":"1234567890"}`),
	}

	// CommandChamberLightOff switches the chamber light off.
	CommandChamberLightOff = Command{
		Name:    "chamber_light_off",
		Payload: []byte(`{"system":{"sequence_id":"2003","command":"ledctrl","led_node":"chamber_light","led_mode":"off","led_on_time":500,"led_off_time":500,"loop_times":0,"interval_time":0},"user_id":"123456789"}`),
	}

	// CommandLogoOff switches the front logo light off with a raw G-code line.
	CommandLogoOff = Command{
		Name:    "logo_off",
		Payload: []byte(`{"print":{"sequence_id":"2026","command":"gcode_line","param":"M960 S5 P0 \n"},"user_id":"1234567890"}`),
	}
)

// SyncCommands returns the commands sent once when a session starts.
func SyncCommands() []Command {
	return []Command{CommandGetVersion, CommandPushAll}
}

// IndicatorOffCommands returns the commands that clear the indicator lights
// after a cancelled job.
func IndicatorOffCommands() []Command {
	return []Command{CommandChamberLightOff, CommandLogoOff}
}
