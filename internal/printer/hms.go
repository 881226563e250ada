package printer

import (
	"fmt"
	"strings"
)

// WikiBaseURL is the troubleshooting page prefix for HMS codes.
const WikiBaseURL = "https://wiki.bambulab.com/en/x1/troubleshooting/hmscode/"

// Severity of an HMS alert, taken from the high half of its code.
type Severity string

// HMS severities.
const (
	SeverityFatal   Severity = "fatal"
	SeveritySerious Severity = "serious"
	SeverityCommon  Severity = "common"
	SeverityInfo    Severity = "info"
	SeverityUnknown Severity = "unknown"
)

// FormatHMS formats an HMS attr/code pair as AAAA_BBBB_CCCC_DDDD, where each
// group is one 16-bit half in upper-case hex.
//
// Either value being 0 means "no alert" and yields "". Negative values are a
// contract violation and return ErrInvalidHMS.
//
// Example:
//
//	FormatHMS(0x00010002, 0x00030004) // "0001_0002_0003_0004", nil
func FormatHMS(attr, code int64) (string, error) {
	if attr < 0 || code < 0 {
		return "", fmt.Errorf("%w: attr=%d code=%d", ErrInvalidHMS, attr, code)
	}
	if attr == 0 || code == 0 {
		return "", nil
	}
	return fmt.Sprintf("%04X_%04X_%04X_%04X",
		(attr>>16)&0xFFFF, attr&0xFFFF,
		(code>>16)&0xFFFF, code&0xFFFF,
	), nil
}

// MustFormatHMS is FormatHMS for values known to be valid. It panics on
// negative input.
func MustFormatHMS(attr, code int64) string {
	s, err := FormatHMS(attr, code)
	if err != nil {
		panic(err)
	}
	return s
}

// HMSSeverity returns the severity encoded in an HMS code.
func HMSSeverity(code int64) Severity {
	switch code >> 16 {
	case 1:
		return SeverityFatal
	case 2:
		return SeveritySerious
	case 3:
		return SeverityCommon
	case 4:
		return SeverityInfo
	default:
		return SeverityUnknown
	}
}

// HMSModule returns the module id encoded in an HMS attr.
func HMSModule(attr int64) int {
	return int((attr >> 24) & 0xFF)
}

// LookupKey turns a formatted HMS code into the key used by the error table.
func LookupKey(hms string) string {
	return strings.ReplaceAll(hms, "_", "")
}

// DeviceErrorKey formats a print_error value as the error table keys it.
func DeviceErrorKey(code int) string {
	return fmt.Sprintf("%08X", uint32(code))
}

// WikiURL returns the troubleshooting page for an HMS code, or "" when there
// is no code.
func WikiURL(hms string) string {
	if hms == "" {
		return ""
	}
	return WikiBaseURL + hms
}
