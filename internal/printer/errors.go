package printer

import "errors"

var (
	// ErrInvalidHMS is returned when an HMS attr or code is negative.
	// It indicates a caller bug, not an operational condition.
	ErrInvalidHMS = errors.New("printer: invalid HMS value")

	// ErrMalformedReport is returned when a payload is not valid JSON.
	ErrMalformedReport = errors.New("printer: malformed report")

	// ErrNoPrintSection is returned when a payload has no "print" object.
	// Printers publish other sections (info, system, upgrade) on the same topic.
	ErrNoPrintSection = errors.New("printer: no print section")
)
