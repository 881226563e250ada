package errorlookup

import "errors"

var (
	// ErrFetchFailed is returned when the description table cannot be downloaded.
	ErrFetchFailed = errors.New("errorlookup: fetch failed")

	// ErrMalformedTable is returned when the downloaded document does not
	// have the expected shape.
	ErrMalformedTable = errors.New("errorlookup: malformed table")

	// ErrNoTable is returned by a Store that has nothing saved.
	ErrNoTable = errors.New("errorlookup: no stored table")
)
