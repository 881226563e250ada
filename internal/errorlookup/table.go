package errorlookup

import (
	"strings"
	"time"
)

// Unknown is the description of any code the table cannot resolve.
const Unknown = "unknown"

// Table is one immutable copy of the description tables. Keys are upper-case.
type Table struct {
	HMS       map[string]string
	Device    map[string]string
	Language  string
	FetchedAt time.Time
}

// Len returns the total number of descriptions.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.HMS) + len(t.Device)
}

func (t *Table) describeHMS(key string) (string, bool) {
	if t == nil {
		return "", false
	}
	d, ok := t.HMS[normaliseKey(key)]
	return d, ok && d != ""
}

func (t *Table) describeDevice(key string) (string, bool) {
	if t == nil {
		return "", false
	}
	d, ok := t.Device[normaliseKey(key)]
	return d, ok && d != ""
}

func normaliseKey(k string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(k), "_", ""))
}
