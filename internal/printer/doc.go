// Package printer holds the printer domain model: the telemetry report schema,
// the per-device state it merges into, and the pure rules evaluated after
// every merge.
//
// Nothing in this package does I/O or keeps goroutines. A State and its rule
// trackers (TransitionDetector, DoorRule, CancelRule, ProgressMilestone) are
// owned by exactly one session and are not safe for concurrent use.
//
// # Merge semantics
//
// Report fields are pointers. A field absent from a message is nil and leaves
// the corresponding State field untouched, so partial updates from the
// firmware never reset progress, layers or job names to defaults.
//
// # HMS codes
//
// FormatHMS turns the attr/code pair of a health-management entry into the
// canonical AAAA_BBBB_CCCC_DDDD identifier used for error lookups and the
// troubleshooting wiki.
package printer
