// Package errorlookup turns printer error codes into human-readable
// descriptions.
//
// The vendor publishes a single JSON document holding two tables: HMS alert
// descriptions keyed by the 16 hex digit HMS code, and device error
// descriptions keyed by the 8 hex digit print_error value. The Service keeps
// the last fetched copy in memory, refreshes it once it is older than the
// configured interval and answers from the old copy while a refresh runs.
//
// A lookup never fails and never waits for the network. Anything that cannot be resolved is described as
// Unknown.
package errorlookup
