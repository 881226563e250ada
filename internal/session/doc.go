// Package session runs one long-lived connection per printer.
//
// A Session obtains credentials, connects to the printer's broker, subscribes
// to device/<id>/report, asks the printer for a full status push and then
// merges every report into a printer.State on a single goroutine. After each
// merge it applies, in order, the cancellation rule, the door rule, the
// transition detector and the optional progress milestone, and hands the
// resulting side effects to the dispatcher without waiting for them.
//
// A Session is single use: Run may be called once. The supervisor creates a
// new Session for every (re)start, so a restart always begins with a silent
// baseline.
package session
