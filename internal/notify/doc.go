// Package notify delivers push notifications through Pushover.
//
// Send makes exactly one delivery attempt. Retrying, repeating urgent
// messages and falling back to another sound are the caller's decisions;
// the dispatch package makes them.
package notify
