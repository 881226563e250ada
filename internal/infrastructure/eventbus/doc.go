// Package eventbus publishes printer events to NATS so other services can
// react to transitions without polling the API.
//
// Subjects follow <prefix>.printer.<device id>.<event>, for example
// printwatch.printer.01S00A000000001.transition. Payloads are JSON.
//
// Publishing is fire-and-forget: the NATS client buffers while reconnecting
// and a publish error is returned to the caller to log, never retried.
package eventbus
