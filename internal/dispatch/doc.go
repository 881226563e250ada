// Package dispatch executes side effects outside the device sessions.
//
// A session must never wait on an HTTP call or a slow broker, so it hands
// notifications, device commands and accessory light changes to the
// Dispatcher, which queues them and returns at once. Work runs on a fixed
// set of lanes. Every request for one device lands on the same lane, so a
// device's commands are executed in the order they were submitted.
//
// Delivery is best effort: failed requests are retried a bounded number of
// times and then logged and dropped. A full queue drops the request with a
// warning rather than blocking the caller.
package dispatch
