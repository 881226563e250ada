package mqtt

import "errors"

// Errors returned by printer connections. Sessions treat ErrConnectionFailed
// and ErrConnectionLost as transient and let the supervisor reconnect; the
// rest point at a programming or configuration error.
var (
	// ErrNotConnected is returned when attempting operations on a disconnected client.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned when the initial connection attempt fails.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrConnectionLost is returned by Err once an established connection drops.
	ErrConnectionLost = errors.New("mqtt: connection lost")

	// ErrPublishFailed is returned when a publish operation fails.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed is returned when a subscribe operation fails.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned when an invalid QoS level is specified.
	// Valid QoS levels are 0, 1, or 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned for an empty topic, or a publish topic
	// containing a wildcard.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")

	// ErrInvalidEndpoint is returned when host or port are missing, which
	// usually means a printer without a host in configuration.
	ErrInvalidEndpoint = errors.New("mqtt: endpoint requires host and port")
)
