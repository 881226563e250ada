package session

import (
	"context"
	"time"

	"github.com/nerrad567/printwatch/internal/cloud"
	"github.com/nerrad567/printwatch/internal/dispatch"
	"github.com/nerrad567/printwatch/internal/history"
	"github.com/nerrad567/printwatch/internal/infrastructure/mqtt"
	"github.com/nerrad567/printwatch/internal/printer"
)

// Transport is one broker connection. *mqtt.Client satisfies it.
type Transport interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	PublishCommand(topic string, payload []byte) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens a Transport to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, ep mqtt.Endpoint) (Transport, error)
}

// MQTTDialer adapts *mqtt.Dialer to Dialer.
type MQTTDialer struct {
	*mqtt.Dialer
}

// Dial connects through the wrapped dialer.
func (d MQTTDialer) Dial(ctx context.Context, ep mqtt.Endpoint) (Transport, error) {
	c, err := d.Dialer.Dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CredentialSource supplies the cloud credential. *cloud.Provider satisfies it.
type CredentialSource interface {
	CurrentToken(ctx context.Context) (*cloud.Credential, error)
}

// SideEffects queues outbound work. *dispatch.Dispatcher satisfies it.
type SideEffects interface {
	Notify(req dispatch.NotifyRequest) error
	Command(req dispatch.CommandRequest) error
	Light(req dispatch.LightRequest) error
}

// Describer turns error codes into text. *errorlookup.Service satisfies it.
type Describer interface {
	Describe(ctx context.Context, hmsCode string) string
	DescribeDeviceError(ctx context.Context, code int) string
}

// Broadcaster pushes live updates to dashboard clients.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// HistoryRecorder stores reported transitions.
type HistoryRecorder interface {
	Record(ctx context.Context, e history.Entry) error
}

// Telemetry records time-series points. *influxdb.Client satisfies it.
type Telemetry interface {
	WriteState(s printer.State)
	WriteTransition(deviceID string, t printer.Transition, errorCode int, at time.Time)
}

// EventPublisher publishes bus events. *eventbus.Publisher satisfies it.
type EventPublisher interface {
	Publish(deviceID, event string, v any) error
}

// Logger defines the logging interface for sessions.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Deps are the collaborators of a Session. Only Dialer and Dispatcher are
// required; every other field may be nil.
type Deps struct {
	Dialer      Dialer
	Credentials CredentialSource
	Dispatcher  SideEffects
	Lookup      Describer
	Broadcaster Broadcaster
	History     HistoryRecorder
	Telemetry   Telemetry
	Events      EventPublisher
	Logger      Logger
}
