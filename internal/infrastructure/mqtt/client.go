package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/printwatch/internal/infrastructure/config"
)

// Client wraps paho.mqtt.golang for a single printer connection.
//
// It provides connection management, message publishing and subscription
// handling. Unlike a long-lived bus client it never reconnects by itself:
// when the connection drops, Done is closed and Err reports why, and the
// owner is expected to Close the client and dial a new one.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Client struct {
	client   pahomqtt.Client
	cfg      config.MQTTConfig
	endpoint Endpoint
	tracker  *tracker

	// subscriptions tracks active subscriptions so Close can release them.
	subscriptions map[string]subscription
	subMu         sync.RWMutex

	connected bool
	connMu    sync.RWMutex

	// lost is closed once, when the connection drops or Close is called.
	lost     chan struct{}
	lostErr  error
	lostOnce sync.Once

	closeOnce sync.Once

	onDisconnect func(err error)
	callbackMu   sync.RWMutex

	// logger for error/panic logging (optional, set via SetLogger).
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}

// subscription holds subscription details.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler is the callback signature for received messages.
//
// Handlers are invoked from paho's delivery goroutine in arrival order
// (the client sets OrderMatters). They should hand the payload off quickly
// and must not block for extended periods.
//
// Returns:
//   - error: Logged but does not affect message acknowledgment
type MessageHandler func(topic string, payload []byte) error

// Connect establishes a connection to one broker endpoint.
//
// It performs the following setup:
//  1. Validates the endpoint
//  2. Builds connection options from config (URL, auth, TLS, keepalive)
//  3. Attempts the connection, bounded by the connect timeout and ctx
//
// Parameters:
//   - ctx: Cancels a connection attempt in progress
//   - cfg: Shared MQTT transport settings
//   - ep: The broker to connect to and the credentials to present
//
// Returns:
//   - *Client: Connected client ready for use
//   - error: Wrapping ErrConnectionFailed if the attempt fails or times out
func Connect(ctx context.Context, cfg config.MQTTConfig, ep Endpoint) (*Client, error) {
	return connect(ctx, cfg, ep, nil)
}

func connect(ctx context.Context, cfg config.MQTTConfig, ep Endpoint, t *tracker) (*Client, error) {
	if ep.Host == "" || ep.Port <= 0 {
		return nil, ErrInvalidEndpoint
	}

	opts := buildClientOptions(cfg, ep)

	c := &Client{
		cfg:           cfg,
		endpoint:      ep,
		tracker:       t,
		subscriptions: make(map[string]subscription),
		lost:          make(chan struct{}),
	}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.handleDisconnect(err)
	})

	c.client = pahomqtt.NewClient(opts)

	timeout := durationOr(cfg.ConnectTimeout, defaultConnectTimeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	case <-timer.C:
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, ep, err)
	}

	// The OnConnectHandler runs asynchronously and may not have executed yet.
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()

	return c, nil
}

// handleConnect is called when the connection is established.
func (c *Client) handleConnect() {
	c.connMu.Lock()
	c.connected = true
	c.connMu.Unlock()
}

// handleDisconnect is called when the connection is lost.
func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	c.connected = false
	c.connMu.Unlock()

	c.markLost(fmt.Errorf("%w: %s: %w", ErrConnectionLost, c.endpoint, err))

	c.callbackMu.RLock()
	callback := c.onDisconnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback(err)
	}
}

func (c *Client) markLost(err error) {
	c.lostOnce.Do(func() {
		c.lostErr = err
		close(c.lost)
	})
}

// Done returns a channel that is closed when the connection is lost or the
// client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.lost
}

// Err returns why Done was closed: an error wrapping ErrConnectionLost after
// a drop, nil after Close or while still connected.
func (c *Client) Err() error {
	select {
	case <-c.lost:
		return c.lostErr
	default:
		return nil
	}
}

// Close disconnects from the broker and releases all subscriptions.
// It is safe to call more than once.
//
// Returns:
//   - error: Always nil; a connection that is already gone is not an error
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}

	c.closeOnce.Do(func() {
		c.subMu.Lock()
		for topic := range c.subscriptions {
			c.tracker.remove(topic)
		}
		c.subscriptions = make(map[string]subscription)
		c.subMu.Unlock()

		c.client.Disconnect(defaultDisconnectQuiesce)

		c.connMu.Lock()
		c.connected = false
		c.connMu.Unlock()

		c.markLost(nil)
	})

	return nil
}

// HealthCheck verifies the MQTT connection is alive.
func (c *Client) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	return nil
}

// IsConnected returns the current connection state.
func (c *Client) IsConnected() bool {
	if c == nil || c.client == nil {
		return false
	}
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// SetOnDisconnect sets a callback to be invoked when connection is lost.
// The error parameter describes why the connection was lost.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.callbackMu.Lock()
	c.onDisconnect = callback
	c.callbackMu.Unlock()
}

// SetLogger sets a logger for error and panic logging.
// If not set, errors in handlers are silently ignored.
func (c *Client) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// wrapHandler wraps a MessageHandler with panic recovery and optional logging.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.deliver(handler, msg.Topic(), msg.Payload())
	}
}

// deliver invokes handler, recovering panics so the paho router survives.
func (c *Client) deliver(handler MessageHandler, topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			if logger := c.getLogger(); logger != nil {
				logger.Error("MQTT handler panic recovered",
					"topic", topic,
					"panic", r,
				)
			}
		}
	}()

	if err := handler(topic, payload); err != nil {
		if logger := c.getLogger(); logger != nil {
			logger.Warn("MQTT handler returned error",
				"topic", topic,
				"error", err,
			)
		}
	}
}
