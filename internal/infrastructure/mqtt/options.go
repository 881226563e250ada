package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/printwatch/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is used when the config leaves it unset.
	defaultConnectTimeout = 30 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 10 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive matches the printer firmware's expectations.
	defaultKeepAlive = 90 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Endpoint identifies one broker connection: either a printer's embedded
// broker on the LAN or the regional cloud broker.
type Endpoint struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
}

// String returns the broker URL without credentials.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// brokerURL returns the paho broker URL for the endpoint.
func brokerURL(cfg config.MQTTConfig, ep Endpoint) string {
	scheme := "tcp"
	if cfg.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, ep.Host, ep.Port)
}

// buildClientOptions creates paho MQTT options for one printer connection.
//
// This configures:
//   - Broker URL (tcp:// or ssl:// based on TLS setting)
//   - Client ID and credentials
//   - TLS, optionally skipping verification for the printers' self-signed certs
//   - Keepalive and connect timeout
//   - Clean session mode
//
// Auto-reconnect is disabled. A dropped connection ends the session and the
// supervisor builds a new one, so there is never more than one live
// subscription per printer.
func buildClientOptions(cfg config.MQTTConfig, ep Endpoint) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg, ep))
	opts.SetClientID(ep.ClientID)

	if ep.Username != "" {
		opts.SetUsername(ep.Username)
		opts.SetPassword(ep.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)

	opts.SetConnectTimeout(durationOr(cfg.ConnectTimeout, defaultConnectTimeout))
	opts.SetKeepAlive(durationOr(cfg.KeepAlive, defaultKeepAlive))
	opts.SetPingTimeout(10 * time.Second)

	if cfg.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tlsMinVersion,
			// Printers present a self-signed certificate per device.
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // configurable, on by default for LAN printers
		})
	}

	return opts
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
