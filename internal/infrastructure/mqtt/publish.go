package mqtt

import (
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// maxPayloadSize bounds outbound commands. Real printer commands are a few
// hundred bytes; anything near this is a bug upstream.
const maxPayloadSize = 1 << 20

// Publish sends payload on topic.
//
// Printers only act on non-retained messages, so callers normally want
// PublishCommand. Wildcards are rejected because MQTT forbids them in
// publish topics and the broker would drop the connection.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := checkTopic(topic, true); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.await(c.client.Publish(topic, qos, retained, payload), ErrPublishFailed)
}

// PublishCommand publishes a non-retained command on a printer's request
// topic with the configured QoS.
func (c *Client) PublishCommand(topic string, payload []byte) error {
	return c.Publish(topic, payload, byte(c.cfg.QoS), false) // #nosec G115 -- validated to 0..2
}

// checkTopic validates a topic for subscribing or, when publish is set,
// publishing.
func checkTopic(topic string, publish bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if publish && strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcard in publish topic %q", ErrInvalidTopic, topic)
	}
	return nil
}

// await waits for a paho token within the publish timeout and wraps any
// failure with sentinel.
func (c *Client) await(tok pahomqtt.Token, sentinel error) error {
	timeout := c.publishTimeout()
	if !tok.WaitTimeout(timeout) {
		return fmt.Errorf("%w: no broker ack after %v", sentinel, timeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return nil
}

func (c *Client) publishTimeout() time.Duration {
	return durationOr(c.cfg.PublishTimeout, defaultPublishTimeout)
}
