package mqtt

import "fmt"

// Subscribe registers handler for topic, usually Topics{}.Report(id).
//
// A printer session subscribes once per connection. Subscribing again to
// the same topic on the same Client swaps the handler without adding a
// second broker-side subscription, and the Dialer's count for the topic
// stays at one. The subscription lives until Close.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkTopic(topic, false); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrSubscribeFailed, topic)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	if err := c.await(c.client.Subscribe(topic, qos, c.wrapHandler(handler)), ErrSubscribeFailed); err != nil {
		return err
	}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, again := c.subscriptions[topic]; !again {
		c.tracker.add(topic)
	}
	c.subscriptions[topic] = subscription{topic: topic, qos: qos, handler: handler}
	return nil
}
