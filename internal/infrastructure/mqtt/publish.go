package mqtt

import (
	"fmt"
	"strings"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// maxPayloadSize caps outbound messages. Device commands are a few hundred
// bytes; anything near this limit is a bug upstream.
const maxPayloadSize = 256 << 10

// Publish sends payload to a concrete topic and waits for the broker ack
// (QoS 1/2) or the local write (QoS 0).
//
// Retain only status messages. A retained command would be replayed to a
// dispenser every time it reconnects.
//
//	err := client.Publish(mqtt.Topics{}.DeviceCommand(17), payload, 1, false)
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := checkTopic(topic, false); err != nil {
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

	return await(c.client.Publish(topic, qos, retained, payload), ErrPublishFailed)
}

// PublishDefault publishes a non-retained message at the configured QoS.
func (c *Client) PublishDefault(topic string, payload []byte) error {
	return c.Publish(topic, payload, byte(c.cfg.QoS), false)
}

// await blocks on token for at most defaultPublishTimeout and wraps any
// failure in sentinel.
func await(token pahomqtt.Token, sentinel error) error {
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: %w after %v", sentinel, ErrTimeout, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return nil
}

// checkTopic rejects empty topics. Wildcards are only valid in a
// subscription filter.
func checkTopic(topic string, filter bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !filter && strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcard in publish topic %q", ErrInvalidTopic, topic)
	}
	return nil
}
