package mqtt

import "fmt"

// Subscribe routes messages matching filter to handler. The filter may use
// the + and # wildcards; pillpal/device/# is the ingest subscription.
//
// paho calls handlers one at a time from its router goroutine, so a slow
// handler delays every later message. Handlers must bound their own
// blocking calls.
//
// The subscription is remembered and replayed after every reconnect.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if err := checkTopic(filter, true); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrSubscribeFailed, filter)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	// Track before subscribing so a reconnect racing with this call still
	// restores the filter.
	c.track(subscription{topic: filter, qos: qos, handler: handler})

	if err := await(c.client.Subscribe(filter, qos, c.wrapHandler(handler)), ErrSubscribeFailed); err != nil {
		c.untrack(filter)
		return err
	}
	return nil
}

// Unsubscribe stops delivery for filter, which must match the string passed
// to Subscribe. Messages already queued by paho may still arrive.
func (c *Client) Unsubscribe(filter string) error {
	if err := checkTopic(filter, true); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.untrack(filter)
	return await(c.client.Unsubscribe(filter), ErrUnsubscribeFailed)
}

// HasSubscription reports whether filter is currently tracked. It compares
// filter strings, not topic matches.
func (c *Client) HasSubscription(filter string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subscriptions[filter]
	return ok
}

func (c *Client) track(sub subscription) {
	c.subMu.Lock()
	c.subscriptions[sub.topic] = sub
	c.subMu.Unlock()
}

func (c *Client) untrack(filter string) {
	c.subMu.Lock()
	delete(c.subscriptions, filter)
	c.subMu.Unlock()
}
