package transport

// Message is one delivery from a subscription.
type Message struct {
	Topic   string
	Payload []byte
}

// Transport is the pub/sub capability both sessions are built on. Delivery
// is at-least-once with no ordering guarantee across topics or publishers;
// duplicates and reordering must be tolerated by the caller. Broker setup,
// credentials and reconnection live below this interface.
type Transport interface {
	// Publish sends a payload to a named topic.
	Publish(topic string, payload []byte) error
	// Subscribe registers interest in a topic pattern. A single `+` segment
	// matches exactly one topic level.
	Subscribe(pattern string) (<-chan Message, error)
	// Unsubscribe drops a previously registered pattern.
	Unsubscribe(pattern string) error
}
