package kernel

import (
	"fmt"
	"time"
)

// Payload is the open map carried on the bus. Service-internal logic should
// decode it into typed values at the boundary rather than pass it around.
type Payload map[string]any

// Message is the immutable value type carried between services and the
// kernel. Delivery is FIFO per recipient inbox; there is no ordering
// guarantee across different recipients.
type Message struct {
	Sender    string
	Recipient string
	Type      string
	Payload   Payload
	Timestamp time.Time
}

// NewMessage builds a message stamped with the current time.
func NewMessage(sender, recipient, msgType string, payload Payload) *Message {
	if payload == nil {
		payload = Payload{}
	}
	return &Message{
		Sender:    sender,
		Recipient: recipient,
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

func (m *Message) String() string {
	keys := make([]string, 0, len(m.Payload))
	for k := range m.Payload {
		keys = append(keys, k)
	}
	return fmt.Sprintf("msg(from=%s to=%s type=%s keys=%v)", m.Sender, m.Recipient, m.Type, keys)
}

// clonePayload deep-copies a payload so broadcast recipients each get an
// independently mutable copy. Nested maps and slices are copied; other
// values are carried as-is.
func clonePayload(p Payload) Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case Payload:
		return clonePayload(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
