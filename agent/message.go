package agent

import (
	"time"

	"github.com/google/uuid"
)

// MessageKind discriminates what a bus message carries.
type MessageKind string

const (
	// KindTask carries a task to be executed by the recipient.
	KindTask MessageKind = "task"
	// KindResponse carries the result of a previously dispatched task.
	KindResponse MessageKind = "response"
	// KindEvent is fan-out notification, delivered by topic.
	KindEvent MessageKind = "event"
	// KindRequest expects a correlated KindResponse back.
	KindRequest MessageKind = "request"
)

// Message envelope defaults.
const (
	DefaultMessageTTL         = 300 * time.Second
	DefaultMaxDeliveryRetries = 3
)

// Message is the envelope moved by the communication bus. Exactly one of
// Task or Response is set for task and response kinds; events carry only
// Topic and Payload.
type Message struct {
	ID          string                 `json:"id"`
	Kind        MessageKind            `json:"kind"`
	Topic       string                 `json:"topic,omitempty"`
	SenderID    string                 `json:"sender_id,omitempty"`
	RecipientID string                 `json:"recipient_id,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`

	Task     *Task          `json:"-"`
	Response *AgentResponse `json:"response,omitempty"`

	CorrelationID string    `json:"correlation_id,omitempty"`
	ReplyTo       string    `json:"reply_to,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`

	// Delivery bookkeeping, touched only by the bus dispatcher.
	attempts    int
	maxAttempts int
}

// IsExpired reports whether the message outlived its TTL.
func (m *Message) IsExpired(now time.Time) bool {
	return now.After(m.ExpiresAt)
}

// Attempts returns how many deliveries have been tried.
func (m *Message) Attempts() int { return m.attempts }

func (m *Message) recordAttempt() { m.attempts++ }

func (m *Message) canRetry() bool { return m.attempts < m.maxAttempts }

// MessageBuilder assembles a message fluently. Build fills in identity,
// timestamps, and the default TTL.
type MessageBuilder struct {
	msg *Message
}

// NewMessage starts building a message of the given kind.
func NewMessage(kind MessageKind) *MessageBuilder {
	return &MessageBuilder{msg: &Message{
		Kind:        kind,
		maxAttempts: DefaultMaxDeliveryRetries,
	}}
}

// From sets the sending agent id.
func (b *MessageBuilder) From(senderID string) *MessageBuilder {
	b.msg.SenderID = senderID
	return b
}

// To sets the recipient agent id.
func (b *MessageBuilder) To(recipientID string) *MessageBuilder {
	b.msg.RecipientID = recipientID
	return b
}

// WithTopic sets the event topic.
func (b *MessageBuilder) WithTopic(topic string) *MessageBuilder {
	b.msg.Topic = topic
	return b
}

// WithPayload sets the free-form payload.
func (b *MessageBuilder) WithPayload(payload map[string]interface{}) *MessageBuilder {
	b.msg.Payload = payload
	return b
}

// WithTask attaches a task for KindTask messages.
func (b *MessageBuilder) WithTask(task *Task) *MessageBuilder {
	b.msg.Task = task
	return b
}

// WithResponse attaches a result for KindResponse messages.
func (b *MessageBuilder) WithResponse(resp *AgentResponse) *MessageBuilder {
	b.msg.Response = resp
	return b
}

// WithCorrelationID ties the message to a request/response exchange.
func (b *MessageBuilder) WithCorrelationID(id string) *MessageBuilder {
	b.msg.CorrelationID = id
	return b
}

// WithReplyTo names the agent that should receive the response.
func (b *MessageBuilder) WithReplyTo(agentID string) *MessageBuilder {
	b.msg.ReplyTo = agentID
	return b
}

// WithTTL overrides the default message lifetime.
func (b *MessageBuilder) WithTTL(ttl time.Duration) *MessageBuilder {
	b.msg.ExpiresAt = time.Now().UTC().Add(ttl)
	return b
}

// WithMaxDeliveryRetries overrides the delivery retry budget.
func (b *MessageBuilder) WithMaxDeliveryRetries(n int) *MessageBuilder {
	b.msg.maxAttempts = n
	return b
}

// Build finalizes the message.
func (b *MessageBuilder) Build() *Message {
	m := b.msg
	m.ID = uuid.New().String()
	m.CreatedAt = time.Now().UTC()
	if m.ExpiresAt.IsZero() {
		m.ExpiresAt = m.CreatedAt.Add(DefaultMessageTTL)
	}
	return m
}
