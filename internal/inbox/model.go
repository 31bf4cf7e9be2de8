package inbox

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrMalformedEvent         = errors.New("malformed event")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrSessionGone            = errors.New("session gone")
	ErrSourceUnavailable      = errors.New("source unavailable")
	ErrSubscriberOverload     = errors.New("subscriber overload")
	ErrNotFound               = errors.New("not found")
	ErrInvalidInput           = errors.New("invalid input")
	ErrNotImplemented         = errors.New("not implemented")
	ErrForbidden              = errors.New("forbidden")
)

type MalformedEventError struct {
	Source SourceKind
	Key    string
	Reason string
}

func (e *MalformedEventError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("malformed %s event: %s", e.Source, e.Reason)
	}
	return fmt.Sprintf("malformed %s event %q: %s", e.Source, e.Key, e.Reason)
}

func (e *MalformedEventError) Is(target error) bool {
	return target == ErrMalformedEvent
}

func malformed(source SourceKind, key, format string, args ...any) error {
	return &MalformedEventError{Source: source, Key: key, Reason: fmt.Sprintf(format, args...)}
}

type SourceKind string

const (
	SourceChannels     SourceKind = "channels"
	SourceMessages     SourceKind = "messages"
	SourceMetadata     SourceKind = "metadata"
	SourceReadReceipts SourceKind = "read_receipts"
)

// SourceKinds lists every stream the ingestor must attach to.
var SourceKinds = []SourceKind{SourceChannels, SourceMessages, SourceMetadata, SourceReadReceipts}

func ParseSourceKind(raw string) (SourceKind, error) {
	switch SourceKind(raw) {
	case SourceChannels, SourceMessages, SourceMetadata, SourceReadReceipts:
		return SourceKind(raw), nil
	case "channel":
		return SourceChannels, nil
	case "message":
		return SourceMessages, nil
	case "read_receipt", "read-receipts", "readreceipts":
		return SourceReadReceipts, nil
	default:
		return "", fmt.Errorf("%w: unknown source %q", ErrInvalidInput, raw)
	}
}

type ConnectionState string

const (
	ChannelConnecting   ConnectionState = "connecting"
	ChannelConnected    ConnectionState = "connected"
	ChannelDisconnected ConnectionState = "disconnected"
	ChannelError        ConnectionState = "error"
)

func (s ConnectionState) Valid() bool {
	switch s {
	case ChannelConnecting, ChannelConnected, ChannelDisconnected, ChannelError:
		return true
	}
	return false
}

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
	DeliveryFailed    DeliveryState = "failed"
)

type Channel struct {
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	SourceChannelID string          `json:"sourceChannelId,omitempty"`
	Name            string          `json:"name,omitempty"`
	ConnectionState ConnectionState `json:"connectionState"`
	Token           string          `json:"token,omitempty"`
}

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	ChannelID      string        `json:"channelId,omitempty"`
	Direction      Direction     `json:"direction"`
	Content        string        `json:"content"`
	SentAt         time.Time     `json:"sentAt"`
	State          DeliveryState `json:"state,omitempty"`
	// Unread is set while the message contributes to its conversation's
	// unread counter.
	Unread bool `json:"unread,omitempty"`
}

type Conversation struct {
	ID             string    `json:"id"`
	ChannelID      string    `json:"channelId,omitempty"`
	UnreadCount    int       `json:"unreadCount"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ReadWatermark  time.Time `json:"readWatermark,omitempty"`
	Messages       []Message `json:"messages,omitempty"`

	index map[string]int
}

func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = append([]Message(nil), c.Messages...)
	out.index = nil
	return out
}

func (c *Conversation) messageIndex(id string) (int, bool) {
	if c.index == nil || len(c.index) != len(c.Messages) {
		c.index = make(map[string]int, len(c.Messages))
		for i, msg := range c.Messages {
			c.index[msg.ID] = i
		}
	}
	i, ok := c.index[id]
	return i, ok
}

func (c *Conversation) appendMessage(msg Message) {
	c.messageIndex(msg.ID)
	c.Messages = append(c.Messages, msg)
	c.index[msg.ID] = len(c.Messages) - 1
}

type MetadataEntry struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Metadata holds every key attached to one subject.
type Metadata struct {
	SubjectType string                   `json:"subjectType"`
	SubjectID   string                   `json:"subjectId"`
	Entries     map[string]MetadataEntry `json:"entries"`
}

func (m Metadata) Clone() Metadata {
	out := m
	out.Entries = make(map[string]MetadataEntry, len(m.Entries))
	for k, v := range m.Entries {
		out.Entries[k] = v
	}
	return out
}

const (
	SubjectConversation = "conversation"
	SubjectChannel      = "channel"
)

type MetadataUpdate struct {
	SubjectType string    `json:"subjectType"`
	SubjectID   string    `json:"subjectId"`
	Key         string    `json:"key"`
	Value       string    `json:"value"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type ReadReceipt struct {
	ConversationID string    `json:"conversationId"`
	Reader         string    `json:"reader,omitempty"`
	ReadAt         time.Time `json:"readAt"`
}

// Event is one decoded record from a source stream. Exactly one payload
// pointer is set, matching Kind.
type Event struct {
	Kind        SourceKind
	Key         string
	Channel     *Channel
	Message     *Message
	Metadata    *MetadataUpdate
	ReadReceipt *ReadReceipt
}

// ShardKey is the state key the event mutates. Events sharing a shard key
// are applied in arrival order.
func (e Event) ShardKey() string {
	switch {
	case e.Channel != nil:
		return channelKey(e.Channel.ID)
	case e.Message != nil:
		return conversationKey(e.Message.ConversationID)
	case e.ReadReceipt != nil:
		return conversationKey(e.ReadReceipt.ConversationID)
	case e.Metadata != nil:
		if e.Metadata.SubjectType == SubjectChannel {
			return channelKey(e.Metadata.SubjectID)
		}
		return conversationKey(e.Metadata.SubjectID)
	}
	return string(e.Kind) + ":" + e.Key
}

func channelKey(id string) string      { return "channel:" + id }
func conversationKey(id string) string { return "conversation:" + id }

type DeltaKind string

const (
	DeltaMessageUpserted     DeltaKind = "message_upserted"
	DeltaChannelConnected    DeltaKind = "channel_connected"
	DeltaChannelDisconnected DeltaKind = "channel_disconnected"
	DeltaUnreadCountChanged  DeltaKind = "unread_count_changed"
)

// Delta is a derived change computed from a post-mutation snapshot.
type Delta struct {
	Kind           DeltaKind
	ConversationID string
	ChannelID      string
	Message        *MessagePayload
	Channel        *ChannelPayload
	UnreadCount    int
}

type MessagePayload struct {
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	Direction      Direction `json:"direction"`
	Content        string    `json:"content"`
	SentAt         time.Time `json:"sentAt"`
}

type ChannelPayload struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Source          string          `json:"source"`
	ConnectionState ConnectionState `json:"connectionState"`
}

type UnreadPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	Count          int    `json:"count"`
}
