package inbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

const (
	TopicChannelStatus = "channels/status"
	TopicUnreadTotal   = "unread/total"
)

func MessageTopic(conversationID string) string {
	return "conversations/" + conversationID + "/messages"
}

func UnreadTopic(conversationID string) string {
	return "conversations/" + conversationID + "/unread"
}

type TopicFamily string

const (
	TopicFamilyMessages      TopicFamily = "messages"
	TopicFamilyUnread        TopicFamily = "unread"
	TopicFamilyChannelStatus TopicFamily = "channel_status"
	TopicFamilyUnreadTotal   TopicFamily = "unread_total"
)

// ParseTopic splits a topic into its family and, for per-conversation
// topics, the conversation id.
func ParseTopic(topic string) (TopicFamily, string, error) {
	switch topic {
	case TopicChannelStatus:
		return TopicFamilyChannelStatus, "", nil
	case TopicUnreadTotal:
		return TopicFamilyUnreadTotal, "", nil
	}
	parts := strings.Split(topic, "/")
	if len(parts) == 3 && parts[0] == "conversations" && parts[1] != "" {
		switch parts[2] {
		case "messages":
			return TopicFamilyMessages, parts[1], nil
		case "unread":
			return TopicFamilyUnread, parts[1], nil
		}
	}
	return "", "", fmt.Errorf("%w: unknown topic %q", ErrInvalidInput, topic)
}

// Notification is one (topic, payload) pair derived from a delta. ChannelID
// is the channel the payload concerns; sessions scoped away from it do not
// receive it. Aggregate marks the global unread total, whose value depends on
// the receiving session's scope; its Payload is left nil and computed when
// the notification is delivered.
type Notification struct {
	Topic     string
	Payload   any
	ChannelID string
	Aggregate bool
}

type eventFrame struct {
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// EncodeEventFrame renders the server-to-client frame for a notification.
func EncodeEventFrame(topic string, payload any) ([]byte, error) {
	return json.Marshal(eventFrame{Type: "event", Topic: topic, Payload: payload})
}

// Router maps deltas to topics and hands them to the Registry.
type Router struct {
	store    *StateStore
	registry *Registry
	logger   *slog.Logger

	// totalMu orders unread total reads with their enqueue, so the last
	// total a session receives is never older than one it already got.
	totalMu sync.Mutex
}

func NewRouter(store *StateStore, registry *Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{store: store, registry: registry, logger: logger}
}

// Route derives the notifications for d.
func (r *Router) Route(d Delta) []Notification {
	switch d.Kind {
	case DeltaMessageUpserted:
		if d.Message == nil {
			return nil
		}
		return []Notification{{Topic: MessageTopic(d.ConversationID), Payload: *d.Message, ChannelID: d.ChannelID}}
	case DeltaChannelConnected, DeltaChannelDisconnected:
		if d.Channel == nil {
			return nil
		}
		return []Notification{{Topic: TopicChannelStatus, Payload: *d.Channel, ChannelID: d.ChannelID}}
	case DeltaUnreadCountChanged:
		return []Notification{
			{
				Topic:     UnreadTopic(d.ConversationID),
				Payload:   UnreadPayload{ConversationID: d.ConversationID, Count: d.UnreadCount},
				ChannelID: d.ChannelID,
			},
			{
				Topic:     TopicUnreadTotal,
				ChannelID: d.ChannelID,
				Aggregate: true,
			},
		}
	}
	return nil
}

// Emit routes d and delivers each notification. It never blocks on a
// subscriber.
func (r *Router) Emit(d Delta) {
	for _, n := range r.Route(d) {
		r.deliver(n)
	}
}

func (r *Router) deliver(n Notification) {
	if n.Aggregate {
		r.deliverTotal(n)
		return
	}
	frame, err := EncodeEventFrame(n.Topic, n.Payload)
	if err != nil {
		r.logger.Error("encode notification", "topic", n.Topic, "error", err)
		return
	}
	r.registry.DeliverScoped(n.Topic, func(scope Scope) ([]byte, bool) {
		if n.ChannelID != "" && !scope.Allows(n.ChannelID) {
			return nil, false
		}
		return frame, true
	})
}

// deliverTotal reads the unread total per scope while holding totalMu, so
// concurrent aggregator workers enqueue totals in the order they read them.
// Nothing is summed when the topic has no subscribers.
func (r *Router) deliverTotal(n Notification) {
	r.totalMu.Lock()
	defer r.totalMu.Unlock()
	totals := map[string][]byte{}
	r.registry.DeliverScoped(n.Topic, func(scope Scope) ([]byte, bool) {
		if n.ChannelID != "" && !scope.Allows(n.ChannelID) {
			return nil, false
		}
		key := strings.Join(scope.Channels, "\x00")
		if frame, ok := totals[key]; ok {
			return frame, true
		}
		frame, err := EncodeEventFrame(n.Topic, UnreadPayload{Count: r.store.UnreadTotal(scope.Channels)})
		if err != nil {
			r.logger.Error("encode notification", "topic", n.Topic, "error", err)
			return nil, false
		}
		totals[key] = frame
		return frame, true
	})
}
