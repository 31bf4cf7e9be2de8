package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var errAggregatorClosed = errors.New("aggregator closed")

// Emitter receives deltas in the order the aggregator produced them for a
// key.
type Emitter interface {
	Emit(Delta)
}

type EmitterFunc func(Delta)

func (f EmitterFunc) Emit(d Delta) { f(d) }

type AggregatorOptions struct {
	Store   *StateStore
	Emitter Emitter
	// AllowUnknownChannels accepts messages whose channel has never been
	// seen. By default such messages are malformed.
	AllowUnknownChannels bool
	Shards               int
	QueueSize            int
	Logger               *slog.Logger
	Metrics              *Metrics
}

type aggregatorTask struct {
	ev   Event
	done func(error)
}

// Aggregator applies events to the StateStore and emits the resulting
// deltas. Events with the same shard key run on one worker, in submission
// order; unrelated keys run in parallel.
type Aggregator struct {
	store        *StateStore
	emitter      Emitter
	allowUnknown bool
	logger       *slog.Logger
	metrics      *Metrics

	queues    []chan aggregatorTask
	quit      chan struct{}
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewAggregator(opts AggregatorOptions) *Aggregator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := opts.Store
	if store == nil {
		store = NewStateStore()
	}
	shards := opts.Shards
	if shards <= 0 {
		shards = 8
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	a := &Aggregator{
		store:        store,
		emitter:      opts.Emitter,
		allowUnknown: opts.AllowUnknownChannels,
		logger:       logger,
		metrics:      opts.Metrics,
		queues:       make([]chan aggregatorTask, shards),
		quit:         make(chan struct{}),
	}
	for i := range a.queues {
		a.queues[i] = make(chan aggregatorTask, queueSize)
		a.wg.Add(1)
		go a.worker(a.queues[i])
	}
	return a
}

func (a *Aggregator) Store() *StateStore { return a.store }

// Submit queues ev on the worker that owns its key. done, if set, is called
// after the event is applied and its deltas emitted. Submit blocks only when
// that worker's queue is full.
func (a *Aggregator) Submit(ctx context.Context, ev Event, done func(error)) error {
	a.closeMu.RLock()
	defer a.closeMu.RUnlock()
	if a.closed {
		return errAggregatorClosed
	}
	queue := a.queues[shardIndex(ev.ShardKey(), len(a.queues))]
	select {
	case queue <- aggregatorTask{ev: ev, done: done}:
		a.metrics.queueDepth(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.quit:
		return errAggregatorClosed
	}
}

func (a *Aggregator) worker(queue chan aggregatorTask) {
	defer a.wg.Done()
	for {
		select {
		case <-a.quit:
			return
		case task := <-queue:
			a.metrics.queueDepth(-1)
			err := a.process(task.ev)
			if task.done != nil {
				task.done(err)
			}
		}
	}
}

// Close stops the workers. Events still queued are not applied; their
// offsets were never committed so they replay on the next start.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		a.closeMu.Lock()
		a.closed = true
		a.closeMu.Unlock()
		close(a.quit)
		a.wg.Wait()
	})
}

func (a *Aggregator) process(ev Event) error {
	deltas, err := a.Apply(ev)
	if err != nil {
		switch {
		case errors.Is(err, ErrMalformedEvent):
			a.metrics.recordEvent(ev.Kind, "malformed")
			a.logger.Warn("dropping malformed event", "source", ev.Kind, "key", ev.Key, "error", err)
		case errors.Is(err, ErrInvalidStateTransition):
			a.metrics.recordEvent(ev.Kind, "rejected")
			a.logger.Warn("state transition rejected", "source", ev.Kind, "key", ev.Key, "error", err)
		default:
			a.metrics.recordEvent(ev.Kind, "error")
			a.logger.Error("apply event failed", "source", ev.Kind, "key", ev.Key, "error", err)
		}
		return err
	}
	a.metrics.recordEvent(ev.Kind, "applied")
	for _, d := range deltas {
		a.metrics.recordDelta(d.Kind)
		if a.emitter != nil {
			a.emitter.Emit(d)
		}
	}
	return nil
}

// Apply mutates the store for one event and returns the deltas it caused,
// in emission order. It is safe to call concurrently for different keys;
// callers that need per-key ordering go through Submit.
func (a *Aggregator) Apply(ev Event) ([]Delta, error) {
	switch {
	case ev.Channel != nil:
		return a.applyChannel(ev, *ev.Channel)
	case ev.Message != nil:
		return a.applyMessage(ev, *ev.Message)
	case ev.Metadata != nil:
		return nil, a.applyMetadata(ev, *ev.Metadata)
	case ev.ReadReceipt != nil:
		return a.applyReadReceipt(ev, *ev.ReadReceipt)
	}
	return nil, malformed(ev.Kind, ev.Key, "event has no payload")
}

func (a *Aggregator) applyChannel(ev Event, in Channel) ([]Delta, error) {
	if in.ID == "" {
		return nil, malformed(ev.Kind, ev.Key, "channel id is empty")
	}
	if !in.ConnectionState.Valid() {
		return nil, malformed(ev.Kind, in.ID, "unknown connection state %q", in.ConnectionState)
	}
	change, err := a.store.UpsertChannel(in.ID, func(cur Channel, exists bool) (Channel, error) {
		if !exists {
			return in, nil
		}
		if in.Source != "" && cur.Source != "" && in.Source != cur.Source {
			return cur, fmt.Errorf("channel %q cannot move from source %q to %q", in.ID, cur.Source, in.Source)
		}
		cur.ConnectionState = in.ConnectionState
		if in.Source != "" {
			cur.Source = in.Source
		}
		if in.SourceChannelID != "" {
			cur.SourceChannelID = in.SourceChannelID
		}
		if in.Name != "" {
			cur.Name = in.Name
		}
		if in.Token != "" {
			cur.Token = in.Token
		}
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	wasConnected := change.Existed && change.Old.ConnectionState == ChannelConnected
	isConnected := change.New.ConnectionState == ChannelConnected
	var kind DeltaKind
	switch {
	case isConnected && !wasConnected:
		kind = DeltaChannelConnected
	case wasConnected && !isConnected:
		kind = DeltaChannelDisconnected
	default:
		return nil, nil
	}
	return []Delta{{
		Kind:      kind,
		ChannelID: change.New.ID,
		Channel: &ChannelPayload{
			ID:              change.New.ID,
			Name:            change.New.Name,
			Source:          change.New.Source,
			ConnectionState: change.New.ConnectionState,
		},
	}}, nil
}

func (a *Aggregator) applyMessage(ev Event, in Message) ([]Delta, error) {
	if in.ID == "" {
		return nil, malformed(ev.Kind, ev.Key, "message id is empty")
	}
	if in.ConversationID == "" {
		return nil, malformed(ev.Kind, in.ID, "conversation id is empty")
	}
	if in.Direction != Inbound && in.Direction != Outbound {
		return nil, malformed(ev.Kind, in.ID, "unknown direction %q", in.Direction)
	}
	if !a.allowUnknown {
		if in.ChannelID != "" {
			if _, ok := a.store.GetChannel(in.ChannelID); !ok {
				return nil, malformed(ev.Kind, in.ID, "unknown channel %q", in.ChannelID)
			}
		} else if conv, ok := a.store.GetConversation(in.ConversationID); !ok || conv.ChannelID == "" {
			return nil, malformed(ev.Kind, in.ID, "message has no channel and conversation %q is unknown", in.ConversationID)
		}
	}

	change, err := a.store.UpsertConversation(in.ConversationID, func(cur Conversation, exists bool) (Conversation, error) {
		if !exists {
			cur = Conversation{ID: in.ConversationID}
		}
		if cur.ChannelID == "" {
			cur.ChannelID = in.ChannelID
		} else if in.ChannelID != "" && in.ChannelID != cur.ChannelID {
			return cur, fmt.Errorf("message %q names channel %q but conversation belongs to %q", in.ID, in.ChannelID, cur.ChannelID)
		}
		msg := in
		msg.ChannelID = cur.ChannelID
		if i, seen := cur.messageIndex(msg.ID); seen {
			msg.Unread = cur.Messages[i].Unread
			if msg.Unread && msg.State == DeliveryRead {
				msg.Unread = false
				cur.UnreadCount--
			}
			cur.Messages[i] = msg
		} else {
			switch {
			case msg.Direction != Inbound || msg.State == DeliveryRead:
			case msg.SentAt.After(cur.ReadWatermark):
				msg.Unread = true
				cur.UnreadCount++
			default:
				// Already covered by a receipt that arrived first.
				msg.State = DeliveryRead
			}
			cur.appendMessage(msg)
		}
		if msg.SentAt.After(cur.LastActivityAt) {
			cur.LastActivityAt = msg.SentAt
		}
		return cur, nil
	})
	if err != nil {
		return nil, err
	}

	deltas := []Delta{{
		Kind:           DeltaMessageUpserted,
		ConversationID: change.New.ID,
		ChannelID:      change.New.ChannelID,
		Message: &MessagePayload{
			ConversationID: change.New.ID,
			MessageID:      in.ID,
			Direction:      in.Direction,
			Content:        in.Content,
			SentAt:         in.SentAt,
		},
	}}
	if d, ok := unreadDelta(change); ok {
		deltas = append(deltas, d)
	}
	return deltas, nil
}

func (a *Aggregator) applyReadReceipt(ev Event, in ReadReceipt) ([]Delta, error) {
	if in.ConversationID == "" {
		return nil, malformed(ev.Kind, ev.Key, "conversation id is empty")
	}
	if in.ReadAt.IsZero() {
		return nil, malformed(ev.Kind, in.ConversationID, "read timestamp is empty")
	}
	change, err := a.store.UpsertConversation(in.ConversationID, func(cur Conversation, exists bool) (Conversation, error) {
		if !exists {
			cur = Conversation{ID: in.ConversationID}
		}
		if in.ReadAt.After(cur.ReadWatermark) {
			cur.ReadWatermark = in.ReadAt
		}
		for i, msg := range cur.Messages {
			if !msg.Unread || msg.SentAt.After(in.ReadAt) {
				continue
			}
			cur.Messages[i].Unread = false
			cur.Messages[i].State = DeliveryRead
			cur.UnreadCount--
		}
		if cur.UnreadCount < 0 {
			cur.UnreadCount = 0
		}
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	if d, ok := unreadDelta(change); ok {
		return []Delta{d}, nil
	}
	return nil, nil
}

func (a *Aggregator) applyMetadata(ev Event, in MetadataUpdate) error {
	if in.SubjectType != SubjectConversation && in.SubjectType != SubjectChannel {
		return malformed(ev.Kind, ev.Key, "unknown subject type %q", in.SubjectType)
	}
	if in.SubjectID == "" || in.Key == "" {
		return malformed(ev.Kind, ev.Key, "metadata subject id and key are required")
	}
	_, err := a.store.UpsertMetadata(in.SubjectType, in.SubjectID, func(cur Metadata, exists bool) (Metadata, error) {
		if !exists {
			cur = Metadata{SubjectType: in.SubjectType, SubjectID: in.SubjectID}
		}
		if cur.Entries == nil {
			cur.Entries = map[string]MetadataEntry{}
		}
		if prev, ok := cur.Entries[in.Key]; ok && in.UpdatedAt.Before(prev.UpdatedAt) {
			return cur, nil
		}
		cur.Entries[in.Key] = MetadataEntry{Value: in.Value, UpdatedAt: in.UpdatedAt}
		return cur, nil
	})
	return err
}

func unreadDelta(change Change[Conversation]) (Delta, bool) {
	before := 0
	if change.Existed {
		before = change.Old.UnreadCount
	}
	if change.New.UnreadCount == before {
		return Delta{}, false
	}
	return Delta{
		Kind:           DeltaUnreadCountChanged,
		ConversationID: change.New.ID,
		ChannelID:      change.New.ChannelID,
		UnreadCount:    change.New.UnreadCount,
	}, true
}
