package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

const defaultShardCount = 32

// Change is the result of one atomic read-modify-write.
type Change[T any] struct {
	Old     T
	New     T
	Existed bool
}

type tableShard[T any] struct {
	mu      sync.RWMutex
	records map[string]T
}

type shardedTable[T any] struct {
	shards []*tableShard[T]
	clone  func(T) T
}

func newShardedTable[T any](n int, clone func(T) T) *shardedTable[T] {
	if n <= 0 {
		n = defaultShardCount
	}
	t := &shardedTable[T]{shards: make([]*tableShard[T], n), clone: clone}
	for i := range t.shards {
		t.shards[i] = &tableShard[T]{records: map[string]T{}}
	}
	return t
}

func (t *shardedTable[T]) shard(key string) *tableShard[T] {
	return t.shards[shardIndex(key, len(t.shards))]
}

func (t *shardedTable[T]) get(key string) (T, bool) {
	s := t.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		var zero T
		return zero, false
	}
	return t.clone(rec), true
}

// upsert runs fn on a private copy of the current record and installs the
// result only when fn and validate both succeed.
func (t *shardedTable[T]) upsert(key string, fn func(cur T, exists bool) (T, error), validate func(old T, existed bool, next T) error) (Change[T], error) {
	s := t.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.records[key]
	var working T
	if exists {
		working = t.clone(cur)
	}
	next, err := fn(working, exists)
	if err != nil {
		return Change[T]{}, invalidTransition(err)
	}
	if validate != nil {
		if err := validate(cur, exists, next); err != nil {
			return Change[T]{}, invalidTransition(err)
		}
	}
	s.records[key] = next
	change := Change[T]{New: t.clone(next), Existed: exists}
	if exists {
		change.Old = t.clone(cur)
	}
	return change, nil
}

func (t *shardedTable[T]) put(key string, rec T) {
	s := t.shard(key)
	s.mu.Lock()
	s.records[key] = rec
	s.mu.Unlock()
}

func (t *shardedTable[T]) each(fn func(key string, rec T)) {
	for _, s := range t.shards {
		s.mu.RLock()
		for key, rec := range s.records {
			fn(key, rec)
		}
		s.mu.RUnlock()
	}
}

func invalidTransition(err error) error {
	if errors.Is(err, ErrInvalidStateTransition) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrInvalidStateTransition, err)
}

func shardIndex(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

type StateStoreOptions struct {
	Shards        int
	Backend       StateBackend
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// StateStore owns the authoritative channel, conversation and metadata
// records. Every mutation is a per-key atomic upsert; there is no cross-key
// atomicity.
type StateStore struct {
	channels      *shardedTable[Channel]
	conversations *shardedTable[Conversation]
	metadata      *shardedTable[Metadata]

	indexMu   sync.RWMutex
	byChannel map[string]map[string]struct{}

	backend       StateBackend
	flushInterval time.Duration
	logger        *slog.Logger
	flushMu       sync.Mutex
	dirtyMu       sync.Mutex
	dirty         map[recordRef]struct{}
	wake          chan struct{}
	closed        chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
}

type recordRef struct {
	kind RecordKind
	key  string
}

func NewStateStore() *StateStore {
	s, _ := NewStateStoreWithOptions(context.Background(), StateStoreOptions{})
	return s
}

// NewStateStoreWithOptions rebuilds the projection from the backend, if any,
// and starts the background flusher that persists dirty keys.
func NewStateStoreWithOptions(ctx context.Context, opts StateStoreOptions) (*StateStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	flushInterval := opts.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 250 * time.Millisecond
	}
	s := &StateStore{
		channels:      newShardedTable(opts.Shards, func(c Channel) Channel { return c }),
		conversations: newShardedTable(opts.Shards, Conversation.Clone),
		metadata:      newShardedTable(opts.Shards, Metadata.Clone),
		byChannel:     map[string]map[string]struct{}{},
		backend:       opts.Backend,
		flushInterval: flushInterval,
		logger:        logger,
		dirty:         map[recordRef]struct{}{},
		wake:          make(chan struct{}, 1),
		closed:        make(chan struct{}),
	}
	if s.backend != nil {
		if err := s.load(ctx); err != nil {
			return nil, err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.flushLoop()
		}()
	}
	return s, nil
}

func (s *StateStore) GetChannel(id string) (Channel, bool) {
	return s.channels.get(id)
}

func (s *StateStore) UpsertChannel(id string, fn func(cur Channel, exists bool) (Channel, error)) (Change[Channel], error) {
	if id == "" {
		return Change[Channel]{}, fmt.Errorf("%w: empty channel id", ErrInvalidStateTransition)
	}
	change, err := s.channels.upsert(id, fn, func(_ Channel, _ bool, next Channel) error {
		if next.ID != id {
			return fmt.Errorf("channel id %q does not match key %q", next.ID, id)
		}
		if !next.ConnectionState.Valid() {
			return fmt.Errorf("unknown connection state %q", next.ConnectionState)
		}
		return nil
	})
	if err != nil {
		return change, err
	}
	s.markDirty(RecordChannel, id)
	return change, nil
}

func (s *StateStore) GetConversation(id string) (Conversation, bool) {
	return s.conversations.get(id)
}

func (s *StateStore) UpsertConversation(id string, fn func(cur Conversation, exists bool) (Conversation, error)) (Change[Conversation], error) {
	if id == "" {
		return Change[Conversation]{}, fmt.Errorf("%w: empty conversation id", ErrInvalidStateTransition)
	}
	change, err := s.conversations.upsert(id, fn, func(old Conversation, existed bool, next Conversation) error {
		if next.ID != id {
			return fmt.Errorf("conversation id %q does not match key %q", next.ID, id)
		}
		if next.UnreadCount < 0 {
			return fmt.Errorf("unread count %d is negative", next.UnreadCount)
		}
		if existed && old.ChannelID != "" && next.ChannelID != old.ChannelID {
			return fmt.Errorf("conversation %q cannot move from channel %q to %q", id, old.ChannelID, next.ChannelID)
		}
		return nil
	})
	if err != nil {
		return change, err
	}
	if change.New.ChannelID != "" && (!change.Existed || change.Old.ChannelID == "") {
		s.indexConversation(change.New.ChannelID, id)
	}
	s.markDirty(RecordConversation, id)
	return change, nil
}

// ScanByChannel returns the conversations owned by channelID. Each record is
// individually consistent; the set is not a cross-key snapshot.
func (s *StateStore) ScanByChannel(channelID string) []Conversation {
	s.indexMu.RLock()
	ids := make([]string, 0, len(s.byChannel[channelID]))
	for id := range s.byChannel[channelID] {
		ids = append(ids, id)
	}
	s.indexMu.RUnlock()
	out := make([]Conversation, 0, len(ids))
	for _, id := range ids {
		if conv, ok := s.conversations.get(id); ok {
			out = append(out, conv)
		}
	}
	return out
}

// UnreadTotal sums unread counts over the given channels, or over every
// conversation when channels is empty.
func (s *StateStore) UnreadTotal(channels []string) int {
	total := 0
	if len(channels) == 0 {
		s.conversations.each(func(_ string, conv Conversation) {
			total += conv.UnreadCount
		})
		return total
	}
	for _, channelID := range channels {
		s.indexMu.RLock()
		ids := make([]string, 0, len(s.byChannel[channelID]))
		for id := range s.byChannel[channelID] {
			ids = append(ids, id)
		}
		s.indexMu.RUnlock()
		for _, id := range ids {
			shard := s.conversations.shard(id)
			shard.mu.RLock()
			total += shard.records[id].UnreadCount
			shard.mu.RUnlock()
		}
	}
	return total
}

func (s *StateStore) GetMetadata(subjectType, subjectID string) (Metadata, bool) {
	return s.metadata.get(metadataKey(subjectType, subjectID))
}

func (s *StateStore) UpsertMetadata(subjectType, subjectID string, fn func(cur Metadata, exists bool) (Metadata, error)) (Change[Metadata], error) {
	if subjectType == "" || subjectID == "" {
		return Change[Metadata]{}, fmt.Errorf("%w: empty metadata subject", ErrInvalidStateTransition)
	}
	key := metadataKey(subjectType, subjectID)
	change, err := s.metadata.upsert(key, fn, func(_ Metadata, _ bool, next Metadata) error {
		if next.SubjectType != subjectType || next.SubjectID != subjectID {
			return fmt.Errorf("metadata subject %s/%s does not match key %s", next.SubjectType, next.SubjectID, key)
		}
		return nil
	})
	if err != nil {
		return change, err
	}
	s.markDirty(RecordMetadata, key)
	return change, nil
}

func metadataKey(subjectType, subjectID string) string {
	return subjectType + ":" + subjectID
}

func (s *StateStore) indexConversation(channelID, conversationID string) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	set, ok := s.byChannel[channelID]
	if !ok {
		set = map[string]struct{}{}
		s.byChannel[channelID] = set
	}
	set[conversationID] = struct{}{}
}

func (s *StateStore) markDirty(kind RecordKind, key string) {
	if s.backend == nil {
		return
	}
	s.dirtyMu.Lock()
	s.dirty[recordRef{kind: kind, key: key}] = struct{}{}
	s.dirtyMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *StateStore) load(ctx context.Context) error {
	records, err := s.backend.LoadRecords(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	for _, rec := range records {
		switch rec.Kind {
		case RecordChannel:
			var ch Channel
			if err := json.Unmarshal(rec.Data, &ch); err != nil {
				return fmt.Errorf("decode channel %q: %w", rec.Key, err)
			}
			s.channels.put(rec.Key, ch)
		case RecordConversation:
			var conv Conversation
			if err := json.Unmarshal(rec.Data, &conv); err != nil {
				return fmt.Errorf("decode conversation %q: %w", rec.Key, err)
			}
			s.conversations.put(rec.Key, conv)
			if conv.ChannelID != "" {
				s.indexConversation(conv.ChannelID, rec.Key)
			}
		case RecordMetadata:
			var md Metadata
			if err := json.Unmarshal(rec.Data, &md); err != nil {
				return fmt.Errorf("decode metadata %q: %w", rec.Key, err)
			}
			if md.Entries == nil {
				md.Entries = map[string]MetadataEntry{}
			}
			s.metadata.put(rec.Key, md)
		default:
			s.logger.Warn("skipping unknown stored record", "kind", rec.Kind, "key", rec.Key)
		}
	}
	return nil
}

func (s *StateStore) flushLoop() {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case <-s.wake:
		case <-ticker.C:
		}
		if err := s.Flush(context.Background()); err != nil {
			s.logger.Error("state flush failed", "error", err)
			select {
			case <-s.closed:
				return
			case <-time.After(s.flushInterval):
			}
		}
	}
}

// Flush writes the latest version of every dirty key to the backend. Keys
// that fail to persist stay dirty.
func (s *StateStore) Flush(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	s.dirtyMu.Lock()
	if len(s.dirty) == 0 {
		s.dirtyMu.Unlock()
		return nil
	}
	pending := s.dirty
	s.dirty = map[recordRef]struct{}{}
	s.dirtyMu.Unlock()

	records := make([]StoredRecord, 0, len(pending))
	now := time.Now().UTC()
	for ref := range pending {
		var (
			value any
			ok    bool
		)
		switch ref.kind {
		case RecordChannel:
			value, ok = s.channels.get(ref.key)
		case RecordConversation:
			value, ok = s.conversations.get(ref.key)
		case RecordMetadata:
			value, ok = s.metadata.get(ref.key)
		}
		if !ok {
			continue
		}
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s %q: %w", ref.kind, ref.key, err)
		}
		records = append(records, StoredRecord{Kind: ref.kind, Key: ref.key, Data: data, UpdatedAt: now})
	}
	if err := s.backend.SaveRecords(ctx, records); err != nil {
		s.dirtyMu.Lock()
		for ref := range pending {
			s.dirty[ref] = struct{}{}
		}
		s.dirtyMu.Unlock()
		return err
	}
	return nil
}

// Close stops the flusher, persists anything still dirty and closes the
// backend.
func (s *StateStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.wg.Wait()
		if s.backend == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = s.Flush(ctx)
		if closer, ok := s.backend.(interface{ Close() error }); ok {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
		}
	})
	return err
}
