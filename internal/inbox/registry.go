package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type SessionState int

const (
	SessionConnecting SessionState = iota
	SessionOpen
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionOpen:
		return "open"
	case SessionClosed:
		return "closed"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

type OverflowPolicy string

const (
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowDisconnect OverflowPolicy = "disconnect"
)

func ParseOverflowPolicy(raw string) (OverflowPolicy, error) {
	switch OverflowPolicy(raw) {
	case "", OverflowDropOldest:
		return OverflowDropOldest, nil
	case OverflowDisconnect:
		return OverflowDisconnect, nil
	}
	return "", fmt.Errorf("%w: unknown overflow policy %q", ErrInvalidInput, raw)
}

// Conn is the transport behind a session. Send is only ever called from the
// session's writer goroutine.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	Close(reason string) error
}

// Scope is what an authenticated session may see. An empty Channels list
// means every channel.
type Scope struct {
	Subject  string
	Channels []string
}

func (s Scope) Unrestricted() bool { return len(s.Channels) == 0 }

func (s Scope) Allows(channelID string) bool {
	if s.Unrestricted() {
		return true
	}
	for _, ch := range s.Channels {
		if ch == channelID {
			return true
		}
	}
	return false
}

type RegistryOptions struct {
	QueueSize        int
	Overflow         OverflowPolicy
	IdleTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReapInterval     time.Duration
	Shards           int
	// Authorize, if set, is consulted before a subscription is recorded.
	Authorize func(scope Scope, topic string) error
	Logger    *slog.Logger
	Metrics   *Metrics
	Now       func() time.Time
}

// DeliveryReport counts what happened to one payload across subscribers.
type DeliveryReport struct {
	Delivered int
	Dropped   int
	Evicted   int
}

type SessionInfo struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Subject   string    `json:"subject,omitempty"`
	Topics    []string  `json:"topics"`
	Queued    int       `json:"queued"`
	Dropped   uint64    `json:"dropped"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
}

type Session struct {
	ID  string
	reg *Registry

	conn   Conn
	notify chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	state     SessionState
	scope     Scope
	topics    map[string]struct{}
	queue     [][]byte
	dropped   uint64
	createdAt time.Time
	lastSeen  time.Time
	// closeAfter, once set, closes the session when the queue drains.
	closeAfter string
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Scope() Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope
}

// Done is closed once the session reaches the closed state.
func (s *Session) Done() <-chan struct{} { return s.done }

// enqueue appends payload to the outbound queue and reports whether an
// older payload was dropped to make room.
func (s *Session) enqueue(payload []byte, limit int, policy OverflowPolicy) (bool, error) {
	s.mu.Lock()
	if s.state == SessionClosed || s.closeAfter != "" {
		s.mu.Unlock()
		return false, ErrSessionGone
	}
	dropped := false
	if len(s.queue) >= limit {
		if policy == OverflowDisconnect {
			s.mu.Unlock()
			return false, ErrSubscriberOverload
		}
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.dropped++
		dropped = true
	}
	s.queue = append(s.queue, payload)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped, nil
}

func (s *Session) drain() ([][]byte, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	if len(out) == 0 {
		return nil, s.closeAfter
	}
	return out, ""
}

func (s *Session) closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeAfter != ""
}

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

type topicShard struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Session
}

// Registry tracks live sessions and their topic subscriptions. Sessions are
// sharded by id and the subscription index by topic.
type Registry struct {
	queueSize        int
	overflow         OverflowPolicy
	idleTimeout      time.Duration
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	reapInterval     time.Duration
	authorize        func(Scope, string) error
	logger           *slog.Logger
	metrics          *Metrics
	now              func() time.Time

	sessions []*sessionShard
	topics   []*topicShard
}

func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	overflow := opts.Overflow
	if overflow == "" {
		overflow = OverflowDropOldest
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	reapInterval := opts.ReapInterval
	if reapInterval <= 0 {
		reapInterval = time.Second
	}
	shards := opts.Shards
	if shards <= 0 {
		shards = defaultShardCount
	}
	r := &Registry{
		queueSize:        queueSize,
		overflow:         overflow,
		idleTimeout:      opts.IdleTimeout,
		handshakeTimeout: opts.HandshakeTimeout,
		writeTimeout:     writeTimeout,
		reapInterval:     reapInterval,
		authorize:        opts.Authorize,
		logger:           logger,
		metrics:          opts.Metrics,
		now:              now,
		sessions:         make([]*sessionShard, shards),
		topics:           make([]*topicShard, shards),
	}
	for i := 0; i < shards; i++ {
		r.sessions[i] = &sessionShard{sessions: map[string]*Session{}}
		r.topics[i] = &topicShard{subs: map[string]map[string]*Session{}}
	}
	return r
}

func (r *Registry) sessionShard(id string) *sessionShard {
	return r.sessions[shardIndex(id, len(r.sessions))]
}

func (r *Registry) topicShard(topic string) *topicShard {
	return r.topics[shardIndex(topic, len(r.topics))]
}

// Register creates a session in the connecting state and starts its writer.
func (r *Registry) Register(conn Conn) *Session {
	now := r.now()
	s := &Session{
		ID:        uuid.NewString(),
		reg:       r,
		conn:      conn,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		state:     SessionConnecting,
		topics:    map[string]struct{}{},
		createdAt: now,
		lastSeen:  now,
	}
	shard := r.sessionShard(s.ID)
	shard.mu.Lock()
	shard.sessions[s.ID] = s
	shard.mu.Unlock()
	go r.writeLoop(s)
	r.logger.Debug("session registered", "session_id", s.ID)
	return s
}

func (r *Registry) Session(id string) (*Session, bool) {
	shard := r.sessionShard(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	s, ok := shard.sessions[id]
	return s, ok
}

// Open completes the handshake: connecting -> open.
func (r *Registry) Open(id string, scope Scope) error {
	s, ok := r.Session(id)
	if !ok {
		return ErrSessionGone
	}
	s.mu.Lock()
	switch s.state {
	case SessionClosed:
		s.mu.Unlock()
		return ErrSessionGone
	case SessionOpen:
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s is already open", ErrInvalidStateTransition, id)
	}
	s.state = SessionOpen
	s.scope = Scope{Subject: scope.Subject, Channels: append([]string(nil), scope.Channels...)}
	s.lastSeen = r.now()
	s.mu.Unlock()
	r.metrics.sessionOpened()
	r.logger.Info("session opened", "session_id", id, "subject", scope.Subject)
	return nil
}

// Subscribe adds topic to the session. Subscribing twice is a no-op and
// reports false.
func (r *Registry) Subscribe(id, topic string) (bool, error) {
	if topic == "" {
		return false, fmt.Errorf("%w: empty topic", ErrInvalidInput)
	}
	s, ok := r.Session(id)
	if !ok {
		return false, ErrSessionGone
	}
	s.mu.Lock()
	if s.state != SessionOpen {
		state := s.state
		s.mu.Unlock()
		if state == SessionClosed {
			return false, ErrSessionGone
		}
		return false, fmt.Errorf("%w: session %s is %s", ErrInvalidStateTransition, id, state)
	}
	if _, exists := s.topics[topic]; exists {
		s.mu.Unlock()
		return false, nil
	}
	scope := s.scope
	s.mu.Unlock()

	if r.authorize != nil {
		if err := r.authorize(scope, topic); err != nil {
			return false, err
		}
	}

	s.mu.Lock()
	if s.state != SessionOpen {
		s.mu.Unlock()
		return false, ErrSessionGone
	}
	if _, exists := s.topics[topic]; exists {
		s.mu.Unlock()
		return false, nil
	}
	s.topics[topic] = struct{}{}
	s.mu.Unlock()

	shard := r.topicShard(topic)
	shard.mu.Lock()
	subs, ok := shard.subs[topic]
	if !ok {
		subs = map[string]*Session{}
		shard.subs[topic] = subs
	}
	subs[id] = s
	shard.mu.Unlock()
	return true, nil
}

func (r *Registry) Unsubscribe(id, topic string) (bool, error) {
	s, ok := r.Session(id)
	if !ok {
		return false, ErrSessionGone
	}
	s.mu.Lock()
	_, had := s.topics[topic]
	delete(s.topics, topic)
	s.mu.Unlock()
	if had {
		r.removeSubscriber(topic, id)
	}
	return had, nil
}

func (r *Registry) removeSubscriber(topic, id string) {
	shard := r.topicShard(topic)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	subs := shard.subs[topic]
	delete(subs, id)
	if len(subs) == 0 {
		delete(shard.subs, topic)
	}
}

func (r *Registry) subscribers(topic string) []*Session {
	shard := r.topicShard(topic)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	subs := shard.subs[topic]
	out := make([]*Session, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	return out
}

// Deliver enqueues payload for every session subscribed to topic. It never
// waits on a subscriber.
func (r *Registry) Deliver(topic string, payload []byte) DeliveryReport {
	return r.DeliverScoped(topic, func(Scope) ([]byte, bool) { return payload, true })
}

// DeliverScoped is Deliver with a per-session payload. build returns false
// to skip a session.
func (r *Registry) DeliverScoped(topic string, build func(Scope) ([]byte, bool)) DeliveryReport {
	var report DeliveryReport
	for _, s := range r.subscribers(topic) {
		payload, ok := build(s.Scope())
		if !ok {
			continue
		}
		dropped, err := s.enqueue(payload, r.queueSize, r.overflow)
		switch {
		case err == nil:
			report.Delivered++
			if dropped {
				report.Dropped++
				r.metrics.recordOverflow(OverflowDropOldest)
			}
		case errors.Is(err, ErrSessionGone):
			r.removeSubscriber(topic, s.ID)
			report.Evicted++
		case errors.Is(err, ErrSubscriberOverload):
			r.metrics.recordOverflow(OverflowDisconnect)
			r.logger.Warn("disconnecting slow subscriber", "session_id", s.ID, "topic", topic)
			r.CloseSession(s.ID, "outbound queue overflow")
			report.Evicted++
		}
	}
	r.metrics.recordDelivery("delivered", report.Delivered)
	r.metrics.recordDelivery("dropped", report.Dropped)
	r.metrics.recordDelivery("evicted", report.Evicted)
	return report
}

// Send queues a control reply for a single session. Unlike Deliver it
// reaches sessions that are still connecting.
func (r *Registry) Send(id string, payload []byte) error {
	s, ok := r.Session(id)
	if !ok {
		return ErrSessionGone
	}
	_, err := s.enqueue(payload, r.queueSize, r.overflow)
	if errors.Is(err, ErrSubscriberOverload) {
		r.metrics.recordOverflow(OverflowDisconnect)
		r.CloseSession(id, "outbound queue overflow")
	}
	return err
}

// SendAndClose queues payload as the last frame of the session and closes
// it with reason once everything queued before it has been written.
func (r *Registry) SendAndClose(id string, payload []byte, reason string) error {
	s, ok := r.Session(id)
	if !ok {
		return ErrSessionGone
	}
	s.mu.Lock()
	if s.state == SessionClosed || s.closeAfter != "" {
		s.mu.Unlock()
		return ErrSessionGone
	}
	s.queue = append(s.queue, payload)
	s.closeAfter = reason
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// CloseSession moves the session to closed, releases its subscriptions and
// closes the transport. Closing an unknown or closed session is a no-op.
func (r *Registry) CloseSession(id, reason string) {
	shard := r.sessionShard(id)
	shard.mu.Lock()
	s, ok := shard.sessions[id]
	delete(shard.sessions, id)
	shard.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	wasOpen := s.state == SessionOpen
	s.state = SessionClosed
	topics := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		topics = append(topics, topic)
	}
	s.topics = map[string]struct{}{}
	s.queue = nil
	s.mu.Unlock()
	close(s.done)

	for _, topic := range topics {
		r.removeSubscriber(topic, id)
	}
	if wasOpen {
		r.metrics.sessionClosed()
	}
	if s.conn != nil {
		if err := s.conn.Close(reason); err != nil {
			r.logger.Debug("close session transport", "session_id", id, "error", err)
		}
	}
	r.logger.Info("session closed", "session_id", id, "reason", reason)
}

// Touch records client activity for the idle timeout.
func (r *Registry) Touch(id string) {
	if s, ok := r.Session(id); ok {
		s.mu.Lock()
		s.lastSeen = r.now()
		s.mu.Unlock()
	}
}

// Reap closes sessions whose handshake or idle deadline has passed and
// returns how many it closed.
func (r *Registry) Reap() int {
	now := r.now()
	type victim struct {
		id     string
		reason string
	}
	var victims []victim
	for _, shard := range r.sessions {
		shard.mu.RLock()
		for id, s := range shard.sessions {
			s.mu.Lock()
			switch {
			case s.state == SessionConnecting && r.handshakeTimeout > 0 && now.Sub(s.createdAt) > r.handshakeTimeout:
				victims = append(victims, victim{id: id, reason: "handshake timeout"})
			case s.state == SessionOpen && r.idleTimeout > 0 && now.Sub(s.lastSeen) > r.idleTimeout:
				victims = append(victims, victim{id: id, reason: "idle timeout"})
			}
			s.mu.Unlock()
		}
		shard.mu.RUnlock()
	}
	for _, v := range victims {
		r.CloseSession(v.id, v.reason)
	}
	return len(victims)
}

// Start runs the reaper until ctx is done, then closes every session.
func (r *Registry) Start(ctx context.Context) {
	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.CloseAll("shutdown")
			return
		case <-ticker.C:
			r.Reap()
		}
	}
}

func (r *Registry) CloseAll(reason string) {
	var ids []string
	for _, shard := range r.sessions {
		shard.mu.RLock()
		for id := range shard.sessions {
			ids = append(ids, id)
		}
		shard.mu.RUnlock()
	}
	for _, id := range ids {
		r.CloseSession(id, reason)
	}
}

// Count returns the number of registered sessions per state.
func (r *Registry) Count() map[SessionState]int {
	out := map[SessionState]int{}
	for _, shard := range r.sessions {
		shard.mu.RLock()
		for _, s := range shard.sessions {
			out[s.State()]++
		}
		shard.mu.RUnlock()
	}
	return out
}

func (r *Registry) Snapshot() []SessionInfo {
	var out []SessionInfo
	for _, shard := range r.sessions {
		shard.mu.RLock()
		for _, s := range shard.sessions {
			s.mu.Lock()
			info := SessionInfo{
				ID:        s.ID,
				State:     s.state.String(),
				Subject:   s.scope.Subject,
				Topics:    make([]string, 0, len(s.topics)),
				Queued:    len(s.queue),
				Dropped:   s.dropped,
				CreatedAt: s.createdAt,
				LastSeen:  s.lastSeen,
			}
			for topic := range s.topics {
				info.Topics = append(info.Topics, topic)
			}
			s.mu.Unlock()
			sort.Strings(info.Topics)
			out = append(out, info)
		}
		shard.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Registry) writeLoop(s *Session) {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		batch, closeReason := s.drain()
		if closeReason != "" {
			r.CloseSession(s.ID, closeReason)
			return
		}
		for _, payload := range batch {
			ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
			err := s.conn.Send(ctx, payload)
			cancel()
			if err != nil {
				r.logger.Warn("session write failed", "session_id", s.ID, "error", err)
				r.CloseSession(s.ID, "write failed")
				return
			}
			select {
			case <-s.done:
				return
			default:
			}
		}
		if s.closing() {
			select {
			case s.notify <- struct{}{}:
			default:
			}
		}
	}
}
