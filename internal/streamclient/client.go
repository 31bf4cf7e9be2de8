// Package streamclient subscribes to a relayinbox stream and mirrors the
// unread counters it carries into a local state file.
package streamclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relayinbox/internal/backoff"
	"github.com/agentworkforce/relayinbox/internal/inbox"
)

// HandshakeError reports a connect frame the server refused. Retrying with
// the same token cannot succeed, so Run returns it.
type HandshakeError struct {
	Code    string
	Message string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected: %s: %s", e.Code, e.Message)
}

// Event is one notification received on a subscribed topic.
type Event struct {
	Topic   string
	Payload json.RawMessage
}

type ClientOptions struct {
	BaseURL string
	Token   string
	Topics  []string
	// StateFile, when set, receives the unread mirror after every change.
	StateFile    string
	Backoff      backoff.Policy
	PingInterval time.Duration
	DialTimeout  time.Duration
	// StableAfter is how long a session must last before the reconnect
	// backoff starts over.
	StableAfter time.Duration
	Logger      *slog.Logger
	OnEvent     func(Event)
}

type mirrorState struct {
	Conversations map[string]int `json:"conversations"`
	Total         int            `json:"total"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

type Client struct {
	opts   ClientOptions
	logger *slog.Logger

	mu     sync.Mutex
	state  mirrorState
	loaded bool
}

type serverFrame struct {
	Type    string          `json:"type"`
	Op      string          `json:"op,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type controlFrame struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	Topic string `json:"topic,omitempty"`
}

func NewClient(opts ClientOptions) (*Client, error) {
	opts.BaseURL = strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if opts.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("token is required")
	}
	if len(opts.Topics) == 0 {
		opts.Topics = []string{inbox.TopicUnreadTotal}
	}
	for _, topic := range opts.Topics {
		if _, _, err := inbox.ParseTopic(topic); err != nil {
			return nil, err
		}
	}
	if opts.Backoff == (backoff.Policy{}) {
		opts.Backoff = backoff.DefaultPolicy()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		logger: logger,
		state:  mirrorState{Conversations: map[string]int{}},
	}, nil
}

// Run holds a session open until ctx is done, reconnecting and
// re-subscribing after every drop.
func (c *Client) Run(ctx context.Context) error {
	if err := c.loadState(); err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	attempt := 0
	for {
		started := time.Now()
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var handshakeErr *HandshakeError
		if errors.As(err, &handshakeErr) {
			return err
		}
		if time.Since(started) >= c.opts.StableAfter {
			attempt = 0
		}
		attempt++
		wait := c.opts.Backoff.Delay(attempt)
		c.logger.Warn("stream session ended", "error", err, "attempt", attempt, "retry_in", wait)
		if err := backoff.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Unread returns the mirrored per-conversation counts and the total.
func (c *Client) Unread() (map[string]int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.state.Conversations))
	for id, n := range c.state.Conversations {
		out[id] = n
	}
	return out, c.state.Total
}

func (c *Client) streamURL() string {
	base := c.opts.BaseURL
	switch {
	case strings.HasPrefix(base, "ws://"):
		base = "http://" + strings.TrimPrefix(base, "ws://")
	case strings.HasPrefix(base, "wss://"):
		base = "https://" + strings.TrimPrefix(base, "wss://")
	}
	return base + "/v1/stream"
}

func (c *Client) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, c.streamURL(), nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	if err := wsjson.Write(ctx, conn, controlFrame{Type: "connect", Token: c.opts.Token}); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}
	var reply serverFrame
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		return fmt.Errorf("await connect ack: %w", err)
	}
	switch {
	case reply.Type == "error":
		return &HandshakeError{Code: reply.Code, Message: reply.Message}
	case reply.Type != "ack" || reply.Op != "connect":
		return fmt.Errorf("unexpected handshake reply %q", reply.Type)
	}
	for _, topic := range c.opts.Topics {
		if err := wsjson.Write(ctx, conn, controlFrame{Type: "subscribe", Topic: topic}); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	c.logger.Info("stream session open", "topics", len(c.opts.Topics))

	sessionCtx, stop := context.WithCancel(ctx)
	defer stop()
	go c.pingLoop(sessionCtx, conn)

	for {
		var frame serverFrame
		if err := wsjson.Read(sessionCtx, conn, &frame); err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("closed by server: %d", status)
			}
			return err
		}
		c.handleFrame(frame)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, controlFrame{Type: "ping"}); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleFrame(frame serverFrame) {
	switch frame.Type {
	case "event":
		if err := c.applyEvent(frame.Topic, frame.Payload); err != nil {
			c.logger.Warn("unread mirror update failed", "topic", frame.Topic, "error", err)
		}
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(Event{Topic: frame.Topic, Payload: frame.Payload})
		}
	case "error":
		c.logger.Warn("stream error", "code", frame.Code, "message", frame.Message)
	case "ack":
		c.logger.Debug("stream ack", "op", frame.Op, "topic", frame.Topic)
	}
}

func (c *Client) applyEvent(topic string, payload json.RawMessage) error {
	family, conversationID, err := inbox.ParseTopic(topic)
	if err != nil {
		return err
	}
	if family != inbox.TopicFamilyUnread && family != inbox.TopicFamilyUnreadTotal {
		return nil
	}
	var unread inbox.UnreadPayload
	if err := json.Unmarshal(payload, &unread); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if family == inbox.TopicFamilyUnreadTotal {
		c.state.Total = unread.Count
	} else if unread.Count == 0 {
		delete(c.state.Conversations, conversationID)
	} else {
		c.state.Conversations[conversationID] = unread.Count
	}
	c.state.UpdatedAt = time.Now().UTC()
	return c.saveState()
}

func (c *Client) loadState() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded || c.opts.StateFile == "" {
		c.loaded = true
		return nil
	}
	c.loaded = true
	data, err := os.ReadFile(c.opts.StateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state mirrorState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Conversations == nil {
		state.Conversations = map[string]int{}
	}
	c.state = state
	return nil
}

// saveState expects c.mu to be held.
func (c *Client) saveState() error {
	if c.opts.StateFile == "" {
		return nil
	}
	data, err := json.Marshal(c.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.opts.StateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(c.opts.StateFile, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
