package streamclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/agentworkforce/relayinbox/internal/inbox"
)

func inboundMessage(conv, channel, id, sentAt string) string {
	return fmt.Sprintf(`{"id":%q,"conversationId":%q,"channelId":%q,"direction":"inbound","content":"hi","sentAt":%q}`, id, conv, channel, sentAt)
}

type runningClient struct {
	client *Client
	cancel context.CancelFunc
	done   chan error
}

func runClient(t *testing.T, opts ClientOptions) *runningClient {
	t.Helper()
	client, err := NewClient(opts)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	rc := &runningClient{client: client, cancel: cancel, done: make(chan error, 1)}
	go func() { rc.done <- client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-rc.done:
		case <-time.After(3 * time.Second):
			t.Errorf("client did not stop")
		}
	})
	return rc
}

func TestClientMirrorsUnreadCounts(t *testing.T) {
	ls := startLiveServer(t)
	stateFile := filepath.Join(t.TempDir(), "tail", "state.json")

	var mu sync.Mutex
	var topics []string
	rc := runClient(t, ClientOptions{
		BaseURL:   ls.http.URL,
		Token:     streamToken(t, nil),
		Topics:    []string{inbox.UnreadTopic("k1"), inbox.TopicUnreadTotal},
		StateFile: stateFile,
		Backoff:   fastBackoff,
		OnEvent: func(ev Event) {
			mu.Lock()
			topics = append(topics, ev.Topic)
			mu.Unlock()
		},
	})
	waitFor(t, "subscribed session", func() bool {
		open := ls.openSessions()
		return len(open) == 1 && len(open[0].Topics) == 2
	})

	ls.publishChannel(t, "c1")
	ls.publish(t, inbox.SourceMessages, "m1", inboundMessage("k1", "c1", "m1", "2026-03-14T09:00:00Z"))
	ls.publish(t, inbox.SourceMessages, "m2", inboundMessage("k1", "c1", "m2", "2026-03-14T09:01:00Z"))
	waitFor(t, "mirrored unread", func() bool {
		counts, total := rc.client.Unread()
		return counts["k1"] == 2 && total == 2
	})

	ls.publish(t, inbox.SourceReadReceipts, "k1", `{"conversationId":"k1","reader":"agent-1","readAt":"2026-03-14T09:00:30Z"}`)
	waitFor(t, "receipt mirrored", func() bool {
		counts, total := rc.client.Unread()
		return counts["k1"] == 1 && total == 1
	})

	data, err := os.ReadFile(stateFile)
	if err != nil {
		t.Fatalf("read state file: %v", err)
	}
	var state mirrorState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("decode state file: %v", err)
	}
	if diff := cmp.Diff(map[string]int{"k1": 1}, state.Conversations); diff != "" || state.Total != 1 {
		t.Fatalf("unexpected persisted state (-want +got):\n%s total=%d", diff, state.Total)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		inbox.UnreadTopic("k1"), inbox.TopicUnreadTotal,
		inbox.UnreadTopic("k1"), inbox.TopicUnreadTotal,
		inbox.UnreadTopic("k1"), inbox.TopicUnreadTotal,
	}
	if diff := cmp.Diff(want, topics); diff != "" {
		t.Fatalf("unexpected event order (-want +got):\n%s", diff)
	}
}

func TestClientReconnectsAndResubscribes(t *testing.T) {
	ls := startLiveServer(t)
	rc := runClient(t, ClientOptions{
		BaseURL: ls.http.URL,
		Token:   streamToken(t, nil),
		Topics:  []string{inbox.TopicUnreadTotal},
		Backoff: fastBackoff,
	})
	waitFor(t, "first session", func() bool {
		open := ls.openSessions()
		return len(open) == 1 && len(open[0].Topics) == 1
	})
	first := ls.openSessions()[0].ID
	ls.engine.Registry.CloseSession(first, "kicked")

	waitFor(t, "second session", func() bool {
		open := ls.openSessions()
		return len(open) == 1 && open[0].ID != first && len(open[0].Topics) == 1
	})
	ls.publishChannel(t, "c1")
	ls.publish(t, inbox.SourceMessages, "m1", inboundMessage("k9", "c1", "m1", "2026-03-14T09:00:00Z"))
	waitFor(t, "total after reconnect", func() bool {
		_, total := rc.client.Unread()
		return total == 1
	})
}

func TestClientStopsOnRejectedHandshake(t *testing.T) {
	ls := startLiveServer(t)
	client, err := NewClient(ClientOptions{
		BaseURL: ls.http.URL,
		Token:   "not-a-jwt",
		Backoff: fastBackoff,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err = client.Run(ctx)
	var handshakeErr *HandshakeError
	if !errors.As(err, &handshakeErr) {
		t.Fatalf("expected handshake error, got %v", err)
	}
	if handshakeErr.Code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %+v", handshakeErr)
	}
}

func TestClientLoadsPersistedMirror(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(stateFile, []byte(`{"conversations":{"k1":3,"k2":1},"total":4}`), 0o644); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	client, err := NewClient(ClientOptions{BaseURL: "http://127.0.0.1:1", Token: "t", StateFile: stateFile})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.loadState(); err != nil {
		t.Fatalf("load state: %v", err)
	}
	counts, total := client.Unread()
	if diff := cmp.Diff(map[string]int{"k1": 3, "k2": 1}, counts); diff != "" || total != 4 {
		t.Fatalf("unexpected mirror (-want +got):\n%s total=%d", diff, total)
	}

	if err := client.applyEvent(inbox.UnreadTopic("k2"), json.RawMessage(`{"conversationId":"k2","count":0}`)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := client.applyEvent(inbox.MessageTopic("k2"), json.RawMessage(`{"messageId":"m1"}`)); err != nil {
		t.Fatalf("message topics should be ignored: %v", err)
	}
	counts, _ = client.Unread()
	if _, ok := counts["k2"]; ok {
		t.Fatalf("expected zero count to be dropped, got %v", counts)
	}
}

func TestNewClientValidatesOptions(t *testing.T) {
	cases := []ClientOptions{
		{Token: "t"},
		{BaseURL: "http://x"},
		{BaseURL: "http://x", Token: "t", Topics: []string{"conversations/k1"}},
	}
	for _, opts := range cases {
		if _, err := NewClient(opts); err == nil {
			t.Fatalf("expected %+v to be rejected", opts)
		}
	}
}
