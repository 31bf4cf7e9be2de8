package streamclient

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentworkforce/relayinbox/internal/backoff"
	"github.com/agentworkforce/relayinbox/internal/httpapi"
	"github.com/agentworkforce/relayinbox/internal/inbox"
)

var fastBackoff = backoff.Policy{Initial: time.Millisecond, Max: 10 * time.Millisecond, Factor: 2}

type liveServer struct {
	engine  *inbox.Engine
	sources map[inbox.SourceKind]*inbox.MemorySource
	http    *httptest.Server
}

func startLiveServer(t *testing.T) *liveServer {
	t.Helper()
	ls := &liveServer{sources: map[inbox.SourceKind]*inbox.MemorySource{}}
	var sources []inbox.Source
	for _, kind := range inbox.SourceKinds {
		mem := inbox.NewMemorySource(kind, 0)
		ls.sources[kind] = mem
		sources = append(sources, mem)
	}
	engine, err := inbox.NewEngine(context.Background(), inbox.EngineOptions{
		Sources:        sources,
		Backoff:        fastBackoff,
		CommitInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	ls.engine = engine
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(ctx)
	}()
	ls.http = httptest.NewServer(httpapi.NewServer(engine))
	t.Cleanup(func() {
		ls.http.Close()
		cancel()
		<-done
	})
	waitFor(t, "healthy engine", engine.Healthy)
	return ls
}

func (ls *liveServer) publish(t *testing.T, kind inbox.SourceKind, key, value string) {
	t.Helper()
	if _, err := ls.sources[kind].Publish(key, []byte(value)); err != nil {
		t.Fatalf("publish %s: %v", kind, err)
	}
}

// publishChannel connects a channel and waits for it to be applied, since
// messages for unknown channels are rejected.
func (ls *liveServer) publishChannel(t *testing.T, id string) {
	t.Helper()
	ls.publish(t, inbox.SourceChannels, id, `{"id":"`+id+`","source":"whatsapp","connectionState":"connected"}`)
	waitFor(t, "channel "+id, func() bool {
		_, ok := ls.engine.Store.GetChannel(id)
		return ok
	})
}

func (ls *liveServer) openSessions() []inbox.SessionInfo {
	var open []inbox.SessionInfo
	for _, info := range ls.engine.Registry.Snapshot() {
		if info.State == inbox.SessionOpen.String() {
			open = append(open, info)
		}
	}
	return open
}

func streamToken(t *testing.T, channels []string) string {
	t.Helper()
	token, err := httpapi.IssueToken("dev-secret", "agent-1", []string{httpapi.ScopeStreamRead}, channels, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
