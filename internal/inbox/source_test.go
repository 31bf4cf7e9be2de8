package inbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func nextWithin(t *testing.T, stream Stream, d time.Duration) Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	rec, err := stream.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return rec
}

func TestMemorySourceReplaysUncommittedRecords(t *testing.T) {
	src := NewMemorySource(SourceMessages, 0)
	for _, v := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if _, err := src.Publish("k", []byte(v)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	stream, err := src.Attach(context.Background())
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	for want := int64(1); want <= 3; want++ {
		if rec := nextWithin(t, stream, time.Second); rec.Offset != want || rec.Source != SourceMessages {
			t.Fatalf("expected offset %d, got %+v", want, rec)
		}
	}
	if err := stream.Commit(context.Background(), memoryPartition, 2); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if src.Depth() != 1 || src.Committed() != 2 {
		t.Fatalf("expected one retained record at committed=2, got depth=%d committed=%d", src.Depth(), src.Committed())
	}
	_ = stream.Close()
	if _, err := stream.Next(context.Background()); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected closed stream to be unavailable, got %v", err)
	}

	again, err := src.Attach(context.Background())
	if err != nil {
		t.Fatalf("reattach: %v", err)
	}
	defer again.Close()
	if rec := nextWithin(t, again, time.Second); rec.Offset != 3 {
		t.Fatalf("expected replay from offset 3, got %d", rec.Offset)
	}

	done := make(chan Record, 1)
	go func() {
		rec, err := again.Next(context.Background())
		if err == nil {
			done <- rec
		}
	}()
	if _, err := src.Publish("k", []byte(`{"n":4}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case rec := <-done:
		if rec.Offset != 4 {
			t.Fatalf("expected offset 4, got %d", rec.Offset)
		}
	case <-time.After(time.Second):
		t.Fatalf("blocked reader was not woken by publish")
	}
}

func TestMemorySourceCapacity(t *testing.T) {
	src := NewMemorySource(SourceChannels, 1)
	if _, err := src.Publish("a", []byte("{}")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := src.Publish("b", []byte("{}")); !errors.Is(err, ErrLogFull) {
		t.Fatalf("expected ErrLogFull, got %v", err)
	}
	if _, err := src.Publish("c", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty value, got %v", err)
	}
}

func TestFileSourceTailsAndResumesFromCommittedOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events", "messages.jsonl")
	src := NewFileSource(SourceMessages, path)
	if err := src.Append([]byte(`{"n":1}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := src.Append([]byte(`{"n":2}`)); err != nil {
		t.Fatalf("append: %v", err)
	}

	stream, err := src.Attach(context.Background())
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	first := nextWithin(t, stream, 2*time.Second)
	second := nextWithin(t, stream, 2*time.Second)
	if first.Offset != 1 || string(first.Value) != `{"n":1}` || second.Offset != 2 {
		t.Fatalf("unexpected records %+v %+v", first, second)
	}

	// A partially written line is held back until its newline arrives.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(`{"n":`); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	got := make(chan Record, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if rec, err := stream.Next(ctx); err == nil {
			got <- rec
		}
	}()
	time.Sleep(50 * time.Millisecond)
	if _, err := f.WriteString("3}\n"); err != nil {
		t.Fatalf("write rest: %v", err)
	}
	_ = f.Close()
	select {
	case rec := <-got:
		if rec.Offset != 3 || string(rec.Value) != `{"n":3}` {
			t.Fatalf("unexpected tailed record %+v", rec)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("appended line was not tailed")
	}

	if err := stream.Commit(context.Background(), filePartition, 2); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_ = stream.Close()

	resumed, err := NewFileSource(SourceMessages, path).Attach(context.Background())
	if err != nil {
		t.Fatalf("reattach: %v", err)
	}
	defer resumed.Close()
	if rec := nextWithin(t, resumed, 2*time.Second); rec.Offset != 3 {
		t.Fatalf("expected to resume at line 3, got %d", rec.Offset)
	}
}

func TestFileSourceAppendRejectsMultiline(t *testing.T) {
	src := NewFileSource(SourceMessages, filepath.Join(t.TempDir(), "m.jsonl"))
	if err := src.Append([]byte("{}\n{}")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestBuildSourceFromDSN(t *testing.T) {
	mem, err := BuildSourceFromDSN(SourceChannels, "memory://?capacity=3")
	if err != nil {
		t.Fatalf("memory source: %v", err)
	}
	if ms, ok := mem.(*MemorySource); !ok || ms.capacity != 3 || ms.Kind() != SourceChannels {
		t.Fatalf("expected memory source with capacity 3, got %#v", mem)
	}

	path := filepath.Join(t.TempDir(), "channels.jsonl")
	file, err := BuildSourceFromDSN(SourceChannels, "file://"+path)
	if err != nil {
		t.Fatalf("file source: %v", err)
	}
	if fs, ok := file.(*FileSource); !ok || fs.path != path {
		t.Fatalf("expected file source at %s, got %#v", path, file)
	}

	pg, err := BuildSourceFromDSN(SourceReadReceipts, "postgres://localhost/inbox?sslmode=disable&consumer=edge&poll=50ms")
	if err != nil {
		t.Fatalf("postgres source: %v", err)
	}
	ps, ok := pg.(*PostgresSource)
	if !ok {
		t.Fatalf("expected postgres source, got %T", pg)
	}
	if ps.consumer != "edge" || ps.pollInterval != 50*time.Millisecond || ps.dsn != "postgres://localhost/inbox?sslmode=disable" {
		t.Fatalf("unexpected postgres source config %+v", ps)
	}

	for _, dsn := range []string{"kafka://broker:9092/topic", "redis://localhost:6379/0", "nats://localhost"} {
		if _, err := BuildSourceFromDSN(SourceMessages, dsn); !errors.Is(err, ErrNotImplemented) {
			t.Fatalf("expected not implemented for %s, got %v", dsn, err)
		}
	}
	if _, err := BuildSourceFromDSN(SourceMessages, "gopher://x"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	if _, err := BuildSourceFromDSN(SourceMessages, " "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty dsn, got %v", err)
	}
}
