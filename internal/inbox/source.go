package inbox

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrLogFull = errors.New("event log full")

// Record is one raw entry read from a source partition.
type Record struct {
	Source    SourceKind
	Partition string
	Offset    int64
	Key       string
	Value     []byte
}

// Source is one append-only event log. Attach opens a stream positioned
// after the last committed offset of each partition.
type Source interface {
	Kind() SourceKind
	Describe() string
	Attach(ctx context.Context) (Stream, error)
}

// Stream delivers records in per-partition order. Commit marks every record
// up to offset in partition as applied.
type Stream interface {
	Next(ctx context.Context) (Record, error)
	Commit(ctx context.Context, partition string, offset int64) error
	Close() error
}

const memoryPartition = "0"

// MemorySource is an in-process append-only log with a single partition.
// Committed records are trimmed; uncommitted ones are replayed on re-attach.
type MemorySource struct {
	kind     SourceKind
	capacity int

	mu        sync.Mutex
	base      int64
	records   []Record
	committed int64
	changed   chan struct{}
}

func NewMemorySource(kind SourceKind, capacity int) *MemorySource {
	if capacity <= 0 {
		capacity = 4096
	}
	return &MemorySource{
		kind:     kind,
		capacity: capacity,
		base:     1,
		changed:  make(chan struct{}),
	}
}

func (s *MemorySource) Kind() SourceKind { return s.kind }

func (s *MemorySource) Describe() string { return "memory" }

// Publish appends value to the log and returns the stored record.
func (s *MemorySource) Publish(key string, value []byte) (Record, error) {
	if len(value) == 0 {
		return Record{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) >= s.capacity {
		return Record{}, ErrLogFull
	}
	rec := Record{
		Source:    s.kind,
		Partition: memoryPartition,
		Offset:    s.base + int64(len(s.records)),
		Key:       key,
		Value:     append([]byte(nil), value...),
	}
	s.records = append(s.records, rec)
	close(s.changed)
	s.changed = make(chan struct{})
	return rec, nil
}

func (s *MemorySource) Committed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

func (s *MemorySource) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemorySource) Attach(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	cursor := s.committed + 1
	s.mu.Unlock()
	return &memoryStream{source: s, cursor: cursor, closed: make(chan struct{})}, nil
}

type memoryStream struct {
	source    *MemorySource
	cursor    int64
	closed    chan struct{}
	closeOnce sync.Once
}

func (m *memoryStream) Next(ctx context.Context) (Record, error) {
	s := m.source
	for {
		s.mu.Lock()
		if m.cursor < s.base {
			m.cursor = s.base
		}
		if idx := m.cursor - s.base; idx < int64(len(s.records)) {
			rec := s.records[idx]
			m.cursor++
			s.mu.Unlock()
			return rec, nil
		}
		changed := s.changed
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-m.closed:
			return Record{}, fmt.Errorf("%w: stream closed", ErrSourceUnavailable)
		case <-changed:
		}
	}
}

func (m *memoryStream) Commit(ctx context.Context, partition string, offset int64) error {
	s := m.source
	s.mu.Lock()
	defer s.mu.Unlock()
	if partition != memoryPartition || offset <= s.committed {
		return nil
	}
	s.committed = offset
	drop := offset - s.base + 1
	if drop > int64(len(s.records)) {
		drop = int64(len(s.records))
	}
	if drop > 0 {
		s.records = append([]Record(nil), s.records[drop:]...)
		s.base += drop
	}
	return nil
}

func (m *memoryStream) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// BuildSourceFromDSN selects a source implementation by DSN scheme.
func BuildSourceFromDSN(kind SourceKind, dsn string) (Source, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty %s source dsn", ErrInvalidInput, kind)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupSourceFactory(scheme); ok {
		return factory(kind, dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemorySource(kind, queryInt(parsed, "capacity", 0)), nil
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileSource(kind, path), nil
	case "postgres", "postgresql":
		source, pgErr := NewPostgresSource(kind, dsn)
		if pgErr != nil {
			return nil, pgErr
		}
		return source, nil
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: %s source backend %s", ErrNotImplemented, kind, scheme)
	default:
		return nil, fmt.Errorf("unsupported source scheme: %s", scheme)
	}
}

func queryInt(parsed *url.URL, name string, fallback int) int {
	raw := strings.TrimSpace(parsed.Query().Get(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func queryDuration(parsed *url.URL, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(parsed.Query().Get(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
