package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type RecordKind string

const (
	RecordChannel      RecordKind = "channel"
	RecordConversation RecordKind = "conversation"
	RecordMetadata     RecordKind = "metadata"
)

// StoredRecord is the durable form of one StateStore key.
type StoredRecord struct {
	Kind      RecordKind      `json:"kind"`
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type StateBackend interface {
	LoadRecords(ctx context.Context) ([]StoredRecord, error)
	SaveRecords(ctx context.Context, records []StoredRecord) error
}

type InMemoryStateBackend struct {
	mu      sync.Mutex
	records map[recordRef]StoredRecord
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{records: map[recordRef]StoredRecord{}}
}

func (b *InMemoryStateBackend) LoadRecords(ctx context.Context) ([]StoredRecord, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedRecords(b.records), nil
}

func (b *InMemoryStateBackend) SaveRecords(ctx context.Context, records []StoredRecord) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range records {
		rec.Data = append(json.RawMessage(nil), rec.Data...)
		b.records[recordRef{kind: rec.Kind, key: rec.Key}] = rec
	}
	return nil
}

// JSONFileStateBackend keeps every record in one JSON document that is
// rewritten atomically on each save.
type JSONFileStateBackend struct {
	Path string

	mu      sync.Mutex
	loaded  bool
	records map[recordRef]StoredRecord
}

type jsonFileState struct {
	Records []StoredRecord `json:"records"`
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path), records: map[recordRef]StoredRecord{}}
}

func (b *JSONFileStateBackend) LoadRecords(ctx context.Context) ([]StoredRecord, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return nil, err
	}
	return sortedRecords(b.records), nil
}

func (b *JSONFileStateBackend) SaveRecords(ctx context.Context, records []StoredRecord) error {
	if b == nil || b.Path == "" || len(records) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.loadLocked(); err != nil {
		return err
	}
	for _, rec := range records {
		b.records[recordRef{kind: rec.Kind, key: rec.Key}] = rec
	}
	data, err := json.Marshal(jsonFileState{Records: sortedRecords(b.records)})
	if err != nil {
		return err
	}
	return writeFileAtomic(b.Path, data)
}

func (b *JSONFileStateBackend) loadLocked() error {
	if b.loaded {
		return nil
	}
	if b.records == nil {
		b.records = map[recordRef]StoredRecord{}
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.loaded = true
			return nil
		}
		return err
	}
	var snapshot jsonFileState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for _, rec := range snapshot.Records {
		b.records[recordRef{kind: rec.Kind, key: rec.Key}] = rec
	}
	b.loaded = true
	return nil
}

func sortedRecords(in map[recordRef]StoredRecord) []StoredRecord {
	out := make([]StoredRecord, 0, len(in))
	for _, rec := range in {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "mysql", "sqlite", "redis":
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
