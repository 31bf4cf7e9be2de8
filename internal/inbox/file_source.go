package inbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

const filePartition = "0"

// FileSource tails a JSON-lines log. The offset of a record is its 1-based
// line number; the committed offset is kept next to the log in
// <path>.offset.
type FileSource struct {
	kind       SourceKind
	path       string
	offsetPath string
}

type fileOffsetState struct {
	Offset int64 `json:"offset"`
}

func NewFileSource(kind SourceKind, path string) *FileSource {
	path = strings.TrimSpace(path)
	return &FileSource{kind: kind, path: path, offsetPath: path + ".offset"}
}

func (s *FileSource) Kind() SourceKind { return s.kind }

func (s *FileSource) Describe() string { return "file" }

// Append writes one line to the log. It is used by producers and tests that
// share the file with this source.
func (s *FileSource) Append(value []byte) error {
	if len(bytes.TrimSpace(value)) == 0 || bytes.ContainsRune(value, '\n') {
		return ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(append([]byte(nil), value...), '\n'))
	return err
}

func (s *FileSource) Attach(ctx context.Context) (Stream, error) {
	if s.path == "" {
		return nil, ErrInvalidInput
	}
	committed, err := s.loadOffset()
	if err != nil {
		return nil, fmt.Errorf("%w: read offset: %v", ErrSourceUnavailable, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = file.Close()
		_ = watcher.Close()
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return &fileStream{
		source:    s,
		file:      file,
		reader:    bufio.NewReader(file),
		watcher:   watcher,
		committed: committed,
	}, nil
}

func (s *FileSource) loadOffset() (int64, error) {
	data, err := os.ReadFile(s.offsetPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	var state fileOffsetState
	if err := json.Unmarshal(data, &state); err != nil {
		return 0, err
	}
	return state.Offset, nil
}

type fileStream struct {
	source  *FileSource
	file    *os.File
	reader  *bufio.Reader
	watcher *fsnotify.Watcher
	partial []byte
	line    int64

	mu        sync.Mutex
	committed int64
	closeOnce sync.Once
}

func (f *fileStream) Next(ctx context.Context) (Record, error) {
	for {
		chunk, err := f.reader.ReadBytes('\n')
		if len(chunk) > 0 {
			f.partial = append(f.partial, chunk...)
		}
		switch {
		case err == nil:
			line := bytes.TrimSpace(f.partial)
			f.partial = f.partial[:0]
			f.line++
			f.mu.Lock()
			skip := f.line <= f.committed
			f.mu.Unlock()
			if skip || len(line) == 0 {
				continue
			}
			return Record{
				Source:    f.source.kind,
				Partition: filePartition,
				Offset:    f.line,
				Value:     append([]byte(nil), line...),
			}, nil
		case errors.Is(err, io.EOF):
			if waitErr := f.waitForWrite(ctx); waitErr != nil {
				return Record{}, waitErr
			}
		default:
			return Record{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
	}
}

func (f *fileStream) waitForWrite(ctx context.Context) error {
	target := filepath.Clean(f.source.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-f.watcher.Events:
			if !ok {
				return fmt.Errorf("%w: watcher closed", ErrSourceUnavailable)
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				return fmt.Errorf("%w: %s was removed", ErrSourceUnavailable, target)
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				return nil
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return fmt.Errorf("%w: watcher closed", ErrSourceUnavailable)
			}
			return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
	}
}

func (f *fileStream) Commit(ctx context.Context, partition string, offset int64) error {
	if partition != filePartition {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset <= f.committed {
		return nil
	}
	data, err := json.Marshal(fileOffsetState{Offset: offset})
	if err != nil {
		return err
	}
	if err := writeFileAtomic(f.source.offsetPath, data); err != nil {
		return err
	}
	f.committed = offset
	return nil
}

func (f *fileStream) Close() error {
	var err error
	f.closeOnce.Do(func() {
		err = errors.Join(f.watcher.Close(), f.file.Close())
	})
	return err
}
