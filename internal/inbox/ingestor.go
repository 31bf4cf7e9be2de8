package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/relayinbox/internal/backoff"
)

// Submitter is the part of the Aggregator the ingestor drives.
type Submitter interface {
	Submit(ctx context.Context, ev Event, done func(error)) error
}

// Flusher persists applied state. Offsets are committed only after a
// successful Flush, so a crash replays anything not yet durable.
type Flusher interface {
	Flush(ctx context.Context) error
}

type IngestorOptions struct {
	Sources        []Source
	Submitter      Submitter
	Flusher        Flusher
	Backoff        backoff.Policy
	CommitInterval time.Duration
	Logger         *slog.Logger
	Metrics        *Metrics
}

type SourceStatus struct {
	Kind         SourceKind       `json:"kind"`
	Backend      string           `json:"backend"`
	Attached     bool             `json:"attached"`
	EverAttached bool             `json:"everAttached"`
	Attempts     int              `json:"attempts"`
	LastError    string           `json:"lastError,omitempty"`
	AttachedAt   time.Time        `json:"attachedAt,omitempty"`
	Committed    map[string]int64 `json:"committed"`
	Read         uint64           `json:"read"`
	Malformed    uint64           `json:"malformed"`
}

type sourceState struct {
	source Source

	mu     sync.Mutex
	status SourceStatus
}

func (s *sourceState) update(fn func(*SourceStatus)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}

func (s *sourceState) snapshot() SourceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.status
	out.Committed = make(map[string]int64, len(s.status.Committed))
	for k, v := range s.status.Committed {
		out.Committed[k] = v
	}
	return out
}

// Ingestor attaches to every source and feeds decoded records to the
// aggregator, one goroutine per source. Offsets are committed only once
// every earlier record on the partition has been applied.
type Ingestor struct {
	submitter      Submitter
	flusher        Flusher
	policy         backoff.Policy
	commitInterval time.Duration
	logger         *slog.Logger
	metrics        *Metrics
	sources        []*sourceState
}

func NewIngestor(opts IngestorOptions) *Ingestor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.Backoff
	if policy.Initial <= 0 {
		policy = backoff.DefaultPolicy()
	}
	commitInterval := opts.CommitInterval
	if commitInterval <= 0 {
		commitInterval = time.Second
	}
	i := &Ingestor{
		submitter:      opts.Submitter,
		flusher:        opts.Flusher,
		policy:         policy,
		commitInterval: commitInterval,
		logger:         logger,
		metrics:        opts.Metrics,
	}
	for _, src := range opts.Sources {
		i.sources = append(i.sources, &sourceState{
			source: src,
			status: SourceStatus{Kind: src.Kind(), Backend: src.Describe(), Committed: map[string]int64{}},
		})
	}
	return i
}

// Run blocks until ctx is cancelled.
func (i *Ingestor) Run(ctx context.Context) error {
	if i.submitter == nil {
		return fmt.Errorf("%w: ingestor has no submitter", ErrInvalidInput)
	}
	var wg sync.WaitGroup
	for _, st := range i.sources {
		wg.Add(1)
		go func(st *sourceState) {
			defer wg.Done()
			i.runSource(ctx, st)
		}(st)
	}
	wg.Wait()
	return nil
}

// Healthy reports whether every required source kind has been attached at
// least once and at least one source is attached now.
func (i *Ingestor) Healthy() bool {
	seen := map[SourceKind]bool{}
	anyAttached := false
	for _, st := range i.sources {
		status := st.snapshot()
		if status.EverAttached {
			seen[status.Kind] = true
		}
		anyAttached = anyAttached || status.Attached
	}
	for _, kind := range SourceKinds {
		if !seen[kind] {
			return false
		}
	}
	return anyAttached
}

func (i *Ingestor) Status() []SourceStatus {
	out := make([]SourceStatus, 0, len(i.sources))
	for _, st := range i.sources {
		out = append(out, st.snapshot())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Kind < out[b].Kind })
	return out
}

func (i *Ingestor) runSource(ctx context.Context, st *sourceState) {
	kind := st.source.Kind()
	for {
		stream, err := backoff.Retry(ctx, i.policy, 0, func(attempt int) (Stream, error) {
			st.update(func(s *SourceStatus) { s.Attempts++ })
			return st.source.Attach(ctx)
		}, func(attempt int, err error, wait time.Duration) {
			st.update(func(s *SourceStatus) { s.LastError = err.Error() })
			i.logger.Warn("source attach failed", "source", kind, "attempt", attempt, "retry_in", wait, "error", err)
		})
		if err != nil {
			return
		}
		st.update(func(s *SourceStatus) {
			s.Attached = true
			s.EverAttached = true
			s.AttachedAt = time.Now().UTC()
			s.LastError = ""
		})
		i.metrics.sourceAttached(1)
		i.logger.Info("source attached", "source", kind, "backend", st.source.Describe())

		err = i.consume(ctx, st, stream)
		_ = stream.Close()
		st.update(func(s *SourceStatus) { s.Attached = false })
		i.metrics.sourceAttached(-1)
		if ctx.Err() != nil {
			return
		}
		st.update(func(s *SourceStatus) { s.LastError = err.Error() })
		i.logger.Warn("source detached", "source", kind, "error", err)
		if backoff.Sleep(ctx, i.policy.Delay(1)) != nil {
			return
		}
	}
}

func (i *Ingestor) consume(ctx context.Context, st *sourceState, stream Stream) error {
	kind := st.source.Kind()
	tracker := newOffsetTracker()

	commit := func(ctx context.Context) {
		ready := tracker.committable()
		if len(ready) == 0 {
			return
		}
		if i.flusher != nil {
			if err := i.flusher.Flush(ctx); err != nil {
				i.logger.Warn("state not persisted, holding offsets", "source", kind, "error", err)
				return
			}
		}
		for partition, offset := range ready {
			if err := stream.Commit(ctx, partition, offset); err != nil {
				i.logger.Warn("offset commit failed", "source", kind, "partition", partition, "offset", offset, "error", err)
				continue
			}
			tracker.markCommitted(partition, offset)
			st.update(func(s *SourceStatus) { s.Committed[partition] = offset })
			i.metrics.committed(kind, partition, offset)
		}
	}

	stop := make(chan struct{})
	var committer sync.WaitGroup
	committer.Add(1)
	go func() {
		defer committer.Done()
		ticker := time.NewTicker(i.commitInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				commit(ctx)
			}
		}
	}()
	defer func() {
		close(stop)
		committer.Wait()
		flushCtx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		commit(flushCtx)
	}()

	for {
		rec, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if rec.Source == "" {
			rec.Source = kind
		}
		st.update(func(s *SourceStatus) { s.Read++ })
		tracker.observe(rec.Partition, rec.Offset)
		ev, err := DecodeRecord(rec)
		if err != nil {
			if !errors.Is(err, ErrMalformedEvent) {
				return err
			}
			st.update(func(s *SourceStatus) { s.Malformed++ })
			i.metrics.recordEvent(kind, "malformed")
			i.logger.Warn("dropping malformed event", "source", kind, "partition", rec.Partition, "offset", rec.Offset, "error", err)
			tracker.applied(rec.Partition, rec.Offset)
			continue
		}
		partition, offset := rec.Partition, rec.Offset
		if err := i.submitter.Submit(ctx, ev, func(error) {
			tracker.applied(partition, offset)
		}); err != nil {
			return err
		}
	}
}

type partitionOffsets struct {
	inflight  []int64
	done      map[int64]bool
	ready     int64
	committed int64
}

// offsetTracker turns out-of-order completions into the highest contiguous
// applied offset per partition.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[string]*partitionOffsets
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: map[string]*partitionOffsets{}}
}

func (t *offsetTracker) partition(name string) *partitionOffsets {
	p, ok := t.partitions[name]
	if !ok {
		p = &partitionOffsets{done: map[int64]bool{}}
		t.partitions[name] = p
	}
	return p
}

func (t *offsetTracker) observe(partition string, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.partition(partition)
	p.inflight = append(p.inflight, offset)
}

func (t *offsetTracker) applied(partition string, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.partition(partition)
	p.done[offset] = true
	for len(p.inflight) > 0 && p.done[p.inflight[0]] {
		head := p.inflight[0]
		delete(p.done, head)
		p.inflight = p.inflight[1:]
		if head > p.ready {
			p.ready = head
		}
	}
}

// committable returns partitions whose contiguous offset moved past the last
// commit.
func (t *offsetTracker) committable() map[string]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := map[string]int64{}
	for name, p := range t.partitions {
		if p.ready > p.committed {
			out[name] = p.ready
		}
	}
	return out
}

func (t *offsetTracker) markCommitted(partition string, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.partition(partition)
	if offset > p.committed {
		p.committed = offset
	}
}
