package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/relayinbox/internal/backoff"
)

type EngineOptions struct {
	Sources              []Source
	StateBackend         StateBackend
	FlushInterval        time.Duration
	Shards               int
	ShardQueueSize       int
	AllowUnknownChannels bool
	Registry             RegistryOptions
	Backoff              backoff.Policy
	CommitInterval       time.Duration
	Logger               *slog.Logger
	Metrics              *Metrics
}

// Engine wires ingestion, aggregation and fan-out together.
type Engine struct {
	Store      *StateStore
	Aggregator *Aggregator
	Router     *Router
	Registry   *Registry
	Ingestor   *Ingestor
	Metrics    *Metrics

	logger    *slog.Logger
	sources   map[SourceKind]Source
	closeOnce sync.Once
	closeErr  error
}

func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	sources := make(map[SourceKind]Source, len(opts.Sources))
	ordered := make([]Source, 0, len(opts.Sources))
	for _, src := range opts.Sources {
		if src == nil {
			continue
		}
		if _, dup := sources[src.Kind()]; dup {
			return nil, fmt.Errorf("%w: duplicate %s source", ErrInvalidInput, src.Kind())
		}
		sources[src.Kind()] = src
		ordered = append(ordered, src)
	}

	store, err := NewStateStoreWithOptions(ctx, StateStoreOptions{
		Shards:        opts.Shards,
		Backend:       opts.StateBackend,
		FlushInterval: opts.FlushInterval,
		Logger:        logger.With("component", "state"),
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{Store: store, Metrics: metrics, logger: logger, sources: sources}

	regOpts := opts.Registry
	regOpts.Logger = logger.With("component", "registry")
	regOpts.Metrics = metrics
	if regOpts.Authorize == nil {
		regOpts.Authorize = e.authorize
	}
	e.Registry = NewRegistry(regOpts)
	e.Router = NewRouter(store, e.Registry, logger.With("component", "router"))
	e.Aggregator = NewAggregator(AggregatorOptions{
		Store:                store,
		Emitter:              e.Router,
		AllowUnknownChannels: opts.AllowUnknownChannels,
		Shards:               opts.Shards,
		QueueSize:            opts.ShardQueueSize,
		Logger:               logger.With("component", "aggregator"),
		Metrics:              metrics,
	})
	e.Ingestor = NewIngestor(IngestorOptions{
		Sources:        ordered,
		Submitter:      e.Aggregator,
		Flusher:        store,
		Backoff:        opts.Backoff,
		CommitInterval: opts.CommitInterval,
		Logger:         logger.With("component", "ingestor"),
		Metrics:        metrics,
	})
	return e, nil
}

// Run ingests until ctx is cancelled, then releases everything.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.Registry.Start(ctx)
	}()
	err := e.Ingestor.Run(ctx)
	wg.Wait()
	return errors.Join(err, e.Close())
}

func (e *Engine) Healthy() bool {
	return e.Ingestor.Healthy()
}

func (e *Engine) Source(kind SourceKind) (Source, bool) {
	src, ok := e.sources[kind]
	return src, ok
}

// Close stops aggregation and flushes state. Pending deliveries to sessions
// are abandoned.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.Aggregator.Close()
		e.Registry.CloseAll("shutdown")
		e.closeErr = e.Store.Close()
		for kind, src := range e.sources {
			if closer, ok := src.(interface{ Close() error }); ok {
				if err := closer.Close(); err != nil {
					e.logger.Warn("close source", "source", kind, "error", err)
				}
			}
		}
	})
	return e.closeErr
}

// authorize gates per-conversation topics on the session's channel scope.
// A restricted session may not subscribe to a conversation whose channel is
// not yet known.
func (e *Engine) authorize(scope Scope, topic string) error {
	family, conversationID, err := ParseTopic(topic)
	if err != nil {
		return err
	}
	if scope.Unrestricted() {
		return nil
	}
	switch family {
	case TopicFamilyMessages, TopicFamilyUnread:
		conv, ok := e.Store.GetConversation(conversationID)
		if !ok || conv.ChannelID == "" {
			return fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
		}
		if !scope.Allows(conv.ChannelID) {
			return fmt.Errorf("%w: conversation %s is outside the session scope", ErrForbidden, conversationID)
		}
	}
	return nil
}
