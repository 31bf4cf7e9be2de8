package inbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	postgresEventsTableName  = "relayinbox_events"
	postgresOffsetsTableName = "relayinbox_source_offsets"
	postgresSourcePartition  = "0"
	postgresDefaultConsumer  = "relayinbox"
	postgresPollInterval     = 250 * time.Millisecond
	postgresBatchSize        = 256
)

// PostgresSource reads one source kind from a shared events table. Offsets are
// the BIGSERIAL ids; the committed id is stored per consumer so several
// engines can read the same table independently.
type PostgresSource struct {
	kind         SourceKind
	dsn          string
	consumer     string
	pollInterval time.Duration
	batchSize    int
	eventsTable  string
	offsetsTable string
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresSource accepts a lib/pq URL. The consumer, poll and batch query
// parameters configure the source and are removed before the DSN reaches the
// driver.
func NewPostgresSource(kind SourceKind, dsn string) (*PostgresSource, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	consumer := strings.TrimSpace(parsed.Query().Get("consumer"))
	if consumer == "" {
		consumer = postgresDefaultConsumer
	}
	poll := queryDuration(parsed, "poll", postgresPollInterval)
	if poll <= 0 {
		poll = postgresPollInterval
	}
	batch := queryInt(parsed, "batch", postgresBatchSize)
	if batch <= 0 {
		batch = postgresBatchSize
	}
	query := parsed.Query()
	query.Del("consumer")
	query.Del("poll")
	query.Del("batch")
	parsed.RawQuery = query.Encode()

	return &PostgresSource{
		kind:         kind,
		dsn:          parsed.String(),
		consumer:     consumer,
		pollInterval: poll,
		batchSize:    batch,
		eventsTable:  postgresEventsTableName,
		offsetsTable: postgresOffsetsTableName,
		openDB:       sql.Open,
	}, nil
}

func (s *PostgresSource) Kind() SourceKind { return s.kind }

func (s *PostgresSource) Describe() string { return "postgres" }

// Append inserts an event for this source and returns its offset.
func (s *PostgresSource) Append(ctx context.Context, key string, value []byte) (int64, error) {
	if len(value) == 0 {
		return 0, ErrInvalidInput
	}
	if err := s.ensureReady(ctx); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("INSERT INTO %s (source, event_key, payload, created_at) VALUES ($1, $2, $3, NOW()) RETURNING id", postgresQuoteIdentifier(s.eventsTable))
	var id int64
	if err := s.db.QueryRowContext(ctx, query, string(s.kind), key, string(value)).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *PostgresSource) Attach(ctx context.Context) (Stream, error) {
	if err := s.ensureReady(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	committed, err := s.loadCommitted(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return &postgresStream{source: s, cursor: committed, committed: committed}, nil
}

func (s *PostgresSource) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresSource) loadCommitted(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT committed FROM %s WHERE consumer = $1 AND source = $2", postgresQuoteIdentifier(s.offsetsTable))
	var committed int64
	err := s.db.QueryRowContext(ctx, query, s.consumer, string(s.kind)).Scan(&committed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return committed, err
}

func (s *PostgresSource) ensureReady(ctx context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				source TEXT NOT NULL,
				event_key TEXT NOT NULL DEFAULT '',
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(s.eventsTable)),
			fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s (source, id)",
				postgresQuoteIdentifier(s.eventsTable+"_source_id_idx"),
				postgresQuoteIdentifier(s.eventsTable),
			),
			fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				consumer TEXT NOT NULL,
				source TEXT NOT NULL,
				committed BIGINT NOT NULL DEFAULT 0,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (consumer, source)
			)`, postgresQuoteIdentifier(s.offsetsTable)),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

type postgresStream struct {
	source *PostgresSource

	mu        sync.Mutex
	cursor    int64
	committed int64
	pending   []Record
	closed    bool
}

func (p *postgresStream) Next(ctx context.Context) (Record, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return Record{}, ErrSourceUnavailable
		}
		if len(p.pending) > 0 {
			record := p.pending[0]
			p.pending = p.pending[1:]
			p.mu.Unlock()
			return record, nil
		}
		cursor := p.cursor
		p.mu.Unlock()

		batch, err := p.fetch(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return Record{}, ctx.Err()
			}
			return Record{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		if len(batch) > 0 {
			p.mu.Lock()
			p.pending = append(p.pending, batch...)
			p.cursor = batch[len(batch)-1].Offset
			p.mu.Unlock()
			continue
		}
		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-time.After(p.source.pollInterval):
		}
	}
}

func (p *postgresStream) fetch(ctx context.Context, after int64) ([]Record, error) {
	s := p.source
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, event_key, payload
		FROM %s
		WHERE source = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`, postgresQuoteIdentifier(s.eventsTable))
	rows, err := s.db.QueryContext(ctx, query, string(s.kind), after, s.batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var (
			id      int64
			key     string
			payload string
		)
		if err := rows.Scan(&id, &key, &payload); err != nil {
			return nil, err
		}
		records = append(records, Record{
			Source:    s.kind,
			Partition: postgresSourcePartition,
			Offset:    id,
			Key:       key,
			Value:     []byte(payload),
		})
	}
	return records, rows.Err()
}

func (p *postgresStream) Commit(ctx context.Context, partition string, offset int64) error {
	if partition != postgresSourcePartition {
		return fmt.Errorf("%w: unknown partition %s", ErrInvalidInput, strconv.Quote(partition))
	}
	p.mu.Lock()
	if offset <= p.committed {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	s := p.source
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (consumer, source, committed, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (consumer, source)
		DO UPDATE SET committed = GREATEST(%s.committed, EXCLUDED.committed), updated_at = NOW()`,
		postgresQuoteIdentifier(s.offsetsTable), postgresQuoteIdentifier(s.offsetsTable))
	if _, err := s.db.ExecContext(ctx, query, s.consumer, string(s.kind), offset); err != nil {
		return err
	}
	p.mu.Lock()
	if offset > p.committed {
		p.committed = offset
	}
	p.mu.Unlock()
	return nil
}

func (p *postgresStream) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.pending = nil
	return nil
}
