package inbox

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, sqlOpenFunc) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	open := func(driverName, dsn string) (*sql.DB, error) {
		if driverName != "postgres" {
			t.Fatalf("expected postgres driver, got %q", driverName)
		}
		return db, nil
	}
	return db, mock, open
}

func TestPostgresStateBackendSaveAndLoad(t *testing.T) {
	_, mock, open := setupMockDB(t)
	backend, err := NewPostgresStateBackend("postgres://localhost/inbox?sslmode=disable")
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	pg := backend.(*PostgresStateBackend)
	pg.openDB = open

	at := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "relayinbox_records"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "relayinbox_records"`)).
		WithArgs("channel", "c1", `{"id":"c1"}`, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "relayinbox_records"`)).
		WithArgs("conversation", "k1", `{"id":"k1"}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = backend.SaveRecords(context.Background(), []StoredRecord{
		{Kind: RecordChannel, Key: "c1", Data: []byte(`{"id":"c1"}`), UpdatedAt: at},
		{Kind: RecordConversation, Key: "k1", Data: []byte(`{"id":"k1"}`)},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT kind, record_key, payload, updated_at FROM "relayinbox_records"`)).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "record_key", "payload", "updated_at"}).
			AddRow("channel", "c1", `{"id":"c1"}`, at).
			AddRow("conversation", "k1", `{"id":"k1"}`, at))
	records, err := backend.LoadRecords(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 2 || records[0].Kind != RecordChannel || string(records[1].Data) != `{"id":"k1"}` {
		t.Fatalf("unexpected records %+v", records)
	}

	mock.ExpectClose()
	if err := pg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStateBackendRollsBackOnFailure(t *testing.T) {
	_, mock, open := setupMockDB(t)
	backend, _ := NewPostgresStateBackend("postgres://localhost/inbox")
	backend.(*PostgresStateBackend).openDB = open

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := backend.SaveRecords(context.Background(), []StoredRecord{{Kind: RecordChannel, Key: "c1", Data: []byte(`{}`)}})
	if err == nil {
		t.Fatalf("expected save to fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStateBackendInitFailureIsSticky(t *testing.T) {
	_, mock, open := setupMockDB(t)
	backend, _ := NewPostgresStateBackend("postgres://localhost/inbox")
	backend.(*PostgresStateBackend).openDB = open

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnError(errors.New("permission denied"))
	mock.ExpectClose()
	if _, err := backend.LoadRecords(context.Background()); err == nil {
		t.Fatalf("expected load to fail")
	}
	if _, err := backend.LoadRecords(context.Background()); err == nil {
		t.Fatalf("expected init error to be remembered")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func expectPostgresSourceInit(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "relayinbox_events"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX IF NOT EXISTS "relayinbox_events_source_id_idx"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "relayinbox_source_offsets"`)).WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestPostgresSourceStreamsAndCommits(t *testing.T) {
	_, mock, open := setupMockDB(t)
	src, err := NewPostgresSource(SourceMessages, "postgres://localhost/inbox?sslmode=disable&batch=2&poll=5ms")
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	src.openDB = open

	expectPostgresSourceInit(mock)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT committed FROM "relayinbox_source_offsets"`)).
		WithArgs("relayinbox", "messages").
		WillReturnRows(sqlmock.NewRows([]string{"committed"}).AddRow(int64(4)))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, event_key, payload`)).
		WithArgs("messages", int64(4), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_key", "payload"}).
			AddRow(int64(5), "m5", `{"n":5}`).
			AddRow(int64(7), "m7", `{"n":7}`))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, event_key, payload`)).
		WithArgs("messages", int64(7), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_key", "payload"}))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, event_key, payload`)).
		WithArgs("messages", int64(7), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_key", "payload"}).AddRow(int64(8), "m8", `{"n":8}`))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "relayinbox_source_offsets"`)).
		WithArgs("relayinbox", "messages", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	stream, err := src.Attach(context.Background())
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	var offsets []int64
	for i := 0; i < 3; i++ {
		rec := nextWithin(t, stream, time.Second)
		if rec.Partition != postgresSourcePartition || rec.Source != SourceMessages {
			t.Fatalf("unexpected record %+v", rec)
		}
		offsets = append(offsets, rec.Offset)
	}
	if offsets[0] != 5 || offsets[1] != 7 || offsets[2] != 8 {
		t.Fatalf("unexpected offsets %v", offsets)
	}

	if err := stream.Commit(context.Background(), postgresSourcePartition, 7); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := stream.Commit(context.Background(), postgresSourcePartition, 6); err != nil {
		t.Fatalf("stale commit should be a no-op: %v", err)
	}
	if err := stream.Commit(context.Background(), "9", 9); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid partition error, got %v", err)
	}
	_ = stream.Close()
	if _, err := stream.Next(context.Background()); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected closed stream to be unavailable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresSourceAppend(t *testing.T) {
	_, mock, open := setupMockDB(t)
	src, _ := NewPostgresSource(SourceChannels, "postgres://localhost/inbox")
	src.openDB = open

	expectPostgresSourceInit(mock)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO "relayinbox_events"`)).
		WithArgs("channels", "c1", `{"id":"c1"}`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))

	id, err := src.Append(context.Background(), "c1", []byte(`{"id":"c1"}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id != 11 {
		t.Fatalf("expected id 11, got %d", id)
	}
	if _, err := src.Append(context.Background(), "c1", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty payload, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresSourceAttachFailureIsUnavailable(t *testing.T) {
	_, mock, open := setupMockDB(t)
	src, _ := NewPostgresSource(SourceMetadata, "postgres://localhost/inbox")
	src.openDB = open

	expectPostgresSourceInit(mock)
	mock.ExpectQuery("SELECT committed FROM").WillReturnError(errors.New("connection refused"))
	if _, err := src.Attach(context.Background()); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
}
