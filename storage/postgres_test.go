package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/aluiziolira/go-ingest-books/models"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("new mock pool: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
	return newPostgresStore(mock, "books"), mock
}

func record(link, title, price string) *models.ItemRecord {
	return &models.ItemRecord{
		Title:       title,
		Price:       price,
		DetailURL:   link,
		Description: "about " + title,
		Attributes:  map[string]string{"UPC": title},
	}
}

func TestPostgresInit(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "books"`)).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
}

func TestPostgresPersistCommitsOneTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "books" (title, price, link, description, attributes)`)).
		WithArgs(
			"A", "£10.00", "http://example.test/a", "about A", `{"UPC":"A"}`,
			"B", "£20.00", "http://example.test/b", "about B", `{"UPC":"B"}`,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := store.Persist(context.Background(), []*models.ItemRecord{
		record("http://example.test/a", "A", "£10.00"),
		record("http://example.test/b", "B", "£20.00"),
	})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}
}

func TestPostgresPersistCollapsesDuplicateLinks(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "books"`)).
		WithArgs("A2", "£11.00", "http://example.test/a", "about A2", `{"UPC":"A2"}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	_, err := store.Persist(context.Background(), []*models.ItemRecord{
		record("http://example.test/a", "A", "£10.00"),
		record("http://example.test/a", "A2", "£11.00"),
	})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
}

func TestPostgresPersistRollsBackOnFailure(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "books"`)).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	n, err := store.Persist(context.Background(), []*models.ItemRecord{record("http://example.test/a", "A", "£10.00")})
	var storeErr *Error
	if !errors.As(err, &storeErr) || storeErr.Op != "upsert" {
		t.Fatalf("expected upsert storage error, got %v", err)
	}
	if n != 0 {
		t.Fatalf("rows = %d, want 0", n)
	}
}

func manyRecords(n int) []*models.ItemRecord {
	records := make([]*models.ItemRecord, n)
	for i := range records {
		records[i] = record(fmt.Sprintf("http://example.test/book-%d", i), fmt.Sprintf("Book %d", i), "£1.00")
	}
	return records
}

func TestPostgresPersistSplitsLargeBatches(t *testing.T) {
	store, mock := newMockStore(t)
	records := manyRecords(maxRowsPerStatement + 1)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "books"`)).
		WillReturnResult(pgxmock.NewResult("INSERT", int64(maxRowsPerStatement)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "books"`)).
		WithArgs("Book 13107", "£1.00", "http://example.test/book-13107", "about Book 13107", `{"UPC":"Book 13107"}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := store.Persist(context.Background(), records)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if n != len(records) {
		t.Fatalf("rows = %d, want %d", n, len(records))
	}

	_, args, err := store.upsertQuery(records[:maxRowsPerStatement])
	if err != nil {
		t.Fatalf("upsert query: %v", err)
	}
	if len(args) > 65535 {
		t.Fatalf("statement binds %d parameters, above the Postgres limit", len(args))
	}
}

func TestPostgresPersistRollsBackWhenLaterChunkFails(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "books"`)).
		WillReturnResult(pgxmock.NewResult("INSERT", int64(maxRowsPerStatement)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "books"`)).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	n, err := store.Persist(context.Background(), manyRecords(maxRowsPerStatement+1))
	var storeErr *Error
	if !errors.As(err, &storeErr) || storeErr.Op != "upsert" {
		t.Fatalf("expected upsert storage error, got %v", err)
	}
	if n != 0 {
		t.Fatalf("rows = %d, want 0 after rollback", n)
	}
}

func TestPostgresPersistBeginFailure(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

	_, err := store.Persist(context.Background(), []*models.ItemRecord{record("http://example.test/a", "A", "£10.00")})
	var storeErr *Error
	if !errors.As(err, &storeErr) || storeErr.Op != "begin" {
		t.Fatalf("expected begin storage error, got %v", err)
	}
}

func TestPostgresPersistEmptyBatchSkipsTransaction(t *testing.T) {
	store, _ := newMockStore(t)
	n, err := store.Persist(context.Background(), nil)
	if err != nil || n != 0 {
		t.Fatalf("persist(nil) = %d, %v", n, err)
	}
}

func TestPostgresGet(t *testing.T) {
	store, mock := newMockStore(t)
	rows := pgxmock.NewRows([]string{"title", "price", "link", "description", "attributes"}).
		AddRow("A", "£10.00", "http://example.test/a", "about A", []byte(`{"UPC":"A","Tax":"£0.00"}`))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT title, price, link, description, attributes FROM "books" WHERE link = $1`)).
		WithArgs("http://example.test/a").
		WillReturnRows(rows)

	got, err := store.Get(context.Background(), "http://example.test/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "A" || got.Price != "£10.00" || got.Description != "about A" {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.Attributes["Tax"] != "£0.00" || got.Attributes["UPC"] != "A" {
		t.Fatalf("attributes = %v", got.Attributes)
	}
}

func TestPostgresGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM "books" WHERE link = $1`)).
		WithArgs("http://example.test/missing").
		WillReturnError(pgx.ErrNoRows)

	if _, err := store.Get(context.Background(), "http://example.test/missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresCount(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "books"`)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	n, err := store.Count(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("count = %d, %v; want 2", n, err)
	}
}

func TestPostgresTableNameIsQuoted(t *testing.T) {
	store := newPostgresStore(nil, `catalog.books"; DROP TABLE x; --`)
	want := `"catalog"."books""; DROP TABLE x; --"`
	if store.table != want {
		t.Fatalf("table = %s, want %s", store.table, want)
	}
}

// TestPostgresRoundTrip runs against a live database when
// SCRAPER_TEST_DATABASE_URL is set.
func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("SCRAPER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SCRAPER_TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	table := fmt.Sprintf("books_test_%d", time.Now().UnixNano())
	store, err := NewPostgresStore(ctx, dsn, table)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_, _ = store.db.Exec(context.Background(), "DROP TABLE IF EXISTS "+store.table)
		_ = store.Close()
	})

	for i := 0; i < 2; i++ {
		if err := store.Init(ctx); err != nil {
			t.Fatalf("init #%d: %v", i+1, err)
		}
	}

	batch := []*models.ItemRecord{
		record("http://example.test/a", "A", "£10.00"),
		record("http://example.test/b", "B", "£20.00"),
	}
	for i := 0; i < 2; i++ {
		if _, err := store.Persist(ctx, batch); err != nil {
			t.Fatalf("persist #%d: %v", i+1, err)
		}
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("rows = %d after re-ingest, want 2", n)
	}

	updated := record("http://example.test/a", "A", "£12.00")
	updated.Attributes["Availability"] = "In stock (3 available)"
	if _, err := store.Persist(ctx, []*models.ItemRecord{updated}); err != nil {
		t.Fatalf("persist update: %v", err)
	}
	got, err := store.Get(ctx, "http://example.test/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Price != "£12.00" || got.Attributes["Availability"] != "In stock (3 available)" {
		t.Fatalf("record not replaced: %+v", got)
	}
}
