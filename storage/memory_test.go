package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/aluiziolira/go-ingest-books/config"
	"github.com/aluiziolira/go-ingest-books/models"
)

func TestMemoryStoreUpsert(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	batch := []*models.ItemRecord{
		record("http://example.test/a", "A", "£10.00"),
		record("http://example.test/b", "B", "£20.00"),
	}
	for i := 0; i < 2; i++ {
		n, err := store.Persist(ctx, batch)
		if err != nil {
			t.Fatalf("persist #%d: %v", i+1, err)
		}
		if n != 2 {
			t.Fatalf("persist #%d wrote %d, want 2", i+1, n)
		}
	}
	if n, _ := store.Count(ctx); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}

	if _, err := store.Persist(ctx, []*models.ItemRecord{record("http://example.test/a", "A", "£15.00")}); err != nil {
		t.Fatalf("persist update: %v", err)
	}
	got, err := store.Get(ctx, "http://example.test/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Price != "£15.00" {
		t.Fatalf("price = %q, want £15.00", got.Price)
	}
}

func TestMemoryStoreLastDuplicateWins(t *testing.T) {
	store := NewMemoryStore()
	n, err := store.Persist(context.Background(), []*models.ItemRecord{
		record("http://example.test/a", "first", "£1.00"),
		nil,
		record("", "no link", "£1.00"),
		record("http://example.test/a", "second", "£2.00"),
	})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if n != 1 {
		t.Fatalf("wrote %d, want 1", n)
	}
	got, _ := store.Get(context.Background(), "http://example.test/a")
	if got.Title != "second" {
		t.Fatalf("title = %q, want second", got.Title)
	}
}

func TestMemoryStoreIsolatesCallers(t *testing.T) {
	store := NewMemoryStore()
	in := record("http://example.test/a", "A", "£10.00")
	if _, err := store.Persist(context.Background(), []*models.ItemRecord{in}); err != nil {
		t.Fatalf("persist: %v", err)
	}
	in.Attributes["UPC"] = "changed"

	got, _ := store.Get(context.Background(), "http://example.test/a")
	got.Attributes["UPC"] = "also changed"

	again, _ := store.Get(context.Background(), "http://example.test/a")
	if again.Attributes["UPC"] != "A" {
		t.Fatalf("stored record was mutated: %v", again.Attributes)
	}
}

func TestMemoryStoreErrors(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "http://example.test/none"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Persist(ctx, []*models.ItemRecord{record("http://example.test/a", "A", "£1.00")}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled error, got %v", err)
	}

	_ = store.Close()
	_, err := store.Persist(context.Background(), []*models.ItemRecord{record("http://example.test/a", "A", "£1.00")})
	var storeErr *Error
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected storage error after close, got %v", err)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.StoreBackend = "memory"
	store, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("store = %T, want *MemoryStore", store)
	}

	cfg.StoreBackend = "sqlite"
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
