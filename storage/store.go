// Package storage persists item records keyed by their detail URL.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/aluiziolira/go-ingest-books/config"
	"github.com/aluiziolira/go-ingest-books/models"
)

// ErrNotFound is returned by Get when no record has the requested link.
var ErrNotFound = errors.New("storage: record not found")

var errStoreClosed = errors.New("store closed")

// Error wraps a backend failure with the operation that hit it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Store is an upsert-by-link record store. Persist is all-or-nothing: either
// every record of the call is stored or none is.
type Store interface {
	Init(ctx context.Context) error
	Persist(ctx context.Context, records []*models.ItemRecord) (int, error)
	Get(ctx context.Context, link string) (*models.ItemRecord, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// Open connects the backend selected by cfg and initialises its schema.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.StoreBackend {
	case "memory":
		store = NewMemoryStore()
	case "postgres":
		store, err = NewPostgresStore(ctx, cfg.DatabaseURL, cfg.StoreTable)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.StoreBackend)
	}

	initCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()
	if err := store.Init(initCtx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// collapseByLink keeps the last record for every link, in order of first
// appearance. Records without a link are dropped.
func collapseByLink(records []*models.ItemRecord) []*models.ItemRecord {
	index := make(map[string]int, len(records))
	out := make([]*models.ItemRecord, 0, len(records))
	for _, record := range records {
		if record == nil || record.DetailURL == "" {
			continue
		}
		if i, ok := index[record.DetailURL]; ok {
			out[i] = record
			continue
		}
		index[record.DetailURL] = len(out)
		out = append(out, record)
	}
	return out
}
