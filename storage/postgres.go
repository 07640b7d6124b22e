package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/aluiziolira/go-ingest-books/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	columnsPerRow = 5
	// Postgres caps a statement at 65535 bind parameters.
	maxRowsPerStatement = 65535 / columnsPerRow
)

// pool is the subset of *pgxpool.Pool the store needs.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore upserts records into a single table keyed by link.
type PostgresStore struct {
	db    pool
	table string
}

// NewPostgresStore connects to dsn and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn, table string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, &Error{Op: "connect", Err: err}
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, &Error{Op: "ping", Err: err}
	}
	return newPostgresStore(db, table), nil
}

func newPostgresStore(db pool, table string) *PostgresStore {
	if table == "" {
		table = "books"
	}
	return &PostgresStore{
		db:    db,
		table: pgx.Identifier(strings.Split(table, ".")).Sanitize(),
	}
}

// Init creates the table when it does not exist yet.
func (s *PostgresStore) Init(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			title TEXT NOT NULL,
			price TEXT NOT NULL,
			link TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			attributes JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.table)
	if _, err := s.db.Exec(ctx, query); err != nil {
		return &Error{Op: "init", Err: err}
	}
	return nil
}

// Persist upserts records in one transaction. Duplicate links within the
// call collapse to the last record. Large batches are split into several
// statements inside the same transaction. It returns the number of rows
// written.
func (s *PostgresStore) Persist(ctx context.Context, records []*models.ItemRecord) (int, error) {
	unique := collapseByLink(records)
	if len(unique) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, &Error{Op: "begin", Err: err}
	}

	written := 0
	for chunk := range slices.Chunk(unique, maxRowsPerStatement) {
		query, args, err := s.upsertQuery(chunk)
		if err != nil {
			_ = tx.Rollback(ctx)
			return 0, &Error{Op: "encode", Err: err}
		}
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			_ = tx.Rollback(ctx)
			return 0, &Error{Op: "upsert", Err: err}
		}
		written += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &Error{Op: "commit", Err: err}
	}
	return written, nil
}

func (s *PostgresStore) upsertQuery(records []*models.ItemRecord) (string, []any, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (title, price, link, description, attributes) VALUES ", s.table)

	args := make([]any, 0, len(records)*columnsPerRow)
	for i, record := range records {
		attributes := record.Attributes
		if attributes == nil {
			attributes = map[string]string{}
		}
		encoded, err := json.Marshal(attributes)
		if err != nil {
			return "", nil, fmt.Errorf("marshal attributes for %s: %w", record.DetailURL, err)
		}
		if i > 0 {
			b.WriteString(", ")
		}
		n := len(args)
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5)
		args = append(args, record.Title, record.Price, record.DetailURL, record.Description, string(encoded))
	}
	b.WriteString(` ON CONFLICT (link) DO UPDATE SET
		title = EXCLUDED.title,
		price = EXCLUDED.price,
		description = EXCLUDED.description,
		attributes = EXCLUDED.attributes,
		updated_at = NOW()`)
	return b.String(), args, nil
}

// Get loads the record stored under link.
func (s *PostgresStore) Get(ctx context.Context, link string) (*models.ItemRecord, error) {
	query := fmt.Sprintf(`SELECT title, price, link, description, attributes FROM %s WHERE link = $1`, s.table)

	var (
		record     models.ItemRecord
		attributes []byte
	)
	err := s.db.QueryRow(ctx, query, link).Scan(
		&record.Title,
		&record.Price,
		&record.DetailURL,
		&record.Description,
		&attributes,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &Error{Op: "get", Err: err}
	}
	record.Attributes = make(map[string]string)
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &record.Attributes); err != nil {
			return nil, &Error{Op: "decode", Err: err}
		}
	}
	return &record, nil
}

// Count returns the number of stored records.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, &Error{Op: "count", Err: err}
	}
	return n, nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
