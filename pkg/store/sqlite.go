package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLite stores zstd-compressed snapshots in a single table.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates the database at path and ensures the schema exists.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	// sqlite has a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Load(ctx context.Context, id string) (Record, error) {
	var content []byte
	var version int64
	var updated int64
	if err := s.db.QueryRowContext(
		ctx, `SELECT content, version, updated_at FROM documents WHERE id = ?`, id,
	).Scan(&content, &version, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return Record{}, fmt.Errorf("failed to query %s: %w", id, err)
	}
	state, err := decompress(content)
	if err != nil {
		return Record{}, fmt.Errorf("failed to load %s: %w", id, err)
	}
	return Record{ID: id, State: state, Version: uint64(version), UpdatedAt: time.UnixMilli(updated)}, nil
}

func (s *SQLite) Save(ctx context.Context, r Record) error {
	if err := validate(r); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, version, content, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, content = excluded.content, updated_at = excluded.updated_at
		WHERE excluded.version >= documents.version`,
		r.ID, int64(r.Version), compress(r.State), s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to persist %s: %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to count rows affected for %s: %w", r.ID, err)
	} else if n == 0 {
		return fmt.Errorf("failed to persist %s at version %d: %w", r.ID, r.Version, ErrStaleVersion)
	}
	return nil
}
