// Package sqlite stores field content in a single sqlite table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/inheritsync/pkg/field"
	"github.com/astromechza/inheritsync/pkg/store"
)

type Store struct {
	database *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	slog.Info("Opening database", "path", path)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers anyway; one connection avoids SQLITE_BUSY between our own writes.
	db.SetMaxOpenConns(1)
	s := &Store{database: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.database.Close()
}

func (s *Store) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS properties (
		entity_id text not null,
		property text not null,
		content text not null default '',
		structured_content text not null default '',
		inherits_from text,
		primary key (entity_id, property)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create properties table: %w", err)
	}
	slog.Info("Ensured initial tables exist")
	return nil
}

func (s *Store) ReadField(ctx context.Context, id field.ID, mode field.Mode) (store.Record, error) {
	var content, structured string
	var ref sql.NullString
	if err := s.database.QueryRowContext(
		ctx,
		`SELECT content, structured_content, inherits_from FROM properties WHERE entity_id = ? AND property = ?`,
		id.Entity, id.Property,
	).Scan(&content, &structured, &ref); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Record{}, nil
		}
		return store.Record{}, store.Unavailable(fmt.Errorf("failed to query %s: %w", id, err))
	}
	rec := store.Record{Content: content, Source: store.SourceFor(id, ref.String)}
	if mode == field.Structured {
		rec.Content = structured
	}
	return rec, nil
}

func (s *Store) WriteField(ctx context.Context, id field.ID, mode field.Mode, content string) error {
	column := "content"
	if mode == field.Structured {
		column = "structured_content"
	}
	if _, err := s.database.ExecContext(
		ctx,
		`INSERT INTO properties (entity_id, property, `+column+`) VALUES (?, ?, ?)
		ON CONFLICT (entity_id, property) DO UPDATE SET `+column+` = excluded.`+column,
		id.Entity, id.Property, content,
	); err != nil {
		return store.Unavailable(fmt.Errorf("failed to write %s: %w", id, err))
	}
	return nil
}

func (s *Store) ClearInheritanceRef(ctx context.Context, id field.ID) error {
	if _, err := s.database.ExecContext(
		ctx,
		`UPDATE properties SET inherits_from = NULL WHERE entity_id = ? AND property = ?`,
		id.Entity, id.Property,
	); err != nil {
		return store.Unavailable(fmt.Errorf("failed to clear inheritance of %s: %w", id, err))
	}
	return nil
}

// SetInheritance points the field at the same property of another entity. An empty entity clears
// the pointer. This is the hook the domain model uses to assign inheritance.
func (s *Store) SetInheritance(ctx context.Context, id field.ID, entity string) error {
	ref := sql.NullString{String: entity, Valid: entity != ""}
	if _, err := s.database.ExecContext(
		ctx,
		`INSERT INTO properties (entity_id, property, inherits_from) VALUES (?, ?, ?)
		ON CONFLICT (entity_id, property) DO UPDATE SET inherits_from = excluded.inherits_from`,
		id.Entity, id.Property, ref,
	); err != nil {
		return store.Unavailable(fmt.Errorf("failed to set inheritance of %s: %w", id, err))
	}
	return nil
}
