// Package postgres stores field content in PostgreSQL through a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/astromechza/inheritsync/pkg/field"
	"github.com/astromechza/inheritsync/pkg/store"
)

const schema = `CREATE TABLE IF NOT EXISTS properties (
	entity_id text not null,
	property text not null,
	content text not null default '',
	structured_content text not null default '',
	inherits_from text,
	primary key (entity_id, property)
)`

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, store.Unavailable(fmt.Errorf("failed to ping: %w", err))
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create properties table: %w", err)
	}
	slog.Info("Connected to PostgreSQL")
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) ReadField(ctx context.Context, id field.ID, mode field.Mode) (store.Record, error) {
	var content, structured string
	var ref *string
	if err := s.pool.QueryRow(
		ctx,
		`SELECT content, structured_content, inherits_from FROM properties WHERE entity_id = $1 AND property = $2`,
		id.Entity, id.Property,
	).Scan(&content, &structured, &ref); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Record{}, nil
		}
		return store.Record{}, store.Unavailable(fmt.Errorf("failed to query %s: %w", id, err))
	}
	rec := store.Record{Content: content}
	if ref != nil {
		rec.Source = store.SourceFor(id, *ref)
	}
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
	if _, err := s.pool.Exec(
		ctx,
		`INSERT INTO properties (entity_id, property, `+column+`) VALUES ($1, $2, $3)
		ON CONFLICT (entity_id, property) DO UPDATE SET `+column+` = excluded.`+column,
		id.Entity, id.Property, content,
	); err != nil {
		return store.Unavailable(fmt.Errorf("failed to write %s: %w", id, err))
	}
	return nil
}

func (s *Store) ClearInheritanceRef(ctx context.Context, id field.ID) error {
	if _, err := s.pool.Exec(
		ctx,
		`UPDATE properties SET inherits_from = NULL WHERE entity_id = $1 AND property = $2`,
		id.Entity, id.Property,
	); err != nil {
		return store.Unavailable(fmt.Errorf("failed to clear inheritance of %s: %w", id, err))
	}
	return nil
}
