// Package memory is an in-process Store used for tests and single-node experiments.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/astromechza/inheritsync/pkg/field"
	"github.com/astromechza/inheritsync/pkg/store"
)

var errInjected = errors.New("injected failure")

type entry struct {
	plain      string
	structured string
	ref        string
}

// Store keeps every property in a map. FailReads and FailWrites make the matching calls return
// ErrStoreUnavailable until reset.
type Store struct {
	mu      sync.Mutex
	entries map[field.ID]*entry

	failReads  map[field.ID]bool
	failWrites map[field.ID]bool

	reads   map[field.ID]int
	writes  map[field.ID]int
	clears  map[field.ID]int
	written map[field.ID][]string
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		entries:    make(map[field.ID]*entry),
		failReads:  make(map[field.ID]bool),
		failWrites: make(map[field.ID]bool),
		reads:      make(map[field.ID]int),
		writes:     make(map[field.ID]int),
		clears:     make(map[field.ID]int),
		written:    make(map[field.ID][]string),
	}
}

func (s *Store) get(id field.ID) *entry {
	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}
	return e
}

// Seed sets the persisted content and inheritance pointer of a field without counting as a write.
func (s *Store) Seed(id field.ID, content string, inheritsFrom string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(id)
	e.plain = content
	e.ref = inheritsFrom
}

func (s *Store) SetInheritance(id field.ID, inheritsFrom string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(id).ref = inheritsFrom
}

func (s *Store) FailReads(id field.ID, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failReads[id] = fail
}

func (s *Store) FailWrites(id field.ID, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites[id] = fail
}

func (s *Store) ReadField(ctx context.Context, id field.ID, mode field.Mode) (store.Record, error) {
	if err := ctx.Err(); err != nil {
		return store.Record{}, store.Unavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads[id]++
	if s.failReads[id] {
		return store.Record{}, store.Unavailable(errInjected)
	}
	e, ok := s.entries[id]
	if !ok {
		return store.Record{}, nil
	}
	rec := store.Record{Content: e.plain, Source: store.SourceFor(id, e.ref)}
	if mode == field.Structured {
		rec.Content = e.structured
	}
	return rec, nil
}

func (s *Store) WriteField(ctx context.Context, id field.ID, mode field.Mode, content string) error {
	if err := ctx.Err(); err != nil {
		return store.Unavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes[id]++
	if s.failWrites[id] {
		return store.Unavailable(errInjected)
	}
	e := s.get(id)
	if mode == field.Structured {
		e.structured = content
	} else {
		e.plain = content
	}
	s.written[id] = append(s.written[id], content)
	return nil
}

func (s *Store) ClearInheritanceRef(ctx context.Context, id field.ID) error {
	if err := ctx.Err(); err != nil {
		return store.Unavailable(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears[id]++
	if s.failWrites[id] {
		return store.Unavailable(errInjected)
	}
	s.get(id).ref = ""
	return nil
}

// Content returns the persisted plain content of a field.
func (s *Store) Content(id field.ID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e.plain
	}
	return ""
}

func (s *Store) InheritsFrom(id field.ID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		return e.ref
	}
	return ""
}

// Writes returns every successfully written value for the field, in order.
func (s *Store) Writes(id field.ID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.written[id]...)
}

// WriteCalls counts attempted writes, including failed ones.
func (s *Store) WriteCalls(id field.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[id]
}

func (s *Store) ReadCalls(id field.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[id]
}

func (s *Store) ClearCalls(id field.ID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clears[id]
}
