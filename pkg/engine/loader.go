package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/astromechza/inheritsync/pkg/field"
	"github.com/astromechza/inheritsync/pkg/replica"
)

// EnsureLoaded makes sure the replica of id holds its initial content before any editor sees it.
// A field without a source gets its persisted content; an inheriting field first has its whole
// source chain loaded and then copies its source's text. Concurrent callers for one field share a
// single load. A chain that revisits a field fails with ErrInheritanceCycle and installs nothing.
func (e *Engine) EnsureLoaded(ctx context.Context, id field.ID, mode field.Mode) error {
	e.mu.Lock()
	if _, ok := e.modes[id]; !ok || mode != field.Plain {
		e.modes[id] = mode
	}
	e.mu.Unlock()
	if e.isLoaded(id) {
		return nil
	}

	chain, err := e.resolveChain(ctx, id)
	if err != nil {
		e.countLoadFailure(err)
		return err
	}
	// the tail is either already loaded or has no source; load it first and walk back to id
	for i := len(chain) - 1; i >= 0; i-- {
		var source *field.ID
		if i+1 < len(chain) {
			source = &chain[i+1]
		}
		if err := e.loadOne(ctx, chain[i], source); err != nil {
			e.countLoadFailure(err)
			return err
		}
	}
	return nil
}

func (e *Engine) countLoadFailure(err error) {
	switch {
	case errors.Is(err, ErrInheritanceCycle):
		loadFailuresTotal.WithLabelValues("cycle").Inc()
	case errors.Is(err, ErrChainTooDeep):
		loadFailuresTotal.WithLabelValues("depth").Inc()
	default:
		loadFailuresTotal.WithLabelValues("store").Inc()
	}
}

// resolveChain returns id followed by its sources, up to the first field that is loaded or has
// no source.
func (e *Engine) resolveChain(ctx context.Context, id field.ID) ([]field.ID, error) {
	var chain []field.ID
	position := map[field.ID]int{}
	for current := id; ; {
		if i, seen := position[current]; seen {
			cycle := append(append([]field.ID(nil), chain[i:]...), current)
			return nil, &CycleError{Chain: cycle}
		}
		if len(chain) >= e.maxChainDepth {
			return nil, fmt.Errorf("%w: more than %d fields from %s", ErrChainTooDeep, e.maxChainDepth, id)
		}
		position[current] = len(chain)
		chain = append(chain, current)
		if e.isLoaded(current) {
			return chain, nil
		}
		source, err := e.cache.Lookup(ctx, current, e.modeOf(current))
		if err != nil {
			return nil, fmt.Errorf("failed to look up inheritance of %s: %w", current, err)
		}
		if source == nil {
			return chain, nil
		}
		current = *source
	}
}

// loadOne initialises a single field whose source, if any, is already loaded.
func (e *Engine) loadOne(ctx context.Context, id field.ID, source *field.ID) error {
	_, err, _ := e.flight.Do(id.String(), func() (interface{}, error) {
		if e.isLoaded(id) {
			return nil, nil
		}
		tm := e.transition(id)
		tm.Lock()
		defer tm.Unlock()
		// a restore may have initialised the field while we waited
		if e.isLoaded(id) {
			return nil, nil
		}
		if source == nil {
			return nil, e.loadOwn(ctx, id)
		}
		return nil, e.initFrom(id, *source)
	})
	return err
}

func (e *Engine) loadOwn(ctx context.Context, id field.ID) error {
	rec, err := e.store.ReadField(ctx, id, e.modeOf(id))
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", id, err)
	}
	e.setLock(id, LockInitializing)
	defer e.clearLock(id)
	e.setSnapshot(id, rec.Content)
	if _, err := e.registry.Get(id).Replace(rec.Content, replica.OriginLoad); err != nil {
		return fmt.Errorf("failed to load %s: %w", id, err)
	}
	e.markLoaded(id)
	slog.Info("loaded field", "field", id, "mode", e.modeOf(id))
	return nil
}

func (e *Engine) initFrom(id, source field.ID) error {
	if err := e.graph.Install(id, source); err != nil {
		return fmt.Errorf("failed to initialise %s: %w", id, err)
	}
	e.setLock(id, LockInitializing)
	text := e.registry.Get(source).Text()
	_, err := e.registry.Get(id).Replace(text, replica.OriginInit)
	e.clearLock(id)
	if err != nil {
		e.graph.Remove(id)
		return fmt.Errorf("failed to initialise %s: %w", id, err)
	}
	e.markLoaded(id)
	slog.Info("initialised inheriting field", "field", id, "source", source)
	// catch up with source changes that skipped this field while it was locked
	e.fanOut(source)
	return nil
}
