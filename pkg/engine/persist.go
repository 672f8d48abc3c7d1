package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/astromechza/inheritsync/pkg/field"
)

const DefaultPersistInterval = 2 * time.Second

// RunPersistence flushes dirty fields on every tick until ctx is done.
func (e *Engine) RunPersistence(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			e.Flush(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Flush writes every dirty field whose text differs from what was last persisted. Fields are
// independent: one failing or panicking does not stop the others, and a failed field stays dirty
// for the next flush. A field is never written by two flushes at once.
func (e *Engine) Flush(ctx context.Context) {
	e.mu.Lock()
	pending := make(map[field.ID]dirtyMarker, len(e.dirty))
	for id, marker := range e.dirty {
		if e.writing[id] {
			continue
		}
		e.writing[id] = true
		pending[id] = marker
	}
	e.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(e.writeConcurrency)
	for id, marker := range pending {
		g.Go(func() error {
			defer e.doneWriting(id)
			if err := e.persist(ctx, id, marker); err != nil {
				persistFailuresTotal.Inc()
				slog.Error("failed to persist field", "field", id, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) doneWriting(id field.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.writing, id)
}

func (e *Engine) persist(ctx context.Context, id field.ID, marker dirtyMarker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while persisting: %v", r)
		}
	}()

	rep, ok := e.registry.Lookup(id)
	if !ok {
		e.clearDirty(id, marker.gen)
		return nil
	}
	text := rep.Text()

	e.mu.Lock()
	last, known := e.persisted[id]
	e.mu.Unlock()
	if known && last == text {
		persistSkippedTotal.Inc()
		e.clearDirty(id, marker.gen)
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	if err := e.store.WriteField(writeCtx, id, marker.mode, text); err != nil {
		return err
	}
	persistWritesTotal.Inc()
	slog.Info("persisted field", "field", id, "mode", marker.mode, "length", len(text))
	e.setSnapshot(id, text)
	e.clearDirty(id, marker.gen)
	return nil
}

// clearDirty removes the marker only if nothing marked the field again since gen.
func (e *Engine) clearDirty(id field.ID, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if current, ok := e.dirty[id]; ok && current.gen == gen {
		delete(e.dirty, id)
	}
}

// Close waits for background store calls and runs a final flush.
func (e *Engine) Close(ctx context.Context) {
	e.background.Wait()
	e.Flush(ctx)
}
