package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/astromechza/inheritsync/pkg/field"
	"github.com/astromechza/inheritsync/pkg/graph"
	"github.com/astromechza/inheritsync/pkg/replica"
)

// RestoreSignal re-points a field at a new source, or detaches it when Source is nil.
type RestoreSignal struct {
	Field     field.ID
	Source    *field.ID
	Timestamp time.Time
}

// breakInheritance detaches an inheriting field after a direct edit. It runs inside the field's
// change handler, so it gives up instead of waiting when another transition holds the field.
func (e *Engine) breakInheritance(id field.ID) {
	if _, ok := e.graph.SourceOf(id); !ok {
		return
	}
	tm := e.transition(id)
	if !tm.TryLock() {
		return
	}
	defer tm.Unlock()
	if e.LockOf(id) != Unlocked {
		return
	}

	e.setLock(id, LockBreaking)
	old, ok := e.graph.Remove(id)
	if ok {
		e.cache.Invalidate(id)
		e.forgetSnapshot(id)
		e.markDirty(id)
		e.recordTransition(id)
	}
	e.clearLock(id)
	if !ok {
		return
	}

	breaksTotal.Inc()
	slog.Info("inheritance broken by edit", "field", id, "source", old)
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.storeTimeout)
		defer cancel()
		e.clearPointer(ctx, id)
	}()
}

// clearPointer clears the persisted inheritance pointer of a broken field. A failure is remembered
// and retried by Reconcile, which leaves the field alone until then.
func (e *Engine) clearPointer(ctx context.Context, id field.ID) bool {
	err := e.store.ClearInheritanceRef(ctx, id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		slog.Error("failed to clear inheritance pointer", "field", id, "err", err)
		e.pendingClears[id] = true
		return false
	}
	delete(e.pendingClears, id)
	return true
}

// Restore re-points sig.Field at sig.Source and replaces its content with the source's, or
// detaches it when no source is named. Restores for one field run one at a time, in arrival order;
// a signal older than the last applied one is ignored.
func (e *Engine) Restore(ctx context.Context, sig RestoreSignal) error {
	id := sig.Field
	if sig.Timestamp.IsZero() {
		sig.Timestamp = e.now()
	}
	if sig.Source != nil {
		if *sig.Source == id {
			restoresTotal.WithLabelValues("rejected").Inc()
			return fmt.Errorf("failed to restore %s: %w", id, graph.ErrSelfEdge)
		}
		// load the new source before locking this field so that at most one transition lock is held
		if err := e.EnsureLoaded(ctx, *sig.Source, e.modeOf(*sig.Source)); err != nil {
			restoresTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("failed to load restore source %s: %w", *sig.Source, err)
		}
	}

	tm := e.transition(id)
	tm.Lock()
	defer tm.Unlock()

	e.mu.Lock()
	if last, ok := e.lastRestore[id]; ok && sig.Timestamp.Before(last) {
		e.mu.Unlock()
		restoresTotal.WithLabelValues("stale").Inc()
		slog.Info("ignoring stale restore", "field", id, "timestamp", sig.Timestamp, "last", last)
		return nil
	}
	e.lastRestore[id] = sig.Timestamp
	e.locks[id] = LockRestoring
	e.mu.Unlock()

	source, err := e.restoreLocked(id, sig.Source)
	e.clearLock(id)
	e.recordTransition(id)
	if err != nil {
		restoresTotal.WithLabelValues("failed").Inc()
		return err
	}
	restoresTotal.WithLabelValues("applied").Inc()
	if source != nil {
		slog.Info("restored inheritance", "field", id, "source", *source)
		// catch up with source changes that skipped this field while it was locked
		e.fanOut(*source)
	} else {
		slog.Info("detached by restore", "field", id)
	}
	return nil
}

func (e *Engine) restoreLocked(id field.ID, source *field.ID) (*field.ID, error) {
	old, hadOld := e.graph.Remove(id)
	e.cache.Invalidate(id)
	if source == nil {
		e.markLoaded(id)
		return nil, nil
	}
	if e.graphReaches(*source, id) {
		// refuse the new edge and keep whatever the field tracked before
		if hadOld {
			if err := e.graph.Install(id, old); err != nil {
				slog.Error("failed to reinstate inheritance", "field", id, "source", old, "err", err)
			}
		}
		chain := append([]field.ID{id}, e.chainFrom(*source, id)...)
		return nil, fmt.Errorf("failed to restore %s: %w", id, &CycleError{Chain: chain})
	}
	if err := e.graph.Install(id, *source); err != nil {
		return nil, fmt.Errorf("failed to restore %s: %w", id, err)
	}
	text := e.registry.Get(*source).Text()
	e.forgetSnapshot(id)
	if _, err := e.registry.Get(id).Replace(text, replica.OriginRestore); err != nil {
		return nil, fmt.Errorf("failed to restore %s: %w", id, err)
	}
	// the content may already have matched while the store still holds something else
	e.markDirty(id)
	e.markLoaded(id)
	return source, nil
}

// graphReaches reports whether following installed edges from start arrives at target.
func (e *Engine) graphReaches(start, target field.ID) bool {
	seen := map[field.ID]bool{}
	for cur := start; !seen[cur]; {
		if cur == target {
			return true
		}
		seen[cur] = true
		next, ok := e.graph.SourceOf(cur)
		if !ok {
			return false
		}
		cur = next
	}
	return false
}

func (e *Engine) chainFrom(start, target field.ID) []field.ID {
	chain := []field.ID{start}
	for cur := start; cur != target && len(chain) <= e.maxChainDepth; {
		next, ok := e.graph.SourceOf(cur)
		if !ok {
			break
		}
		chain = append(chain, next)
		cur = next
	}
	return chain
}

// Reconcile compares the installed edge of every loaded field with the store's inheritance
// pointer and restores fields whose pointer was changed by the domain model. Fields that went
// through a transition within one cache lifetime are left alone, since the store may not have
// caught up with them yet.
func (e *Engine) Reconcile(ctx context.Context) {
	e.mu.Lock()
	retries := make([]field.ID, 0, len(e.pendingClears))
	for id := range e.pendingClears {
		retries = append(retries, id)
	}
	e.mu.Unlock()
	for _, id := range retries {
		e.clearPointer(ctx, id)
	}

	e.mu.Lock()
	candidates := make([]field.ID, 0, len(e.loaded))
	now := e.now()
	for id := range e.loaded {
		if !id.Inherits() || e.locks[id] != Unlocked || e.pendingClears[id] {
			continue
		}
		if last, ok := e.lastTransition[id]; ok && now.Sub(last) < e.cacheTTL {
			continue
		}
		candidates = append(candidates, id)
	}
	e.mu.Unlock()

	for _, id := range candidates {
		want, err := e.cache.Lookup(ctx, id, e.modeOf(id))
		if err != nil {
			slog.Warn("failed to check inheritance", "field", id, "err", err)
			continue
		}
		have, ok := e.graph.SourceOf(id)
		if (want == nil && !ok) || (want != nil && ok && *want == have) {
			continue
		}
		slog.Info("inheritance changed in store", "field", id, "source", want)
		if err := e.Restore(ctx, RestoreSignal{Field: id, Source: want, Timestamp: e.now()}); err != nil {
			slog.Error("failed to reconcile inheritance", "field", id, "err", err)
		}
	}
}
