package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/astromechza/inheritsync/pkg/field"
)

const DefaultStatsInterval = 7 * time.Second

// FieldStats describes one open field.
type FieldStats struct {
	ID           string   `json:"id"`
	Connections  int      `json:"connections"`
	Participants []string `json:"participants"`
	State        string   `json:"state"`
	Source       string   `json:"source,omitempty"`
	Dependents   int      `json:"dependents"`
	Dirty        bool     `json:"dirty"`
}

// Stats is a diagnostic snapshot for monitoring. It is not needed for correctness.
type Stats struct {
	Connections   int          `json:"conns"`
	Fields        int          `json:"docs"`
	Edges         int          `json:"edges"`
	Sources       int          `json:"sources"`
	Locks         int          `json:"locks"`
	Dirty         int          `json:"dirty"`
	CachedLookups int          `json:"cachedLookups"`
	IDs           []FieldStats `json:"ids"`
}

// Join records an editor connection on a field and returns the function that removes it.
func (e *Engine) Join(id field.ID, connID, name string) func() {
	e.mu.Lock()
	conns, ok := e.participants[id]
	if !ok {
		conns = make(map[string]string)
		e.participants[id] = conns
	}
	conns[connID] = name
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if conns, ok := e.participants[id]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(e.participants, id)
			}
		}
	}
}

// Rename updates the participant name of a connection, as announced by its awareness state.
func (e *Engine) Rename(id field.ID, connID, name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if conns, ok := e.participants[id]; ok {
		if _, ok := conns[connID]; ok {
			conns[connID] = name
		}
	}
}

func (e *Engine) Stats() Stats {
	ids := e.registry.IDs()
	sources, edges := e.graph.Sizes()
	out := Stats{
		Fields:        len(ids),
		Edges:         edges,
		Sources:       sources,
		CachedLookups: e.cache.Len(),
		IDs:           make([]FieldStats, 0, len(ids)),
	}

	e.mu.Lock()
	out.Locks = len(e.locks)
	out.Dirty = len(e.dirty)
	perField := make(map[field.ID]FieldStats, len(ids))
	for _, id := range ids {
		names := map[string]bool{}
		for _, name := range e.participants[id] {
			if name != "" {
				names[name] = true
			}
		}
		fs := FieldStats{
			ID:           id.String(),
			Connections:  len(e.participants[id]),
			Participants: make([]string, 0, len(names)),
		}
		for name := range names {
			fs.Participants = append(fs.Participants, name)
		}
		sort.Strings(fs.Participants)
		_, fs.Dirty = e.dirty[id]
		out.Connections += fs.Connections
		perField[id] = fs
	}
	e.mu.Unlock()

	for _, id := range ids {
		fs := perField[id]
		fs.State = e.State(id).String()
		if source, ok := e.graph.SourceOf(id); ok {
			fs.Source = source.String()
		}
		fs.Dependents = len(e.graph.DependentsOf(id))
		out.IDs = append(out.IDs, fs)
	}
	return out
}

// RunMaintenance periodically logs and exports stats and reconciles inheritance with the store.
func (e *Engine) RunMaintenance(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			e.Reconcile(ctx)
			stats := e.Stats()
			stats.export()
			slog.Info("stats",
				"conns", stats.Connections,
				"docs", stats.Fields,
				"edges", stats.Edges,
				"locks", stats.Locks,
				"dirty", stats.Dirty,
			)
		case <-ctx.Done():
			return
		}
	}
}
