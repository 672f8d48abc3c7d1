// Package graph tracks which fields inherit from which, and caches the store's answer to that
// question.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/astromechza/inheritsync/pkg/field"
)

var ErrSelfEdge = errors.New("a field cannot inherit from itself")

// Graph holds the forward edges (source to dependents) and the reverse pointer of every dependent.
// A dependent has at most one source.
type Graph struct {
	mu         sync.RWMutex
	dependents map[field.ID]map[field.ID]struct{}
	sources    map[field.ID]field.ID
}

func New() *Graph {
	return &Graph{
		dependents: make(map[field.ID]map[field.ID]struct{}),
		sources:    make(map[field.ID]field.ID),
	}
}

// Install makes dependent track source, replacing any previous edge of dependent.
func (g *Graph) Install(dependent, source field.ID) error {
	if dependent == source {
		return fmt.Errorf("%w: %s", ErrSelfEdge, dependent)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(dependent)
	set, ok := g.dependents[source]
	if !ok {
		set = make(map[field.ID]struct{})
		g.dependents[source] = set
	}
	set[dependent] = struct{}{}
	g.sources[dependent] = source
	return nil
}

// Remove detaches dependent from its source. It returns the old source, if any.
func (g *Graph) Remove(dependent field.ID) (field.ID, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.removeLocked(dependent)
}

func (g *Graph) removeLocked(dependent field.ID) (field.ID, bool) {
	source, ok := g.sources[dependent]
	if !ok {
		return field.ID{}, false
	}
	delete(g.sources, dependent)
	if set, ok := g.dependents[source]; ok {
		delete(set, dependent)
		if len(set) == 0 {
			delete(g.dependents, source)
		}
	}
	return source, true
}

func (g *Graph) SourceOf(dependent field.ID) (field.ID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	source, ok := g.sources[dependent]
	return source, ok
}

// DependentsOf returns a sorted copy of the fan-out of source. It is empty when source has none.
func (g *Graph) DependentsOf(source field.ID) []field.ID {
	g.mu.RLock()
	set := g.dependents[source]
	out := make([]field.ID, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

type Edge struct {
	Dependent field.ID
	Source    field.ID
}

func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	out := make([]Edge, 0, len(g.sources))
	for d, s := range g.sources {
		out = append(out, Edge{Dependent: d, Source: s})
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Dependent.String() < out[j].Dependent.String() })
	return out
}

// Sizes returns the number of sources with at least one dependent and the number of edges.
func (g *Graph) Sizes() (sources int, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.dependents), len(g.sources)
}
