// Package engine keeps inheriting fields in step with their sources and reconciles replicas with
// the backing store.
//
// Locks are always taken in this order and never the other way round:
//
//	transition (per field) -> replica dispatch (per field) -> propagation (global)
//
// A change handler runs under its replica's dispatch lock, so it only ever try-locks a
// transition. A fan-out only try-locks the dispatch lock of the dependent it writes to; a
// dependent that is busy dispatching its own change is caught up once that change is done.
package engine

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/astromechza/inheritsync/pkg/field"
	"github.com/astromechza/inheritsync/pkg/graph"
	"github.com/astromechza/inheritsync/pkg/replica"
	"github.com/astromechza/inheritsync/pkg/store"
)

// Lock is the transition a field is going through. A locked field is not forwarded to and its
// edits do not break inheritance.
type Lock int

const (
	Unlocked Lock = iota
	LockBreaking
	LockInitializing
	LockRestoring
)

func (l Lock) String() string {
	switch l {
	case LockBreaking:
		return "breaking"
	case LockInitializing:
		return "initializing"
	case LockRestoring:
		return "restoring"
	}
	return "unlocked"
}

type State int

const (
	Detached State = iota
	Inheriting
	Breaking
	Restoring
)

func (s State) String() string {
	switch s {
	case Inheriting:
		return "inheriting"
	case Breaking:
		return "breaking"
	case Restoring:
		return "restoring"
	}
	return "detached"
}

type dirtyMarker struct {
	mode field.Mode
	// gen orders markers; a write only clears the marker it started from.
	gen uint64
}

type Engine struct {
	store    store.Store
	registry *replica.Registry
	graph    *graph.Graph
	cache    *graph.Cache
	flight   singleflight.Group

	now              func() time.Time
	cacheTTL         time.Duration
	storeTimeout     time.Duration
	maxChainDepth    int
	writeConcurrency int

	// propagation serialises fan-outs so the last one to run always reads the latest source text.
	propagation sync.Mutex

	mu             sync.Mutex
	transitions    map[field.ID]*sync.Mutex
	locks          map[field.ID]Lock
	lastTransition map[field.ID]time.Time
	lastRestore    map[field.ID]time.Time
	modes          map[field.ID]field.Mode
	loaded         map[field.ID]bool
	dirty          map[field.ID]dirtyMarker
	dirtyGen       uint64
	persisted      map[field.ID]string
	writing        map[field.ID]bool
	participants   map[field.ID]map[string]string
	pendingClears  map[field.ID]bool

	background sync.WaitGroup
}

type Option func(*Engine)

func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.cacheTTL = ttl
		}
	}
}

// WithClock replaces time.Now for cache expiry and transition bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithStoreTimeout bounds every background store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.storeTimeout = d
		}
	}
}

func WithMaxChainDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxChainDepth = n
		}
	}
}

// WithWriteConcurrency limits how many fields one persistence tick writes at once.
func WithWriteConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.writeConcurrency = n
		}
	}
}

func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:            s,
		graph:            graph.New(),
		now:              time.Now,
		cacheTTL:         graph.DefaultCacheTTL,
		storeTimeout:     10 * time.Second,
		maxChainDepth:    64,
		writeConcurrency: 8,
		transitions:      make(map[field.ID]*sync.Mutex),
		locks:            make(map[field.ID]Lock),
		lastTransition:   make(map[field.ID]time.Time),
		lastRestore:      make(map[field.ID]time.Time),
		modes:            make(map[field.ID]field.Mode),
		loaded:           make(map[field.ID]bool),
		dirty:            make(map[field.ID]dirtyMarker),
		persisted:        make(map[field.ID]string),
		writing:          make(map[field.ID]bool),
		participants:     make(map[field.ID]map[string]string),
		pendingClears:    make(map[field.ID]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cache = graph.NewCache(s,
		graph.WithTTL(e.cacheTTL),
		graph.WithClock(e.now),
		graph.WithLookupTimeout(e.storeTimeout),
	)
	e.registry = replica.NewRegistry(replica.WithCreateHook(func(r *replica.Replica) {
		r.OnChange(e.handle)
		r.OnMissedReplace(func() { e.catchUp(r.ID()) })
	}))
	return e
}

func (e *Engine) Registry() *replica.Registry {
	return e.registry
}

func (e *Engine) Graph() *graph.Graph {
	return e.graph
}

func (e *Engine) Cache() *graph.Cache {
	return e.cache
}

// Replica returns the replica of id, creating an empty one when needed.
func (e *Engine) Replica(id field.ID) *replica.Replica {
	return e.registry.Get(id)
}

// handle is the single dispatch point for every replica change.
func (e *Engine) handle(u replica.Update) {
	e.markDirty(u.Field)
	if u.Origin.BreaksInheritance() {
		e.breakInheritance(u.Field)
	}
	if u.Origin.Propagates() {
		e.fanOut(u.Field)
	}
}

// fanOut copies the text of source into every dependent, transitively. Each field is visited once,
// so an inheritance cycle cannot loop. Locked dependents are skipped together with their subtree;
// they catch up when their transition ends. A dependent whose own change is being dispatched is
// skipped too: a user edit there detaches it, and anything else gets it caught up afterwards.
func (e *Engine) fanOut(source field.ID) {
	e.propagation.Lock()
	defer e.propagation.Unlock()

	visited := map[field.ID]bool{source: true}
	queue := []field.ID{source}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		rep, ok := e.registry.Lookup(current)
		if !ok {
			continue
		}
		text := rep.Text()
		for _, dependent := range e.graph.DependentsOf(current) {
			if visited[dependent] {
				continue
			}
			visited[dependent] = true
			if e.LockOf(dependent) != Unlocked {
				continue
			}
			// the edge and lock are checked again under the dependent's dispatch lock, after any
			// edit that was in flight there has had its chance to break inheritance
			changed, acquired, err := e.registry.Get(dependent).TryReplace(text, replica.OriginForward, func() bool {
				src, ok := e.graph.SourceOf(dependent)
				return ok && src == current && e.LockOf(dependent) == Unlocked
			})
			if err != nil {
				slog.Error("failed to forward", "source", current, "dependent", dependent, "err", err)
				continue
			}
			if !acquired {
				continue
			}
			if changed {
				forwardsTotal.Inc()
			}
			queue = append(queue, dependent)
		}
	}
}

// catchUp forwards the current source text into id after a fan-out skipped it.
func (e *Engine) catchUp(id field.ID) {
	if source, ok := e.graph.SourceOf(id); ok {
		e.fanOut(source)
	}
}

func (e *Engine) transition(id field.ID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.transitions[id]
	if !ok {
		m = new(sync.Mutex)
		e.transitions[id] = m
	}
	return m
}

func (e *Engine) setLock(id field.ID, l Lock) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locks[id] = l
}

func (e *Engine) clearLock(id field.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.locks, id)
}

func (e *Engine) LockOf(id field.ID) Lock {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locks[id]
}

// State reports where the field is in its inheritance lifecycle.
func (e *Engine) State(id field.ID) State {
	switch e.LockOf(id) {
	case LockBreaking:
		return Breaking
	case LockRestoring:
		return Restoring
	}
	if _, ok := e.graph.SourceOf(id); ok {
		return Inheriting
	}
	return Detached
}

// SetMode records which store sub-path the field is read from and written to.
func (e *Engine) SetMode(id field.ID, mode field.Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modes[id] = mode
}

func (e *Engine) modeOf(id field.ID) field.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modes[id]
}

func (e *Engine) isLoaded(id field.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded[id]
}

func (e *Engine) markLoaded(id field.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded[id] = true
}

func (e *Engine) recordTransition(id field.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastTransition[id] = e.now()
}

func (e *Engine) markDirty(id field.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dirtyGen++
	e.dirty[id] = dirtyMarker{mode: e.modes[id], gen: e.dirtyGen}
}

// IsDirty reports whether the field has a pending persistence marker.
func (e *Engine) IsDirty(id field.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.dirty[id]
	return ok
}

func (e *Engine) setSnapshot(id field.ID, text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.persisted[id] = text
}

// forgetSnapshot makes the next persistence pass write the field whatever its content.
func (e *Engine) forgetSnapshot(id field.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.persisted, id)
}
