// Package replica holds the in-memory collaborative text of every open field.
package replica

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/inheritsync/pkg/field"
)

// TextKey is the root map key holding the field's text in every replica document.
const TextKey = "content"

// Update describes one committed change to a replica.
type Update struct {
	Field  field.ID
	Before string
	After  string
	Origin Origin
}

type Handler func(Update)

type registeredHandler struct {
	key uint64
	h   Handler
}

// Replica is the live text of one field, backed by an automerge document. Each mutation is one
// automerge change and one Update; handlers observe updates in mutation order.
type Replica struct {
	id field.ID

	// mu guards doc and every sync state created from it.
	mu  sync.Mutex
	doc *automerge.Doc

	// dispatch orders the mutate-then-notify sequence of every change.
	dispatch sync.Mutex
	// missed is set when TryReplace found dispatch held; the holder runs the missed hooks on release.
	missed atomic.Bool

	hmu         sync.RWMutex
	handlers    []registeredHandler
	nextHandler uint64
	missedHooks []func()
	subscribers map[chan struct{}]struct{}
}

func newReplica(id field.ID) (*Replica, error) {
	doc := automerge.New()
	if err := doc.Path(TextKey).Set(automerge.NewText("")); err != nil {
		return nil, fmt.Errorf("failed to create text: %w", err)
	}
	if _, err := doc.Commit("create"); err != nil {
		return nil, fmt.Errorf("failed to commit text: %w", err)
	}
	return &Replica{
		id:          id,
		doc:         doc,
		subscribers: make(map[chan struct{}]struct{}),
	}, nil
}

func (r *Replica) ID() field.ID {
	return r.id
}

func (r *Replica) textLocked() (string, error) {
	return r.doc.Path(TextKey).Text().Get()
}

// Text returns the current converged text.
func (r *Replica) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, _ := r.textLocked()
	return s
}

// Replace swaps the whole text for s as a single change. Nothing happens when the text already
// equals s.
func (r *Replica) Replace(s string, origin Origin) (bool, error) {
	return r.mutate(origin, func(t *automerge.Text, current string) (bool, error) {
		if current == s {
			return false, nil
		}
		return true, t.Splice(0, t.Len(), s)
	})
}

// Splice deletes del characters at pos and inserts s there, as a single change.
func (r *Replica) Splice(pos, del int, s string, origin Origin) (bool, error) {
	return r.mutate(origin, func(t *automerge.Text, _ string) (bool, error) {
		if del == 0 && s == "" {
			return false, nil
		}
		if pos < 0 || del < 0 || pos+del > t.Len() {
			return false, fmt.Errorf("splice [%d,%d) out of range for length %d", pos, pos+del, t.Len())
		}
		return true, t.Splice(pos, del, s)
	})
}

// TryReplace is Replace for callers that must not wait on the field's handlers. When another change
// is being dispatched it returns acquired=false and the hooks registered with OnMissedReplace run
// once that change is done. Otherwise allow, when given, is checked with the dispatch lock held and
// nothing is replaced if it returns false.
func (r *Replica) TryReplace(s string, origin Origin, allow func() bool) (changed, acquired bool, err error) {
	if !r.dispatch.TryLock() {
		r.missed.Store(true)
		// the holder may have released before seeing the flag
		if !r.dispatch.TryLock() {
			return false, false, nil
		}
	}
	// this replace carries the latest content, so nothing is owed to earlier misses
	r.missed.Store(false)
	defer r.dispatch.Unlock()
	if allow != nil && !allow() {
		return false, true, nil
	}
	changed, err = r.mutateLocked(origin, func(t *automerge.Text, current string) (bool, error) {
		if current == s {
			return false, nil
		}
		return true, t.Splice(0, t.Len(), s)
	})
	return changed, true, err
}

// OnMissedReplace registers fn to run after a change that made TryReplace give up has been
// dispatched. fn runs without any replica lock held.
func (r *Replica) OnMissedReplace(fn func()) {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	r.missedHooks = append(r.missedHooks, fn)
}

func (r *Replica) releaseDispatch() {
	r.dispatch.Unlock()
	if !r.missed.CompareAndSwap(true, false) {
		return
	}
	r.hmu.RLock()
	hooks := r.missedHooks
	r.hmu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

func (r *Replica) mutate(origin Origin, fn func(t *automerge.Text, current string) (bool, error)) (bool, error) {
	r.dispatch.Lock()
	defer r.releaseDispatch()
	return r.mutateLocked(origin, fn)
}

// mutateLocked applies fn as one change. The caller holds dispatch.
func (r *Replica) mutateLocked(origin Origin, fn func(t *automerge.Text, current string) (bool, error)) (bool, error) {
	r.mu.Lock()
	before, err := r.textLocked()
	if err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("failed to read text of %s: %w", r.id, err)
	}
	applied, err := fn(r.doc.Path(TextKey).Text(), before)
	if err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("failed to apply %s change to %s: %w", origin, r.id, err)
	}
	if !applied {
		r.mu.Unlock()
		return false, nil
	}
	if _, err := r.doc.Commit(origin.String()); err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("failed to commit %s change to %s: %w", origin, r.id, err)
	}
	after, _ := r.textLocked()
	r.mu.Unlock()

	if before == after {
		return false, nil
	}
	r.publish(Update{Field: r.id, Before: before, After: after, Origin: origin})
	return true, nil
}

// NewSyncState starts an automerge sync session with one peer.
func (r *Replica) NewSyncState() *automerge.SyncState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return automerge.NewSyncState(r.doc)
}

// ReceiveSyncMessage applies a sync message from an editor. Changes it carries are user edits.
func (r *Replica) ReceiveSyncMessage(ss *automerge.SyncState, msg []byte) (bool, error) {
	r.dispatch.Lock()
	defer r.releaseDispatch()

	r.mu.Lock()
	before, _ := r.textLocked()
	if _, err := ss.ReceiveMessage(msg); err != nil {
		r.mu.Unlock()
		return false, fmt.Errorf("failed to receive message: %w", err)
	}
	after, _ := r.textLocked()
	r.mu.Unlock()

	// the editor may also have sent changes we already had, so the heads alone are not enough
	r.notify()
	if before == after {
		return false, nil
	}
	r.publish(Update{Field: r.id, Before: before, After: after, Origin: OriginUserEdit})
	return true, nil
}

// GenerateSyncMessage returns the next message for the peer, or nil when it is up to date.
func (r *Replica) GenerateSyncMessage(ss *automerge.SyncState) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if msg, valid := ss.GenerateMessage(); msg != nil {
		return msg.Bytes(), valid
	}
	return nil, false
}

// Save serialises the full document, history included.
func (r *Replica) Save() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Save()
}

// Fork returns an independent copy of the document.
func (r *Replica) Fork() (*automerge.Doc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Fork()
}

// OnChange registers h for every future update and returns a function that removes it.
func (r *Replica) OnChange(h Handler) func() {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	r.nextHandler++
	key := r.nextHandler
	r.handlers = append(r.handlers, registeredHandler{key: key, h: h})
	return func() {
		r.hmu.Lock()
		defer r.hmu.Unlock()
		for i, rh := range r.handlers {
			if rh.key == key {
				r.handlers = append(r.handlers[:i:i], r.handlers[i+1:]...)
				return
			}
		}
	}
}

// Subscribe returns a channel that receives a value whenever the document may have changed.
// Signals coalesce; a slow reader sees at most one pending wake-up.
func (r *Replica) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	r.hmu.Lock()
	r.subscribers[ch] = struct{}{}
	r.hmu.Unlock()
	return ch, func() {
		r.hmu.Lock()
		defer r.hmu.Unlock()
		delete(r.subscribers, ch)
	}
}

func (r *Replica) notify() {
	r.hmu.RLock()
	defer r.hmu.RUnlock()
	for ch := range r.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (r *Replica) publish(u Update) {
	r.notify()
	r.hmu.RLock()
	handlers := r.handlers
	r.hmu.RUnlock()
	for _, rh := range handlers {
		rh.h(u)
	}
}
