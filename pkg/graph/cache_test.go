package graph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/inheritsync/pkg/field"
	"github.com/astromechza/inheritsync/pkg/store"
	"github.com/astromechza/inheritsync/pkg/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLookupCachesHitsAndMisses(t *testing.T) {
	s := memory.New()
	s.Seed(d1, "", "n1")
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewCache(s, WithTTL(30*time.Second), WithClock(clock.Now))
	ctx := context.Background()

	got, err := c.Lookup(ctx, d1, field.Plain)
	require.NoError(t, err)
	assert.Equal(t, &src, got)

	got, err = c.Lookup(ctx, src, field.Plain)
	require.NoError(t, err)
	assert.Nil(t, got)

	for i := 0; i < 3; i++ {
		_, _ = c.Lookup(ctx, d1, field.Plain)
		_, _ = c.Lookup(ctx, src, field.Plain)
	}
	assert.Equal(t, 1, s.ReadCalls(d1))
	assert.Equal(t, 1, s.ReadCalls(src))

	clock.Advance(31 * time.Second)
	assert.Equal(t, 2, c.Expire())
	assert.Zero(t, c.Len())

	_, _ = c.Lookup(ctx, d1, field.Plain)
	assert.Equal(t, 2, s.ReadCalls(d1))
}

func TestExpiredEntryIsAMiss(t *testing.T) {
	s := memory.New()
	s.Seed(d1, "", "n1")
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := NewCache(s, WithClock(clock.Now))
	ctx := context.Background()

	_, _ = c.Lookup(ctx, d1, field.Plain)
	s.SetInheritance(d1, "n9")
	clock.Advance(DefaultCacheTTL)

	got, err := c.Lookup(ctx, d1, field.Plain)
	require.NoError(t, err)
	assert.Equal(t, &other, got)
}

func TestInvalidate(t *testing.T) {
	s := memory.New()
	s.Seed(d1, "", "n1")
	c := NewCache(s)
	ctx := context.Background()

	_, _ = c.Lookup(ctx, d1, field.Plain)
	s.SetInheritance(d1, "")
	c.Invalidate(d1)

	got, err := c.Lookup(ctx, d1, field.Plain)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreErrorsAreNotCached(t *testing.T) {
	s := memory.New()
	s.FailReads(d1, true)
	c := NewCache(s)
	ctx := context.Background()

	_, err := c.Lookup(ctx, d1, field.Plain)
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.Zero(t, c.Len())

	s.FailReads(d1, false)
	_, err = c.Lookup(ctx, d1, field.Plain)
	assert.NoError(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestTitleIsNeverLookedUp(t *testing.T) {
	s := memory.New()
	c := NewCache(s)
	title := field.New("n1", field.TitleProperty)
	got, err := c.Lookup(context.Background(), title, field.Plain)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, s.ReadCalls(title))
}

func TestRunStopsWithContext(t *testing.T) {
	c := NewCache(memory.New())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, time.Millisecond)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

// gatedStore holds every read until release is closed or the read's context ends.
type gatedStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) ReadField(ctx context.Context, id field.ID, mode field.Mode) (store.Record, error) {
	s.entered <- struct{}{}
	select {
	case <-s.release:
		return s.Store.ReadField(ctx, id, mode)
	case <-ctx.Done():
		return store.Record{}, ctx.Err()
	}
}

func TestLookupOutlivesCancelledCaller(t *testing.T) {
	m := memory.New()
	m.Seed(d1, "", "n1")
	s := &gatedStore{Store: m, entered: make(chan struct{}, 1), release: make(chan struct{})}
	c := NewCache(s)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		source *field.ID
		err    error
	}
	done := make(chan result, 1)
	go func() {
		got, err := c.Lookup(ctx, d1, field.Plain)
		done <- result{got, err}
	}()

	<-s.entered
	cancel()
	close(s.release)

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, &src, r.source)
	assert.Equal(t, 1, c.Len())
}

func TestLookupIsBoundedByItsOwnTimeout(t *testing.T) {
	m := memory.New()
	m.Seed(d1, "", "n1")
	s := &gatedStore{Store: m, entered: make(chan struct{}, 1), release: make(chan struct{})}
	c := NewCache(s, WithLookupTimeout(20*time.Millisecond))

	_, err := c.Lookup(context.Background(), d1, field.Plain)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, c.Len())
}
