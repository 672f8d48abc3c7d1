package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/inheritsync/pkg/field"
	"github.com/astromechza/inheritsync/pkg/store"
)

func TestReadSeededField(t *testing.T) {
	s := New()
	id := field.New("n2", "description")
	s.Seed(id, "hello", "n1")

	rec, err := s.ReadField(context.Background(), id, field.Plain)
	require.NoError(t, err)
	assert.Equal(t, "hello", rec.Content)
	require.NotNil(t, rec.Source)
	assert.Equal(t, field.New("n1", "description"), *rec.Source)

	rec, err = s.ReadField(context.Background(), field.New("missing", "x"), field.Plain)
	require.NoError(t, err)
	assert.Equal(t, store.Record{}, rec)
}

func TestStructuredWritesUseTheirOwnPath(t *testing.T) {
	s := New()
	id := field.New("n1", "steps")
	ctx := context.Background()
	require.NoError(t, s.WriteField(ctx, id, field.Structured, "a,b"))
	require.NoError(t, s.WriteField(ctx, id, field.Plain, "plain"))

	rec, err := s.ReadField(ctx, id, field.Structured)
	require.NoError(t, err)
	assert.Equal(t, "a,b", rec.Content)
	assert.Equal(t, "plain", s.Content(id))
}

func TestInjectedFailures(t *testing.T) {
	s := New()
	id := field.New("n1", "description")
	ctx := context.Background()
	s.FailReads(id, true)
	s.FailWrites(id, true)

	_, err := s.ReadField(ctx, id, field.Plain)
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.ErrorIs(t, s.WriteField(ctx, id, field.Plain, "x"), store.ErrStoreUnavailable)
	assert.Equal(t, 1, s.WriteCalls(id))
	assert.Empty(t, s.Writes(id))

	s.FailWrites(id, false)
	require.NoError(t, s.WriteField(ctx, id, field.Plain, "x"))
	assert.Equal(t, []string{"x"}, s.Writes(id))
}

func TestClearInheritanceRef(t *testing.T) {
	s := New()
	id := field.New("n2", "description")
	s.Seed(id, "", "n1")
	require.NoError(t, s.ClearInheritanceRef(context.Background(), id))
	assert.Equal(t, "", s.InheritsFrom(id))
	assert.Equal(t, 1, s.ClearCalls(id))
}
