package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/inheritsync/pkg/engine"
	"github.com/astromechza/inheritsync/pkg/field"
)

func TestDecodeRestore(t *testing.T) {
	m, err := Decode([]byte(`{"type":"restore","nodeId":"n2","property":"description","inheritedFrom":"n3","timestamp":1700000000000}`))
	require.NoError(t, err)

	sig := m.ToSignal()
	assert.Equal(t, field.New("n2", "description"), sig.Field)
	require.NotNil(t, sig.Source)
	assert.Equal(t, field.New("n3", "description"), *sig.Source)
	assert.True(t, sig.Timestamp.Equal(time.UnixMilli(1700000000000)))
}

func TestDecodeDetach(t *testing.T) {
	m, err := Decode([]byte(`{"nodeId":"n2","property":"description","inheritedFrom":null}`))
	require.NoError(t, err)
	sig := m.ToSignal()
	assert.Nil(t, sig.Source)
	assert.True(t, sig.Timestamp.IsZero())
}

func TestDecodeRejects(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"type":"awareness","nodeId":"n2","property":"description"}`,
		`{"nodeId":"","property":"description"}`,
		`{"nodeId":"n2"}`,
	} {
		_, err := Decode([]byte(raw))
		assert.ErrorIs(t, err, ErrInvalidMessage, raw)
	}
}

func TestFromSignal(t *testing.T) {
	src := field.New("n3", "description")
	ts := time.UnixMilli(1700000000123)
	m := FromSignal(engine.RestoreSignal{Field: field.New("n2", "description"), Source: &src, Timestamp: ts})

	assert.Equal(t, TypeRestore, m.Type)
	assert.Equal(t, "n2", m.Entity)
	require.NotNil(t, m.InheritedFrom)
	assert.Equal(t, "n3", *m.InheritedFrom)
	assert.Equal(t, ts.UnixMilli(), m.Timestamp)
	assert.Equal(t, src, *m.ToSignal().Source)
}
