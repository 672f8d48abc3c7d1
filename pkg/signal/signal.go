// Package signal carries restore events between editors and server instances.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/astromechza/inheritsync/pkg/engine"
	"github.com/astromechza/inheritsync/pkg/field"
)

const TypeRestore = "restore"

var ErrInvalidMessage = errors.New("invalid restore message")

// Restore announces that a field was re-pointed at the same property of another entity, or
// detached when InheritedFrom is null.
type Restore struct {
	Type          string  `json:"type,omitempty"`
	Entity        string  `json:"nodeId"`
	Property      string  `json:"property"`
	InheritedFrom *string `json:"inheritedFrom"`
	// Timestamp is in unix milliseconds.
	Timestamp int64 `json:"timestamp"`
	// Origin identifies the publishing instance so that it can skip its own broadcasts.
	Origin string `json:"origin,omitempty"`
}

func Decode(raw []byte) (Restore, error) {
	var m Restore
	if err := json.Unmarshal(raw, &m); err != nil {
		return Restore{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.Type != "" && m.Type != TypeRestore {
		return Restore{}, fmt.Errorf("%w: unexpected type %q", ErrInvalidMessage, m.Type)
	}
	if m.Entity == "" || m.Property == "" {
		return Restore{}, fmt.Errorf("%w: missing field", ErrInvalidMessage)
	}
	return m, nil
}

func (m Restore) Field() field.ID {
	return field.New(m.Entity, m.Property)
}

// Signal converts the message into the engine's restore transition.
func (m Restore) ToSignal() engine.RestoreSignal {
	id := m.Field()
	sig := engine.RestoreSignal{Field: id}
	if m.InheritedFrom != nil && *m.InheritedFrom != "" {
		src := id.SourceIn(*m.InheritedFrom)
		sig.Source = &src
	}
	if m.Timestamp > 0 {
		sig.Timestamp = time.UnixMilli(m.Timestamp)
	}
	return sig
}

// FromSignal builds the wire message for a restore transition.
func FromSignal(sig engine.RestoreSignal) Restore {
	m := Restore{
		Type:      TypeRestore,
		Entity:    sig.Field.Entity,
		Property:  sig.Field.Property,
		Timestamp: sig.Timestamp.UnixMilli(),
	}
	if sig.Source != nil {
		entity := sig.Source.Entity
		m.InheritedFrom = &entity
	}
	return m
}
