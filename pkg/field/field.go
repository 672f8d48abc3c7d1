// Package field identifies the independently editable text values that are synchronised.
package field

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// TitleProperty is the one property that never inherits from another entity.
const TitleProperty = "title"

var ErrInvalidID = errors.New("invalid field id")

// ID is the stable key of a field: the entity that owns it and the property name.
type ID struct {
	Entity   string
	Property string
}

func New(entity, property string) ID {
	return ID{Entity: entity, Property: property}
}

func (id ID) String() string {
	return id.Entity + "-" + id.Property
}

// Inherits reports whether the field is allowed to carry an inheritance pointer at all.
func (id ID) Inherits() bool {
	return id.Property != TitleProperty
}

// SourceIn returns the field of the same property on another entity.
func (id ID) SourceIn(entity string) ID {
	return ID{Entity: entity, Property: id.Property}
}

// Parse reads the wire form used by editors: an optional "ws/" prefix, the entity id up to the
// first dash and the percent-encoded property name after it.
func Parse(raw string) (ID, error) {
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "/"), "ws/")
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	entity, property, ok := strings.Cut(raw, "-")
	if !ok || entity == "" || property == "" {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidID, raw)
	}
	decoded, err := url.PathUnescape(property)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q: %v", ErrInvalidID, raw, err)
	}
	return ID{Entity: entity, Property: decoded}, nil
}

// Mode selects which sub-path of the entity a field is stored under.
type Mode int

const (
	Plain Mode = iota
	Structured
)

func (m Mode) String() string {
	if m == Structured {
		return "structured"
	}
	return "plain"
}

// ModeFromQuery interprets the "type" query parameter of a connection.
func ModeFromQuery(q url.Values) Mode {
	if strings.TrimSpace(q.Get("type")) == "structured" {
		return Structured
	}
	return Plain
}
