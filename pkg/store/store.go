// Package store is the boundary to the authority that durably holds field content and the
// inheritance pointers assigned by the domain model.
package store

import (
	"context"
	"errors"

	"github.com/astromechza/inheritsync/pkg/field"
)

// ErrStoreUnavailable wraps every transport or storage failure. Callers decide whether to retry.
var ErrStoreUnavailable = errors.New("store unavailable")

// Record is the persisted state of a field.
type Record struct {
	Content string
	// Source is the field this one inherits from, or nil.
	Source *field.ID
}

type Store interface {
	ReadField(ctx context.Context, id field.ID, mode field.Mode) (Record, error)
	// WriteField persists content at the field's path. Writing the same content twice has no
	// further observable effect.
	WriteField(ctx context.Context, id field.ID, mode field.Mode, content string) error
	// ClearInheritanceRef sets the persisted inheritance pointer of the field to null.
	ClearInheritanceRef(ctx context.Context, id field.ID) error
}

// Unavailable wraps err so that it matches ErrStoreUnavailable while keeping the cause.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return &unavailableError{cause: err}
}

type unavailableError struct {
	cause error
}

func (e *unavailableError) Error() string {
	return ErrStoreUnavailable.Error() + ": " + e.cause.Error()
}

func (e *unavailableError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.cause}
}

// SourceFor builds the record's source pointer from the persisted entity reference, applying the
// rule that titles never inherit.
func SourceFor(id field.ID, ref string) *field.ID {
	if ref == "" || !id.Inherits() || ref == id.Entity {
		return nil
	}
	src := id.SourceIn(ref)
	return &src
}
