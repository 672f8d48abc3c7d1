package engine

import (
	"errors"
	"strings"

	"github.com/astromechza/inheritsync/pkg/field"
)

var (
	ErrInheritanceCycle = errors.New("inheritance cycle detected")
	ErrChainTooDeep     = errors.New("inheritance chain too deep")
)

// CycleError carries the source chain that revisited a field, starting and ending with it.
type CycleError struct {
	Chain []field.ID
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Chain))
	for i, id := range e.Chain {
		parts[i] = id.String()
	}
	return ErrInheritanceCycle.Error() + ": " + strings.Join(parts, " -> ")
}

func (e *CycleError) Is(target error) bool {
	return target == ErrInheritanceCycle
}
