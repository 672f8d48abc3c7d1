package replica

import "fmt"

// Origin is the cause of a mutation. Every mutation path carries one.
type Origin int

const (
	// OriginUserEdit is a change received from a connected editor.
	OriginUserEdit Origin = iota + 1
	// OriginForward is a source's content copied into one of its dependents.
	OriginForward
	// OriginLoad is persisted content loaded into a field that does not inherit.
	OriginLoad
	// OriginInit is a source's content copied into a dependent while it is first loaded.
	OriginInit
	// OriginRestore is a source's content copied into a dependent that was re-pointed.
	OriginRestore
)

func (o Origin) String() string {
	switch o {
	case OriginUserEdit:
		return "user-edit"
	case OriginForward:
		return "forward"
	case OriginLoad:
		return "load"
	case OriginInit:
		return "init"
	case OriginRestore:
		return "restore"
	}
	return fmt.Sprintf("origin(%d)", int(o))
}

// BreaksInheritance reports whether a change with this origin detaches an inheriting field from
// its source.
func (o Origin) BreaksInheritance() bool {
	switch o {
	case OriginUserEdit:
		return true
	case OriginForward, OriginLoad, OriginInit, OriginRestore:
		return false
	}
	return false
}

// Propagates reports whether a change with this origin is fanned out to dependents. Forwarded
// changes are already part of a fan-out.
func (o Origin) Propagates() bool {
	switch o {
	case OriginForward:
		return false
	case OriginUserEdit, OriginLoad, OriginInit, OriginRestore:
		return true
	}
	return false
}
