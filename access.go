package slotvault

import "fmt"

// Access control helpers. Every mutating or content-revealing operation runs
// one of these checks before touching slot state; the checks themselves read
// only the immutable layout row and need no lock.

// requireOwner gates Owner-only operations (OpenAsOwner, SaveCopy, Clear,
// ResetReference, Export).
func requireOwner(row SlotRow, actor ActorUid) error {
	if actor != row.Owner {
		return fmt.Errorf("actor %q is not the owner of slot %d: %w", actor, row.Slot, ErrAccessViolation)
	}
	return nil
}

// userUsage returns the usage rights the slot grants the actor, and whether
// a User entry exists at all.
func userUsage(row SlotRow, actor ActorUid) (UsageFlags, bool) {
	for _, u := range row.Users {
		if u.Actor == actor {
			return u.Usage, true
		}
	}
	return 0, false
}

// requireUser gates OpenAsUser: any User entry suffices.
func requireUser(row SlotRow, actor ActorUid) (UsageFlags, error) {
	usage, ok := userUsage(row, actor)
	if !ok {
		return 0, fmt.Errorf("actor %q is not a user of slot %d: %w", actor, row.Slot, ErrAccessViolation)
	}
	return usage, nil
}

// requireOwnerOrUser gates metadata reads.
func requireOwnerOrUser(row SlotRow, actor ActorUid) error {
	if actor == row.Owner {
		return nil
	}
	if _, ok := userUsage(row, actor); ok {
		return nil
	}
	return fmt.Errorf("actor %q has no rights on slot %d: %w", actor, row.Slot, ErrAccessViolation)
}

// maskContentView forces the exportability view to false for Users. Only the
// Owner sees the stored value.
func maskContentView(row SlotRow, actor ActorUid, props ContentProps) ContentProps {
	if actor != row.Owner {
		props.Exportable = false
	}
	return props
}
