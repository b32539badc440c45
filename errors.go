package slotvault

import "errors"

// Error taxonomy of the engine. Every public operation returns one of these
// sentinels (possibly wrapped with context); callers dispatch with errors.Is.
var (
	// ErrUnreservedResource reports a slot number or lookup key that no
	// provisioned slot matches.
	ErrUnreservedResource = errors.New("slot is not provisioned")

	// ErrEmptyContainer reports a read or save from a container holding no
	// object, or a read from an empty slot where content is required.
	ErrEmptyContainer = errors.New("container or slot holds no object")

	// ErrAccessViolation reports a caller lacking the role or usage right
	// the operation demands.
	ErrAccessViolation = errors.New("caller lacks the required access right")

	// ErrBusyResource reports a slot whose current holds conflict with the
	// requested hold or operation.
	ErrBusyResource = errors.New("slot is busy")

	// ErrLockedByReference reports a destructive operation on a slot whose
	// object other slots still depend on.
	ErrLockedByReference = errors.New("slot content is referenced by other slots")

	// ErrBadObjectReference reports a dependency naming an object that is
	// not the one currently stored in the provisioned dependency slot.
	ErrBadObjectReference = errors.New("dependency does not match the referenced slot content")

	// ErrContentRestrictions reports content violating the slot's prototype
	// restrictions (type, algorithm, capacity or version-control policy).
	ErrContentRestrictions = errors.New("content violates slot restrictions")

	// ErrIncompatibleObject reports an object that can never be persisted,
	// such as a session object.
	ErrIncompatibleObject = errors.New("object type cannot be persisted")

	// ErrInvalidArgument reports a malformed argument, such as an empty
	// transaction scope or an unregistered observer handle.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInsufficientCapacity reports an engine-level resource limit, such
	// as the bound on concurrently active transactions.
	ErrInsufficientCapacity = errors.New("insufficient capacity")

	// ErrResourceFault reports a failure of the underlying store or sealing
	// layer, or an engine whose resources have already been released by
	// Close.
	ErrResourceFault = errors.New("storage resource fault")

	// ErrUnsupportedFormat reports persisted bytes whose envelope version or
	// kind the engine does not understand.
	ErrUnsupportedFormat = errors.New("unsupported persisted format")
)
