// Package slotvault provides a secure key-slot storage engine for
// cryptographic objects. Slots are provisioned at integration time with fixed
// restrictions and per-actor permissions; at runtime the engine arbitrates
// concurrent access, tracks inter-object dependencies, and offers atomic
// multi-slot transactions with shadow-copy isolation. Content at rest is
// sealed with authenticated encryption and every operation is audit logged.
//
// Key Features:
//   - Provisioned slot directory with logical-UID and instance-specifier lookup
//   - Owner/User role separation with per-actor usage rights
//   - Exclusive Owner holds and shared User holds per slot
//   - Atomic multi-slot transactions (all-or-nothing commit, full isolation)
//   - Dependency tracking that blocks deletion of referenced objects
//   - Single registered observer notified of committed visible changes
//   - ChaCha20-Poly1305 sealing of persisted content, Argon2id key derivation
//   - Comprehensive audit logging
//
// Basic Usage:
//
//	engine, err := slotvault.NewWithStore(options, store, auditLogger, tenantID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
//	slot, err := engine.FindSlot("wheel/left-front/auth-key")
//	err = engine.SaveCopy(actor, slot, source)
package slotvault

import (
	"southwinds.dev/slotvault/audit"
)

// StorageEngineService defines the public interface of the key-slot storage
// engine.
//
// The engine never interprets the payload bytes it stores; it enforces the
// provisioned restrictions, the permission tables and the dependency rules,
// and leaves cryptographic use of the objects to the providers loading them.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Individual operations
// acquire per-slot and engine-level locks as needed for consistency; no
// operation blocks waiting for a conflicting hold: conflicts fail fast with
// ErrBusyResource and the caller owns the retry decision.
//
// Error Handling:
// Every method returns a sentinel from the package error taxonomy, possibly
// wrapped with operation context. Callers dispatch with errors.Is.
type StorageEngineService interface {

	// === Slot Discovery ===

	// FindSlot resolves a logical slot UID to its assigned slot number.
	//
	// Returns ErrUnreservedResource when no provisioned slot carries the UID.
	FindSlot(logical LogicalSlotUid) (SlotNumber, error)

	// FindSlotInstance resolves an instance specifier to its slot number and
	// the provider UID servicing it.
	//
	// Returns ErrUnreservedResource when no provisioned slot carries the
	// specifier.
	FindSlotInstance(instance InstanceSpecifier) (SlotNumber, ProviderUid, error)

	// FindObject scans for the next populated slot, in ascending slot-number
	// order strictly after previousFound, whose stored object matches the
	// given filters. An empty objectUid, ObjectTypeAny and an empty provider
	// each match everything. Pass InvalidSlotNumber to start a scan.
	//
	// Returns (InvalidSlotNumber, ErrUnreservedResource) when the scan is
	// exhausted. Visiting every matching slot exactly once is guaranteed
	// only for slots whose population does not change during the scan.
	FindObject(objectUid ObjectUid, objectType ObjectType, provider ProviderUid, previousFound SlotNumber) (SlotNumber, error)

	// FindReferringSlot scans, with the FindObject iteration contract, for
	// slots whose stored object's dependency points at the object currently
	// stored in target.
	FindReferringSlot(target SlotNumber, previousFound SlotNumber) (SlotNumber, error)

	// === Introspection ===

	// IsEmpty reports whether the slot holds no User-visible object. The
	// result reflects committed state even while a transaction stages
	// changes for the slot. The caller must be the Owner or a User.
	IsEmpty(actor ActorUid, slot SlotNumber) (bool, error)

	// GetPrototypeProps returns the design-time restrictions of a slot.
	// The caller must be the Owner or a User of the slot.
	GetPrototypeProps(actor ActorUid, slot SlotNumber) (PrototypeProps, error)

	// GetContentProps returns the content properties of a populated slot.
	// The caller must be the Owner or a User; views returned to Users always
	// report Exportable as false.
	//
	// Returns ErrEmptyContainer when the slot holds no object.
	GetContentProps(actor ActorUid, slot SlotNumber) (ContentProps, error)

	// GetOwner returns the slot's provisioned Owner. The caller must be the
	// Owner or a User.
	GetOwner(actor ActorUid, slot SlotNumber) (ActorUid, error)

	// GetUsers returns the slot's provisioned User entries in insertion
	// order. The caller must be the Owner or a User.
	GetUsers(actor ActorUid, slot SlotNumber) ([]UserEntry, error)

	// CanLoadToCryptoProvider reports whether the slot's stored object can
	// be loaded into the given provider: the slot is populated, the
	// provisioned provider matches (empty means any), and the caller holds
	// the load right (the Owner always does).
	CanLoadToCryptoProvider(actor ActorUid, slot SlotNumber, provider ProviderUid) (bool, error)

	// === Holds ===

	// OpenAsUser acquires a shared hold on a populated slot and returns a
	// read-only container view. The caller needs a User entry on the slot
	// (ErrAccessViolation) and the slot must be populated
	// (ErrEmptyContainer). When subscribe is true the slot is also added to
	// the observer's monitored set, which needs the UsageMonitor right.
	//
	// Shared holds are unlimited and compatible with the Owner hold.
	OpenAsUser(actor ActorUid, slot SlotNumber, subscribe bool) (*TrustedContainer, error)

	// OpenAsOwner acquires the Owner's exclusive hold on the slot and
	// returns a writable container view. Only the provisioned Owner may call
	// it; a second exclusive hold on the same slot fails with
	// ErrBusyResource. An empty slot can be opened by its Owner.
	OpenAsOwner(actor ActorUid, slot SlotNumber) (*TrustedContainer, error)

	// === Content Lifecycle ===

	// SaveCopy saves the object carried by source into the slot, replacing
	// any previous content. Only the Owner may save; the source must carry
	// an object (ErrEmptyContainer) of a persistable type
	// (ErrIncompatibleObject) that passes the slot's prototype restrictions
	// (ErrContentRestrictions); a declared dependency must name the object
	// currently stored in the slot's provisioned dependency slot
	// (ErrBadObjectReference). A live exclusive hold on the slot fails the
	// call with ErrBusyResource.
	//
	// Inside a transaction whose scope contains the slot, the save lands in
	// the slot's shadow region and becomes visible only at commit. Outside
	// any transaction the save is sealed and persisted immediately.
	SaveCopy(actor ActorUid, slot SlotNumber, source *SourceObject) error

	// Clear wipes and removes the slot's content. Only the Owner may clear;
	// an object other slots still depend on refuses with
	// ErrLockedByReference; clearing an already-empty slot succeeds as a
	// no-op. Subject to the same hold and transaction rules as SaveCopy.
	Clear(actor ActorUid, slot SlotNumber) error

	// Export returns a copy of the payload bytes of a populated slot. Only
	// the Owner may export, and only objects saved as exportable
	// (ErrAccessViolation otherwise).
	Export(actor ActorUid, slot SlotNumber) ([]byte, error)

	// === Transactions ===

	// Begin starts a transaction over the given slot scope. The scope must
	// be non-empty and duplicate-free (ErrInvalidArgument), every slot must
	// be provisioned (ErrUnreservedResource), the caller must be the Owner
	// of every slot in scope (ErrAccessViolation), and no slot may already
	// belong to another active transaction (ErrBusyResource).
	//
	// Returns ErrInsufficientCapacity when the engine's bound on active
	// transactions is reached.
	Begin(actor ActorUid, scope []SlotNumber) (TransactionId, error)

	// Commit atomically publishes every change staged in the transaction's
	// shadow regions, persists them, adjusts dependency counts, and notifies
	// the registered observer of each visibly changed monitored slot.
	// Either every slot in scope is updated or none is. Unknown or
	// already-finished transaction ids return ErrInvalidArgument.
	Commit(actor ActorUid, txn TransactionId) error

	// Rollback discards every staged change of the transaction and releases
	// its scope; visible content is unchanged. Unknown or already-finished
	// transaction ids return ErrInvalidArgument.
	Rollback(actor ActorUid, txn TransactionId) error

	// === References ===

	// ResetReference re-validates and re-stamps the dependency recorded in
	// the referrer slot's content against the object currently stored in
	// referenced. Fails with ErrBadObjectReference when the stored object
	// UID does not match the recorded dependency, when referenced is not the
	// referrer's provisioned dependency slot, or when the two object types
	// are not an allowed referrer/referenced pairing. The caller must own
	// both slots.
	ResetReference(actor ActorUid, referrer SlotNumber, referenced SlotNumber) error

	// === Observer ===

	// RegisterObserver installs observer as the engine's single updates
	// observer, replacing and returning any previously registered one (nil
	// when none). Passing nil only unregisters.
	RegisterObserver(observer UpdatesObserver) UpdatesObserver

	// UnsubscribeObserver removes the slot from the observer's monitored
	// set. Removing a slot that was not being monitored returns
	// ErrInvalidArgument.
	UnsubscribeObserver(slot SlotNumber) error

	// === Audit and Lifecycle ===

	// AuditLogger exposes the engine's audit logger for querying.
	AuditLogger() audit.Logger

	// Close rolls back every active transaction, wipes in-memory payloads
	// and closes the store and audit logger. The engine is unusable
	// afterwards.
	Close() error
}
