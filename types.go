package slotvault

import (
	"github.com/google/uuid"
)

// SlotNumber identifies one storage slot within the engine. Slot numbers are
// assigned at provisioning time and never change for the lifetime of a layout.
type SlotNumber uint32

// InvalidSlotNumber is the sentinel used by the directory iterators: pass it
// as previousFound to start a scan, and expect it back (with an error) when
// the scan is exhausted.
const InvalidSlotNumber SlotNumber = 0xFFFFFFFF

// ActorUid identifies a caller (a cooperating process or component) against
// the slot permission tables.
type ActorUid string

// LogicalSlotUid is the design-time persistent identity of a slot,
// independent of the slot number assigned by a particular layout.
type LogicalSlotUid string

// InstanceSpecifier is an integration-time alias for one concrete slot
// instance, resolvable to a slot number and its servicing provider.
type InstanceSpecifier string

// ProviderUid identifies a cryptographic back-end eligible to service a slot.
// The empty value means "any provider".
type ProviderUid string

// ObjectUid is the unique identifier (COUID) stamped on a stored
// cryptographic object, used for version tracking and reference validation.
type ObjectUid string

// NewObjectUid mints a fresh COUID for a newly created object.
func NewObjectUid() ObjectUid {
	return ObjectUid(uuid.NewString())
}

// AlgorithmId identifies the cryptographic algorithm an object belongs to.
// The engine treats algorithm ids as opaque; AlgorithmAny in a prototype
// means the slot accepts objects of any algorithm.
type AlgorithmId string

const AlgorithmAny AlgorithmId = "*"

// ObjectType classifies a stored cryptographic object.
type ObjectType string

const (
	// ObjectTypeKey is symmetric or private key material.
	ObjectTypeKey ObjectType = "key"

	// ObjectTypeCertificate is certificate data, typically referencing the
	// key object it certifies.
	ObjectTypeCertificate ObjectType = "certificate"

	// ObjectTypeSeed is entropy/seed material, e.g. for key derivation.
	ObjectTypeSeed ObjectType = "seed"

	// ObjectTypeSession is an ephemeral session object. Session objects can
	// be carried in containers but never persisted into a slot.
	ObjectTypeSession ObjectType = "session"

	// ObjectTypeAny in a prototype restriction accepts every persistable type.
	ObjectTypeAny ObjectType = "*"
)

// persistable reports whether objects of this type may be written to a slot.
func (t ObjectType) persistable() bool {
	return t != ObjectTypeSession
}

// referencePairAllowed reports whether an object of the referrer type may
// record a dependency on an object of the referenced type.
func referencePairAllowed(referrer, referenced ObjectType) bool {
	switch referrer {
	case ObjectTypeCertificate:
		return referenced == ObjectTypeKey || referenced == ObjectTypeCertificate
	case ObjectTypeKey:
		return referenced == ObjectTypeSeed || referenced == ObjectTypeKey
	default:
		return false
	}
}

// VersionControlPolicy governs how a slot treats repeated saves of object
// versions.
type VersionControlPolicy string

const (
	// VersionControlNone places no constraint on saved object versions.
	VersionControlNone VersionControlPolicy = "none"

	// VersionControlStrict requires every save to carry a COUID different
	// from the currently stored one, forcing a fresh object version.
	VersionControlStrict VersionControlPolicy = "strict"
)

// UsageFlags describes what a User entry permits an Actor to do with a
// slot's content.
type UsageFlags uint32

const (
	// UsageLoad permits loading the slot content into a crypto provider.
	UsageLoad UsageFlags = 1 << iota

	// UsageMonitor permits subscribing the updates observer to the slot.
	UsageMonitor

	// UsageReference permits recording a dependency on the slot's object.
	UsageReference
)

// Has reports whether all bits of flag are set.
func (u UsageFlags) Has(flag UsageFlags) bool {
	return u&flag == flag
}

// PrototypeProps are the design-time restrictions provisioned for a slot.
// They never change after layout load and constrain every save into the slot.
type PrototypeProps struct {
	// AllowedAlgorithm restricts the algorithm of stored objects.
	// AlgorithmAny accepts everything.
	AllowedAlgorithm AlgorithmId `json:"allowed_algorithm"`

	// AllowedObjectType restricts the type of stored objects.
	// ObjectTypeAny accepts every persistable type.
	AllowedObjectType ObjectType `json:"allowed_object_type"`

	// Capacity is the maximum payload size in bytes. Zero means unbounded.
	Capacity int `json:"capacity"`

	// DependencyObjectType is the object type the slot's dependency target
	// must hold, when a dependency slot is provisioned.
	DependencyObjectType ObjectType `json:"dependency_object_type,omitempty"`

	// VersionControl is the slot's version-control policy for saved objects.
	VersionControl VersionControlPolicy `json:"version_control"`

	// ExportableDefault is the exportability assigned to content saved
	// without an explicit exportability choice.
	ExportableDefault bool `json:"exportable_default"`
}

// ContentProps describe the object actually stored in a slot. They exist
// only while the slot is populated and are replaced wholesale by every save.
type ContentProps struct {
	// ObjectType is the stored object's classification.
	ObjectType ObjectType `json:"object_type"`

	// Algorithm is the stored object's algorithm id.
	Algorithm AlgorithmId `json:"algorithm"`

	// ObjectUid is the COUID of the stored object.
	ObjectUid ObjectUid `json:"object_uid"`

	// Size is the payload size in bytes.
	Size int `json:"size"`

	// Exportable permits the raw payload to leave the engine via Export.
	// User-facing views always report false regardless of the stored value.
	Exportable bool `json:"exportable"`

	// DependencyUid is the COUID of the object this object depends on,
	// empty when the object is self-contained.
	DependencyUid ObjectUid `json:"dependency_uid,omitempty"`
}

// UserEntry grants one Actor usage rights on a slot.
type UserEntry struct {
	Actor ActorUid   `json:"actor"`
	Usage UsageFlags `json:"usage"`
}

// SlotRow is one provisioned slot of the engine layout: identity, directory
// aliases, prototype restrictions and the permission table. Rows are defined
// at design/integration time and loaded once at engine startup.
type SlotRow struct {
	// Slot is the assigned slot number, unique within the layout.
	Slot SlotNumber `json:"slot"`

	// LogicalUid is the slot's design-time identity, unique within the layout.
	LogicalUid LogicalSlotUid `json:"logical_uid"`

	// Instance optionally aliases this slot for instance-specifier lookup.
	Instance InstanceSpecifier `json:"instance,omitempty"`

	// Provider identifies the crypto provider servicing this slot.
	// Empty means any provider is eligible.
	Provider ProviderUid `json:"provider,omitempty"`

	// DependencySlot names the slot (by logical UID) whose object this
	// slot's content may depend on. Empty when no dependency is provisioned.
	DependencySlot LogicalSlotUid `json:"dependency_slot,omitempty"`

	// Prototype holds the slot's design-time restrictions.
	Prototype PrototypeProps `json:"prototype"`

	// Owner is the single Actor permitted to write, clear and export.
	Owner ActorUid `json:"owner"`

	// Users lists the Actors granted usage rights, in insertion order,
	// unique by Actor.
	Users []UserEntry `json:"users,omitempty"`
}

// TransactionId identifies an atomic multi-slot unit of work. Ids are unique
// for the lifetime of the engine process.
type TransactionId string

// TransactionState is the lifecycle state of a transaction.
type TransactionState string

const (
	TransactionActive     TransactionState = "active"
	TransactionCommitted  TransactionState = "committed"
	TransactionRolledBack TransactionState = "rolled-back"
)

// UpdatesObserver receives a notification whenever a committed change to a
// monitored slot becomes visible to Users. At most one observer is
// registered per engine; implementations must be safe for concurrent calls.
type UpdatesObserver interface {
	SlotUpdated(slot SlotNumber)
}
