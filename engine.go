package slotvault

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"southwinds.dev/slotvault/audit"
	"southwinds.dev/slotvault/internal/debug"
	"southwinds.dev/slotvault/internal/mem"
	"southwinds.dev/slotvault/persist"
)

// Engine is the key-slot storage engine. It implements
// StorageEngineService; construct it with New or NewWithStore.
type Engine struct {
	options  Options
	store    persist.Store
	audit    audit.Logger
	tenantID string

	directory *slotDirectory
	refs      *referenceTracker
	notifier  *updateNotifier
	sealer    *sealer

	// commitMu serializes Begin/Commit/Rollback so multi-slot visibility
	// changes are all-or-nothing. Single-slot operations take only the
	// slot's own mutex.
	commitMu sync.Mutex
	txns     *transactionCoordinator

	saltEnclave           *memguard.Enclave
	memoryProtectionLevel mem.ProtectionLevel

	closeMu sync.Mutex
	closed  bool
}

var _ StorageEngineService = (*Engine)(nil)

// New creates an engine backed by a store built from config. The audit
// logger is constructed from auditConfig; a disabled config selects the
// no-op logger.
func New(options Options, storeConfig persist.StoreConfig, auditConfig *audit.Config, tenantID string) (*Engine, error) {
	store, err := persist.NewStore(storeConfig, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	auditLogger, err := audit.NewLogger(auditConfig)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}
	engine, err := NewWithStore(options, store, auditLogger, tenantID)
	if err != nil {
		_ = auditLogger.Close()
		_ = store.Close()
		return nil, err
	}
	return engine, nil
}

// NewWithStore creates an engine on an existing store and audit logger.
//
// The constructor validates the options, derives the sealing key from the
// passphrase and the tenant's persisted salt, loads (or persists) the
// provisioned slot layout, reloads every persisted slot record into memory
// and rebuilds the reference counts from the loaded content.
func NewWithStore(options Options, store persist.Store, auditLogger audit.Logger, tenantID string) (*Engine, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if len(tenantID) == 0 {
		return nil, fmt.Errorf("missing tenant ID")
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := store.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to storage backend: %w", err)
	}

	e := &Engine{
		options:  options,
		store:    store,
		audit:    auditLogger,
		tenantID: tenantID,
		refs:     newReferenceTracker(),
		notifier: newUpdateNotifier(),
		txns:     newTransactionCoordinator(options.MaxActiveTransactions),

		memoryProtectionLevel: mem.ProtectionNone,
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			// memguard enclaves still protect key material when the
			// platform refuses to pin the address space
			fmt.Printf("WARNING: cannot fully protect memory: %v\n", err)
		}
		e.memoryProtectionLevel = level
	}

	if err := e.loadOrCreateSalt(options.DerivationSalt); err != nil {
		return nil, fmt.Errorf("failed to set up derivation salt: %w", err)
	}

	var err error
	e.sealer, err = newSealer(options.DerivationPassphrase, options.EnvPassphraseVar, e.saltEnclave)
	if err != nil {
		return nil, fmt.Errorf("failed to set up sealing key: %w", err)
	}

	rows, err := e.loadOrProvisionLayout(options.Layout)
	if err != nil {
		return nil, err
	}
	e.directory, err = newSlotDirectory(rows)
	if err != nil {
		return nil, fmt.Errorf("invalid slot layout: %w", err)
	}

	if err = e.loadSlotRecords(); err != nil {
		return nil, err
	}

	debug.Print("engine initialized: %d slots, protection level %d", len(rows), e.memoryProtectionLevel)
	e.logAudit(uuid.NewString(), "ENGINE_INITIALIZED", nil, map[string]interface{}{
		"slots":      len(rows),
		"store_type": store.GetType(),
	})
	return e, nil
}

// minSaltBytes is the minimum length accepted for a caller-provided
// derivation salt.
const minSaltBytes = 16

// loadOrCreateSalt mirrors the sealing-salt lifecycle: an existing salt is
// authoritative and a provided salt must match it; a new tenant gets the
// provided salt or a fresh random one, persisted before first use.
func (e *Engine) loadOrCreateSalt(providedSalt []byte) error {
	if n := len(providedSalt); n > 0 && n < minSaltBytes {
		return fmt.Errorf("provided salt must be at least %d bytes, got %d", minSaltBytes, n)
	}
	exists, err := e.store.SaltExists()
	if err != nil {
		return fmt.Errorf("failed to check salt existence: %w", err)
	}

	if exists {
		versionedSalt, err := e.store.LoadSalt()
		if err != nil {
			return fmt.Errorf("failed to load salt: %w", err)
		}
		saltData := versionedSalt.Data
		if len(providedSalt) > 0 && !bytes.Equal(saltData, providedSalt) {
			memguard.WipeBytes(saltData)
			return fmt.Errorf("provided salt does not match existing salt in storage")
		}
		// NewEnclave wipes saltData
		e.saltEnclave = memguard.NewEnclave(saltData)
		return nil
	}

	var saltData []byte
	if len(providedSalt) > 0 {
		saltData = make([]byte, len(providedSalt))
		copy(saltData, providedSalt)
	} else {
		saltData = make([]byte, 32)
		if _, err = rand.Read(saltData); err != nil {
			return fmt.Errorf("failed to generate salt: %w", err)
		}
	}
	if _, err = e.store.SaveSalt(saltData, ""); err != nil {
		memguard.WipeBytes(saltData)
		return fmt.Errorf("failed to save salt: %w", err)
	}
	e.saltEnclave = memguard.NewEnclave(saltData)
	return nil
}

// loadOrProvisionLayout resolves the slot layout: rows given in the options
// win and are persisted for later sessions; otherwise the persisted layout
// is loaded.
func (e *Engine) loadOrProvisionLayout(provided []SlotRow) ([]SlotRow, error) {
	if len(provided) > 0 {
		raw, err := encodeLayout(provided)
		if err != nil {
			return nil, fmt.Errorf("failed to encode layout: %w", err)
		}
		sealed, err := e.sealer.seal(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to seal layout: %w", err)
		}
		exists, err := e.store.LayoutExists()
		if err != nil {
			return nil, fmt.Errorf("failed to check layout existence: %w", err)
		}
		version := ""
		if exists {
			existing, err := e.store.LoadLayout()
			if err != nil {
				return nil, fmt.Errorf("failed to load layout: %w", err)
			}
			version = existing.Version
		}
		if _, err = e.store.SaveLayout(sealed, version); err != nil {
			return nil, fmt.Errorf("failed to persist layout: %w", err)
		}
		return provided, nil
	}

	exists, err := e.store.LayoutExists()
	if err != nil {
		return nil, fmt.Errorf("failed to check layout existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("no slot layout provisioned for tenant %s", e.tenantID)
	}
	versioned, err := e.store.LoadLayout()
	if err != nil {
		return nil, fmt.Errorf("failed to load layout: %w", err)
	}
	raw, err := e.sealer.unseal(versioned.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal layout: %w", err)
	}
	defer memguard.WipeBytes(raw)
	return decodeLayout(raw)
}

// loadSlotRecords reloads the persisted content records into memory and
// rebuilds the reference counts from the loaded dependencies. Records for
// slot numbers the layout no longer provisions are skipped, not deleted.
func (e *Engine) loadSlotRecords() error {
	numbers, err := e.store.ListSlotRecords()
	if err != nil {
		return fmt.Errorf("failed to list slot records: %w", err)
	}
	for _, num := range numbers {
		s, ok := e.directory.byNumber[SlotNumber(num)]
		if !ok {
			debug.Print("skipping record for unprovisioned slot %d", num)
			continue
		}
		versioned, err := e.store.LoadSlotRecord(num)
		if err != nil {
			return fmt.Errorf("failed to load record for slot %d: %w", num, err)
		}
		raw, err := e.sealer.unseal(versioned.Data)
		if err != nil {
			return fmt.Errorf("failed to unseal record for slot %d: %w", num, err)
		}
		record, err := decodeSlotRecord(raw)
		memguard.WipeBytes(raw)
		if err != nil {
			return fmt.Errorf("failed to decode record for slot %d: %w", num, err)
		}
		s.content = record
		s.storeVersion = versioned.Version
	}
	// rebuild reference counts from the visible dependencies
	for _, num := range e.directory.ordered {
		s := e.directory.byNumber[num]
		if s.content == nil || s.content.props.DependencyUid == "" {
			continue
		}
		dep := e.directory.dependencySlot(s.row)
		if dep == nil {
			return fmt.Errorf("slot %d content depends on %s but no dependency slot is provisioned: %w",
				num, s.content.props.DependencyUid, ErrBadObjectReference)
		}
		e.refs.increment(dep.row.Slot)
	}
	return nil
}

// === Slot Discovery ===

// FindSlot resolves a logical slot UID. See StorageEngineService.
func (e *Engine) FindSlot(logical LogicalSlotUid) (SlotNumber, error) {
	if err := e.open(); err != nil {
		return InvalidSlotNumber, err
	}
	return e.directory.findLogical(logical)
}

// FindSlotInstance resolves an instance specifier. See StorageEngineService.
func (e *Engine) FindSlotInstance(instance InstanceSpecifier) (SlotNumber, ProviderUid, error) {
	if err := e.open(); err != nil {
		return InvalidSlotNumber, "", err
	}
	return e.directory.findInstance(instance)
}

// FindObject scans for the next matching populated slot. See
// StorageEngineService.
func (e *Engine) FindObject(objectUid ObjectUid, objectType ObjectType, provider ProviderUid, previousFound SlotNumber) (SlotNumber, error) {
	if err := e.open(); err != nil {
		return InvalidSlotNumber, err
	}
	return e.directory.scan(previousFound, func(s *slotState) bool {
		if s.content == nil {
			return false
		}
		if objectUid != "" && s.content.props.ObjectUid != objectUid {
			return false
		}
		if objectType != "" && objectType != ObjectTypeAny && s.content.props.ObjectType != objectType {
			return false
		}
		if provider != "" && s.row.Provider != "" && s.row.Provider != provider {
			return false
		}
		return true
	})
}

// FindReferringSlot scans for slots depending on target's stored object. See
// StorageEngineService.
func (e *Engine) FindReferringSlot(target SlotNumber, previousFound SlotNumber) (SlotNumber, error) {
	if err := e.open(); err != nil {
		return InvalidSlotNumber, err
	}
	ts, err := e.directory.slot(target)
	if err != nil {
		return InvalidSlotNumber, err
	}
	ts.mu.Lock()
	var targetUid ObjectUid
	if ts.content != nil {
		targetUid = ts.content.props.ObjectUid
	}
	ts.mu.Unlock()
	if targetUid == "" {
		return InvalidSlotNumber, fmt.Errorf("slot %d holds no object to refer to: %w", target, ErrUnreservedResource)
	}
	return e.directory.scan(previousFound, func(s *slotState) bool {
		if s == ts || s.content == nil || s.content.props.DependencyUid != targetUid {
			return false
		}
		return e.directory.dependencySlot(s.row) == ts
	})
}

// === Introspection ===

// IsEmpty reports the committed emptiness of a slot. See StorageEngineService.
func (e *Engine) IsEmpty(actor ActorUid, slot SlotNumber) (bool, error) {
	if err := e.open(); err != nil {
		return false, err
	}
	s, err := e.directory.slot(slot)
	if err != nil {
		return false, err
	}
	if err = requireOwnerOrUser(s.row, actor); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content == nil, nil
}

// GetPrototypeProps returns a slot's design-time restrictions. See
// StorageEngineService.
func (e *Engine) GetPrototypeProps(actor ActorUid, slot SlotNumber) (PrototypeProps, error) {
	if err := e.open(); err != nil {
		return PrototypeProps{}, err
	}
	s, err := e.directory.slot(slot)
	if err != nil {
		return PrototypeProps{}, err
	}
	if err = requireOwnerOrUser(s.row, actor); err != nil {
		return PrototypeProps{}, err
	}
	return s.row.Prototype, nil
}

// GetContentProps returns a populated slot's content properties. See
// StorageEngineService.
func (e *Engine) GetContentProps(actor ActorUid, slot SlotNumber) (ContentProps, error) {
	if err := e.open(); err != nil {
		return ContentProps{}, err
	}
	s, err := e.directory.slot(slot)
	if err != nil {
		return ContentProps{}, err
	}
	if err = requireOwnerOrUser(s.row, actor); err != nil {
		return ContentProps{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.content == nil {
		return ContentProps{}, fmt.Errorf("slot %d: %w", slot, ErrEmptyContainer)
	}
	return maskContentView(s.row, actor, s.content.props), nil
}

// GetOwner returns the slot's provisioned Owner. See StorageEngineService.
func (e *Engine) GetOwner(actor ActorUid, slot SlotNumber) (ActorUid, error) {
	if err := e.open(); err != nil {
		return "", err
	}
	s, err := e.directory.slot(slot)
	if err != nil {
		return "", err
	}
	if err = requireOwnerOrUser(s.row, actor); err != nil {
		return "", err
	}
	return s.row.Owner, nil
}

// GetUsers returns the slot's User entries in insertion order. See
// StorageEngineService.
func (e *Engine) GetUsers(actor ActorUid, slot SlotNumber) ([]UserEntry, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	s, err := e.directory.slot(slot)
	if err != nil {
		return nil, err
	}
	if err = requireOwnerOrUser(s.row, actor); err != nil {
		return nil, err
	}
	return append([]UserEntry(nil), s.row.Users...), nil
}

// CanLoadToCryptoProvider checks provider-load compatibility. See
// StorageEngineService.
func (e *Engine) CanLoadToCryptoProvider(actor ActorUid, slot SlotNumber, provider ProviderUid) (bool, error) {
	if err := e.open(); err != nil {
		return false, err
	}
	s, err := e.directory.slot(slot)
	if err != nil {
		return false, err
	}
	if err = requireOwnerOrUser(s.row, actor); err != nil {
		return false, err
	}
	if provider != "" && s.row.Provider != "" && s.row.Provider != provider {
		return false, nil
	}
	if actor != s.row.Owner {
		usage, _ := userUsage(s.row, actor)
		if !usage.Has(UsageLoad) {
			return false, nil
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content != nil, nil
}

// === Holds ===

// OpenAsUser acquires a shared hold. See StorageEngineService.
func (e *Engine) OpenAsUser(actor ActorUid, slot SlotNumber, subscribe bool) (*TrustedContainer, error) {
	requestID := uuid.NewString()
	container, err := e.openAsUser(actor, slot, subscribe)
	e.logAudit(requestID, auditOutcome("OPEN_USER", err), err, map[string]interface{}{
		"actor_id":    string(actor),
		"slot_number": uint32(slot),
		"subscribe":   subscribe,
	})
	return container, err
}

func (e *Engine) openAsUser(actor ActorUid, slot SlotNumber, subscribe bool) (*TrustedContainer, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	s, err := e.directory.slot(slot)
	if err != nil {
		return nil, err
	}
	usage, err := requireUser(s.row, actor)
	if err != nil {
		return nil, err
	}
	if subscribe && !usage.Has(UsageMonitor) {
		return nil, fmt.Errorf("actor %q may not monitor slot %d: %w", actor, slot, ErrAccessViolation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.content == nil {
		return nil, fmt.Errorf("slot %d: %w", slot, ErrEmptyContainer)
	}
	s.guard.acquireShared()
	if subscribe {
		e.notifier.subscribe(slot)
	}
	return &TrustedContainer{slot: s, role: ContainerRoleUser, actor: actor}, nil
}

// OpenAsOwner acquires the exclusive Owner hold. See StorageEngineService.
func (e *Engine) OpenAsOwner(actor ActorUid, slot SlotNumber) (*TrustedContainer, error) {
	requestID := uuid.NewString()
	container, err := e.openAsOwner(actor, slot)
	e.logAudit(requestID, auditOutcome("OPEN_OWNER", err), err, map[string]interface{}{
		"actor_id":    string(actor),
		"slot_number": uint32(slot),
	})
	return container, err
}

func (e *Engine) openAsOwner(actor ActorUid, slot SlotNumber) (*TrustedContainer, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	s, err := e.directory.slot(slot)
	if err != nil {
		return nil, err
	}
	if err = requireOwner(s.row, actor); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err = s.guard.acquireExclusive(); err != nil {
		return nil, fmt.Errorf("slot %d: %w", slot, err)
	}
	return &TrustedContainer{slot: s, role: ContainerRoleOwner, actor: actor}, nil
}

// === Content Lifecycle ===

// SaveCopy saves the source object into the slot. See StorageEngineService.
func (e *Engine) SaveCopy(actor ActorUid, slot SlotNumber, source *SourceObject) error {
	requestID := uuid.NewString()
	start := time.Now()
	meta := map[string]interface{}{
		"actor_id":    string(actor),
		"slot_number": uint32(slot),
	}
	e.logAudit(requestID, "SAVE_COPY_INITIATED", nil, meta)

	visible, err := e.saveCopy(actor, slot, source)
	meta["duration_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		e.logAudit(requestID, "SAVE_COPY_FAILED", err, meta)
		return err
	}
	meta["staged"] = !visible
	e.logAudit(requestID, "SAVE_COPY_COMPLETED", nil, meta)
	if visible {
		e.notifier.notify(slot)
	}
	return nil
}

func (e *Engine) saveCopy(actor ActorUid, slot SlotNumber, source *SourceObject) (visible bool, err error) {
	if err = e.open(); err != nil {
		return false, err
	}
	s, err := e.directory.slot(slot)
	if err != nil {
		return false, err
	}
	if err = requireOwner(s.row, actor); err != nil {
		return false, err
	}
	if source.IsEmpty() {
		return false, fmt.Errorf("source carries no object: %w", ErrEmptyContainer)
	}
	props := source.Props()
	if !props.ObjectType.persistable() {
		return false, fmt.Errorf("%s objects cannot be persisted: %w", props.ObjectType, ErrIncompatibleObject)
	}

	dep := e.directory.dependencySlot(s.row)
	if props.DependencyUid != "" && dep == nil {
		return false, fmt.Errorf("slot %d has no dependency slot provisioned: %w", slot, ErrBadObjectReference)
	}

	unlock := e.lockWithDependency(s, dep, props.DependencyUid != "")
	defer unlock()

	if s.guard.ownerHeld {
		return false, fmt.Errorf("slot %d is held exclusively: %w", slot, ErrBusyResource)
	}
	if err = checkPrototype(s.row, props); err != nil {
		return false, err
	}
	// strict version control compares against the record this save replaces
	if s.row.Prototype.VersionControl == VersionControlStrict {
		replaced := s.recordFor(s.txn)
		if replaced != nil && replaced.props.ObjectUid == props.ObjectUid {
			return false, fmt.Errorf("slot %d requires a new object version: %w", slot, ErrContentRestrictions)
		}
	}
	if props.DependencyUid != "" {
		if err = checkDependency(s.row, props, dep, s.txn); err != nil {
			return false, err
		}
	}

	// an unset exportability choice takes the provisioned default
	if !props.Exportable && s.row.Prototype.ExportableDefault {
		props.Exportable = true
	}

	// the record takes ownership of the source payload and wipes it
	record := newContentRecord(props, source.payload)
	source.payload = nil

	if s.txn != "" {
		s.pending = record
		s.pendingValid = true
		return false, nil
	}

	old, oldVersion := s.content, s.storeVersion
	s.content = record
	if err = e.persistVisible(s); err != nil {
		s.content, s.storeVersion = old, oldVersion
		return false, err
	}
	if old != nil && old.props.DependencyUid != "" {
		e.refs.decrement(dep.row.Slot)
	}
	if props.DependencyUid != "" {
		e.refs.increment(dep.row.Slot)
	}
	return true, nil
}

// Clear removes the slot's content. See StorageEngineService.
func (e *Engine) Clear(actor ActorUid, slot SlotNumber) error {
	requestID := uuid.NewString()
	start := time.Now()
	meta := map[string]interface{}{
		"actor_id":    string(actor),
		"slot_number": uint32(slot),
	}
	e.logAudit(requestID, "CLEAR_SLOT_INITIATED", nil, meta)

	visible, err := e.clearSlot(actor, slot)
	meta["duration_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		e.logAudit(requestID, "CLEAR_SLOT_FAILED", err, meta)
		return err
	}
	meta["staged"] = !visible
	e.logAudit(requestID, "CLEAR_SLOT_COMPLETED", nil, meta)
	if visible {
		e.notifier.notify(slot)
	}
	return nil
}

func (e *Engine) clearSlot(actor ActorUid, slot SlotNumber) (visible bool, err error) {
	if err = e.open(); err != nil {
		return false, err
	}
	s, err := e.directory.slot(slot)
	if err != nil {
		return false, err
	}
	if err = requireOwner(s.row, actor); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.guard.ownerHeld {
		return false, fmt.Errorf("slot %d is held exclusively: %w", slot, ErrBusyResource)
	}
	if s.txn != "" {
		s.pending = nil
		s.pendingValid = true
		return false, nil
	}
	if s.content == nil {
		// clearing an empty slot is a no-op
		return false, nil
	}
	if e.refs.count(slot) > 0 {
		return false, fmt.Errorf("slot %d content is still referenced: %w", slot, ErrLockedByReference)
	}

	old, oldVersion := s.content, s.storeVersion
	s.content = nil
	if err = e.persistVisible(s); err != nil {
		s.content, s.storeVersion = old, oldVersion
		return false, err
	}
	if old.props.DependencyUid != "" {
		e.refs.decrement(e.directory.dependencySlot(s.row).row.Slot)
	}
	return true, nil
}

// Export returns a populated slot's payload bytes. See StorageEngineService.
func (e *Engine) Export(actor ActorUid, slot SlotNumber) ([]byte, error) {
	requestID := uuid.NewString()
	payload, err := e.export(actor, slot)
	e.logAudit(requestID, auditOutcome("EXPORT", err), err, map[string]interface{}{
		"actor_id":    string(actor),
		"slot_number": uint32(slot),
	})
	return payload, err
}

func (e *Engine) export(actor ActorUid, slot SlotNumber) ([]byte, error) {
	if err := e.open(); err != nil {
		return nil, err
	}
	s, err := e.directory.slot(slot)
	if err != nil {
		return nil, err
	}
	if err = requireOwner(s.row, actor); err != nil {
		return nil, err
	}
	s.mu.Lock()
	record := s.content
	s.mu.Unlock()
	if record == nil {
		return nil, fmt.Errorf("slot %d: %w", slot, ErrEmptyContainer)
	}
	if !record.props.Exportable {
		return nil, fmt.Errorf("slot %d content is not exportable: %w", slot, ErrAccessViolation)
	}
	return record.openPayload()
}

// === References ===

// ResetReference re-validates and re-stamps a recorded dependency. See
// StorageEngineService.
func (e *Engine) ResetReference(actor ActorUid, referrer SlotNumber, referenced SlotNumber) error {
	requestID := uuid.NewString()
	err := e.resetReference(actor, referrer, referenced)
	e.logAudit(requestID, auditOutcome("RESET_REF", err), err, map[string]interface{}{
		"actor_id":        string(actor),
		"slot_number":     uint32(referrer),
		"referenced_slot": uint32(referenced),
	})
	return err
}

func (e *Engine) resetReference(actor ActorUid, referrer SlotNumber, referenced SlotNumber) error {
	if err := e.open(); err != nil {
		return err
	}
	rs, err := e.directory.slot(referrer)
	if err != nil {
		return err
	}
	ts, err := e.directory.slot(referenced)
	if err != nil {
		return err
	}
	if err = requireOwner(rs.row, actor); err != nil {
		return err
	}
	if err = requireOwner(ts.row, actor); err != nil {
		return err
	}
	if e.directory.dependencySlot(rs.row) != ts {
		return fmt.Errorf("slot %d is not the provisioned dependency slot of %d: %w",
			referenced, referrer, ErrBadObjectReference)
	}

	unlock := e.lockWithDependency(rs, ts, true)
	defer unlock()

	if rs.content == nil {
		return fmt.Errorf("slot %d: %w", referrer, ErrEmptyContainer)
	}
	if rs.content.props.DependencyUid == "" {
		return fmt.Errorf("slot %d content records no dependency: %w", referrer, ErrBadObjectReference)
	}
	if ts.content == nil || ts.content.props.ObjectUid != rs.content.props.DependencyUid {
		return fmt.Errorf("slot %d does not hold the object slot %d depends on: %w",
			referenced, referrer, ErrBadObjectReference)
	}
	if !referencePairAllowed(rs.content.props.ObjectType, ts.content.props.ObjectType) {
		return fmt.Errorf("%s objects may not depend on %s objects: %w",
			rs.content.props.ObjectType, ts.content.props.ObjectType, ErrBadObjectReference)
	}
	// the link checked out; re-persist the referrer so the stored record
	// carries the refreshed stamp
	return e.persistVisible(rs)
}

// === Observer ===

// RegisterObserver installs the engine's single observer. See
// StorageEngineService.
func (e *Engine) RegisterObserver(observer UpdatesObserver) UpdatesObserver {
	previous := e.notifier.register(observer)
	e.logAudit(uuid.NewString(), "OBSERVER_REGISTERED", nil, map[string]interface{}{
		"registered": observer != nil,
		"replaced":   previous != nil,
	})
	return previous
}

// UnsubscribeObserver stops monitoring a slot. See StorageEngineService.
func (e *Engine) UnsubscribeObserver(slot SlotNumber) error {
	if err := e.open(); err != nil {
		return err
	}
	if _, err := e.directory.slot(slot); err != nil {
		return err
	}
	return e.notifier.unsubscribe(slot)
}

// === Audit and Lifecycle ===

// AuditLogger exposes the engine's audit logger.
func (e *Engine) AuditLogger() audit.Logger {
	return e.audit
}

// Slots returns every provisioned slot number in ascending order.
func (e *Engine) Slots() []SlotNumber {
	return append([]SlotNumber(nil), e.directory.ordered...)
}

// SecureMemoryProtection describes the memory protection level achieved at
// construction.
func (e *Engine) SecureMemoryProtection() string {
	switch e.memoryProtectionLevel {
	case mem.ProtectionNone:
		return "None - sensitive data may be swapped to disk"
	case mem.ProtectionPartial:
		return "Partial - basic memory protection applied"
	case mem.ProtectionFull:
		return "Full - memory locked and protected from swapping"
	default:
		return "Unknown"
	}
}

// StoreType reports the persistence backend in use.
func (e *Engine) StoreType() string {
	return e.store.GetType()
}

// Close shuts the engine down: active transactions are rolled back, the
// sealing key and salt enclaves are dropped and the store and audit logger
// are closed. Safe to call once; a second call returns an error.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return fmt.Errorf("engine already closed")
	}
	e.closed = true

	e.commitMu.Lock()
	for id, txn := range e.txns.active {
		slots := e.lockScope(txn)
		for _, s := range slots {
			s.pending = nil
			s.pendingValid = false
			s.txn = ""
		}
		e.unlockScope(slots)
		txn.state = TransactionRolledBack
		delete(e.txns.active, id)
	}
	e.commitMu.Unlock()

	// drop in-memory payloads; the enclaves hold the only references
	for _, num := range e.directory.ordered {
		s := e.directory.byNumber[num]
		s.mu.Lock()
		s.content = nil
		s.mu.Unlock()
	}
	e.sealer.destroy()
	e.saltEnclave = nil

	e.logAudit(uuid.NewString(), "ENGINE_CLOSED", nil, nil)

	var firstErr error
	if err := e.audit.Close(); err != nil {
		firstErr = fmt.Errorf("failed to close audit logger: %w", err)
	}
	if err := e.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close store: %w", err)
	}
	return firstErr
}

// === Internals ===

// open fails every operation once the engine is closed.
func (e *Engine) open() error {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed {
		return fmt.Errorf("engine is closed: %w", ErrResourceFault)
	}
	return nil
}

// lockWithDependency locks the slot and, when the operation touches the
// dependency link, its dependency slot too, in ascending slot-number order.
// Returns the matching unlock.
func (e *Engine) lockWithDependency(s *slotState, dep *slotState, needDep bool) func() {
	if !needDep || dep == nil {
		s.mu.Lock()
		return s.mu.Unlock
	}
	first, second := s, dep
	if dep.row.Slot < s.row.Slot {
		first, second = dep, s
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

// checkPrototype validates content against the slot's design-time
// restrictions.
func checkPrototype(row SlotRow, props ContentProps) error {
	proto := row.Prototype
	if proto.AllowedObjectType != "" && proto.AllowedObjectType != ObjectTypeAny &&
		proto.AllowedObjectType != props.ObjectType {
		return fmt.Errorf("slot %d accepts %s objects, not %s: %w",
			row.Slot, proto.AllowedObjectType, props.ObjectType, ErrContentRestrictions)
	}
	if proto.AllowedAlgorithm != "" && proto.AllowedAlgorithm != AlgorithmAny &&
		proto.AllowedAlgorithm != props.Algorithm {
		return fmt.Errorf("slot %d accepts algorithm %s, not %s: %w",
			row.Slot, proto.AllowedAlgorithm, props.Algorithm, ErrContentRestrictions)
	}
	if proto.Capacity > 0 && props.Size > proto.Capacity {
		return fmt.Errorf("object size %d exceeds slot %d capacity %d: %w",
			props.Size, row.Slot, proto.Capacity, ErrContentRestrictions)
	}
	return nil
}

// checkDependency validates a declared dependency against the provisioned
// dependency slot. When the dependency slot is staged in the same transaction
// the staged record is the one the commit will publish, so the dependency is
// validated against it. Caller holds both slot mutexes.
func checkDependency(row SlotRow, props ContentProps, dep *slotState, txn TransactionId) error {
	target := dep.recordFor(txn)
	if target == nil {
		return fmt.Errorf("dependency slot %d holds no object: %w", dep.row.Slot, ErrBadObjectReference)
	}
	if target.props.ObjectUid != props.DependencyUid {
		return fmt.Errorf("dependency slot %d holds a different object: %w", dep.row.Slot, ErrBadObjectReference)
	}
	if row.Prototype.DependencyObjectType != "" &&
		target.props.ObjectType != row.Prototype.DependencyObjectType {
		return fmt.Errorf("dependency slot %d holds a %s object, %s required: %w",
			dep.row.Slot, target.props.ObjectType, row.Prototype.DependencyObjectType, ErrContentRestrictions)
	}
	if !referencePairAllowed(props.ObjectType, target.props.ObjectType) {
		return fmt.Errorf("%s objects may not depend on %s objects: %w",
			props.ObjectType, target.props.ObjectType, ErrBadObjectReference)
	}
	return nil
}

// persistVisible writes (or deletes) the slot's visible record in the store.
// Caller holds the slot mutex. Store failures surface as ErrResourceFault.
func (e *Engine) persistVisible(s *slotState) error {
	if s.content == nil {
		if err := e.store.DeleteSlotRecord(uint32(s.row.Slot)); err != nil {
			return fmt.Errorf("failed to delete record for slot %d: %v: %w", s.row.Slot, err, ErrResourceFault)
		}
		s.storeVersion = ""
		return nil
	}
	raw, err := encodeSlotRecord(s.content)
	if err != nil {
		return fmt.Errorf("failed to encode record for slot %d: %w", s.row.Slot, err)
	}
	sealed, err := e.sealer.seal(raw)
	memguard.WipeBytes(raw)
	if err != nil {
		return fmt.Errorf("failed to seal record for slot %d: %w", s.row.Slot, err)
	}
	version, err := e.store.SaveSlotRecord(uint32(s.row.Slot), sealed, s.storeVersion)
	if err != nil {
		return fmt.Errorf("failed to persist record for slot %d: %v: %w", s.row.Slot, err, ErrResourceFault)
	}
	s.storeVersion = version
	return nil
}

// logAudit writes one audit event with the standard fields attached. Audit
// failures never fail the operation; they are reported on stderr.
func (e *Engine) logAudit(requestID, action string, opErr error, metadata map[string]interface{}) {
	if e.audit == nil {
		return
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata["tenant_id"] = e.tenantID
	metadata["request_id"] = requestID
	metadata["timestamp"] = time.Now().UTC()

	success := opErr == nil
	if opErr != nil {
		metadata["error"] = opErr.Error()
	}
	if auditErr := e.audit.Log(action, success, metadata); auditErr != nil {
		log.Printf("ERROR: audit logging failed for action %s: %v\n", action, auditErr)
	}
}

// auditOutcome builds the completed/failed action name for operations logged
// with a single event.
func auditOutcome(prefix string, err error) string {
	if err != nil {
		return prefix + "_FAILED"
	}
	return prefix + "_COMPLETED"
}
