package slotvault

import (
	"fmt"
	"sort"
	"sync"

	"github.com/awnumar/memguard"
)

// contentRecord is the in-memory form of one stored object: its properties
// plus the payload held in a memguard enclave so the raw bytes never sit in
// plain heap memory longer than a read requires.
type contentRecord struct {
	props   ContentProps
	payload *memguard.Enclave
}

// newContentRecord seals payload into an enclave. The enclave constructor
// wipes the source slice.
func newContentRecord(props ContentProps, payload []byte) *contentRecord {
	return &contentRecord{
		props:   props,
		payload: memguard.NewEnclave(payload),
	}
}

// openPayload returns a heap copy of the payload bytes. Callers own the copy
// and should wipe it when done.
func (r *contentRecord) openPayload() ([]byte, error) {
	buf, err := r.payload.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open payload enclave: %w", err)
	}
	defer buf.Destroy()
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// slotState is the runtime state of one provisioned slot: the immutable
// layout row plus everything that changes at runtime, protected by mu.
//
// Lock ordering: when an operation needs more than one slot, their mutexes
// are acquired in ascending slot-number order. The engine commit mutex, when
// needed, is taken before any slot mutex.
type slotState struct {
	row SlotRow

	mu    sync.Mutex
	guard concurrencyGuard

	// content is the User-visible committed record, nil while empty.
	content *contentRecord

	// storeVersion is the optimistic version of the persisted record,
	// empty while no record is persisted.
	storeVersion string

	// Shadow region for the transaction named by txn. pendingValid marks a
	// staged change; a staged change with pending == nil is a staged clear.
	txn          TransactionId
	pending      *contentRecord
	pendingValid bool
}

// recordFor returns the record a save running inside txn validates against:
// the staged record when the slot belongs to the same transaction, the
// committed content otherwise.
func (s *slotState) recordFor(txn TransactionId) *contentRecord {
	if txn != "" && s.txn == txn && s.pendingValid {
		return s.pending
	}
	return s.content
}

// slotDirectory indexes the provisioned slot rows. The directory itself is
// immutable after construction; only the per-slot runtime state mutates.
type slotDirectory struct {
	byNumber   map[SlotNumber]*slotState
	byLogical  map[LogicalSlotUid]SlotNumber
	byInstance map[InstanceSpecifier]SlotNumber

	// ordered holds every slot number ascending, for the resumable scans.
	ordered []SlotNumber
}

func newSlotDirectory(rows []SlotRow) (*slotDirectory, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("layout provisions no slots: %w", ErrInvalidArgument)
	}
	d := &slotDirectory{
		byNumber:   make(map[SlotNumber]*slotState, len(rows)),
		byLogical:  make(map[LogicalSlotUid]SlotNumber, len(rows)),
		byInstance: make(map[InstanceSpecifier]SlotNumber),
		ordered:    make([]SlotNumber, 0, len(rows)),
	}
	for _, row := range rows {
		if err := validateSlotRow(row); err != nil {
			return nil, err
		}
		if _, dup := d.byNumber[row.Slot]; dup {
			return nil, fmt.Errorf("duplicate slot number %d in layout: %w", row.Slot, ErrInvalidArgument)
		}
		if _, dup := d.byLogical[row.LogicalUid]; dup {
			return nil, fmt.Errorf("duplicate logical UID %q in layout: %w", row.LogicalUid, ErrInvalidArgument)
		}
		if row.Instance != "" {
			if _, dup := d.byInstance[row.Instance]; dup {
				return nil, fmt.Errorf("duplicate instance specifier %q in layout: %w", row.Instance, ErrInvalidArgument)
			}
			d.byInstance[row.Instance] = row.Slot
		}
		d.byNumber[row.Slot] = &slotState{row: row}
		d.byLogical[row.LogicalUid] = row.Slot
		d.ordered = append(d.ordered, row.Slot)
	}
	// dependency slots must resolve within the same layout
	for _, row := range rows {
		if row.DependencySlot == "" {
			continue
		}
		depNum, ok := d.byLogical[row.DependencySlot]
		if !ok {
			return nil, fmt.Errorf("slot %d names unknown dependency slot %q: %w",
				row.Slot, row.DependencySlot, ErrInvalidArgument)
		}
		if depNum == row.Slot {
			return nil, fmt.Errorf("slot %d names itself as dependency slot: %w", row.Slot, ErrInvalidArgument)
		}
	}
	sort.Slice(d.ordered, func(i, j int) bool { return d.ordered[i] < d.ordered[j] })
	return d, nil
}

func validateSlotRow(row SlotRow) error {
	if row.Slot == InvalidSlotNumber {
		return fmt.Errorf("slot number %d is reserved: %w", row.Slot, ErrInvalidArgument)
	}
	if row.LogicalUid == "" {
		return fmt.Errorf("slot %d has no logical UID: %w", row.Slot, ErrInvalidArgument)
	}
	if row.Owner == "" {
		return fmt.Errorf("slot %d has no owner: %w", row.Slot, ErrInvalidArgument)
	}
	seen := make(map[ActorUid]bool, len(row.Users))
	for _, u := range row.Users {
		if u.Actor == "" {
			return fmt.Errorf("slot %d has a user entry with no actor: %w", row.Slot, ErrInvalidArgument)
		}
		if seen[u.Actor] {
			return fmt.Errorf("slot %d lists user %q twice: %w", row.Slot, u.Actor, ErrInvalidArgument)
		}
		seen[u.Actor] = true
	}
	return nil
}

// slot returns the runtime state for a slot number.
func (d *slotDirectory) slot(num SlotNumber) (*slotState, error) {
	s, ok := d.byNumber[num]
	if !ok {
		return nil, fmt.Errorf("slot %d: %w", num, ErrUnreservedResource)
	}
	return s, nil
}

// findLogical resolves a logical UID.
func (d *slotDirectory) findLogical(logical LogicalSlotUid) (SlotNumber, error) {
	num, ok := d.byLogical[logical]
	if !ok {
		return InvalidSlotNumber, fmt.Errorf("logical UID %q: %w", logical, ErrUnreservedResource)
	}
	return num, nil
}

// findInstance resolves an instance specifier to its slot and provider.
func (d *slotDirectory) findInstance(instance InstanceSpecifier) (SlotNumber, ProviderUid, error) {
	num, ok := d.byInstance[instance]
	if !ok {
		return InvalidSlotNumber, "", fmt.Errorf("instance %q: %w", instance, ErrUnreservedResource)
	}
	return num, d.byNumber[num].row.Provider, nil
}

// dependencySlot resolves the provisioned dependency slot of a row, nil when
// none is provisioned. Resolution cannot fail after newSlotDirectory.
func (d *slotDirectory) dependencySlot(row SlotRow) *slotState {
	if row.DependencySlot == "" {
		return nil
	}
	return d.byNumber[d.byLogical[row.DependencySlot]]
}

// scan walks the slot numbers ascending, strictly after previousFound
// (InvalidSlotNumber restarts), and returns the first slot for which match
// reports true. The match callback runs with the slot's mutex held.
func (d *slotDirectory) scan(previousFound SlotNumber, match func(*slotState) bool) (SlotNumber, error) {
	start := 0
	if previousFound != InvalidSlotNumber {
		start = sort.Search(len(d.ordered), func(i int) bool { return d.ordered[i] > previousFound })
	}
	for _, num := range d.ordered[start:] {
		s := d.byNumber[num]
		s.mu.Lock()
		ok := match(s)
		s.mu.Unlock()
		if ok {
			return num, nil
		}
	}
	return InvalidSlotNumber, fmt.Errorf("scan exhausted: %w", ErrUnreservedResource)
}
