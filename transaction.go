package slotvault

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// transaction is one atomic multi-slot unit of work. Scope is fixed at Begin
// and held sorted ascending, which is also the lock acquisition order used
// by Commit and Rollback.
type transaction struct {
	id    TransactionId
	owner ActorUid
	scope []SlotNumber
	state TransactionState
}

// transactionCoordinator tracks the active transactions and enforces the
// engine-wide capacity bound. Slot-to-transaction binding lives on the slot
// state itself; the coordinator only owns the id table. All mutations happen
// under the engine commit mutex.
type transactionCoordinator struct {
	max    int
	active map[TransactionId]*transaction
}

func newTransactionCoordinator(max int) *transactionCoordinator {
	if max <= 0 {
		max = DefaultMaxActiveTransactions
	}
	return &transactionCoordinator{
		max:    max,
		active: make(map[TransactionId]*transaction),
	}
}

// Begin starts a transaction over scope. See StorageEngineService.
func (e *Engine) Begin(actor ActorUid, scope []SlotNumber) (TransactionId, error) {
	requestID := uuid.NewString()
	start := time.Now()
	meta := map[string]interface{}{
		"actor_id":   string(actor),
		"scope_size": len(scope),
	}
	e.logAudit(requestID, "TXN_BEGIN_INITIATED", nil, meta)

	id, err := e.beginTransaction(actor, scope)
	meta["duration_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		e.logAudit(requestID, "TXN_BEGIN_FAILED", err, meta)
		return "", err
	}
	meta["transaction_id"] = string(id)
	e.logAudit(requestID, "TXN_BEGIN_COMPLETED", nil, meta)
	return id, nil
}

func (e *Engine) beginTransaction(actor ActorUid, scope []SlotNumber) (TransactionId, error) {
	if err := e.open(); err != nil {
		return "", err
	}
	if len(scope) == 0 {
		return "", fmt.Errorf("transaction scope is empty: %w", ErrInvalidArgument)
	}
	seen := make(map[SlotNumber]bool, len(scope))
	slots := make([]*slotState, 0, len(scope))
	for _, num := range scope {
		if seen[num] {
			return "", fmt.Errorf("slot %d appears twice in scope: %w", num, ErrInvalidArgument)
		}
		seen[num] = true
		s, err := e.directory.slot(num)
		if err != nil {
			return "", err
		}
		if err = requireOwner(s.row, actor); err != nil {
			return "", err
		}
		slots = append(slots, s)
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if len(e.txns.active) >= e.txns.max {
		return "", fmt.Errorf("%d transactions already active: %w", len(e.txns.active), ErrInsufficientCapacity)
	}
	// all-or-nothing scope claim: check every slot before binding any
	for _, s := range slots {
		s.mu.Lock()
		busy := s.txn != ""
		s.mu.Unlock()
		if busy {
			return "", fmt.Errorf("slot %d already belongs to an active transaction: %w", s.row.Slot, ErrBusyResource)
		}
	}

	txn := &transaction{
		id:    TransactionId(uuid.NewString()),
		owner: actor,
		scope: append([]SlotNumber(nil), scope...),
		state: TransactionActive,
	}
	sort.Slice(txn.scope, func(i, j int) bool { return txn.scope[i] < txn.scope[j] })
	for _, s := range slots {
		s.mu.Lock()
		s.txn = txn.id
		s.pending = nil
		s.pendingValid = false
		s.mu.Unlock()
	}
	e.txns.active[txn.id] = txn
	return txn.id, nil
}

// Commit publishes the transaction's staged changes. See StorageEngineService.
func (e *Engine) Commit(actor ActorUid, txn TransactionId) error {
	requestID := uuid.NewString()
	start := time.Now()
	meta := map[string]interface{}{
		"actor_id":       string(actor),
		"transaction_id": string(txn),
	}
	e.logAudit(requestID, "TXN_COMMIT_INITIATED", nil, meta)

	changed, err := e.commitTransaction(actor, txn)
	meta["duration_ms"] = time.Since(start).Milliseconds()
	meta["slots_changed"] = len(changed)
	if err != nil {
		e.logAudit(requestID, "TXN_COMMIT_FAILED", err, meta)
	} else {
		e.logAudit(requestID, "TXN_COMMIT_COMPLETED", nil, meta)
	}

	// a non-empty changed list means the commit became visible even when
	// persistence failed afterwards; dispatch outside every lock so the
	// observer may call back in
	for _, num := range changed {
		e.notifier.notify(num)
	}
	return err
}

func (e *Engine) commitTransaction(actor ActorUid, id TransactionId) ([]SlotNumber, error) {
	if err := e.open(); err != nil {
		return nil, err
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	txn, err := e.activeTransaction(actor, id)
	if err != nil {
		return nil, err
	}

	slots := e.lockScope(txn)
	defer e.unlockScope(slots)

	// reference-count deltas the staged changes will cause once visible
	deltas := make(map[SlotNumber]int)
	for _, s := range slots {
		if !s.pendingValid {
			continue
		}
		if s.content != nil && s.content.props.DependencyUid != "" {
			deltas[e.directory.dependencySlot(s.row).row.Slot]--
		}
		if s.pending != nil && s.pending.props.DependencyUid != "" {
			deltas[e.directory.dependencySlot(s.row).row.Slot]++
		}
	}
	// a staged clear must not remove an object other slots still depend on.
	// the transaction stays active; the caller may roll it back.
	for _, s := range slots {
		if !s.pendingValid || s.pending != nil || s.content == nil {
			continue
		}
		if e.refs.count(s.row.Slot)+deltas[s.row.Slot] > 0 {
			return nil, fmt.Errorf("slot %d content is still referenced: %w", s.row.Slot, ErrLockedByReference)
		}
	}

	// point of no return: swap every staged region into visibility first so
	// no interleaved reader ever observes a partially committed scope
	changed := make([]SlotNumber, 0, len(slots))
	for _, s := range slots {
		if s.pendingValid && !(s.pending == nil && s.content == nil) {
			s.content = s.pending
			changed = append(changed, s.row.Slot)
		}
		s.pending = nil
		s.pendingValid = false
		s.txn = ""
	}
	e.refs.apply(deltas)
	txn.state = TransactionCommitted
	delete(e.txns.active, id)

	// durability after visibility: a persist failure leaves committed state
	// consistent in memory and is reported for the caller to retry offline
	var persistErr error
	for _, num := range changed {
		s, _ := e.directory.slot(num)
		if err = e.persistVisible(s); err != nil && persistErr == nil {
			persistErr = err
		}
	}
	if persistErr != nil {
		return changed, fmt.Errorf("transaction %s committed but not fully persisted: %w", id, persistErr)
	}
	return changed, nil
}

// Rollback discards the transaction's staged changes. See StorageEngineService.
func (e *Engine) Rollback(actor ActorUid, txn TransactionId) error {
	requestID := uuid.NewString()
	start := time.Now()
	meta := map[string]interface{}{
		"actor_id":       string(actor),
		"transaction_id": string(txn),
	}
	e.logAudit(requestID, "TXN_ROLLBACK_INITIATED", nil, meta)

	err := e.rollbackTransaction(actor, txn)
	meta["duration_ms"] = time.Since(start).Milliseconds()
	if err != nil {
		e.logAudit(requestID, "TXN_ROLLBACK_FAILED", err, meta)
		return err
	}
	e.logAudit(requestID, "TXN_ROLLBACK_COMPLETED", nil, meta)
	return nil
}

func (e *Engine) rollbackTransaction(actor ActorUid, id TransactionId) error {
	if err := e.open(); err != nil {
		return err
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	txn, err := e.activeTransaction(actor, id)
	if err != nil {
		return err
	}

	slots := e.lockScope(txn)
	defer e.unlockScope(slots)

	for _, s := range slots {
		s.pending = nil
		s.pendingValid = false
		s.txn = ""
	}
	txn.state = TransactionRolledBack
	delete(e.txns.active, id)
	return nil
}

// activeTransaction resolves an id to its active transaction. Unknown ids
// and finished transactions are indistinguishable to callers.
func (e *Engine) activeTransaction(actor ActorUid, id TransactionId) (*transaction, error) {
	txn, ok := e.txns.active[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s is unknown or already finished: %w", id, ErrInvalidArgument)
	}
	if txn.owner != actor {
		return nil, fmt.Errorf("actor %q did not begin transaction %s: %w", actor, id, ErrAccessViolation)
	}
	return txn, nil
}

// lockScope locks every slot of the scope in ascending slot-number order.
func (e *Engine) lockScope(txn *transaction) []*slotState {
	slots := make([]*slotState, 0, len(txn.scope))
	for _, num := range txn.scope {
		s, _ := e.directory.slot(num)
		s.mu.Lock()
		slots = append(slots, s)
	}
	return slots
}

func (e *Engine) unlockScope(slots []*slotState) {
	for i := len(slots) - 1; i >= 0; i-- {
		slots[i].mu.Unlock()
	}
}
