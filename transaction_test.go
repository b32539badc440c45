package slotvault

import (
	"errors"
	"testing"

	"southwinds.dev/slotvault/persist"
)

func saveTransport(t *testing.T, engine *Engine, payload string) {
	t.Helper()
	if err := engine.SaveCopy(ownerA, 5, NewSourceObject(ContentProps{
		ObjectType: ObjectTypeKey,
		Algorithm:  "aes-256",
	}, []byte(payload))); err != nil {
		t.Fatalf("SaveCopy failed: %v", err)
	}
}

func TestBeginValidation(t *testing.T) {
	engine := newTestEngine(t)

	tests := []struct {
		name    string
		actor   ActorUid
		scope   []SlotNumber
		wantErr error
	}{
		{"empty scope", ownerA, nil, ErrInvalidArgument},
		{"duplicate slots", ownerA, []SlotNumber{3, 7, 3}, ErrInvalidArgument},
		{"unprovisioned slot", ownerA, []SlotNumber{3, 42}, ErrUnreservedResource},
		{"not owner of every slot", userB, []SlotNumber{3, 7}, ErrAccessViolation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := engine.Begin(tc.actor, tc.scope); !errors.Is(err, tc.wantErr) {
				t.Errorf("Expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestScopeOverlapIsRefused(t *testing.T) {
	engine := newTestEngine(t)

	txn, err := engine.Begin(ownerA, []SlotNumber{3, 7})
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if _, err = engine.Begin(ownerA, []SlotNumber{7}); !errors.Is(err, ErrBusyResource) {
		t.Errorf("Expected ErrBusyResource for overlapping scope, got %v", err)
	}
	// a disjoint scope is fine
	other, err := engine.Begin(ownerA, []SlotNumber{5})
	if err != nil {
		t.Fatalf("Begin with disjoint scope failed: %v", err)
	}

	if err = engine.Rollback(ownerA, txn); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if err = engine.Rollback(ownerA, other); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
}

func TestTransactionIsolationAndCommit(t *testing.T) {
	engine := newTestEngine(t)
	seedUid := populateSeed(t, engine)

	txn, err := engine.Begin(ownerA, []SlotNumber{3, 7})
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	if err = engine.SaveCopy(ownerA, 3, keySource([]byte("signing-key"), seedUid)); err != nil {
		t.Fatalf("Staged save into slot 3 failed: %v", err)
	}

	// staged content is invisible to readers until commit
	empty, err := engine.IsEmpty(userB, 3)
	if err != nil {
		t.Fatalf("IsEmpty failed: %v", err)
	}
	if !empty {
		t.Error("Staged save must not be visible before commit")
	}
	if _, err = engine.OpenAsUser(userB, 3, false); !errors.Is(err, ErrEmptyContainer) {
		t.Errorf("Expected ErrEmptyContainer before commit, got %v", err)
	}

	if err = engine.Commit(ownerA, txn); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	keyProps, err := engine.GetContentProps(ownerA, 3)
	if err != nil {
		t.Fatalf("GetContentProps after commit failed: %v", err)
	}
	empty, err = engine.IsEmpty(userB, 3)
	if err != nil {
		t.Fatalf("IsEmpty failed: %v", err)
	}
	if empty {
		t.Error("Committed content must be visible")
	}

	// the certificate can now reference the committed key
	certTxn, err := engine.Begin(ownerA, []SlotNumber{7})
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	cert := NewSourceObject(ContentProps{
		ObjectType:    ObjectTypeCertificate,
		Algorithm:     "x509",
		DependencyUid: keyProps.ObjectUid,
	}, []byte("certificate-der"))
	if err = engine.SaveCopy(ownerA, 7, cert); err != nil {
		t.Fatalf("Staged certificate save failed: %v", err)
	}
	if err = engine.Commit(ownerA, certTxn); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	// reference counts applied at commit: the key slot is now pinned
	if err = engine.Clear(ownerA, 3); !errors.Is(err, ErrLockedByReference) {
		t.Errorf("Expected ErrLockedByReference after committed reference, got %v", err)
	}
}

func TestAtomicRotationOfKeyAndCertificate(t *testing.T) {
	engine := newTestEngine(t)
	seedUid := populateSeed(t, engine)

	// initial key and the certificate referencing it
	if err := engine.SaveCopy(ownerA, 3, keySource([]byte("signing-key-v1"), seedUid)); err != nil {
		t.Fatalf("SaveCopy failed: %v", err)
	}
	keyV1, err := engine.GetContentProps(ownerA, 3)
	if err != nil {
		t.Fatalf("GetContentProps failed: %v", err)
	}
	if err = engine.SaveCopy(ownerA, 7, NewSourceObject(ContentProps{
		ObjectType:    ObjectTypeCertificate,
		Algorithm:     "x509",
		DependencyUid: keyV1.ObjectUid,
	}, []byte("certificate-v1"))); err != nil {
		t.Fatalf("SaveCopy failed: %v", err)
	}

	// rotate key and certificate in one transaction: the staged certificate
	// references the key staged in the same scope, not the visible one
	txn, err := engine.Begin(ownerA, []SlotNumber{3, 7})
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	keyV2Uid := NewObjectUid()
	if err = engine.SaveCopy(ownerA, 3, NewSourceObject(ContentProps{
		ObjectType:    ObjectTypeKey,
		Algorithm:     "ed25519",
		ObjectUid:     keyV2Uid,
		DependencyUid: seedUid,
	}, []byte("signing-key-v2"))); err != nil {
		t.Fatalf("Staged key rotation failed: %v", err)
	}
	if err = engine.SaveCopy(ownerA, 7, NewSourceObject(ContentProps{
		ObjectType:    ObjectTypeCertificate,
		Algorithm:     "x509",
		DependencyUid: keyV2Uid,
	}, []byte("certificate-v2"))); err != nil {
		t.Fatalf("Staged certificate referencing the staged key failed: %v", err)
	}

	// once the key rotation is staged, a dependency on the replaced version
	// is already stale inside the transaction
	stale := NewSourceObject(ContentProps{
		ObjectType:    ObjectTypeCertificate,
		Algorithm:     "x509",
		DependencyUid: keyV1.ObjectUid,
	}, []byte("certificate-stale"))
	if err = engine.SaveCopy(ownerA, 7, stale); !errors.Is(err, ErrBadObjectReference) {
		t.Errorf("Expected ErrBadObjectReference for stale dependency, got %v", err)
	}

	if err = engine.Commit(ownerA, txn); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	certProps, err := engine.GetContentProps(ownerA, 7)
	if err != nil {
		t.Fatalf("GetContentProps failed: %v", err)
	}
	if certProps.DependencyUid != keyV2Uid {
		t.Errorf("Expected certificate to reference %s, got %s", keyV2Uid, certProps.DependencyUid)
	}
	// reference counts followed the rotation: the new key is pinned
	if err = engine.Clear(ownerA, 3); !errors.Is(err, ErrLockedByReference) {
		t.Errorf("Expected ErrLockedByReference after rotation, got %v", err)
	}
}

func TestStagedDependencyOnStagedClearFails(t *testing.T) {
	engine := newTestEngine(t)
	seedUid := populateSeed(t, engine)
	if err := engine.SaveCopy(ownerA, 3, keySource([]byte("signing-key"), seedUid)); err != nil {
		t.Fatalf("SaveCopy failed: %v", err)
	}
	keyProps, err := engine.GetContentProps(ownerA, 3)
	if err != nil {
		t.Fatalf("GetContentProps failed: %v", err)
	}

	txn, err := engine.Begin(ownerA, []SlotNumber{3, 7})
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err = engine.Clear(ownerA, 3); err != nil {
		t.Fatalf("Staged clear failed: %v", err)
	}

	// the staged clear empties the dependency slot for the rest of the scope
	cert := NewSourceObject(ContentProps{
		ObjectType:    ObjectTypeCertificate,
		Algorithm:     "x509",
		DependencyUid: keyProps.ObjectUid,
	}, []byte("certificate-der"))
	if err = engine.SaveCopy(ownerA, 7, cert); !errors.Is(err, ErrBadObjectReference) {
		t.Errorf("Expected ErrBadObjectReference for dependency on staged clear, got %v", err)
	}

	if err = engine.Rollback(ownerA, txn); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
}

func TestRollbackDiscardsStagedChanges(t *testing.T) {
	engine := newTestEngine(t)
	saveTransport(t, engine, "visible-key")

	txn, err := engine.Begin(ownerA, []SlotNumber{5})
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	saveTransport(t, engine, "staged-key")
	if err = engine.Clear(ownerA, 5); err != nil {
		t.Fatalf("Staged clear failed: %v", err)
	}
	if err = engine.Rollback(ownerA, txn); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	// visible content is unchanged
	payload, err := engine.Export(ownerA, 5)
	if err != nil {
		t.Fatalf("Export after rollback failed: %v", err)
	}
	if string(payload) != "visible-key" {
		t.Errorf("Expected pre-transaction content, got %q", payload)
	}
}

func TestStagedClearBecomesVisibleAtCommit(t *testing.T) {
	engine := newTestEngine(t)
	saveTransport(t, engine, "doomed-key")

	txn, err := engine.Begin(ownerA, []SlotNumber{5})
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err = engine.Clear(ownerA, 5); err != nil {
		t.Fatalf("Staged clear failed: %v", err)
	}

	empty, err := engine.IsEmpty(ownerA, 5)
	if err != nil {
		t.Fatalf("IsEmpty failed: %v", err)
	}
	if empty {
		t.Error("Staged clear must not be visible before commit")
	}

	if err = engine.Commit(ownerA, txn); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	empty, err = engine.IsEmpty(ownerA, 5)
	if err != nil {
		t.Fatalf("IsEmpty failed: %v", err)
	}
	if !empty {
		t.Error("Committed clear must empty the slot")
	}
}

func TestCommitRefusesClearOfReferencedSlot(t *testing.T) {
	engine := newTestEngine(t)
	seedUid := populateSeed(t, engine)

	txn, err := engine.Begin(ownerA, []SlotNumber{1})
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	// the signing key pins the seed while the clear is still staged
	if err = engine.SaveCopy(ownerA, 3, keySource([]byte("signing-key"), seedUid)); err != nil {
		t.Fatalf("SaveCopy failed: %v", err)
	}
	if err = engine.Clear(ownerA, 1); err != nil {
		t.Fatalf("Staged clear failed: %v", err)
	}

	if err = engine.Commit(ownerA, txn); !errors.Is(err, ErrLockedByReference) {
		t.Fatalf("Expected ErrLockedByReference from commit, got %v", err)
	}

	// the failed commit left the transaction active and the seed visible
	empty, err := engine.IsEmpty(ownerA, 1)
	if err != nil {
		t.Fatalf("IsEmpty failed: %v", err)
	}
	if empty {
		t.Error("Refused commit must not change visible state")
	}
	if err = engine.Rollback(ownerA, txn); err != nil {
		t.Fatalf("Rollback after refused commit failed: %v", err)
	}
}

func TestTerminalTransactionsRejectFurtherCalls(t *testing.T) {
	engine := newTestEngine(t)

	txn, err := engine.Begin(ownerA, []SlotNumber{5})
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err = engine.Commit(ownerA, txn); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if err = engine.Commit(ownerA, txn); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for committed id, got %v", err)
	}
	if err = engine.Rollback(ownerA, txn); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for committed id, got %v", err)
	}
	if err = engine.Commit(ownerA, "no-such-transaction"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument for unknown id, got %v", err)
	}

	// the slot is immediately reusable in a new transaction
	next, err := engine.Begin(ownerA, []SlotNumber{5})
	if err != nil {
		t.Fatalf("Begin after terminal state failed: %v", err)
	}
	if err = engine.Rollback(ownerA, next); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
}

func TestTransactionCapacityBound(t *testing.T) {
	store, err := persist.NewFileSystemStore(t.TempDir(), "test-tenant")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	engine, err := NewWithStore(Options{
		DerivationPassphrase:  testPassphrase,
		Layout:                testLayout(),
		MaxActiveTransactions: 2,
	}, store, nil, "test-tenant")
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	defer engine.Close()

	if _, err = engine.Begin(ownerA, []SlotNumber{1}); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err = engine.Begin(ownerA, []SlotNumber{3}); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err = engine.Begin(ownerA, []SlotNumber{5}); !errors.Is(err, ErrInsufficientCapacity) {
		t.Errorf("Expected ErrInsufficientCapacity, got %v", err)
	}
}

func TestCommitByWrongActor(t *testing.T) {
	engine := newTestEngine(t)

	txn, err := engine.Begin(ownerA, []SlotNumber{5})
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err = engine.Commit(userB, txn); !errors.Is(err, ErrAccessViolation) {
		t.Errorf("Expected ErrAccessViolation, got %v", err)
	}
	if err = engine.Rollback(ownerA, txn); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
}
