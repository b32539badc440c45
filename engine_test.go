package slotvault

import (
	"bytes"
	"errors"
	"testing"

	"southwinds.dev/slotvault/persist"
)

const testPassphrase = "unit-test-passphrase-123"

const (
	ownerA   = ActorUid("app-a")
	userB    = ActorUid("app-b")
	outsider = ActorUid("intruder")
)

// testLayout provisions four slots:
//
//	1 seed/master     seed material, owned by app-a, no users
//	3 key/signing     key depending on the master seed, app-b may load+monitor
//	5 key/transport   any object, strict version control, app-b may load
//	7 cert/signing    certificate depending on the signing key
func testLayout() []SlotRow {
	return []SlotRow{
		{
			Slot:       1,
			LogicalUid: "seed/master",
			Owner:      ownerA,
			Prototype: PrototypeProps{
				AllowedObjectType: ObjectTypeSeed,
				AllowedAlgorithm:  AlgorithmAny,
				Capacity:          64,
				VersionControl:    VersionControlNone,
			},
		},
		{
			Slot:           3,
			LogicalUid:     "key/signing",
			Instance:       "SigningKey",
			Provider:       "provider-x",
			DependencySlot: "seed/master",
			Owner:          ownerA,
			Users: []UserEntry{
				{Actor: userB, Usage: UsageLoad | UsageMonitor | UsageReference},
			},
			Prototype: PrototypeProps{
				AllowedObjectType:    ObjectTypeKey,
				AllowedAlgorithm:     "ed25519",
				Capacity:             128,
				DependencyObjectType: ObjectTypeSeed,
				VersionControl:       VersionControlNone,
			},
		},
		{
			Slot:       5,
			LogicalUid: "key/transport",
			Owner:      ownerA,
			Users: []UserEntry{
				{Actor: userB, Usage: UsageLoad},
			},
			Prototype: PrototypeProps{
				AllowedObjectType: ObjectTypeAny,
				AllowedAlgorithm:  AlgorithmAny,
				VersionControl:    VersionControlStrict,
				ExportableDefault: true,
			},
		},
		{
			Slot:           7,
			LogicalUid:     "cert/signing",
			DependencySlot: "key/signing",
			Owner:          ownerA,
			Users: []UserEntry{
				{Actor: userB, Usage: UsageLoad | UsageMonitor},
			},
			Prototype: PrototypeProps{
				AllowedObjectType: ObjectTypeCertificate,
				AllowedAlgorithm:  AlgorithmAny,
				VersionControl:    VersionControlNone,
			},
		},
	}
}

func newTestEngineAt(t *testing.T, dir string, layout []SlotRow) *Engine {
	t.Helper()
	store, err := persist.NewFileSystemStore(dir, "test-tenant")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	engine, err := NewWithStore(Options{
		DerivationPassphrase: testPassphrase,
		Layout:               layout,
	}, store, nil, "test-tenant")
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return engine
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine := newTestEngineAt(t, t.TempDir(), testLayout())
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func seedSource(payload []byte) *SourceObject {
	return NewSourceObject(ContentProps{
		ObjectType: ObjectTypeSeed,
		Algorithm:  "hkdf-sha256",
	}, payload)
}

func keySource(payload []byte, dependency ObjectUid) *SourceObject {
	return NewSourceObject(ContentProps{
		ObjectType:    ObjectTypeKey,
		Algorithm:     "ed25519",
		DependencyUid: dependency,
	}, payload)
}

// populateSeed fills slot 1 and returns the stored object's COUID.
func populateSeed(t *testing.T, engine *Engine) ObjectUid {
	t.Helper()
	if err := engine.SaveCopy(ownerA, 1, seedSource([]byte("master-seed-material"))); err != nil {
		t.Fatalf("Failed to populate seed slot: %v", err)
	}
	props, err := engine.GetContentProps(ownerA, 1)
	if err != nil {
		t.Fatalf("Failed to read seed props: %v", err)
	}
	return props.ObjectUid
}

func TestSaveAndReadBack(t *testing.T) {
	engine := newTestEngine(t)

	empty, err := engine.IsEmpty(ownerA, 1)
	if err != nil {
		t.Fatalf("IsEmpty failed: %v", err)
	}
	if !empty {
		t.Error("Expected provisioned slot to start empty")
	}

	payload := []byte("master-seed-material")
	if err = engine.SaveCopy(ownerA, 1, seedSource(payload)); err != nil {
		t.Fatalf("SaveCopy failed: %v", err)
	}

	empty, err = engine.IsEmpty(ownerA, 1)
	if err != nil {
		t.Fatalf("IsEmpty failed: %v", err)
	}
	if empty {
		t.Error("Expected slot to be populated after save")
	}

	props, err := engine.GetContentProps(ownerA, 1)
	if err != nil {
		t.Fatalf("GetContentProps failed: %v", err)
	}
	if props.ObjectType != ObjectTypeSeed {
		t.Errorf("Expected object type %s, got %s", ObjectTypeSeed, props.ObjectType)
	}
	if props.Size != len(payload) {
		t.Errorf("Expected size %d, got %d", len(payload), props.Size)
	}
	if props.ObjectUid == "" {
		t.Error("Expected a minted object UID")
	}
}

func TestSaveChecksPermissionsAndRestrictions(t *testing.T) {
	engine := newTestEngine(t)
	seedUid := populateSeed(t, engine)

	tests := []struct {
		name    string
		actor   ActorUid
		slot    SlotNumber
		source  *SourceObject
		wantErr error
	}{
		{
			name:    "unprovisioned slot",
			actor:   ownerA,
			slot:    99,
			source:  seedSource([]byte("x")),
			wantErr: ErrUnreservedResource,
		},
		{
			name:    "non-owner cannot save",
			actor:   userB,
			slot:    3,
			source:  keySource([]byte("k"), seedUid),
			wantErr: ErrAccessViolation,
		},
		{
			name:    "empty source",
			actor:   ownerA,
			slot:    1,
			source:  seedSource(nil),
			wantErr: ErrEmptyContainer,
		},
		{
			name:    "nil source",
			actor:   ownerA,
			slot:    1,
			source:  nil,
			wantErr: ErrEmptyContainer,
		},
		{
			name:  "session objects cannot be persisted",
			actor: ownerA,
			slot:  5,
			source: NewSourceObject(ContentProps{
				ObjectType: ObjectTypeSession,
				Algorithm:  "x25519",
			}, []byte("ephemeral")),
			wantErr: ErrIncompatibleObject,
		},
		{
			name:    "wrong object type",
			actor:   ownerA,
			slot:    1,
			source:  keySource([]byte("k"), ""),
			wantErr: ErrContentRestrictions,
		},
		{
			name:  "wrong algorithm",
			actor: ownerA,
			slot:  3,
			source: NewSourceObject(ContentProps{
				ObjectType:    ObjectTypeKey,
				Algorithm:     "rsa-2048",
				DependencyUid: seedUid,
			}, []byte("k")),
			wantErr: ErrContentRestrictions,
		},
		{
			name:    "payload over capacity",
			actor:   ownerA,
			slot:    1,
			source:  seedSource(bytes.Repeat([]byte("a"), 65)),
			wantErr: ErrContentRestrictions,
		},
		{
			name:    "dependency on slot without dependency provisioning",
			actor:   ownerA,
			slot:    5,
			source:  keySource([]byte("k"), "no-such-object"),
			wantErr: ErrBadObjectReference,
		},
		{
			name:    "dependency UID mismatch",
			actor:   ownerA,
			slot:    3,
			source:  keySource([]byte("k"), "not-the-seed"),
			wantErr: ErrBadObjectReference,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := engine.SaveCopy(tc.actor, tc.slot, tc.source)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestStrictVersionControlRejectsSameObjectVersion(t *testing.T) {
	engine := newTestEngine(t)

	uid := NewObjectUid()
	mkSource := func() *SourceObject {
		return NewSourceObject(ContentProps{
			ObjectType: ObjectTypeKey,
			Algorithm:  "aes-256",
			ObjectUid:  uid,
		}, []byte("transport-key"))
	}
	if err := engine.SaveCopy(ownerA, 5, mkSource()); err != nil {
		t.Fatalf("First save failed: %v", err)
	}

	err := engine.SaveCopy(ownerA, 5, mkSource())
	if !errors.Is(err, ErrContentRestrictions) {
		t.Errorf("Expected ErrContentRestrictions for same object version, got %v", err)
	}

	// a new COUID is a new version and passes
	fresh := NewSourceObject(ContentProps{
		ObjectType: ObjectTypeKey,
		Algorithm:  "aes-256",
	}, []byte("transport-key-v2"))
	if err = engine.SaveCopy(ownerA, 5, fresh); err != nil {
		t.Errorf("Save with fresh object UID failed: %v", err)
	}
}

func TestClearSemantics(t *testing.T) {
	engine := newTestEngine(t)

	// clearing an empty slot is a no-op
	if err := engine.Clear(ownerA, 1); err != nil {
		t.Fatalf("Clear of empty slot failed: %v", err)
	}

	populateSeed(t, engine)

	if err := engine.Clear(userB, 1); !errors.Is(err, ErrAccessViolation) {
		t.Errorf("Expected ErrAccessViolation for non-owner clear, got %v", err)
	}

	if err := engine.Clear(ownerA, 1); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	empty, err := engine.IsEmpty(ownerA, 1)
	if err != nil {
		t.Fatalf("IsEmpty failed: %v", err)
	}
	if !empty {
		t.Error("Expected slot to be empty after clear")
	}
	if _, err = engine.GetContentProps(ownerA, 1); !errors.Is(err, ErrEmptyContainer) {
		t.Errorf("Expected ErrEmptyContainer after clear, got %v", err)
	}
}

func TestExportRules(t *testing.T) {
	engine := newTestEngine(t)

	// slot 1 content defaults to non-exportable
	populateSeed(t, engine)
	if _, err := engine.Export(ownerA, 1); !errors.Is(err, ErrAccessViolation) {
		t.Errorf("Expected ErrAccessViolation for non-exportable content, got %v", err)
	}

	// slot 5 defaults to exportable
	payload := []byte("transport-key")
	if err := engine.SaveCopy(ownerA, 5, NewSourceObject(ContentProps{
		ObjectType: ObjectTypeKey,
		Algorithm:  "aes-256",
	}, payload)); err != nil {
		t.Fatalf("SaveCopy failed: %v", err)
	}

	if _, err := engine.Export(userB, 5); !errors.Is(err, ErrAccessViolation) {
		t.Errorf("Expected ErrAccessViolation for non-owner export, got %v", err)
	}

	out, err := engine.Export(ownerA, 5)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Error("Exported payload does not match saved payload")
	}

	if _, err = engine.Export(ownerA, 7); !errors.Is(err, ErrEmptyContainer) {
		t.Errorf("Expected ErrEmptyContainer for empty slot export, got %v", err)
	}
}

func TestUserViewMasksExportability(t *testing.T) {
	engine := newTestEngine(t)

	if err := engine.SaveCopy(ownerA, 5, NewSourceObject(ContentProps{
		ObjectType: ObjectTypeKey,
		Algorithm:  "aes-256",
		Exportable: true,
	}, []byte("k"))); err != nil {
		t.Fatalf("SaveCopy failed: %v", err)
	}

	ownerView, err := engine.GetContentProps(ownerA, 5)
	if err != nil {
		t.Fatalf("Owner GetContentProps failed: %v", err)
	}
	if !ownerView.Exportable {
		t.Error("Owner view should report the stored exportability")
	}

	userView, err := engine.GetContentProps(userB, 5)
	if err != nil {
		t.Fatalf("User GetContentProps failed: %v", err)
	}
	if userView.Exportable {
		t.Error("User view must always report exportability as false")
	}

	if _, err = engine.GetContentProps(outsider, 5); !errors.Is(err, ErrAccessViolation) {
		t.Errorf("Expected ErrAccessViolation for outsider, got %v", err)
	}
}

func TestMetadataReads(t *testing.T) {
	engine := newTestEngine(t)

	proto, err := engine.GetPrototypeProps(userB, 3)
	if err != nil {
		t.Fatalf("GetPrototypeProps failed: %v", err)
	}
	if proto.AllowedAlgorithm != "ed25519" {
		t.Errorf("Expected allowed algorithm ed25519, got %s", proto.AllowedAlgorithm)
	}

	owner, err := engine.GetOwner(userB, 3)
	if err != nil {
		t.Fatalf("GetOwner failed: %v", err)
	}
	if owner != ownerA {
		t.Errorf("Expected owner %s, got %s", ownerA, owner)
	}

	users, err := engine.GetUsers(ownerA, 3)
	if err != nil {
		t.Fatalf("GetUsers failed: %v", err)
	}
	if len(users) != 1 || users[0].Actor != userB {
		t.Errorf("Unexpected user list: %+v", users)
	}
	if !users[0].Usage.Has(UsageLoad | UsageMonitor) {
		t.Error("Expected load+monitor usage for app-b")
	}

	if _, err = engine.GetOwner(outsider, 3); !errors.Is(err, ErrAccessViolation) {
		t.Errorf("Expected ErrAccessViolation, got %v", err)
	}
	if _, err = engine.GetPrototypeProps(ownerA, 42); !errors.Is(err, ErrUnreservedResource) {
		t.Errorf("Expected ErrUnreservedResource, got %v", err)
	}
}

func TestCanLoadToCryptoProvider(t *testing.T) {
	engine := newTestEngine(t)
	seedUid := populateSeed(t, engine)
	if err := engine.SaveCopy(ownerA, 3, keySource([]byte("signing-key"), seedUid)); err != nil {
		t.Fatalf("SaveCopy failed: %v", err)
	}

	tests := []struct {
		name     string
		actor    ActorUid
		slot     SlotNumber
		provider ProviderUid
		want     bool
	}{
		{"matching provider", userB, 3, "provider-x", true},
		{"any provider", userB, 3, "", true},
		{"wrong provider", userB, 3, "provider-y", false},
		{"empty slot", userB, 7, "", false},
		{"owner without user entry", ownerA, 1, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := engine.CanLoadToCryptoProvider(tc.actor, tc.slot, tc.provider)
			if err != nil {
				t.Fatalf("CanLoadToCryptoProvider failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("Expected %t, got %t", tc.want, got)
			}
		})
	}

	if _, err := engine.CanLoadToCryptoProvider(outsider, 3, ""); !errors.Is(err, ErrAccessViolation) {
		t.Errorf("Expected ErrAccessViolation, got %v", err)
	}
}

func TestContentSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	layout := testLayout()

	engine := newTestEngineAt(t, dir, layout)
	seedUid := populateSeed(t, engine)
	if err := engine.SaveCopy(ownerA, 3, keySource([]byte("signing-key"), seedUid)); err != nil {
		t.Fatalf("SaveCopy failed: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// second session loads layout and records from the store
	store, err := persist.NewFileSystemStore(dir, "test-tenant")
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	reopened, err := NewWithStore(Options{DerivationPassphrase: testPassphrase}, store, nil, "test-tenant")
	if err != nil {
		t.Fatalf("Failed to reopen engine: %v", err)
	}
	defer reopened.Close()

	props, err := reopened.GetContentProps(ownerA, 3)
	if err != nil {
		t.Fatalf("GetContentProps after reopen failed: %v", err)
	}
	if props.DependencyUid != seedUid {
		t.Errorf("Expected dependency %s after reopen, got %s", seedUid, props.DependencyUid)
	}

	// reference counts are rebuilt: the seed is still pinned
	if err = reopened.Clear(ownerA, 1); !errors.Is(err, ErrLockedByReference) {
		t.Errorf("Expected ErrLockedByReference after reopen, got %v", err)
	}
}

func TestWrongPassphraseFailsReopen(t *testing.T) {
	dir := t.TempDir()
	engine := newTestEngineAt(t, dir, testLayout())
	populateSeed(t, engine)
	if err := engine.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	store, err := persist.NewFileSystemStore(dir, "test-tenant")
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	_, err = NewWithStore(Options{DerivationPassphrase: "a-different-passphrase"}, store, nil, "test-tenant")
	if err == nil {
		t.Fatal("Expected reopen with wrong passphrase to fail")
	}
}

func TestShortDerivationSaltIsRejected(t *testing.T) {
	store, err := persist.NewFileSystemStore(t.TempDir(), "test-tenant")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	_, err = NewWithStore(Options{
		DerivationPassphrase: testPassphrase,
		DerivationSalt:       []byte("too-short"),
		Layout:               testLayout(),
	}, store, nil, "test-tenant")
	if err == nil {
		t.Fatal("Expected engine creation with a short salt to fail")
	}
}

func TestProvidedSaltIsStableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	salt := bytes.Repeat([]byte{0xA5}, 16)

	// same options must keep working session after session
	for i := 0; i < 2; i++ {
		store, err := persist.NewFileSystemStore(dir, "salted-tenant")
		if err != nil {
			t.Fatalf("Failed to create store: %v", err)
		}
		opened, err := NewWithStore(Options{
			DerivationPassphrase: testPassphrase,
			DerivationSalt:       append([]byte(nil), salt...),
			Layout:               testLayout(),
		}, store, nil, "salted-tenant")
		if err != nil {
			t.Fatalf("Open %d with provided salt failed: %v", i, err)
		}
		if i == 0 {
			populateSeed(t, opened)
		} else {
			props, err := opened.GetContentProps(ownerA, 1)
			if err != nil {
				t.Fatalf("GetContentProps after reopen failed: %v", err)
			}
			if props.ObjectType != ObjectTypeSeed {
				t.Errorf("Unexpected content after reopen: %+v", props)
			}
		}
		if err = opened.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}
}

func TestClosedEngineRejectsOperations(t *testing.T) {
	engine := newTestEngineAt(t, t.TempDir(), testLayout())
	if err := engine.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := engine.FindSlot("seed/master"); !errors.Is(err, ErrResourceFault) {
		t.Errorf("Expected ErrResourceFault on closed engine, got %v", err)
	}
	if err := engine.SaveCopy(ownerA, 1, seedSource([]byte("x"))); !errors.Is(err, ErrResourceFault) {
		t.Errorf("Expected ErrResourceFault on closed engine, got %v", err)
	}
	if err := engine.Close(); err == nil {
		t.Error("Expected second Close to fail")
	}
}
