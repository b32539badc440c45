package persist

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTenant = "test-tenant"

// Test the Common Store Functionality
func testStoreImplementation(t *testing.T, store Store) {
	// Shared test data
	sealedLayout := []byte("sealed_layout_record")
	salt := []byte("random_salt_bytes")
	sealedRecord := []byte("sealed_slot_record")

	// Health and connectivity tests
	t.Run("Ping", func(t *testing.T) {
		err := store.Ping()
		assert.NoError(t, err, "Store should be reachable")
	})

	t.Run("GetType", func(t *testing.T) {
		storeType := store.GetType()
		assert.NotEmpty(t, storeType, "Store type should not be empty")
		t.Logf("Store type: %s", storeType)
	})

	// Layout operations
	var layoutVersion string
	t.Run("LayoutExistsBeforeSave", func(t *testing.T) {
		exists, err := store.LayoutExists()
		require.NoError(t, err)
		assert.False(t, exists, "Layout should not exist before saving")
	})

	t.Run("SaveLayout", func(t *testing.T) {
		version, err := store.SaveLayout(sealedLayout, "")
		require.NoError(t, err)
		assert.NotEmpty(t, version, "Version should not be empty")
		layoutVersion = version
	})

	t.Run("LayoutExists", func(t *testing.T) {
		exists, err := store.LayoutExists()
		require.NoError(t, err)
		assert.True(t, exists, "Layout should exist after saving")
	})

	t.Run("LoadLayout", func(t *testing.T) {
		versionedData, err := store.LoadLayout()
		require.NoError(t, err)
		assert.NotNil(t, versionedData, "Versioned data should not be nil")
		assert.Equal(t, sealedLayout, versionedData.Data, "Loaded layout should match saved layout")
		assert.Equal(t, layoutVersion, versionedData.Version, "Version should match")
		assert.False(t, versionedData.Timestamp.IsZero(), "Timestamp should be set")
	})

	t.Run("SaveLayoutVersionConflict", func(t *testing.T) {
		_, err := store.SaveLayout([]byte("newer_layout"), "stale-version")
		require.Error(t, err)
		var concurrencyErr ConcurrencyError
		assert.True(t, errors.As(err, &concurrencyErr), "Expected ConcurrencyError, got %v", err)
		assert.Equal(t, "SaveLayout", concurrencyErr.Operation)
	})

	t.Run("SaveLayoutWithCurrentVersion", func(t *testing.T) {
		version, err := store.SaveLayout(sealedLayout, layoutVersion)
		require.NoError(t, err, "Save with the current version should succeed")
		assert.NotEmpty(t, version)
	})

	// Salt operations
	var saltVersion string
	t.Run("SaveSalt", func(t *testing.T) {
		version, err := store.SaveSalt(salt, "")
		require.NoError(t, err)
		assert.NotEmpty(t, version, "Version should not be empty")
		saltVersion = version
	})

	t.Run("SaltExists", func(t *testing.T) {
		exists, err := store.SaltExists()
		require.NoError(t, err)
		assert.True(t, exists, "Salt should exist after saving")
	})

	t.Run("LoadSalt", func(t *testing.T) {
		versionedData, err := store.LoadSalt()
		require.NoError(t, err)
		assert.NotNil(t, versionedData, "Versioned data should not be nil")
		assert.Equal(t, salt, versionedData.Data, "Loaded salt should match saved salt")
		assert.Equal(t, saltVersion, versionedData.Version, "Version should match")
	})

	// Slot record operations
	var recordVersion string
	t.Run("SlotRecordExistsBeforeSave", func(t *testing.T) {
		exists, err := store.SlotRecordExists(3)
		require.NoError(t, err)
		assert.False(t, exists, "Slot record should not exist before saving")
	})

	t.Run("SaveSlotRecord", func(t *testing.T) {
		version, err := store.SaveSlotRecord(3, sealedRecord, "")
		require.NoError(t, err)
		assert.NotEmpty(t, version, "Version should not be empty")
		recordVersion = version
	})

	t.Run("LoadSlotRecord", func(t *testing.T) {
		versionedData, err := store.LoadSlotRecord(3)
		require.NoError(t, err)
		assert.Equal(t, sealedRecord, versionedData.Data, "Loaded record should match saved record")
		assert.Equal(t, recordVersion, versionedData.Version, "Version should match")
	})

	t.Run("SaveSlotRecordVersionConflict", func(t *testing.T) {
		_, err := store.SaveSlotRecord(3, []byte("newer_record"), "stale-version")
		require.Error(t, err)
		var concurrencyErr ConcurrencyError
		assert.True(t, errors.As(err, &concurrencyErr), "Expected ConcurrencyError, got %v", err)
		assert.Equal(t, "SaveSlotRecord", concurrencyErr.Operation)
	})

	t.Run("ListSlotRecords", func(t *testing.T) {
		// add records out of order, listing must come back ascending
		_, err := store.SaveSlotRecord(7, sealedRecord, "")
		require.NoError(t, err)
		_, err = store.SaveSlotRecord(1, sealedRecord, "")
		require.NoError(t, err)

		slots, err := store.ListSlotRecords()
		require.NoError(t, err)
		assert.Equal(t, []uint32{1, 3, 7}, slots, "Slot records should list in ascending order")
	})

	t.Run("DeleteSlotRecord", func(t *testing.T) {
		err := store.DeleteSlotRecord(7)
		require.NoError(t, err)

		exists, err := store.SlotRecordExists(7)
		require.NoError(t, err)
		assert.False(t, exists, "Slot record should not exist after deletion")

		slots, err := store.ListSlotRecords()
		require.NoError(t, err)
		assert.Equal(t, []uint32{1, 3}, slots)
	})

	t.Run("DeleteMissingSlotRecord", func(t *testing.T) {
		err := store.DeleteSlotRecord(42)
		assert.NoError(t, err, "Deleting a missing record should not fail")
	})

	t.Run("ConcurrentSlotRecordSaves", func(t *testing.T) {
		// unversioned saves to distinct slots from multiple goroutines
		var wg sync.WaitGroup
		errCh := make(chan error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(slot uint32) {
				defer wg.Done()
				if _, err := store.SaveSlotRecord(100+slot, sealedRecord, ""); err != nil {
					errCh <- err
				}
			}(uint32(i))
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			t.Errorf("Concurrent save failed: %v", err)
		}

		slots, err := store.ListSlotRecords()
		require.NoError(t, err)
		assert.Len(t, slots, 12, "All concurrent saves should be listed")
	})

	// Tenant operations
	t.Run("ListTenants", func(t *testing.T) {
		tenants, err := store.ListTenants()
		require.NoError(t, err)
		assert.Len(t, tenants, 1, "Should have exactly one tenant")
		assert.True(t, strings.EqualFold(tenants[0], testTenant),
			"Tenant should be %s, got %s", testTenant, tenants[0])
	})
}
