package persist

import (
	"fmt"
	"time"
)

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag, version number, or hash
	Timestamp time.Time
}

// Store defines the interface for persisting slot-engine data.
// The methods in this interface manage the provisioned slot layout, the key
// derivation salt, and the per-slot content records. All record data passed
// to this interface is assumed to be sealed (encrypted) by the engine layer;
// the store never sees plaintext key material.
type Store interface {

	// Tenants

	// ListTenants retrieves a list of tenant IDs currently present in the store.
	// Returns:
	// - A slice of strings containing tenant IDs.
	// - An error if the operation fails.
	ListTenants() ([]string, error)

	// DeleteTenant removes the specified tenant from the store.
	// Parameters:
	// - tenantID: The ID of the tenant to be deleted.
	// Returns:
	// - An error if the operation fails, or if the tenant does not exist.
	DeleteTenant(tenantID string) error

	// Layout operations

	SaveLayout(sealedLayout []byte, expectedVersion string) (newVersion string, err error)

	// LoadLayout retrieves the sealed slot layout record.
	// Returns:
	// - Versioned layout data.
	// - An error if the operation fails or if no layout exists.
	LoadLayout() (*VersionedData, error)

	// LayoutExists checks if a provisioned layout is present.
	LayoutExists() (bool, error)

	SaveSalt(saltData []byte, expectedVersion string) (newVersion string, err error)

	// LoadSalt retrieves the key derivation salt.
	// Returns:
	// - Versioned salt data.
	// - An error if the operation fails or if no salt exists.
	LoadSalt() (*VersionedData, error)

	// SaltExists checks if salt data is present.
	SaltExists() (bool, error)

	// Slot record operations

	SaveSlotRecord(slot uint32, sealedRecord []byte, expectedVersion string) (newVersion string, err error)

	// LoadSlotRecord retrieves the sealed content record for one slot.
	LoadSlotRecord(slot uint32) (*VersionedData, error)

	// SlotRecordExists checks if a content record is present for the slot.
	SlotRecordExists(slot uint32) (bool, error)

	// DeleteSlotRecord removes the content record for one slot. Deleting a
	// record that does not exist is not an error; the slot is simply empty.
	DeleteSlotRecord(slot uint32) error

	// ListSlotRecords returns the slot numbers that currently have a
	// persisted content record, in ascending order.
	ListSlotRecords() ([]uint32, error)

	// Health and utilities

	// Ping tests the connectivity for remote backends.
	Ping() error

	// Close closes the store and releases any resources it holds.
	Close() error

	// GetType retrieves the type of store being used (e.g. "filesystem", "s3").
	GetType() string
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/data/slots"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	// This field must be one of the predefined StoreType constants.
	Type StoreType `json:"type"`

	// Config contains configuration settings specific to the chosen storage
	// backend, e.g. "base_path" for the filesystem store or "endpoint",
	// "bucket" and credentials for the S3 store.
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeFileSystem indicates that the local file system should be used.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 indicates that an S3-compatible object store should be used.
	StoreTypeS3 StoreType = "s3"
)

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}
