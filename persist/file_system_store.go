package persist

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700
)

var slotFileRegex = regexp.MustCompile(`^slot_(\d{5,10})\.rec$`)

// FileSystemStore implements Store for the local filesystem with
// multitenancy and optimistic concurrency control.
//
// Layout per tenant:
//
//	basePath/tenantID/store.json       - store configuration marker
//	basePath/tenantID/layout.meta      - sealed slot layout (provision table)
//	basePath/tenantID/derivation.salt  - key derivation salt
//	basePath/tenantID/slots/slot_N.rec - sealed content record per slot
type FileSystemStore struct {
	basePath    string
	tenantID    string
	tenantPath  string // basePath/tenantID/
	slotsDir    string // basePath/tenantID/slots/
	storeConfig string // basePath/tenantID/store.json
	layoutMeta  string // basePath/tenantID/layout.meta
	storeSalt   string // basePath/tenantID/derivation.salt
}

// FileStoreConfig represents the store configuration marker written per tenant
type FileStoreConfig struct {
	Version     string    `json:"version"`
	TenantID    string    `json:"tenant_id"`
	CreatedAt   time.Time `json:"created_at"`
	Structure   string    `json:"structure_version"`
	Description string    `json:"description,omitempty"`
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string, tenantID string) (*FileSystemStore, error) {
	if tenantID == "" {
		tenantID = "default"
	}

	// Validate tenant ID (basic security check)
	if err := validateTenantID(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant ID: %w", err)
	}

	tenantPath := filepath.Join(basePath, tenantID)

	fs := &FileSystemStore{
		basePath:    basePath,
		tenantID:    tenantID,
		tenantPath:  tenantPath,
		slotsDir:    filepath.Join(tenantPath, "slots"),
		storeConfig: filepath.Join(tenantPath, "store.json"),
		layoutMeta:  filepath.Join(tenantPath, "layout.meta"),
		storeSalt:   filepath.Join(tenantPath, "derivation.salt"),
	}

	// Create necessary directories
	dirs := []string{
		fs.tenantPath,
		fs.slotsDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	// Initialize store config if needed
	if err := fs.initializeStoreConfig(); err != nil {
		return nil, fmt.Errorf("failed to initialize store config: %w", err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig, tenantID string) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}

	return NewFileSystemStore(basePath, tenantID)
}

func (fs *FileSystemStore) initializeStoreConfig() error {
	if _, err := os.Stat(fs.storeConfig); os.IsNotExist(err) {
		config := FileStoreConfig{
			Version:   "1.0.0",
			TenantID:  fs.tenantID,
			CreatedAt: time.Now(),
			Structure: "v1",
		}

		data, err := json.MarshalIndent(config, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(fs.storeConfig, data, FilePermissions)
	}
	return nil
}

// ListTenants returns all tenant IDs that have a store in the base path
func (fs *FileSystemStore) ListTenants() ([]string, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read base directory: %w", err)
	}

	var tenants []string
	for _, entry := range entries {
		if entry.IsDir() {
			configPath := filepath.Join(fs.basePath, entry.Name(), "store.json")
			if _, err := os.Stat(configPath); err == nil {
				tenants = append(tenants, entry.Name())
			}
		}
	}

	sort.Strings(tenants)
	return tenants, nil
}

// DeleteTenant removes all data for a tenant
func (fs *FileSystemStore) DeleteTenant(tenantID string) error {
	if err := validateTenantID(tenantID); err != nil {
		return fmt.Errorf("invalid tenant ID: %w", err)
	}

	tenantPath := filepath.Join(fs.basePath, tenantID)

	if tenantID == fs.tenantID {
		return fmt.Errorf("cannot delete current tenant")
	}

	// Check if the tenant directory exists
	if _, err := os.Stat(tenantPath); os.IsNotExist(err) {
		return fmt.Errorf("tenant %s does not exist", tenantID)
	} else if err != nil {
		return fmt.Errorf("failed to check tenant directory: %w", err)
	}

	if err := os.RemoveAll(tenantPath); err != nil {
		return fmt.Errorf("failed to delete tenant data: %w", err)
	}

	return nil
}

// SaveLayout with optimistic concurrency control
func (fs *FileSystemStore) SaveLayout(sealedLayout []byte, expectedVersion string) (string, error) {
	if len(sealedLayout) == 0 {
		return "", fmt.Errorf("layout is required")
	}
	// Validate expected version if provided
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(fs.layoutMeta)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveLayout",
			}
		}
	}

	if err := os.MkdirAll(fs.tenantPath, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create tenant directory: %w", err)
	}

	if err := writeSecureFile(fs.layoutMeta, sealedLayout, FilePermissions); err != nil {
		return "", err
	}

	// Calculate and return new version based on what was actually written
	return calculateFileVersion(sealedLayout), nil
}

// LoadLayout returns the versioned layout record
func (fs *FileSystemStore) LoadLayout() (*VersionedData, error) {
	fileInfo, err := os.Stat(fs.layoutMeta)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to stat layout: %w", err)
	}

	data, err := os.ReadFile(fs.layoutMeta)
	if err != nil {
		return nil, fmt.Errorf("failed to load layout: %w", err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) LayoutExists() (bool, error) {
	return fileExists(fs.layoutMeta)
}

// SaveSalt with optimistic concurrency control
func (fs *FileSystemStore) SaveSalt(saltData []byte, expectedVersion string) (string, error) {
	if len(saltData) == 0 {
		return "", fmt.Errorf("salt is required")
	}
	// Validate expected version if provided
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(fs.storeSalt)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveSalt",
			}
		}
	}

	if err := os.MkdirAll(fs.tenantPath, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create tenant directory: %w", err)
	}

	if err := writeSecureFile(fs.storeSalt, saltData, FilePermissions); err != nil {
		return "", fmt.Errorf("failed to save salt: %w", err)
	}

	return calculateFileVersion(saltData), nil
}

// LoadSalt returns the versioned salt data
func (fs *FileSystemStore) LoadSalt() (*VersionedData, error) {
	fileInfo, err := os.Stat(fs.storeSalt)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("salt not found")
		}
		return nil, fmt.Errorf("failed to stat salt: %w", err)
	}

	saltData, err := os.ReadFile(fs.storeSalt)
	if err != nil {
		return nil, fmt.Errorf("failed to load salt: %w", err)
	}

	return &VersionedData{
		Data:      saltData,
		Version:   calculateFileVersion(saltData),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) SaltExists() (bool, error) {
	return fileExists(fs.storeSalt)
}

// SaveSlotRecord with optimistic concurrency control
func (fs *FileSystemStore) SaveSlotRecord(slot uint32, sealedRecord []byte, expectedVersion string) (string, error) {
	if len(sealedRecord) == 0 {
		return "", fmt.Errorf("slot record is required")
	}

	recordPath := fs.slotRecordPath(slot)

	// Validate expected version if provided
	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(recordPath)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveSlotRecord",
			}
		}
	}

	if err := os.MkdirAll(fs.slotsDir, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create slots directory: %w", err)
	}

	if err := writeSecureFile(recordPath, sealedRecord, FilePermissions); err != nil {
		return "", err
	}

	return calculateFileVersion(sealedRecord), nil
}

// LoadSlotRecord returns the versioned content record for one slot
func (fs *FileSystemStore) LoadSlotRecord(slot uint32) (*VersionedData, error) {
	recordPath := fs.slotRecordPath(slot)

	fileInfo, err := os.Stat(recordPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to stat slot record %d: %w", slot, err)
	}

	data, err := os.ReadFile(recordPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load slot record %d: %w", slot, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) SlotRecordExists(slot uint32) (bool, error) {
	return fileExists(fs.slotRecordPath(slot))
}

// DeleteSlotRecord removes the content record for one slot
func (fs *FileSystemStore) DeleteSlotRecord(slot uint32) error {
	recordPath := fs.slotRecordPath(slot)

	if err := os.Remove(recordPath); err != nil {
		if os.IsNotExist(err) {
			// Already empty
			return nil
		}
		return fmt.Errorf("failed to delete slot record %d: %w", slot, err)
	}
	return nil
}

// ListSlotRecords returns slot numbers with a persisted record, ascending
func (fs *FileSystemStore) ListSlotRecords() ([]uint32, error) {
	entries, err := os.ReadDir(fs.slotsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []uint32{}, nil
		}
		return nil, fmt.Errorf("failed to read slots directory: %w", err)
	}

	var slots []uint32
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := slotFileRegex.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		n, err := strconv.ParseUint(matches[1], 10, 32)
		if err != nil {
			continue
		}
		slots = append(slots, uint32(n))
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots, nil
}

func (fs *FileSystemStore) slotRecordPath(slot uint32) string {
	return filepath.Join(fs.slotsDir, fmt.Sprintf("slot_%05d.rec", slot))
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.tenantPath)
	return err
}

func (fs *FileSystemStore) Close() error {
	// Nothing to release for the filesystem backend
	return nil
}

func (fs *FileSystemStore) getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	// Use MD5 hash of file contents as version identifier
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

// writeSecureFile writes data durably: temp file in the target directory,
// sync, then atomic rename over the destination.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
