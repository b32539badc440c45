package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Store implements the Store interface using an S3-compatible backend
// (MinIO) with multitenancy.
//
// Object structure:
//
//	bucket/
//	├── [keyPrefix/]tenant1/
//	│   ├── store.config        # Store configuration marker for tenant1
//	│   ├── layout.meta         # Sealed slot layout for tenant1
//	│   ├── derivation.salt     # Key derivation salt for tenant1
//	│   └── slots/
//	│       ├── slot_00003.rec  # Sealed content record for slot 3
//	│       └── slot_00007.rec  # Sealed content record for slot 7
//	└── [keyPrefix/]default/
//	    └── ...
type S3Store struct {
	// client is the MinIO client used to interact with the S3 endpoint.
	client *minio.Client

	// bucketName is the bucket used to store tenant data.
	bucketName string

	// keyPrefix is an optional prefix for keys in the bucket, allowing for
	// namespace separation if multiple applications share the bucket.
	keyPrefix string

	// tenantID identifies the tenant whose data is being stored.
	tenantID string
}

// S3Config contains the configuration required to connect to S3 (MinIO).
type S3Config struct {
	Endpoint        string // The endpoint for the S3 service.
	AccessKeyID     string // The Access Key ID for accessing the S3 service.
	SecretAccessKey string // The Secret Access Key for accessing the S3 service.
	Bucket          string // The S3 bucket to use.
	KeyPrefix       string // The prefix for keys stored in the S3 bucket.
	UseSSL          bool   // Whether to use SSL for the connection.
	Region          string // The region of the S3 bucket.
}

// NewS3Store initializes a new S3Store instance using the provided S3
// configuration and tenant ID. It establishes a connection to the endpoint
// and ensures that the specified bucket exists. If no tenant ID is provided,
// it defaults to "default".
func NewS3Store(config S3Config, tenantID string) (*S3Store, error) {
	if tenantID == "" {
		tenantID = "default"
	}

	// Validate tenant ID (basic security check)
	if err := validateTenantID(tenantID); err != nil {
		return nil, fmt.Errorf("invalid tenant ID: %w", err)
	}

	// Create MinIO client
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  config.KeyPrefix,
		tenantID:   tenantID,
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	if err = store.initializeStoreConfig(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize store config: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig initializes a new S3Store instance from the given StoreConfig.
func NewS3StoreFromConfig(config StoreConfig, tenantID string) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for S3: %s", config.Type)
	}

	// Parse the config map into S3Config
	configBytes, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	var s3Config S3Config
	if err = json.Unmarshal(configBytes, &s3Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal S3 config: %w", err)
	}

	return NewS3Store(s3Config, tenantID)
}

func (s3s *S3Store) initializeStoreConfig(ctx context.Context) error {
	objectName := s3s.buildTenantPath("store.config")

	// Check if config already exists
	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minioErr := minio.ToErrorResponse(err); minioErr.Code == "NoSuchKey" {
			// Config doesn't exist, create it
			config := FileStoreConfig{
				Version:   "1.0.0",
				TenantID:  s3s.tenantID,
				CreatedAt: time.Now().UTC(),
				Structure: "v1",
			}

			data, err := json.MarshalIndent(config, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal store config: %w", err)
			}

			_, err = s3s.client.PutObject(
				ctx,
				s3s.bucketName,
				objectName,
				bytes.NewReader(data),
				int64(len(data)),
				minio.PutObjectOptions{
					ContentType: "application/json",
					UserMetadata: map[string]string{
						"data-type":         "store-config",
						"tenant-id":         s3s.tenantID,
						"version":           config.Version,
						"structure-version": config.Structure,
						"created-at":        config.CreatedAt.Format(time.RFC3339),
					},
				},
			)
			if err != nil {
				return fmt.Errorf("failed to create store config: %w", err)
			}
		} else {
			return fmt.Errorf("failed to check store config: %w", err)
		}
	}

	return nil
}

// ListTenants returns all tenant IDs that have a store config in the bucket
func (s3s *S3Store) ListTenants() ([]string, error) {
	basePrefix := s3s.keyPrefix
	if basePrefix != "" && !strings.HasSuffix(basePrefix, "/") {
		basePrefix = basePrefix + "/"
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    basePrefix,
		Recursive: true,
	})

	tenantSet := make(map[string]bool)
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", object.Err)
		}

		key := strings.TrimPrefix(object.Key, basePrefix)
		if !strings.HasSuffix(key, "store.config") {
			continue
		}
		parts := strings.Split(key, "/")
		if len(parts) == 2 {
			tenantSet[parts[0]] = true
		}
	}

	tenants := make([]string, 0, len(tenantSet))
	for tenant := range tenantSet {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// DeleteTenant removes all objects for a tenant
func (s3s *S3Store) DeleteTenant(tenantID string) error {
	if err := validateTenantID(tenantID); err != nil {
		return fmt.Errorf("invalid tenant ID: %w", err)
	}

	if tenantID == s3s.tenantID {
		return fmt.Errorf("cannot delete current tenant")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s3s.buildTenantPathForTenant(tenantID) + "/"
	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	found := false
	for object := range objectCh {
		if object.Err != nil {
			return fmt.Errorf("failed to list tenant objects: %w", object.Err)
		}
		found = true
		if err := s3s.client.RemoveObject(ctx, s3s.bucketName, object.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("failed to delete object %s: %w", object.Key, err)
		}
	}

	if !found {
		return fmt.Errorf("tenant %s does not exist", tenantID)
	}
	return nil
}

// SaveLayout with optimistic concurrency control
func (s3s *S3Store) SaveLayout(sealedLayout []byte, expectedVersion string) (string, error) {
	return s3s.saveObject(s3s.getLayoutObjectName(), sealedLayout, expectedVersion, "SaveLayout", "slot-layout")
}

// LoadLayout returns the versioned layout record
func (s3s *S3Store) LoadLayout() (*VersionedData, error) {
	return s3s.loadObject(s3s.getLayoutObjectName(), "layout")
}

func (s3s *S3Store) LayoutExists() (bool, error) {
	return s3s.objectExists(s3s.getLayoutObjectName())
}

// SaveSalt with optimistic concurrency control
func (s3s *S3Store) SaveSalt(saltData []byte, expectedVersion string) (string, error) {
	return s3s.saveObject(s3s.getSaltObjectName(), saltData, expectedVersion, "SaveSalt", "derivation-salt")
}

// LoadSalt returns the versioned salt data
func (s3s *S3Store) LoadSalt() (*VersionedData, error) {
	data, err := s3s.loadObject(s3s.getSaltObjectName(), "salt")
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("salt not found")
		}
		return nil, err
	}
	return data, nil
}

func (s3s *S3Store) SaltExists() (bool, error) {
	return s3s.objectExists(s3s.getSaltObjectName())
}

// SaveSlotRecord with optimistic concurrency control
func (s3s *S3Store) SaveSlotRecord(slot uint32, sealedRecord []byte, expectedVersion string) (string, error) {
	return s3s.saveObject(s3s.getSlotObjectName(slot), sealedRecord, expectedVersion, "SaveSlotRecord", "slot-record")
}

// LoadSlotRecord returns the versioned content record for one slot
func (s3s *S3Store) LoadSlotRecord(slot uint32) (*VersionedData, error) {
	return s3s.loadObject(s3s.getSlotObjectName(slot), fmt.Sprintf("slot record %d", slot))
}

func (s3s *S3Store) SlotRecordExists(slot uint32) (bool, error) {
	return s3s.objectExists(s3s.getSlotObjectName(slot))
}

// DeleteSlotRecord removes the content record for one slot
func (s3s *S3Store) DeleteSlotRecord(slot uint32) error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objectName := s3s.getSlotObjectName(slot)

	// RemoveObject succeeds for missing keys, matching the Store contract
	if err := s3s.client.RemoveObject(ctx, s3s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete slot record %d: %w", slot, err)
	}
	return nil
}

// ListSlotRecords returns slot numbers with a persisted record, ascending
func (s3s *S3Store) ListSlotRecords() ([]uint32, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s3s.buildTenantPath("slots") + "/"
	objectCh := s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var slots []uint32
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list slot records: %w", object.Err)
		}

		name := strings.TrimPrefix(object.Key, prefix)
		matches := slotFileRegex.FindStringSubmatch(name)
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

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	// For S3, test connectivity by checking if the bucket exists
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping S3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	// The MinIO client does not hold persistent connections that need closing
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

// saveObject writes data with an optimistic version check against the
// object's current content hash.
func (s3s *S3Store) saveObject(objectName string, data []byte, expectedVersion, operation, dataType string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%s: data is required", operation)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if expectedVersion != "" {
		currentVersion, err := s3s.getObjectVersion(ctx, objectName)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
	}

	_, err := s3s.client.PutObject(
		ctx,
		s3s.bucketName,
		objectName,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/octet-stream",
			UserMetadata: map[string]string{
				"data-type":  dataType,
				"tenant-id":  s3s.tenantID,
				"updated-at": time.Now().UTC().Format(time.RFC3339),
			},
		},
	)
	if err != nil {
		return "", fmt.Errorf("%s: failed to put object: %w", operation, err)
	}

	return calculateFileVersion(data), nil
}

func (s3s *S3Store) loadObject(objectName, label string) (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	objInfo, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("failed to stat %s: %w", label, err)
	}

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", label, err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", label, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: objInfo.LastModified,
	}, nil
}

func (s3s *S3Store) objectExists(objectName string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return "", err
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", nil // Object doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return true
	}
	return strings.Contains(err.Error(), "not found") || strings.Contains(err.Error(), "does not exist")
}

func (s3s *S3Store) buildTenantPath(components ...string) string {
	return s3s.buildTenantPathForTenant(s3s.tenantID, components...)
}

func (s3s *S3Store) buildTenantPathForTenant(tenantID string, components ...string) string {
	var parts []string

	// Add key prefix if it exists and is not empty
	if s3s.keyPrefix != "" {
		cleanPrefix := strings.Trim(s3s.keyPrefix, "/")
		if cleanPrefix != "" {
			parts = append(parts, cleanPrefix)
		}
	}

	if tenantID != "" {
		parts = append(parts, tenantID)
	}

	for _, component := range components {
		if component != "" {
			parts = append(parts, component)
		}
	}

	return strings.Join(parts, "/")
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}

	if !exists {
		err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

func (s3s *S3Store) getLayoutObjectName() string {
	return s3s.buildTenantPath("layout.meta")
}

func (s3s *S3Store) getSaltObjectName() string {
	return s3s.buildTenantPath("derivation.salt")
}

func (s3s *S3Store) getSlotObjectName(slot uint32) string {
	return s3s.buildTenantPath("slots", fmt.Sprintf("slot_%05d.rec", slot))
}
