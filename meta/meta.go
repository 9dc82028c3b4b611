package meta

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// AccessProtocol selects the backend adapter that serves a Space. The set
// is sealed: the adapter is resolved once at Space-load time and nothing
// outside the space package branches on the tag.
type AccessProtocol string

const (
	ProtocolFS             AccessProtocol = "fs"
	ProtocolGPG            AccessProtocol = "gpg"
	ProtocolS3             AccessProtocol = "s3"
	ProtocolObjectStore    AccessProtocol = "objectstore"
	ProtocolReplicaStaging AccessProtocol = "replica-staging"
	ProtocolManaged        AccessProtocol = "managed"
)

// S3Config holds credentials for a native AWS S3 Space.
type S3Config struct {
	Endpoint  string `json:"endpoint,omitempty"`
	Region    string `json:"region"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	PathStyle bool   `json:"path_style,omitempty"`
}

// ObjectStoreConfig holds credentials for an S3-compatible object store
// (MinIO, Ceph RGW, a Swift S3 gateway).
type ObjectStoreConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	UseSSL    bool   `json:"use_ssl,omitempty"`
}

// ManagedConfig points at a REST-fronted store with managed fixity.
type ManagedConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"`
}

// GPGConfig configures an encrypted-filesystem Space.
type GPGConfig struct {
	KeyPath string `json:"key_path"`
}

// Space is one storage backend instance. Exactly one protocol-specific
// config must be set, matching AccessProtocol.
type Space struct {
	UUID           string             `json:"uuid"`
	AccessProtocol AccessProtocol     `json:"access_protocol"`
	Path           string             `json:"path"`
	StagingPath    string             `json:"staging_path"`
	Size           int64              `json:"size,omitempty"` // 0 = unknown
	Used           int64              `json:"used"`
	S3             *S3Config          `json:"s3,omitempty"`
	ObjectStore    *ObjectStoreConfig `json:"object_store,omitempty"`
	Managed        *ManagedConfig     `json:"managed,omitempty"`
	GPG            *GPGConfig         `json:"gpg,omitempty"`
}

// Validate enforces the one-config-per-protocol invariant.
func (s *Space) Validate() error {
	configs := 0
	var want bool
	for proto, set := range map[AccessProtocol]bool{
		ProtocolS3:          s.S3 != nil,
		ProtocolObjectStore: s.ObjectStore != nil,
		ProtocolManaged:     s.Managed != nil,
		ProtocolGPG:         s.GPG != nil,
	} {
		if set {
			configs++
		}
		if proto == s.AccessProtocol {
			want = set
		}
	}
	switch s.AccessProtocol {
	case ProtocolFS, ProtocolReplicaStaging:
		if configs != 0 {
			return fmt.Errorf("space %s: protocol %s takes no extra config", s.UUID, s.AccessProtocol)
		}
	case ProtocolS3, ProtocolObjectStore, ProtocolManaged, ProtocolGPG:
		if !want || configs != 1 {
			return fmt.Errorf("space %s: protocol %s requires exactly its own config record", s.UUID, s.AccessProtocol)
		}
	default:
		return fmt.Errorf("space %s: unknown access protocol %q", s.UUID, s.AccessProtocol)
	}
	return nil
}

// Purpose tags a Location with the role it plays for the pipelines.
type Purpose string

const (
	PurposeAIPRecovery     Purpose = "AR"
	PurposeAIPStorage      Purpose = "AS"
	PurposeCurrentlyProc   Purpose = "CP"
	PurposeDIPStorage      Purpose = "DS"
	PurposeInternal        Purpose = "SS"
	PurposeBacklog         Purpose = "BL"
	PurposeTransferSource  Purpose = "TS"
	PurposeReplicator      Purpose = "RP"
)

// Purposes lists every valid Location purpose.
var Purposes = []Purpose{
	PurposeAIPRecovery, PurposeAIPStorage, PurposeCurrentlyProc,
	PurposeDIPStorage, PurposeInternal, PurposeBacklog,
	PurposeTransferSource, PurposeReplicator,
}

// Location is a purpose-tagged path within a Space.
type Location struct {
	UUID         string   `json:"uuid"`
	SpaceUUID    string   `json:"space_uuid"`
	Purpose      Purpose  `json:"purpose"`
	RelativePath string   `json:"relative_path"`
	Description  string   `json:"description,omitempty"`
	Quota        int64    `json:"quota,omitempty"` // bytes, 0 = unlimited
	Used         int64    `json:"used"`
	Enabled      bool     `json:"enabled"`
	Pipelines    []string `json:"pipelines,omitempty"`
	// Replicators lists Locations (purpose RP) that mirror this
	// Location's stored AIPs.
	Replicators []string `json:"replicators,omitempty"`
}

// PackageType enumerates the kinds of information packages.
type PackageType string

const (
	AIP      PackageType = "AIP"
	AIC      PackageType = "AIC"
	SIP      PackageType = "SIP"
	DIP      PackageType = "DIP"
	Transfer PackageType = "transfer"
	Deposit  PackageType = "deposit"
)

// Status values for a Package.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusStaging    Status = "STAGING"
	StatusUploaded   Status = "UPLOADED"
	StatusVerified   Status = "VERIFIED"
	StatusDeleted    Status = "DELETED"
	StatusFail       Status = "FAIL"
	StatusFinalizing Status = "FINALIZING" // reingest sub-state of UPLOADED
)

// compressedExtensions covers the package formats the pipelines produce.
var compressedExtensions = []string{".7z", ".zip", ".tar", ".tar.gz", ".tgz", ".tar.bz2", ".bz2", ".gz"}

// Package is an information package in flight or at rest.
type Package struct {
	UUID              string      `json:"uuid"`
	Type              PackageType `json:"package_type"`
	LocationUUID      string      `json:"current_location"`
	CurrentPath       string      `json:"current_path"`
	Size              int64       `json:"size"`
	Status            Status      `json:"status"`
	Checksum          string      `json:"checksum,omitempty"`
	ChecksumAlgorithm string      `json:"checksum_algorithm,omitempty"`
	// EncryptionKeyFingerprint is set when the package bytes are sealed
	// by a gpg Space.
	EncryptionKeyFingerprint string    `json:"encryption_key_fingerprint,omitempty"`
	PointerLocationUUID      string    `json:"pointer_file_location,omitempty"`
	PointerPath              string    `json:"pointer_file_path,omitempty"`
	OriginPipeline           string    `json:"origin_pipeline,omitempty"`
	AccessionID              string    `json:"accession_id,omitempty"`
	MiscAttributes           ScalarMap `json:"misc_attributes,omitempty"`
	ExtraMetadata            ScalarMap `json:"extra_metadata,omitempty"`
	StoredDate               time.Time `json:"stored_date,omitempty"`
	// ReplicatedPackage, when set, marks this Package as a replica of
	// the referenced one. A replica is never itself replicated.
	ReplicatedPackage string   `json:"replicated_package,omitempty"`
	RelatedPackages   []string `json:"related_packages,omitempty"`
}

// IsCompressed reports whether the package file extension names a
// compressed/archived format. Uncompressed packages are directories.
func (p *Package) IsCompressed() bool {
	name := strings.ToLower(p.CurrentPath)
	for _, ext := range compressedExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// Name derives the human-readable package name: base name with the
// "-<uuid>" suffix and any archive extensions stripped.
func (p *Package) Name() string {
	name := path.Base(p.CurrentPath)
	for {
		ext := path.Ext(name)
		if ext == "" {
			break
		}
		trimmed := false
		for _, known := range compressedExtensions {
			if ext == known || known == ".tar"+ext {
				name = strings.TrimSuffix(name, ext)
				trimmed = true
				break
			}
		}
		if !trimmed {
			break
		}
	}
	if idx := strings.LastIndex(name, "-"+p.UUID); idx > 0 {
		name = name[:idx]
	}
	return name
}

// IsReplica reports whether this Package row is a replica of another.
func (p *Package) IsReplica() bool { return p.ReplicatedPackage != "" }

// EventType enumerates gated requests against a Package.
type EventType string

const EventDelete EventType = "DELETE"

// EventStatus values.
type EventStatus string

const (
	EventSubmitted EventStatus = "SUBMITTED"
	EventApproved  EventStatus = "APPROVED"
	EventRejected  EventStatus = "REJECTED"
)

// Event is a deletion (or similarly gated) request against a Package.
type Event struct {
	UUID         string      `json:"uuid"`
	PackageUUID  string      `json:"package_uuid"`
	Type         EventType   `json:"event_type"`
	Reason       string      `json:"event_reason"`
	UserID       string      `json:"user_id"`
	Status       EventStatus `json:"status"`
	StatusReason string      `json:"status_reason,omitempty"`
	AdminID      string      `json:"admin_id,omitempty"`
	CreatedTime  time.Time   `json:"created_time"`
}

// Async records one in-flight or completed asynchronous operation.
// Result and Error are mutually exclusive and only populated once
// Completed is true.
type Async struct {
	ID            int64     `json:"id"`
	Completed     bool      `json:"completed"`
	WasError      bool      `json:"was_error"`
	Result        string    `json:"result,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedTime   time.Time `json:"created_time"`
	UpdatedTime   time.Time `json:"updated_time"`
	CompletedTime time.Time `json:"completed_time,omitempty"`
}

// CallbackEvent names the lifecycle transitions a Callback can hook.
type CallbackEvent string

const (
	CallbackPostStore    CallbackEvent = "post_store"
	CallbackPostStoreAIP CallbackEvent = "post_store_aip"
	CallbackPostStoreAIC CallbackEvent = "post_store_aic"
	CallbackPostStoreDIP CallbackEvent = "post_store_dip"
)

// Header is one HTTP header sent with a callback. Order is preserved.
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Callback is a registered webhook. Execution is fire-and-forget.
type Callback struct {
	UUID           string        `json:"uuid"`
	Event          CallbackEvent `json:"event"`
	URI            string        `json:"uri"`
	Method         string        `json:"method"`
	Headers        []Header      `json:"headers,omitempty"`
	Body           string        `json:"body,omitempty"`
	ExpectedStatus int           `json:"expected_status"`
	Enabled        bool          `json:"enabled"`
}

// FixityLog persists the outcome of one fixity check. Success is
// tri-state: nil means the check could not run (non-bag package or
// scheduled remote check).
type FixityLog struct {
	ID               int64     `json:"id"`
	PackageUUID      string    `json:"package_uuid"`
	Success          *bool     `json:"success"`
	ErrorDetails     string    `json:"error_details,omitempty"`
	DatetimeReported time.Time `json:"datetime_reported"`
}
