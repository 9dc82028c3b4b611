// Copyright 2025 The stors authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package space defines the capability contract every storage backend
// implements and the adapters for the supported access protocols. Every
// backend-specific quirk (chunked transfer, auth, eventual consistency)
// stays behind this contract so the lifecycle engine never branches on
// backend type.
package space

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/openarchive/stors/internal"
	"github.com/openarchive/stors/meta"
)

var logger = internal.GetLogger("space")

// Capability flags declare which operations a backend supports.
type Capability uint8

const (
	CanBrowse Capability = 1 << iota
	CanRead              // move_to_storage_service
	CanWrite             // move_from_storage_service
	CanDelete
)

// EntryProps holds the attributes a backend knows about one entry.
// Sparse: zero values mean the backend does not report the attribute.
type EntryProps struct {
	Size      int64     `json:"size,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// BrowseResult lists the contents of one directory level. Entries is the
// superset including files; Directories lists subdirectories only.
type BrowseResult struct {
	Entries     []string              `json:"entries"`
	Directories []string              `json:"directories"`
	Properties  map[string]EntryProps `json:"properties"`
}

// FailureDetail describes one file-level fixity failure.
type FailureDetail struct {
	Type     string `json:"type"` // "missing", "changed" or "untracked"
	Path     string `json:"path"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// FixityReport is the result of a backend-native fixity check.
type FixityReport struct {
	// Success is tri-state: nil when the check has not produced a
	// verdict (e.g. still scheduled remotely).
	Success   *bool           `json:"success"`
	Failures  []FailureDetail `json:"failures"`
	Message   string          `json:"message"`
	Timestamp string          `json:"timestamp,omitempty"`
	// Scheduled is true when the backend queued the check instead of
	// running it inline.
	Scheduled bool `json:"scheduled,omitempty"`
}

// Backend is the uniform operation contract each storage backend
// implements. All paths are relative to the Space root (local backends
// join them under the root directory, remote backends treat them as key
// prefixes). Calling an operation the backend does not declare in
// Capabilities fails with internal.ErrNotSupported.
type Backend interface {
	Capabilities() Capability

	// Browse lists one directory level inside the Space.
	Browse(ctx context.Context, relPath string) (*BrowseResult, error)

	// MoveToStorageService fetches relPath from the backend into the
	// local staging area at destAbs, creating intermediate directories.
	// On remote failure no partial file may be left at a path that
	// looks complete.
	MoveToStorageService(ctx context.Context, relPath, destAbs string) error

	// MoveFromStorageService pushes the locally staged file or tree at
	// srcAbs into the backend at relPath. pkg may be nil; package
	// uploads pass it so the backend can tag metadata (remote handles,
	// key fingerprints).
	MoveFromStorageService(ctx context.Context, srcAbs, relPath string, pkg *meta.Package) error

	// DeletePath removes a file or directory tree. Idempotent: an
	// already-absent path is not an error.
	DeletePath(ctx context.Context, relPath string) error
}

// FixityChecker is the optional capability for backends with a native
// (managed) fixity mechanism.
type FixityChecker interface {
	CheckFixity(ctx context.Context, pkg *meta.Package) (*FixityReport, error)
}

// New resolves the backend adapter for a Space, exactly once at
// Space-load time.
func New(sp *meta.Space, conf *internal.Config) (Backend, error) {
	if err := sp.Validate(); err != nil {
		return nil, err
	}
	switch sp.AccessProtocol {
	case meta.ProtocolFS:
		return newLocalFS(sp), nil
	case meta.ProtocolGPG:
		return newEncryptedFS(sp, conf)
	case meta.ProtocolS3:
		return newS3(sp, conf)
	case meta.ProtocolObjectStore:
		return newObjectStore(sp)
	case meta.ProtocolReplicaStaging:
		return newReplicaStaging(sp), nil
	case meta.ProtocolManaged:
		return newManaged(sp, conf), nil
	}
	return nil, fmt.Errorf("no backend adapter for access protocol %q", sp.AccessProtocol)
}

// cleanRel normalizes a caller-supplied relative path and rejects
// attempts to escape the Space root.
func cleanRel(relPath string) (string, error) {
	p := path.Clean("/" + strings.TrimPrefix(relPath, "/"))
	if strings.HasPrefix(p, "/..") {
		return "", fmt.Errorf("path %q escapes the space root", relPath)
	}
	return strings.TrimPrefix(p, "/"), nil
}

// unsupported provides ErrNotSupported defaults; adapters embed it and
// override only what they implement.
type unsupported struct{}

func (unsupported) Capabilities() Capability { return 0 }

func (unsupported) Browse(context.Context, string) (*BrowseResult, error) {
	return nil, internal.ErrNotSupported
}

func (unsupported) MoveToStorageService(context.Context, string, string) error {
	return internal.ErrNotSupported
}

func (unsupported) MoveFromStorageService(context.Context, string, string, *meta.Package) error {
	return internal.ErrNotSupported
}

func (unsupported) DeletePath(context.Context, string) error {
	return internal.ErrNotSupported
}
