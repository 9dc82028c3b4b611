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

// Package lifecycle orchestrates a Package through its states:
// storing, pointer files, fixity, replication, deletion approval and
// reingest. Space-level failures are caught at this boundary and turned
// into (ok, message) results or Package FAIL; only contract violations
// (approving a non-submitted event, storing into a missing location)
// propagate as errors.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/openarchive/stors/internal"
	"github.com/openarchive/stors/meta"
	"github.com/openarchive/stors/space"
)

var logger = internal.GetLogger("lifecycle")

// RoleChecker answers permission checks for gated operations. The web
// layer supplies a real implementation; the CLI default trusts the
// local operator.
type RoleChecker func(userID, role string) bool

// Notifier delivers administrator notifications. Fire-and-forget.
type Notifier func(subject, body string)

// AllowAll is the CLI RoleChecker.
func AllowAll(string, string) bool { return true }

// Engine coordinates the store, the space backends and the lifecycle
// state machine.
type Engine struct {
	store   meta.Store
	conf    *internal.Config
	hasRole RoleChecker
	notify  Notifier

	mu       sync.Mutex
	backends map[string]space.Backend // keyed by Space UUID
}

// Option configures an Engine.
type Option func(*Engine)

// WithRoleChecker replaces the default allow-all permission check.
func WithRoleChecker(rc RoleChecker) Option {
	return func(e *Engine) { e.hasRole = rc }
}

// WithNotifier replaces the default log-only admin notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notify = n }
}

// New builds an Engine over the given metadata store.
func New(store meta.Store, conf *internal.Config, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		conf:    conf,
		hasRole: AllowAll,
		notify: func(subject, body string) {
			logger.Warnf("admin notification: %s\n%s", subject, body)
		},
		backends: make(map[string]space.Backend),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// backendFor resolves (and caches) the backend adapter for a Space.
func (e *Engine) backendFor(sp *meta.Space) (space.Backend, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.backends[sp.UUID]; ok {
		return b, nil
	}
	b, err := space.New(sp, e.conf)
	if err != nil {
		return nil, err
	}
	e.backends[sp.UUID] = b
	return b, nil
}

// ResolveLocation loads an enabled Location with its Space and backend.
// A disabled Location is reported as not found, not as forbidden.
func (e *Engine) ResolveLocation(ctx context.Context, locationUUID string) (*meta.Location, *meta.Space, space.Backend, error) {
	loc, err := e.store.GetLocation(ctx, locationUUID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !loc.Enabled {
		return nil, nil, nil, internal.ErrNotFound
	}
	sp, err := e.store.GetSpace(ctx, loc.SpaceUUID)
	if err != nil {
		return nil, nil, nil, err
	}
	backend, err := e.backendFor(sp)
	if err != nil {
		return nil, nil, nil, err
	}
	return loc, sp, backend, nil
}

// CheckQuota is the advisory quota pre-check: it runs before the backend
// call but is not transactionally guaranteed against concurrent writers.
func CheckQuota(loc *meta.Location, additionalBytes int64) error {
	if loc.Quota > 0 && loc.Used+additionalBytes > loc.Quota {
		return internal.ErrQuotaExceeded
	}
	return nil
}

// FullPath is the absolute path of a Location for local-style backends;
// remote backends treat it as a key prefix.
func FullPath(sp *meta.Space, loc *meta.Location) string {
	return filepath.Join(sp.Path, filepath.FromSlash(loc.RelativePath))
}

// Browse lists a path inside a Location, relative to the Location root.
func (e *Engine) Browse(ctx context.Context, locationUUID, relPath string) (*space.BrowseResult, error) {
	loc, _, backend, err := e.ResolveLocation(ctx, locationUUID)
	if err != nil {
		return nil, err
	}
	return backend.Browse(ctx, path.Join(loc.RelativePath, relPath))
}

// Store moves a package's bytes from the local staging area (srcAbs)
// into the destination Location. On success the Package becomes
// UPLOADED with checksum and size recorded; on a backend error it
// becomes FAIL and the backend's message is returned verbatim. Storage
// operations are caller-retriable; there is no automatic retry.
func (e *Engine) Store(ctx context.Context, packageUUID, srcAbs, destLocationUUID string) (*meta.Package, error) {
	loc, sp, backend, err := e.ResolveLocation(ctx, destLocationUUID)
	if err != nil {
		return nil, err
	}
	pkg, err := e.store.GetPackage(ctx, packageUUID)
	if err != nil {
		return nil, err
	}

	size, err := internal.PathSize(srcAbs)
	if err != nil {
		return nil, fmt.Errorf("failed to size %s: %w", srcAbs, err)
	}
	// Quota is checked before any backend call is made.
	if err = CheckQuota(loc, size); err != nil {
		return nil, err
	}

	if _, err = e.store.UpdatePackage(ctx, pkg.UUID, func(p *meta.Package) error {
		p.Status = meta.StatusStaging
		p.LocationUUID = loc.UUID
		return nil
	}); err != nil {
		return nil, err
	}

	destRel := path.Join(loc.RelativePath, pkg.CurrentPath)
	if err = backend.MoveFromStorageService(ctx, srcAbs, destRel, pkg); err != nil {
		if _, uerr := e.store.UpdatePackage(ctx, pkg.UUID, func(p *meta.Package) error {
			p.Status = meta.StatusFail
			return nil
		}); uerr != nil {
			logger.Errorf("failed to mark package %s FAIL: %v", pkg.UUID, uerr)
		}
		return nil, err
	}

	checksum := ""
	algorithm := pkg.ChecksumAlgorithm
	if algorithm == "" {
		algorithm = internal.DefaultChecksumAlgorithm
	}
	if pkg.IsCompressed() {
		if checksum, err = internal.ChecksumFile(srcAbs, algorithm); err != nil {
			logger.Warnf("failed to checksum %s: %v", srcAbs, err)
			checksum = ""
		}
	}

	fingerprint := ""
	if fp, ok := backend.(interface{ KeyFingerprint() string }); ok {
		fingerprint = fp.KeyFingerprint()
	}

	attrs := pkg.MiscAttributes // backend may have tagged metadata
	updated, err := e.store.UpdatePackage(ctx, pkg.UUID, func(p *meta.Package) error {
		p.Status = meta.StatusUploaded
		p.Size = size
		p.Checksum = checksum
		p.ChecksumAlgorithm = algorithm
		p.EncryptionKeyFingerprint = fingerprint
		p.StoredDate = time.Now().UTC()
		for k, v := range attrs {
			if err := p.MiscAttributes.Set(k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Advisory usage tracking for the quota check.
	loc.Used += size
	if err = e.store.SaveLocation(ctx, loc); err != nil {
		logger.Warnf("failed to update usage for location %s: %v", loc.UUID, err)
	}
	sp.Used += size
	if err = e.store.SaveSpace(ctx, sp); err != nil {
		logger.Warnf("failed to update usage for space %s: %v", sp.UUID, err)
	}

	e.RunPostStoreCallbacks(ctx, updated)
	return updated, nil
}

// LinkRelated records a symmetric relation between two packages, such
// as an AIC and one of its member AIPs. Linking twice is a no-op.
func (e *Engine) LinkRelated(ctx context.Context, uuidA, uuidB string) error {
	if uuidA == uuidB {
		return fmt.Errorf("%w: a package cannot relate to itself", internal.ErrValidation)
	}
	// Both sides must exist before either is mutated, so a failure cannot
	// leave a one-way link.
	if _, err := e.store.GetPackage(ctx, uuidA); err != nil {
		return err
	}
	if _, err := e.store.GetPackage(ctx, uuidB); err != nil {
		return err
	}
	add := func(target, other string) error {
		_, err := e.store.UpdatePackage(ctx, target, func(p *meta.Package) error {
			for _, existing := range p.RelatedPackages {
				if existing == other {
					return nil
				}
			}
			p.RelatedPackages = append(p.RelatedPackages, other)
			return nil
		})
		return err
	}
	if err := add(uuidA, uuidB); err != nil {
		return err
	}
	return add(uuidB, uuidA)
}

// DeleteFromStorage removes the package's bytes (and its replicas') from
// their Spaces. It returns (false, reason) instead of an error so batch
// callers can keep draining their queue.
func (e *Engine) DeleteFromStorage(ctx context.Context, packageUUID string) (bool, string) {
	pkg, err := e.store.GetPackage(ctx, packageUUID)
	if err != nil {
		return false, fmt.Sprintf("package %s: %v", packageUUID, err)
	}

	// Replicas go first; one replica's failure is recorded but does not
	// abort the rest.
	replicas, err := e.store.ReplicasOf(ctx, pkg.UUID)
	if err != nil {
		return false, fmt.Sprintf("failed to list replicas of %s: %v", pkg.UUID, err)
	}
	for _, replica := range replicas {
		if ok, msg := e.DeleteFromStorage(ctx, replica.UUID); !ok {
			rerr := &internal.ReplicaDeleteError{ReplicaUUID: replica.UUID, Err: errors.New(msg)}
			logger.Warnf("%v", rerr)
		}
	}

	loc, sp, backend, err := e.ResolveLocation(ctx, pkg.LocationUUID)
	if err != nil {
		return false, fmt.Sprintf("failed to resolve location of %s: %v", pkg.UUID, err)
	}
	if err = backend.DeletePath(ctx, path.Join(loc.RelativePath, pkg.CurrentPath)); err != nil {
		return false, err.Error()
	}

	if pkg.Size > 0 {
		loc.Used -= pkg.Size
		if serr := e.store.SaveLocation(ctx, loc); serr != nil {
			logger.Warnf("failed to update usage for location %s: %v", loc.UUID, serr)
		}
		sp.Used -= pkg.Size
		if serr := e.store.SaveSpace(ctx, sp); serr != nil {
			logger.Warnf("failed to update usage for space %s: %v", sp.UUID, serr)
		}
	}

	if pkg.PointerPath != "" {
		if ploc, _, pbackend, perr := e.ResolveLocation(ctx, pkg.PointerLocationUUID); perr == nil {
			if derr := pbackend.DeletePath(ctx, path.Join(ploc.RelativePath, pkg.PointerPath)); derr != nil {
				logger.Warnf("failed to delete pointer file for %s: %v", pkg.UUID, derr)
			}
		}
	}

	if _, err = e.store.UpdatePackage(ctx, pkg.UUID, func(p *meta.Package) error {
		p.Status = meta.StatusDeleted
		return nil
	}); err != nil {
		return false, fmt.Sprintf("deleted bytes but failed to update status: %v", err)
	}
	return true, ""
}
