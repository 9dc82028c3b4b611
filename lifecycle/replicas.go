package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/openarchive/stors/internal"
	"github.com/openarchive/stors/meta"
)

// ReplicationReport aggregates the per-destination outcomes of one
// CreateReplicas run.
type ReplicationReport struct {
	Succeeded int
	Failed    int
	Errors    []string
	Created   []string // UUIDs of the new replica packages
}

// CreateReplicas copies the package into every configured Replicator
// Location of its current Location, or into the single replicator named
// by replicatorUUID. Destinations are independent: one replicator's
// failure is recorded and the rest still run. With deleteExisting set,
// a pre-existing replica pointing at the same replicator is removed
// before the new copy is made.
func (e *Engine) CreateReplicas(ctx context.Context, packageUUID, actorID, replicatorUUID string, deleteExisting bool) (*ReplicationReport, error) {
	if !e.hasRole(actorID, "admin") {
		return nil, fmt.Errorf("user %s lacks the admin role", actorID)
	}
	pkg, err := e.store.GetPackage(ctx, packageUUID)
	if err != nil {
		return nil, err
	}
	if pkg.IsReplica() {
		// A replica is never itself independently replicated.
		return nil, fmt.Errorf("package %s is a replica and cannot be replicated", packageUUID)
	}
	srcLoc, srcSpace, srcBackend, err := e.ResolveLocation(ctx, pkg.LocationUUID)
	if err != nil {
		return nil, err
	}

	replicators := srcLoc.Replicators
	if replicatorUUID != "" {
		replicators = []string{replicatorUUID}
	}
	report := &ReplicationReport{}
	if len(replicators) == 0 {
		return report, nil
	}

	// Fetch the package bytes once into the shared staging area.
	staging := internal.UniqueStagingName(srcSpace.StagingPath, "replica-"+pkg.UUID)
	if err = internal.EnsureDir(srcSpace.StagingPath); err != nil {
		return nil, err
	}
	local := filepath.Join(staging, path.Base(pkg.CurrentPath))
	if err = srcBackend.MoveToStorageService(ctx, path.Join(srcLoc.RelativePath, pkg.CurrentPath), local); err != nil {
		return nil, fmt.Errorf("failed to stage %s for replication: %w", pkg.UUID, err)
	}
	defer os.RemoveAll(staging)

	for _, rid := range replicators {
		if err := e.replicateTo(ctx, pkg, local, rid, deleteExisting, report); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", rid, err))
			logger.Errorf("replication of %s to %s failed: %v", pkg.UUID, rid, err)
			continue
		}
		report.Succeeded++
	}
	return report, nil
}

func (e *Engine) replicateTo(ctx context.Context, original *meta.Package, localAbs, replicatorUUID string, deleteExisting bool, report *ReplicationReport) error {
	loc, _, backend, err := e.ResolveLocation(ctx, replicatorUUID)
	if err != nil {
		return err
	}
	if loc.Purpose != meta.PurposeReplicator {
		return fmt.Errorf("location %s has purpose %s, not %s", replicatorUUID, loc.Purpose, meta.PurposeReplicator)
	}

	if deleteExisting {
		existing, err := e.store.ReplicasOf(ctx, original.UUID)
		if err != nil {
			return err
		}
		for _, old := range existing {
			if old.LocationUUID != replicatorUUID || old.Status == meta.StatusDeleted {
				continue
			}
			if ok, msg := e.DeleteFromStorage(ctx, old.UUID); !ok {
				// Caught here so the rest of the batch continues.
				logger.Warnf("%v", &internal.ReplicaDeleteError{
					ReplicaUUID: old.UUID,
					Err:         fmt.Errorf("%s", msg),
				})
			}
		}
	}

	size, err := internal.PathSize(localAbs)
	if err != nil {
		return err
	}
	if err = CheckQuota(loc, size); err != nil {
		return err
	}

	replica := &meta.Package{
		UUID:              uuid.NewString(),
		Type:              original.Type,
		LocationUUID:      loc.UUID,
		CurrentPath:       original.CurrentPath,
		Status:            meta.StatusStaging,
		ChecksumAlgorithm: original.ChecksumAlgorithm,
		OriginPipeline:    original.OriginPipeline,
		ReplicatedPackage: original.UUID,
	}
	if err = e.store.CreatePackage(ctx, replica); err != nil {
		return err
	}

	if err = backend.MoveFromStorageService(ctx, localAbs, path.Join(loc.RelativePath, replica.CurrentPath), replica); err != nil {
		if _, uerr := e.store.UpdatePackage(ctx, replica.UUID, func(p *meta.Package) error {
			p.Status = meta.StatusFail
			return nil
		}); uerr != nil {
			logger.Errorf("failed to mark replica %s FAIL: %v", replica.UUID, uerr)
		}
		return err
	}

	fingerprint := ""
	if fp, ok := backend.(interface{ KeyFingerprint() string }); ok {
		fingerprint = fp.KeyFingerprint()
	}
	if _, err = e.store.UpdatePackage(ctx, replica.UUID, func(p *meta.Package) error {
		p.Status = meta.StatusUploaded
		p.Size = size
		p.Checksum = original.Checksum
		p.EncryptionKeyFingerprint = fingerprint
		return nil
	}); err != nil {
		return err
	}
	report.Created = append(report.Created, replica.UUID)
	return nil
}
