package space

import (
	"context"

	"github.com/openarchive/stors/meta"
)

// replicaStaging is a write-only Space used to hand replicas off to an
// external ingest process (a tape robot spool, a partner's drop box).
// Only move_from_storage_service is supported; browsing, fetching and
// deleting fail with ErrNotSupported so callers can tell users exactly
// why.
type replicaStaging struct {
	unsupported
	fs *localFS
}

func newReplicaStaging(sp *meta.Space) *replicaStaging {
	return &replicaStaging{fs: newLocalFS(sp)}
}

func (r *replicaStaging) Capabilities() Capability { return CanWrite }

func (r *replicaStaging) MoveFromStorageService(ctx context.Context, srcAbs, relPath string, pkg *meta.Package) error {
	return r.fs.MoveFromStorageService(ctx, srcAbs, relPath, pkg)
}
