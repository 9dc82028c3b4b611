package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarchive/stors/meta"
)

func TestDeletionWorkflow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pkg := env.createPackage(t, meta.AIP, "bag.7z")
	src := env.stageFile(t, "bag.7z", []byte("ten bytes!"))
	_, err := env.engine.Store(ctx, pkg.UUID, src, env.aips.UUID)
	require.NoError(t, err)

	event, err := env.engine.RequestDeletion(ctx, pkg.UUID, "alice", "duplicate accession")
	require.NoError(t, err)
	assert.Equal(t, meta.EventSubmitted, event.Status)
	assert.Equal(t, "alice", event.UserID)

	// A second request reuses the outstanding event.
	again, err := env.engine.RequestDeletion(ctx, pkg.UUID, "bob", "same thing")
	require.NoError(t, err)
	assert.Equal(t, event.UUID, again.UUID)

	// Rejection leaves the package alone.
	require.NoError(t, env.engine.RejectDeletion(ctx, event.UUID, "admin", "keep it"))
	got, err := env.store.GetPackage(ctx, pkg.UUID)
	require.NoError(t, err)
	assert.Equal(t, meta.StatusUploaded, got.Status)
	rejected, err := env.store.GetEvent(ctx, event.UUID)
	require.NoError(t, err)
	assert.Equal(t, meta.EventRejected, rejected.Status)
	assert.Equal(t, "keep it", rejected.StatusReason)

	// A fresh request can then be approved, deleting the bytes.
	event2, err := env.engine.RequestDeletion(ctx, pkg.UUID, "alice", "really delete")
	require.NoError(t, err)
	require.NotEqual(t, event.UUID, event2.UUID)

	ok, msg, err := env.engine.ApproveDeletion(ctx, event2.UUID, "admin")
	require.NoError(t, err)
	assert.True(t, ok, msg)

	got, err = env.store.GetPackage(ctx, pkg.UUID)
	require.NoError(t, err)
	assert.Equal(t, meta.StatusDeleted, got.Status)
	_, err = os.Stat(filepath.Join(env.space.Path, "aips", "bag.7z"))
	assert.True(t, os.IsNotExist(err))
}

func TestApproveDeletionRevertsOnStorageFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// The package references a location that does not exist, so the
	// storage delete must fail.
	pkg := &meta.Package{
		UUID:         uuid.NewString(),
		Type:         meta.AIP,
		LocationUUID: uuid.NewString(),
		CurrentPath:  "bag.7z",
		Status:       meta.StatusUploaded,
	}
	require.NoError(t, env.store.CreatePackage(ctx, pkg))

	event, err := env.engine.RequestDeletion(ctx, pkg.UUID, "alice", "cleanup")
	require.NoError(t, err)

	ok, msg, err := env.engine.ApproveDeletion(ctx, event.UUID, "admin")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEmpty(t, msg)

	// The explicit reversion: back to SUBMITTED with the failure noted,
	// ready for a retry.
	reverted, err := env.store.GetEvent(ctx, event.UUID)
	require.NoError(t, err)
	assert.Equal(t, meta.EventSubmitted, reverted.Status)
	assert.Equal(t, msg, reverted.StatusReason)
}

func TestApproveNonSubmittedEventIsHardError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pkg := env.createPackage(t, meta.AIP, "bag.7z")
	event, err := env.engine.RequestDeletion(ctx, pkg.UUID, "alice", "cleanup")
	require.NoError(t, err)
	require.NoError(t, env.engine.RejectDeletion(ctx, event.UUID, "admin", "no"))

	_, _, err = env.engine.ApproveDeletion(ctx, event.UUID, "admin")
	assert.Error(t, err)
	assert.Error(t, env.engine.RejectDeletion(ctx, event.UUID, "admin", "again"))
}

func TestDeletionRoleChecks(t *testing.T) {
	denyAll := func(string, string) bool { return false }
	env := newTestEnv(t, WithRoleChecker(denyAll))
	ctx := context.Background()

	pkg := env.createPackage(t, meta.AIP, "bag.7z")
	event, err := env.engine.RequestDeletion(ctx, pkg.UUID, "alice", "cleanup")
	require.NoError(t, err) // requesting needs no privilege

	_, _, err = env.engine.ApproveDeletion(ctx, event.UUID, "mallory")
	assert.Error(t, err)
	assert.Error(t, env.engine.RejectDeletion(ctx, event.UUID, "mallory", "no"))
}
