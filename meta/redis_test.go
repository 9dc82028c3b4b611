package meta

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarchive/stors/internal"
)

func newTestStore(t *testing.T) *RedisStore {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore("redis", mr.Addr()+"/0")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSpaceAndLocationCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sp := &Space{UUID: "sp-1", AccessProtocol: ProtocolFS, Path: "/srv/space"}
	assert.NoError(t, s.SaveSpace(ctx, sp))

	got, err := s.GetSpace(ctx, "sp-1")
	assert.NoError(t, err)
	assert.Equal(t, sp.Path, got.Path)

	_, err = s.GetSpace(ctx, "nope")
	assert.ErrorIs(t, err, internal.ErrNotFound)

	loc := &Location{UUID: "loc-1", SpaceUUID: "sp-1", Purpose: PurposeAIPStorage, RelativePath: "aips", Enabled: true}
	assert.NoError(t, s.SaveLocation(ctx, loc))

	byPurpose, err := s.LocationsByPurpose(ctx, PurposeAIPStorage)
	assert.NoError(t, err)
	require.Len(t, byPurpose, 1)
	assert.Equal(t, "loc-1", byPurpose[0].UUID)

	// A Space with Locations cannot be removed.
	assert.Error(t, s.DeleteSpace(ctx, "sp-1"))
}

func TestDefaultLocationFirstWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	assert.NoError(t, s.SetDefaultLocation(ctx, PurposeAIPStorage, "loc-a"))
	assert.NoError(t, s.SetDefaultLocation(ctx, PurposeAIPStorage, "loc-b"))

	got, err := s.DefaultLocation(ctx, PurposeAIPStorage)
	assert.NoError(t, err)
	assert.Equal(t, "loc-a", got)

	_, err = s.DefaultLocation(ctx, PurposeBacklog)
	assert.ErrorIs(t, err, internal.ErrNotFound)
}

func TestPackageCRUDAndReplicas(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pkg := &Package{UUID: "pkg-1", Type: AIP, LocationUUID: "loc-1", CurrentPath: "bag-pkg-1.7z", Status: StatusPending}
	assert.NoError(t, s.CreatePackage(ctx, pkg))

	updated, err := s.UpdatePackage(ctx, "pkg-1", func(p *Package) error {
		p.Status = StatusUploaded
		p.Size = 10
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, StatusUploaded, updated.Status)
	assert.Equal(t, int64(10), updated.Size)

	atLoc, err := s.PackagesAtLocation(ctx, "loc-1")
	assert.NoError(t, err)
	require.Len(t, atLoc, 1)

	replica := &Package{UUID: "pkg-2", Type: AIP, LocationUUID: "loc-2", CurrentPath: "bag-pkg-1.7z", Status: StatusUploaded, ReplicatedPackage: "pkg-1"}
	assert.NoError(t, s.CreatePackage(ctx, replica))

	replicas, err := s.ReplicasOf(ctx, "pkg-1")
	assert.NoError(t, err)
	require.Len(t, replicas, 1)
	assert.Equal(t, "pkg-2", replicas[0].UUID)

	// Deleting the replica row clears its indexes too.
	assert.NoError(t, s.DeletePackage(ctx, "pkg-2"))
	_, err = s.GetPackage(ctx, "pkg-2")
	assert.ErrorIs(t, err, internal.ErrNotFound)
	replicas, err = s.ReplicasOf(ctx, "pkg-1")
	assert.NoError(t, err)
	assert.Empty(t, replicas)
	assert.ErrorIs(t, s.DeletePackage(ctx, "pkg-2"), internal.ErrNotFound)
}

func TestUpdatePackageMutateError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pkg := &Package{UUID: "pkg-1", Status: StatusPending}
	assert.NoError(t, s.CreatePackage(ctx, pkg))

	_, err := s.UpdatePackage(ctx, "pkg-1", func(p *Package) error {
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	// A failed mutate must not leak a partial write.
	got, err := s.GetPackage(ctx, "pkg-1")
	assert.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestPendingDeletionEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.PendingDeletionEvent(ctx, "pkg-1")
	assert.ErrorIs(t, err, internal.ErrNotFound)

	ev := &Event{UUID: "ev-1", PackageUUID: "pkg-1", Type: EventDelete, Status: EventSubmitted, CreatedTime: time.Now().UTC()}
	assert.NoError(t, s.CreateEvent(ctx, ev))

	got, err := s.PendingDeletionEvent(ctx, "pkg-1")
	assert.NoError(t, err)
	assert.Equal(t, "ev-1", got.UUID)

	_, err = s.UpdateEvent(ctx, "ev-1", func(e *Event) error {
		e.Status = EventRejected
		return nil
	})
	assert.NoError(t, err)

	_, err = s.PendingDeletionEvent(ctx, "pkg-1")
	assert.ErrorIs(t, err, internal.ErrNotFound)
}

func TestAsyncCompleteExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, err := s.CreateAsync(ctx)
	require.NoError(t, err)

	got, err := s.GetAsync(ctx, rec.ID)
	assert.NoError(t, err)
	assert.False(t, got.Completed)

	assert.NoError(t, s.CompleteAsync(ctx, rec.ID, `{"ok":true}`, ""))
	assert.Error(t, s.CompleteAsync(ctx, rec.ID, "", "late error"))

	got, err = s.GetAsync(ctx, rec.ID)
	assert.NoError(t, err)
	assert.True(t, got.Completed)
	assert.False(t, got.WasError)
	assert.Equal(t, `{"ok":true}`, got.Result)

	assert.ErrorIs(t, s.CompleteAsync(ctx, 9999, "", "x"), internal.ErrNotFound)
}

func TestTryLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	release, ok, err := s.TryLock(ctx, "default_locations")
	require.NoError(t, err)
	require.True(t, ok)

	// Held lock: no error, just not acquired.
	_, ok2, err := s.TryLock(ctx, "default_locations")
	assert.NoError(t, err)
	assert.False(t, ok2)

	release()

	release2, ok3, err := s.TryLock(ctx, "default_locations")
	assert.NoError(t, err)
	assert.True(t, ok3)
	release2()
}

func TestFixityLogAppend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	failed := false
	assert.NoError(t, s.AppendFixityLog(ctx, &FixityLog{PackageUUID: "pkg-1", Success: nil, ErrorDetails: "package is not a bag", DatetimeReported: time.Now().UTC()}))
	assert.NoError(t, s.AppendFixityLog(ctx, &FixityLog{PackageUUID: "pkg-1", Success: &failed, ErrorDetails: "changed: data/file", DatetimeReported: time.Now().UTC()}))

	logs, err := s.FixityLogs(ctx, "pkg-1")
	assert.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Nil(t, logs[0].Success)
	require.NotNil(t, logs[1].Success)
	assert.False(t, *logs[1].Success)
}

func TestCallbacksForEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cb := &Callback{UUID: "cb-1", Event: CallbackPostStoreAIP, URI: "http://hooks/aip/<package_uuid>", Method: "POST", ExpectedStatus: 202, Enabled: true}
	assert.NoError(t, s.SaveCallback(ctx, cb))

	got, err := s.CallbacksForEvent(ctx, CallbackPostStoreAIP)
	assert.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cb-1", got[0].UUID)

	empty, err := s.CallbacksForEvent(ctx, CallbackPostStoreDIP)
	assert.NoError(t, err)
	assert.Empty(t, empty)
}
