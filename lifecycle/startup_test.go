package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarchive/stors/meta"
)

func TestEnsureDefaultsPopulatesEverything(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.engine.EnsureDefaults(ctx))

	spaces, err := env.store.ListSpaces(ctx)
	require.NoError(t, err)
	var defaultSpace *meta.Space
	for _, sp := range spaces {
		if sp.Path == env.conf.DefaultSpacePath {
			defaultSpace = sp
		}
	}
	require.NotNil(t, defaultSpace)
	assert.Equal(t, meta.ProtocolFS, defaultSpace.AccessProtocol)

	for purpose, rel := range defaultLayout {
		uuid, err := env.store.DefaultLocation(ctx, purpose)
		require.NoError(t, err, "purpose %s", purpose)
		loc, err := env.store.GetLocation(ctx, uuid)
		require.NoError(t, err)
		assert.Equal(t, rel, loc.RelativePath)
		assert.True(t, loc.Enabled)
		_, err = os.Stat(filepath.Join(defaultSpace.Path, rel))
		assert.NoError(t, err)
	}
}

func TestEnsureDefaultsIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.engine.EnsureDefaults(ctx))
	before, err := env.store.ListLocations(ctx)
	require.NoError(t, err)

	require.NoError(t, env.engine.EnsureDefaults(ctx))
	after, err := env.store.ListLocations(ctx)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestEnsureDefaultsLosingRaceIsNotAnError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Hold the lock as if another instance were mid-initialization.
	release, ok, err := env.store.TryLock(ctx, defaultLocationLock)
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	assert.NoError(t, env.engine.EnsureDefaults(ctx))

	// Nothing was created by the loser.
	_, err = env.store.DefaultLocation(ctx, meta.PurposeAIPStorage)
	assert.Error(t, err)
}
