package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarchive/stors/meta"
)

func TestReingestCycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pkg := storeTestPackage(t, env)
	storedDate := pkg.StoredDate

	mid, err := env.engine.StartReingest(ctx, pkg.UUID, "pipeline-1")
	require.NoError(t, err)
	assert.Equal(t, meta.StatusFinalizing, mid.Status)
	assert.Equal(t, "pipeline-1", mid.MiscAttributes.GetString("reingest_pipeline"))

	// Only one reingest at a time.
	_, err = env.engine.StartReingest(ctx, pkg.UUID, "pipeline-2")
	assert.Error(t, err)

	done, err := env.engine.FinishReingest(ctx, pkg.UUID, true)
	require.NoError(t, err)
	assert.Equal(t, meta.StatusUploaded, done.Status)
	assert.Empty(t, done.MiscAttributes.GetString("reingest_pipeline"))
	assert.True(t, done.StoredDate.After(storedDate) || done.StoredDate.Equal(storedDate))
}

func TestReingestFailureKeepsOldRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pkg := storeTestPackage(t, env)
	storedDate := pkg.StoredDate

	_, err := env.engine.StartReingest(ctx, pkg.UUID, "pipeline-1")
	require.NoError(t, err)

	done, err := env.engine.FinishReingest(ctx, pkg.UUID, false)
	require.NoError(t, err)
	assert.Equal(t, meta.StatusUploaded, done.Status)
	assert.True(t, done.StoredDate.Equal(storedDate))
}

func TestReingestRequiresUploaded(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pkg := env.createPackage(t, meta.AIP, "bag.7z") // still PENDING
	_, err := env.engine.StartReingest(ctx, pkg.UUID, "pipeline-1")
	assert.Error(t, err)

	_, err = env.engine.FinishReingest(ctx, pkg.UUID, true)
	assert.Error(t, err)
}
