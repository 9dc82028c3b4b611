package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarchive/stors/internal"
	"github.com/openarchive/stors/meta"
)

func withInternalLocation(t *testing.T, env *testEnv) *meta.Location {
	loc := env.addLocation(t, meta.PurposeInternal, "internal", 0)
	require.NoError(t, env.store.SetDefaultLocation(context.Background(), meta.PurposeInternal, loc.UUID))
	return loc
}

func TestCreatePointerFileRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	withInternalLocation(t, env)

	pkg := storeTestPackage(t, env)

	events := []PremisEvent{{
		Identifier:    "11111111-2222-3333-4444-555555555555",
		Type:          "compression",
		DateTime:      time.Now().Format(time.RFC3339),
		Detail:        "program=7z; version=9.20",
		OutcomeDetail: "standard output",
	}}
	agents := []PremisAgent{{
		IdentifierType:  "preservation system",
		IdentifierValue: "stors-" + internal.Version(),
		Name:            "stors",
		Type:            "software",
	}}

	updated, err := env.engine.CreatePointerFile(ctx, pkg.UUID, PremisObject{FormatName: "7Zip format"}, events, agents)
	require.NoError(t, err)
	assert.NotEmpty(t, updated.PointerLocationUUID)
	assert.Equal(t, filepath.ToSlash(filepath.Join("pointers", PointerFileName(pkg.UUID))), updated.PointerPath)

	// The document landed in the internal location.
	onDisk := filepath.Join(env.space.Path, "internal", "pointers", PointerFileName(pkg.UUID))
	_, err = os.Stat(onDisk)
	require.NoError(t, err)

	// Re-reading it recovers the identity and fixity of the package.
	data, err := env.engine.FetchPointerFile(ctx, pkg.UUID)
	require.NoError(t, err)
	info, err := ParsePointerFile(data)
	require.NoError(t, err)
	assert.Equal(t, pkg.UUID, info.ObjectIdentifier)
	assert.Equal(t, pkg.Checksum, info.Checksum)
	assert.Equal(t, pkg.ChecksumAlgorithm, info.ChecksumAlgo)
	assert.Equal(t, int64(10), info.Size)
	assert.Equal(t, "aips/bag.7z", info.Href)
	assert.Equal(t, []string{"compression"}, info.EventTypes)
}

func TestCreatePointerFileOnlyForAIPs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	withInternalLocation(t, env)

	dip := env.createPackage(t, meta.DIP, "dip")
	_, err := env.engine.CreatePointerFile(ctx, dip.UUID, PremisObject{}, nil, nil)
	assert.Error(t, err)
}

func TestCreatePointerFileNeedsInternalLocation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pkg := storeTestPackage(t, env)
	_, err := env.engine.CreatePointerFile(ctx, pkg.UUID, PremisObject{}, nil, nil)
	assert.Error(t, err)
}

func TestValidatePointerRejectsMismatches(t *testing.T) {
	pkg := &meta.Package{UUID: "pkg-1", CurrentPath: "bag.7z", Checksum: "abc", ChecksumAlgorithm: "sha256", Size: 10}
	obj := PremisObject{IdentifierValue: "pkg-1", MessageDigestAlgorithm: "sha256", MessageDigest: "abc", Size: 10}

	doc := buildPointerDoc(pkg, "aips/bag.7z", obj, nil, nil)
	data, err := marshalPointer(doc)
	require.NoError(t, err)
	assert.NoError(t, validatePointer(data, pkg, obj))

	// Wrong size.
	assert.ErrorIs(t, validatePointer(data, pkg, PremisObject{IdentifierValue: "pkg-1", Size: 99}), internal.ErrValidation)

	// Wrong package identity.
	other := &meta.Package{UUID: "pkg-2", CurrentPath: "bag.7z"}
	assert.ErrorIs(t, validatePointer(data, other, obj), internal.ErrValidation)

	// Garbage is a validation error, not a crash.
	_, err = ParsePointerFile([]byte("<mets>"))
	assert.ErrorIs(t, err, internal.ErrValidation)
}

func TestFetchPointerFileMissing(t *testing.T) {
	env := newTestEnv(t)
	pkg := env.createPackage(t, meta.AIP, "bag.7z")
	_, err := env.engine.FetchPointerFile(context.Background(), pkg.UUID)
	assert.ErrorIs(t, err, internal.ErrNotFound)
}
