package lifecycle

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarchive/stors/meta"
)

func TestExpandPlaceholders(t *testing.T) {
	pkg := &meta.Package{
		UUID:        "6e9c2b7a-9c2f-4c11-a0a5-2f3f0e8a1b2c",
		CurrentPath: "store/mybag-6e9c2b7a-9c2f-4c11-a0a5-2f3f0e8a1b2c.7z",
	}
	got := expandPlaceholders("http://hooks/aip/<package_uuid>?name=<package_name>", pkg)
	assert.Equal(t, "http://hooks/aip/6e9c2b7a-9c2f-4c11-a0a5-2f3f0e8a1b2c?name=mybag", got)
}

func TestCallbackEventsFor(t *testing.T) {
	assert.Equal(t, []meta.CallbackEvent{meta.CallbackPostStore, meta.CallbackPostStoreAIP}, callbackEventsFor(meta.AIP))
	assert.Equal(t, []meta.CallbackEvent{meta.CallbackPostStore, meta.CallbackPostStoreDIP}, callbackEventsFor(meta.DIP))
	assert.Equal(t, []meta.CallbackEvent{meta.CallbackPostStore}, callbackEventsFor(meta.Transfer))
}

type hookRecorder struct {
	mu     sync.Mutex
	paths  []string
	bodies []string
	auth   []string
}

func (h *hookRecorder) handler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		h.mu.Lock()
		h.paths = append(h.paths, r.URL.Path)
		h.bodies = append(h.bodies, string(body))
		h.auth = append(h.auth, r.Header.Get("Authorization"))
		h.mu.Unlock()
		w.WriteHeader(status)
	})
}

func TestStoreFiresPostStoreCallbacks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := &hookRecorder{}
	srv := httptest.NewServer(rec.handler(http.StatusAccepted))
	defer srv.Close()

	require.NoError(t, env.store.SaveCallback(ctx, &meta.Callback{
		UUID:           "cb-aip",
		Event:          meta.CallbackPostStoreAIP,
		URI:            srv.URL + "/aip/<package_uuid>",
		Method:         http.MethodPost,
		Headers:        []meta.Header{{Key: "Authorization", Value: "Bearer hook-token"}},
		Body:           `{"uuid":"<package_uuid>","name":"<package_name>"}`,
		ExpectedStatus: http.StatusAccepted,
		Enabled:        true,
	}))
	// Disabled callbacks never fire.
	require.NoError(t, env.store.SaveCallback(ctx, &meta.Callback{
		UUID:    "cb-off",
		Event:   meta.CallbackPostStore,
		URI:     srv.URL + "/never",
		Method:  http.MethodPost,
		Enabled: false,
	}))

	pkg := env.createPackage(t, meta.AIP, "mybag-"+"deadbeef"+".7z")
	src := env.stageFile(t, "bag.7z", []byte("ten bytes!"))
	stored, err := env.engine.Store(ctx, pkg.UUID, src, env.aips.UUID)
	require.NoError(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.paths, 1)
	assert.Equal(t, "/aip/"+stored.UUID, rec.paths[0])
	assert.Contains(t, rec.bodies[0], stored.UUID)
	assert.Equal(t, "Bearer hook-token", rec.auth[0])
}

func TestCallbackFailureDoesNotBlockStore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.SaveCallback(ctx, &meta.Callback{
		UUID:    "cb-dead",
		Event:   meta.CallbackPostStore,
		URI:     "http://127.0.0.1:1/unreachable",
		Method:  http.MethodPost,
		Enabled: true,
	}))

	pkg := env.createPackage(t, meta.AIP, "bag.7z")
	src := env.stageFile(t, "bag.7z", []byte("ten bytes!"))
	stored, err := env.engine.Store(ctx, pkg.UUID, src, env.aips.UUID)
	require.NoError(t, err)
	assert.Equal(t, meta.StatusUploaded, stored.Status)
}
