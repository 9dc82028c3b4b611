package space

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openarchive/stors/internal"
	"github.com/openarchive/stors/meta"
)

func newTestManaged(t *testing.T, handler http.Handler) *managed {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	sp := &meta.Space{
		UUID:           "sp-managed",
		AccessProtocol: meta.ProtocolManaged,
		Managed:        &meta.ManagedConfig{BaseURL: srv.URL, APIKey: "secret"},
	}
	b, err := New(sp, nil)
	require.NoError(t, err)
	return b.(*managed)
}

func TestManagedRoundTrip(t *testing.T) {
	stored := map[string][]byte{}
	mux := http.NewServeMux()
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		key := r.URL.Path
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			stored[key] = body
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"handle":"ark:/99999/x1"}`))
		case http.MethodGet:
			data, ok := stored[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(data)
		case http.MethodDelete:
			if _, ok := stored[key]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(stored, key)
			w.WriteHeader(http.StatusNoContent)
		}
	})
	b := newTestManaged(t, mux)
	ctx := context.Background()

	staged := filepath.Join(t.TempDir(), "bag.7z")
	require.NoError(t, os.WriteFile(staged, []byte("payload"), 0o644))

	pkg := &meta.Package{UUID: "pkg-1", CurrentPath: "bag.7z"}
	require.NoError(t, b.MoveFromStorageService(ctx, staged, "bag.7z", pkg))
	assert.Equal(t, "ark:/99999/x1", pkg.MiscAttributes.GetString("managed_handle"))

	fetched := filepath.Join(t.TempDir(), "fetched.7z")
	require.NoError(t, b.MoveToStorageService(ctx, "bag.7z", fetched))
	got, err := os.ReadFile(fetched)
	assert.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	assert.NoError(t, b.DeletePath(ctx, "bag.7z"))
	// Second delete hits the 404 branch and still succeeds.
	assert.NoError(t, b.DeletePath(ctx, "bag.7z"))

	assert.ErrorIs(t, b.MoveToStorageService(ctx, "bag.7z", fetched), internal.ErrNotFound)
}

func TestManagedCheckFixity(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		wantScheduled bool
		wantSuccess   *bool
	}{
		{"scheduled", `{"status":"Scheduled","message":"queued for tonight"}`, true, nil},
		{"passed", `{"status":"Passed","timestamp":"2026-08-30T10:00:00+01:00"}`, false, ptrBool(true)},
		{"failed", `{"status":"Failed","failures":[{"type":"changed","path":"data/f.txt"}]}`, false, ptrBool(false)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/fixity/", func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})
			b := newTestManaged(t, mux)

			report, err := b.CheckFixity(context.Background(), &meta.Package{UUID: "pkg-1", CurrentPath: "bag.7z"})
			require.NoError(t, err)
			assert.Equal(t, tt.wantScheduled, report.Scheduled)
			if tt.wantSuccess == nil {
				assert.Nil(t, report.Success)
			} else {
				require.NotNil(t, report.Success)
				assert.Equal(t, *tt.wantSuccess, *report.Success)
			}
		})
	}
}

func TestManagedCheckFixityUnknownStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fixity/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"Sideways"}`))
	})
	b := newTestManaged(t, mux)
	_, err := b.CheckFixity(context.Background(), &meta.Package{CurrentPath: "bag.7z"})
	assert.Error(t, err)
}

func ptrBool(v bool) *bool { return &v }
