package space

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/openarchive/stors/internal"
	"github.com/openarchive/stors/meta"
)

// managed talks to a REST-fronted appliance that owns fixity checking
// for its contents (an Arkivum-style managed store). The appliance
// exposes GET/PUT/DELETE under /files/ and a fixity report under
// /fixity/.
type managed struct {
	unsupported
	base   string
	apiKey string
	client *http.Client
}

func newManaged(sp *meta.Space, conf *internal.Config) *managed {
	client := &http.Client{}
	if conf != nil && conf.BackendTimeout > 0 {
		client.Timeout = conf.BackendTimeout
	}
	return &managed{
		base:   strings.TrimRight(sp.Managed.BaseURL, "/"),
		apiKey: sp.Managed.APIKey,
		client: client,
	}
}

func (m *managed) Capabilities() Capability { return CanRead | CanWrite | CanDelete }

func (m *managed) request(ctx context.Context, method, kind, relPath string, body io.Reader) (*http.Response, error) {
	rel, err := cleanRel(relPath)
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/%s/%s", m.base, kind, url.PathEscape(rel))
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, internal.NewBackendError(strings.ToLower(method), err)
	}
	return resp, nil
}

func (m *managed) MoveToStorageService(ctx context.Context, relPath, destAbs string) error {
	resp, err := m.request(ctx, http.MethodGet, "files", relPath, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return internal.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return internal.NewBackendError("move_to_storage_service",
			fmt.Errorf("unexpected status %s", resp.Status))
	}
	if err = internal.EnsureDir(filepath.Dir(destAbs)); err != nil {
		return err
	}
	tmp := destAbs + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err = io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return internal.NewBackendError("move_to_storage_service", err)
	}
	if err = f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, destAbs)
}

func (m *managed) MoveFromStorageService(ctx context.Context, srcAbs, relPath string, pkg *meta.Package) error {
	f, err := os.Open(srcAbs)
	if err != nil {
		return internal.NewBackendError("move_from_storage_service", err)
	}
	defer f.Close()
	resp, err := m.request(ctx, http.MethodPut, "files", relPath, f)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return internal.NewBackendError("move_from_storage_service",
			fmt.Errorf("unexpected status %s", resp.Status))
	}
	if pkg != nil {
		// The appliance may answer with a handle for later retrieval.
		var out struct {
			Handle string `json:"handle"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err == nil && out.Handle != "" {
			if err := pkg.MiscAttributes.Set("managed_handle", out.Handle); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *managed) DeletePath(ctx context.Context, relPath string) error {
	resp, err := m.request(ctx, http.MethodDelete, "files", relPath, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// 404 is fine: delete is idempotent.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent &&
		resp.StatusCode != http.StatusNotFound {
		return internal.NewBackendError("delete_path",
			fmt.Errorf("unexpected status %s", resp.Status))
	}
	return nil
}

// CheckFixity asks the appliance for its latest fixity verdict on the
// package. A still-running remote check is reported as scheduled, with
// no verdict.
func (m *managed) CheckFixity(ctx context.Context, pkg *meta.Package) (*FixityReport, error) {
	resp, err := m.request(ctx, http.MethodGet, "fixity", pkg.CurrentPath, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, internal.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, internal.NewBackendError("check_fixity",
			fmt.Errorf("unexpected status %s", resp.Status))
	}
	var body struct {
		Status    string          `json:"status"` // Scheduled, Passed or Failed
		Failures  []FailureDetail `json:"failures"`
		Message   string          `json:"message"`
		Timestamp string          `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, internal.NewBackendError("check_fixity", err)
	}
	report := &FixityReport{
		Failures:  body.Failures,
		Message:   body.Message,
		Timestamp: body.Timestamp,
	}
	switch strings.ToLower(body.Status) {
	case "scheduled", "pending":
		report.Scheduled = true
	case "passed":
		ok := true
		report.Success = &ok
	case "failed":
		ok := false
		report.Success = &ok
	default:
		return nil, internal.NewBackendError("check_fixity",
			fmt.Errorf("unknown fixity status %q", body.Status))
	}
	return report, nil
}
