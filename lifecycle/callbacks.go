package lifecycle

import (
	"context"
	"net/http"
	"strings"

	"github.com/openarchive/stors/meta"
)

// callbackEventsFor maps a package type to the callback events fired
// after a successful store. The generic post_store event always fires.
func callbackEventsFor(t meta.PackageType) []meta.CallbackEvent {
	events := []meta.CallbackEvent{meta.CallbackPostStore}
	switch t {
	case meta.AIP:
		events = append(events, meta.CallbackPostStoreAIP)
	case meta.AIC:
		events = append(events, meta.CallbackPostStoreAIC)
	case meta.DIP:
		events = append(events, meta.CallbackPostStoreDIP)
	}
	return events
}

// expandPlaceholders substitutes package fields into a callback URI or
// body template.
func expandPlaceholders(tmpl string, pkg *meta.Package) string {
	r := strings.NewReplacer(
		"<package_uuid>", pkg.UUID,
		"<package_name>", pkg.Name(),
	)
	return r.Replace(tmpl)
}

// RunPostStoreCallbacks fires every enabled webhook registered for the
// package's post-store events. Execution is fire-and-forget: failures
// and unexpected status codes are logged, never retried, and never
// block the lifecycle transition that triggered them.
func (e *Engine) RunPostStoreCallbacks(ctx context.Context, pkg *meta.Package) {
	for _, event := range callbackEventsFor(pkg.Type) {
		callbacks, err := e.store.CallbacksForEvent(ctx, event)
		if err != nil {
			logger.Warnf("failed to load callbacks for %s: %v", event, err)
			continue
		}
		for _, cb := range callbacks {
			if !cb.Enabled {
				continue
			}
			e.execute(ctx, cb, pkg)
		}
	}
}

func (e *Engine) execute(ctx context.Context, cb *meta.Callback, pkg *meta.Package) {
	uri := expandPlaceholders(cb.URI, pkg)
	body := expandPlaceholders(cb.Body, pkg)
	req, err := http.NewRequestWithContext(ctx, cb.Method, uri, strings.NewReader(body))
	if err != nil {
		logger.Warnf("callback %s: bad request: %v", cb.UUID, err)
		return
	}
	for _, h := range cb.Headers {
		req.Header.Add(h.Key, h.Value)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		logger.Warnf("callback %s to %s failed: %v", cb.UUID, uri, err)
		return
	}
	resp.Body.Close()
	if cb.ExpectedStatus != 0 && resp.StatusCode != cb.ExpectedStatus {
		logger.Warnf("callback %s to %s returned %d, expected %d",
			cb.UUID, uri, resp.StatusCode, cb.ExpectedStatus)
		return
	}
	logger.Infof("callback %s for package %s delivered", cb.UUID, pkg.UUID)
}
