package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/openarchive/stors/meta"
)

// StartReingest moves an UPLOADED package into the FINALIZING sub-state
// so a new processing cycle can run against it. The original stored
// record is preserved: nothing but the status (and the reingest pipeline
// annotation) changes until the cycle finishes.
func (e *Engine) StartReingest(ctx context.Context, packageUUID, pipeline string) (*meta.Package, error) {
	return e.store.UpdatePackage(ctx, packageUUID, func(p *meta.Package) error {
		if p.Status != meta.StatusUploaded {
			return fmt.Errorf("package %s is %s, only %s packages can be reingested",
				packageUUID, p.Status, meta.StatusUploaded)
		}
		p.Status = meta.StatusFinalizing
		return p.MiscAttributes.Set("reingest_pipeline", pipeline)
	})
}

// FinishReingest ends a reingest cycle. On success the package is
// re-marked UPLOADED with a fresh stored date (the new cycle superseded
// the old bytes); on failure it falls back to its previous UPLOADED
// record unchanged.
func (e *Engine) FinishReingest(ctx context.Context, packageUUID string, succeeded bool) (*meta.Package, error) {
	return e.store.UpdatePackage(ctx, packageUUID, func(p *meta.Package) error {
		if p.Status != meta.StatusFinalizing {
			return fmt.Errorf("package %s is %s, not mid-reingest", packageUUID, p.Status)
		}
		p.Status = meta.StatusUploaded
		if succeeded {
			p.StoredDate = time.Now().UTC()
		}
		delete(p.MiscAttributes, "reingest_pipeline")
		return nil
	})
}
