package lifecycle

import (
	"context"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/openarchive/stors/internal"
	"github.com/openarchive/stors/meta"
)

// defaultLocationLock names the advisory lock serializing first-boot
// location creation across concurrently starting instances.
const defaultLocationLock = "default_locations"

// defaultLayout maps each purpose to its directory under the default
// Space root.
var defaultLayout = map[meta.Purpose]string{
	meta.PurposeTransferSource: "transfers",
	meta.PurposeAIPStorage:     "aips",
	meta.PurposeDIPStorage:     "dips",
	meta.PurposeBacklog:        "backlog",
	meta.PurposeCurrentlyProc:  "processing",
	meta.PurposeInternal:       "internal",
	meta.PurposeAIPRecovery:    "recovery",
}

// EnsureDefaults creates the local default Space and one enabled
// Location per purpose on first boot, then records them as the
// per-purpose defaults. The whole step runs under a non-blocking
// advisory lock: the instance that loses the race logs a warning and
// proceeds without error, relying on the winner's rows.
func (e *Engine) EnsureDefaults(ctx context.Context) error {
	release, ok, err := e.store.TryLock(ctx, defaultLocationLock)
	if err != nil {
		return err
	}
	if !ok {
		logger.Warnf("another instance is creating the default locations, skipping")
		return nil
	}
	defer release()

	spaces, err := e.store.ListSpaces(ctx)
	if err != nil {
		return err
	}
	var sp *meta.Space
	for _, s := range spaces {
		if s.AccessProtocol == meta.ProtocolFS && s.Path == e.conf.DefaultSpacePath {
			sp = s
			break
		}
	}
	if sp == nil {
		sp = &meta.Space{
			UUID:           uuid.NewString(),
			AccessProtocol: meta.ProtocolFS,
			Path:           e.conf.DefaultSpacePath,
			StagingPath:    e.conf.StagingPath,
		}
		if err = sp.Validate(); err != nil {
			return err
		}
		if err = internal.EnsureDir(sp.Path); err != nil {
			return err
		}
		if err = e.store.SaveSpace(ctx, sp); err != nil {
			return err
		}
		logger.Infof("created default space %s at %s", sp.UUID, sp.Path)
	}

	existing, err := e.store.ListLocations(ctx)
	if err != nil {
		return err
	}
	byPurpose := make(map[meta.Purpose]*meta.Location)
	for _, l := range existing {
		if l.SpaceUUID == sp.UUID && byPurpose[l.Purpose] == nil {
			byPurpose[l.Purpose] = l
		}
	}

	for purpose, rel := range defaultLayout {
		loc := byPurpose[purpose]
		if loc == nil {
			loc = &meta.Location{
				UUID:         uuid.NewString(),
				SpaceUUID:    sp.UUID,
				Purpose:      purpose,
				RelativePath: rel,
				Description:  "Default " + rel + " location",
				Enabled:      true,
			}
			if err = internal.EnsureDir(filepath.Join(sp.Path, rel)); err != nil {
				return err
			}
			if err = e.store.SaveLocation(ctx, loc); err != nil {
				return err
			}
			logger.Infof("created default %s location %s", purpose, loc.UUID)
		}
		// First write wins; re-running on a seeded store is a no-op.
		if err = e.store.SetDefaultLocation(ctx, purpose, loc.UUID); err != nil {
			return err
		}
	}
	return nil
}
