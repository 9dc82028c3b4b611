package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/openarchive/stors/async"
	"github.com/openarchive/stors/lifecycle"
	"github.com/openarchive/stors/meta"
)

func cmdServe() *cli.Command {
	return &cli.Command{
		Name:     "serve",
		Action:   serve,
		Category: "SERVICE",
		Usage:    "Run the storage service worker process",
		Description: `
			Populates the default space and locations on first boot, then
			runs the async task workers until interrupted. With a fixity
			interval set, stored packages are re-checked continuously.

			Examples:
			$ stors --meta-addr 127.0.0.1:6379/0 serve --fixity-interval 168h`,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "fixity-interval",
				Usage: "re-check every stored package at this interval (0 disables)",
			},
		},
	}
}

func serve(c *cli.Context) error {
	_, store, engine, err := setup(c)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err = engine.EnsureDefaults(ctx); err != nil {
		return fmt.Errorf("failed to populate default locations: %w", err)
	}

	runner := async.NewRunner(store, c.Int("workers"))
	defer runner.Close()

	stop := make(chan struct{})
	if interval := c.Duration("fixity-interval"); interval > 0 {
		go fixityLoop(ctx, engine, store, runner, interval, stop)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	close(stop)
	logger.Infof("received %s, shutting down", sig)
	return nil
}

// fixityLoop submits one fixity task per stored package every interval.
func fixityLoop(ctx context.Context, engine *lifecycle.Engine, store meta.Store, runner *async.Runner, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		locations, err := store.ListLocations(ctx)
		if err != nil {
			logger.Warnf("fixity sweep: failed to list locations: %v", err)
			continue
		}
		for _, loc := range locations {
			if loc.Purpose != meta.PurposeAIPStorage && loc.Purpose != meta.PurposeReplicator {
				continue
			}
			packages, err := store.PackagesAtLocation(ctx, loc.UUID)
			if err != nil {
				logger.Warnf("fixity sweep: failed to list packages at %s: %v", loc.UUID, err)
				continue
			}
			for _, pkg := range packages {
				if pkg.Status != meta.StatusUploaded && pkg.Status != meta.StatusVerified {
					continue
				}
				uuid := pkg.UUID
				if _, err := runner.Submit(ctx, func(ctx context.Context) (any, error) {
					return engine.CheckFixity(ctx, uuid, false)
				}); err != nil {
					logger.Warnf("fixity sweep: failed to submit %s: %v", uuid, err)
				}
			}
		}
	}
}
