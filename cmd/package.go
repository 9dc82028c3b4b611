package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/openarchive/stors/async"
	"github.com/openarchive/stors/internal"
	"github.com/openarchive/stors/meta"
)

func cmdInit() *cli.Command {
	return &cli.Command{
		Name:     "init",
		Action:   initDefaults,
		Category: "ADMIN",
		Usage:    "Populate the default space and per-purpose locations",
	}
}

func initDefaults(c *cli.Context) error {
	_, store, engine, err := setup(c)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	if err = engine.EnsureDefaults(ctx); err != nil {
		return err
	}
	for _, purpose := range meta.Purposes {
		uuid, err := store.DefaultLocation(ctx, purpose)
		if err == internal.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", purpose, uuid)
	}
	return nil
}

func cmdStore() *cli.Command {
	return &cli.Command{
		Name:      "store",
		Action:    storePackage,
		Category:  "PACKAGE",
		Usage:     "Store a staged package into a location",
		ArgsUsage: "PACKAGE-UUID SRC-PATH",
		Description: `
			Moves a locally staged package file or directory into the
			destination location, records its size and checksum and fires
			the registered post-store callbacks.

			Examples:
			$ stors store --type AIP 6e9c2b7a-... /staging/bag-6e9c2b7a-....tar.gz`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "type",
				Value: string(meta.AIP),
				Usage: "package type: AIP/AIC/SIP/DIP/transfer/deposit",
			},
			&cli.StringFlag{
				Name:  "location",
				Usage: "destination location UUID (default: the purpose default for the type)",
			},
			&cli.StringFlag{
				Name:  "pipeline",
				Usage: "origin pipeline identifier",
			},
			&cli.BoolFlag{
				Name:  "async",
				Usage: "run through the task runner and report the async id",
			},
			&cli.StringSliceFlag{
				Name:  "related",
				Usage: "UUID of a related package (an AIC member, say); repeatable",
			},
		},
	}
}

// defaultPurposeFor maps a package type to the purpose whose default
// location receives it.
func defaultPurposeFor(t meta.PackageType) meta.Purpose {
	switch t {
	case meta.DIP:
		return meta.PurposeDIPStorage
	case meta.Transfer, meta.Deposit:
		return meta.PurposeBacklog
	default:
		return meta.PurposeAIPStorage
	}
}

func storePackage(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("store requires PACKAGE-UUID and SRC-PATH arguments")
	}
	packageUUID, src := c.Args().Get(0), c.Args().Get(1)

	conf, store, engine, err := setup(c)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	pkgType := meta.PackageType(c.String("type"))
	locationUUID := c.String("location")
	if locationUUID == "" {
		if locationUUID, err = store.DefaultLocation(ctx, defaultPurposeFor(pkgType)); err != nil {
			return fmt.Errorf("no destination location: %w", err)
		}
	}

	if _, err = store.GetPackage(ctx, packageUUID); err == internal.ErrNotFound {
		err = store.CreatePackage(ctx, &meta.Package{
			UUID:           packageUUID,
			Type:           pkgType,
			CurrentPath:    filepath.Base(src),
			Status:         meta.StatusPending,
			OriginPipeline: c.String("pipeline"),
		})
	}
	if err != nil {
		return err
	}

	for _, related := range c.StringSlice("related") {
		if err = engine.LinkRelated(ctx, packageUUID, related); err != nil {
			return fmt.Errorf("failed to link %s and %s: %w", packageUUID, related, err)
		}
	}

	if c.Bool("async") {
		runner := async.NewRunner(store, conf.AsyncWorkers)
		defer runner.Close()
		id, err := runner.Submit(ctx, func(ctx context.Context) (any, error) {
			return engine.Store(ctx, packageUUID, src, locationUUID)
		})
		if err != nil {
			return err
		}
		fmt.Printf("async id: %d\n", id)
		return waitAsync(ctx, runner, id)
	}

	pkg, err := engine.Store(ctx, packageUUID, src, locationUUID)
	if err != nil {
		return err
	}
	fmt.Printf("stored %s (%d bytes) at %s as %s\n", pkg.UUID, pkg.Size, pkg.CurrentPath, pkg.Status)
	return nil
}

func waitAsync(ctx context.Context, runner *async.Runner, id int64) error {
	for {
		rec, err := runner.Poll(ctx, id)
		if err != nil {
			return err
		}
		if rec.Completed {
			printAsync(rec)
			if rec.WasError {
				return fmt.Errorf("task %d failed", id)
			}
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func cmdBrowse() *cli.Command {
	return &cli.Command{
		Name:      "browse",
		Action:    browse,
		Category:  "PACKAGE",
		Usage:     "List the contents of a path inside a location",
		ArgsUsage: "LOCATION-UUID [PATH]",
	}
}

func browse(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("browse requires a LOCATION-UUID argument")
	}
	_, store, engine, err := setup(c)
	if err != nil {
		return err
	}
	defer store.Close()

	result, err := engine.Browse(context.Background(), c.Args().Get(0), c.Args().Get(1))
	if err != nil {
		return err
	}
	dirs := make(map[string]bool, len(result.Directories))
	for _, d := range result.Directories {
		dirs[d] = true
	}
	for _, entry := range result.Entries {
		kind := "f"
		if dirs[entry] {
			kind = "d"
		}
		props := result.Properties[entry]
		fmt.Printf("%s\t%10d\t%s\t%s\n", kind, props.Size, formatTimestamp(props.Timestamp), entry)
	}
	return nil
}

func cmdPoll() *cli.Command {
	return &cli.Command{
		Name:      "poll",
		Action:    poll,
		Category:  "ADMIN",
		Usage:     "Report the state of an async task",
		ArgsUsage: "ASYNC-ID",
	}
}

func poll(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("poll requires an ASYNC-ID argument")
	}
	id, err := meta.ParseAsyncID(c.Args().Get(0))
	if err != nil {
		return err
	}
	_, store, _, err := setup(c)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.GetAsync(context.Background(), id)
	if err != nil {
		return err
	}
	printAsync(rec)
	return nil
}

func printAsync(rec *meta.Async) {
	state := "running"
	if rec.Completed {
		state = "completed"
		if rec.WasError {
			state = "failed"
		}
	}
	fmt.Printf("task %d: %s (created %s, updated %s)\n",
		rec.ID, state, formatTimestamp(rec.CreatedTime), formatTimestamp(rec.UpdatedTime))
	if rec.WasError {
		fmt.Printf("  error: %s\n", rec.Error)
	} else if rec.Result != "" {
		fmt.Printf("  result: %s\n", rec.Result)
	}
}
