package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
)

func cmdFixity() *cli.Command {
	return &cli.Command{
		Name:      "fixity",
		Action:    fixity,
		Category:  "PACKAGE",
		Usage:     "Check the integrity of stored packages",
		ArgsUsage: "PACKAGE-UUID...",
		Description: `
			Validates each package against its bag manifests (or its
			recorded checksum for opaque archives). Packages in spaces with
			managed fixity are scheduled remotely. Each outcome is appended
			to the package's fixity log.`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "local",
				Usage: "validate locally even when the space offers managed fixity",
			},
		},
	}
}

func fixity(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("fixity requires at least one PACKAGE-UUID argument")
	}
	_, store, engine, err := setup(c)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	passed, failed, noVerdict, errored := 0, 0, 0, 0
	for _, packageUUID := range c.Args().Slice() {
		report, err := engine.CheckFixity(ctx, packageUUID, c.Bool("local"))
		switch {
		case err != nil:
			errored++
			fmt.Printf("%s\terror: %v\n", packageUUID, err)
		case report.Scheduled:
			noVerdict++
			fmt.Printf("%s\t%s\n", packageUUID, report.Message)
		case report.Success == nil:
			noVerdict++
			fmt.Printf("%s\tno verdict: %s\n", packageUUID, report.Message)
		case *report.Success:
			passed++
			fmt.Printf("%s\tpassed\n", packageUUID)
		default:
			failed++
			var details []string
			for _, f := range report.Failures {
				details = append(details, fmt.Sprintf("%s %s", f.Type, f.Path))
			}
			fmt.Printf("%s\tFAILED: %s\n", packageUUID, strings.Join(details, ", "))
		}
	}
	fmt.Printf("%d passed, %d failed, %d without verdict, %d errors\n", passed, failed, noVerdict, errored)
	if failed > 0 || errored > 0 {
		return fmt.Errorf("fixity problems found")
	}
	return nil
}

func cmdReplicate() *cli.Command {
	return &cli.Command{
		Name:      "replicate",
		Action:    replicate,
		Category:  "ADMIN",
		Usage:     "Copy stored packages into their replicator locations",
		ArgsUsage: "PACKAGE-UUID...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "replicator",
				Usage: "replicate only into this replicator location UUID",
			},
			&cli.BoolFlag{
				Name:  "delete-existing",
				Usage: "remove a previous replica in the same replicator first",
			},
			&cli.StringFlag{
				Name:  "admin",
				Value: "cli",
				Usage: "requesting administrator id",
			},
		},
	}
}

func replicate(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("replicate requires at least one PACKAGE-UUID argument")
	}
	_, store, engine, err := setup(c)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	succeeded, failed := 0, 0
	for _, packageUUID := range c.Args().Slice() {
		report, err := engine.CreateReplicas(ctx, packageUUID, c.String("admin"), c.String("replicator"), c.Bool("delete-existing"))
		if err != nil {
			failed++
			fmt.Printf("%s\terror: %v\n", packageUUID, err)
			continue
		}
		succeeded += report.Succeeded
		failed += report.Failed
		for _, uuid := range report.Created {
			fmt.Printf("%s\treplica %s\n", packageUUID, uuid)
		}
		for _, msg := range report.Errors {
			fmt.Printf("%s\treplication failed: %s\n", packageUUID, msg)
		}
	}
	fmt.Printf("%d replicas created, %d failures\n", succeeded, failed)
	if failed > 0 {
		return fmt.Errorf("replication problems found")
	}
	return nil
}
