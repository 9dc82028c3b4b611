package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"
)

func cmdDeleteRequest() *cli.Command {
	return &cli.Command{
		Name:      "delete-request",
		Action:    deleteRequest,
		Category:  "PACKAGE",
		Usage:     "File a deletion request against a stored package",
		ArgsUsage: "PACKAGE-UUID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "reason",
				Usage:    "why the package should be deleted",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "user",
				Value: "cli",
				Usage: "requesting user id",
			},
		},
	}
}

func deleteRequest(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("delete-request requires a PACKAGE-UUID argument")
	}
	_, store, engine, err := setup(c)
	if err != nil {
		return err
	}
	defer store.Close()

	event, err := engine.RequestDeletion(context.Background(), c.Args().Get(0), c.String("user"), c.String("reason"))
	if err != nil {
		return err
	}
	fmt.Printf("deletion event %s is %s\n", event.UUID, event.Status)
	return nil
}

func cmdDeleteApprove() *cli.Command {
	return &cli.Command{
		Name:      "delete-approve",
		Action:    deleteApprove,
		Category:  "ADMIN",
		Usage:     "Approve deletion requests and delete the packages",
		ArgsUsage: "EVENT-UUID...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "admin",
				Value: "cli",
				Usage: "approving administrator id",
			},
		},
	}
}

func deleteApprove(c *cli.Context) error {
	if c.NArg() < 1 {
		return fmt.Errorf("delete-approve requires at least one EVENT-UUID argument")
	}
	_, store, engine, err := setup(c)
	if err != nil {
		return err
	}
	defer store.Close()
	ctx := context.Background()

	deleted, failed := 0, 0
	for _, eventUUID := range c.Args().Slice() {
		ok, msg, err := engine.ApproveDeletion(ctx, eventUUID, c.String("admin"))
		switch {
		case err != nil:
			failed++
			fmt.Printf("%s\terror: %v\n", eventUUID, err)
		case !ok:
			failed++
			fmt.Printf("%s\tstorage failure, reverted to submitted: %s\n", eventUUID, msg)
		default:
			deleted++
			fmt.Printf("%s\tdeleted\n", eventUUID)
		}
	}
	fmt.Printf("%d deleted, %d failed\n", deleted, failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d approvals failed", failed, c.NArg())
	}
	return nil
}

func cmdDeleteReject() *cli.Command {
	return &cli.Command{
		Name:      "delete-reject",
		Action:    deleteReject,
		Category:  "ADMIN",
		Usage:     "Reject a deletion request",
		ArgsUsage: "EVENT-UUID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "reason",
				Usage: "why the request is rejected",
			},
			&cli.StringFlag{
				Name:  "admin",
				Value: "cli",
				Usage: "rejecting administrator id",
			},
		},
	}
}

func deleteReject(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("delete-reject requires an EVENT-UUID argument")
	}
	_, store, engine, err := setup(c)
	if err != nil {
		return err
	}
	defer store.Close()

	eventUUID := c.Args().Get(0)
	if err = engine.RejectDeletion(context.Background(), eventUUID, c.String("admin"), c.String("reason")); err != nil {
		return err
	}
	fmt.Printf("deletion event %s rejected\n", eventUUID)
	return nil
}
