package cli

import (
	"context"
	"fmt"
)

// Replication actions understood by the server
var replicateActions = map[string]bool{
	"diff":   true,
	"sync":   true,
	"cancel": true,
	"status": true,
}

func (c *Cli) runReplicate(ctx context.Context, args []string) error {
	if len(args) == 0 || !replicateActions[args[0]] {
		return fmt.Errorf("usage: dockeeper replicate diff|sync|cancel|status [-delete] DOMAIN")
	}
	action := args[0]

	fs := newFlagSet("replicate " + action)
	deleteMissing := fs.Bool("delete", false, "sync: delete local documents the remote does not have")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: dockeeper replicate %s DOMAIN", action)
	}
	if *deleteMissing && action != "sync" {
		return fmt.Errorf("-delete only applies to sync")
	}

	var flags []string
	if *deleteMissing {
		flags = append(flags, "delete")
	}

	s, err := c.session(ctx)
	if err != nil {
		return err
	}

	log, err := c.api.Replication(ctx, s.ID, action, fs.Arg(0), flags)
	if err != nil {
		return err
	}
	c.printLog(log)
	return nil
}
