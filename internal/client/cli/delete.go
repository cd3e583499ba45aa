package cli

import (
	"context"
	"fmt"
)

func (c *Cli) runDelete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: dockeeper delete DOCID")
	}
	docID := args[0]

	s, err := c.session(ctx)
	if err != nil {
		return err
	}

	log, err := c.api.Delete(ctx, s.ID, docID)
	if err != nil {
		return err
	}
	c.printLog(log)

	// локальные файлы остаются, забываем только привязку каталогов
	n, err := c.sync.Forget(ctx, docID)
	if err != nil {
		return fmt.Errorf("document deleted, but working copies were not updated: %w", err)
	}

	c.io.Printf("✓ Deleted %s\n", docID)
	if n > 0 {
		c.io.Printf("%d working copy record(s) removed; files were left in place.\n", n)
	}
	return nil
}

func (c *Cli) runProtocol(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: dockeeper protocol KEY")
	}

	log, err := c.api.Protocol(ctx, args[0])
	if err != nil {
		return err
	}

	c.io.Printf("Protocol of %s:\n", args[0])
	c.printLog(log)
	return nil
}
