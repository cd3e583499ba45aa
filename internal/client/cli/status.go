package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iudanet/dockeeper/internal/client/storage"
)

func (c *Cli) runStatus(ctx context.Context, args []string) error {
	c.io.Println("=== Status ===")
	c.io.Println()

	s, err := c.sessions.GetSession(ctx)
	switch {
	case errors.Is(err, storage.ErrSessionNotFound):
		c.io.Println("Session: Not authenticated")
		c.io.Println("Run 'dockeeper login' to authenticate.")
	case err != nil:
		return fmt.Errorf("failed to get session: %w", err)
	default:
		c.io.Printf("Server:   %s\n", s.Server)
		c.io.Printf("Username: %s\n", s.Username)
		if !s.ExpiresAt.IsZero() {
			c.io.Printf("Session expires: %s\n", s.ExpiresAt.Local().Format(time.RFC3339))
		}
		if s.Expired(c.now()) {
			c.io.Println("⚠️  Session has expired. Please login again.")
		}
	}
	c.io.Println()

	if len(args) > 0 {
		return c.printDirStatus(ctx, args[0])
	}

	copies, err := c.sync.WorkingCopies(ctx)
	if err != nil {
		return fmt.Errorf("failed to list working copies: %w", err)
	}
	if len(copies) == 0 {
		c.io.Println("No working copies.")
		return nil
	}
	c.io.Printf("Working copies (%d):\n", len(copies))
	for _, wc := range copies {
		lock := ""
		if wc.Locked {
			lock = " [locked]"
		}
		c.io.Printf("  %s  %s v%d%s\n", wc.Dir, wc.DocID, wc.Version, lock)
	}
	return nil
}

func (c *Cli) printDirStatus(ctx context.Context, dir string) error {
	st, err := c.sync.Status(ctx, dir)
	if err != nil {
		return err
	}

	c.io.Printf("Directory: %s\n", st.Copy.Dir)
	c.io.Printf("Document:  %s\n", st.Copy.DocID)
	c.io.Printf("Version:   %d\n", st.Copy.Version)
	if st.Copy.Locked {
		c.io.Println("Locked:    yes")
	}
	c.io.Printf("Synced:    %s\n", st.Copy.SyncedAt.Local().Format(time.RFC3339))
	c.io.Println()

	if st.Clean() {
		c.io.Println("✓ No local changes")
		return nil
	}
	for _, name := range st.Added {
		c.io.Printf("  added:    %s\n", name)
	}
	for _, name := range st.Modified {
		c.io.Printf("  modified: %s\n", name)
	}
	for _, name := range st.Removed {
		c.io.Printf("  removed:  %s\n", name)
	}
	c.io.Println()
	c.io.Println("Run 'dockeeper upload " + dir + "' to commit the changes.")
	return nil
}
