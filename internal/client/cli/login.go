package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/iudanet/dockeeper/internal/client/storage"
	"github.com/iudanet/dockeeper/internal/validation"
)

func (c *Cli) runLogin(ctx context.Context, args []string) error {
	fs := newFlagSet("login")
	username := fs.String("user", "", "user name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c.io.Println("=== Login ===")

	// Запрашиваем username, если не задан флагом
	if *username == "" {
		var err error
		if *username, err = c.io.ReadInput("Username: "); err != nil {
			return fmt.Errorf("failed to read username: %w", err)
		}
	}
	if err := validation.ValidateUsername(*username); err != nil {
		return fmt.Errorf("invalid username: %w", err)
	}

	password, err := c.getPassword()
	if err != nil {
		return err
	}

	result, err := c.api.Login(ctx, *username, password)
	if err != nil {
		return err
	}

	session := &storage.Session{
		Server:    c.server,
		Username:  *username,
		ID:        result.ID,
		ExpiresAt: result.ExpiresAt,
	}
	if err := c.sessions.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	c.io.Println("✓ Login successful!")
	c.io.Printf("Username: %s\n", *username)
	if !result.ExpiresAt.IsZero() {
		c.io.Printf("Session expires: %s\n", result.ExpiresAt.Local().Format(time.RFC3339))
	}

	return nil
}
