// Package cli implements the dockeeper client commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/iudanet/dockeeper/internal/client/api"
	"github.com/iudanet/dockeeper/internal/client/iocli"
	"github.com/iudanet/dockeeper/internal/client/storage"
	"github.com/iudanet/dockeeper/internal/client/sync"
	"github.com/iudanet/dockeeper/internal/models"
)

// PasswordEnv is the environment variable read before any other password source
const PasswordEnv = "DOCKEEPER_PASSWORD"

// API is the part of the server protocol used directly by commands
type API interface {
	Login(ctx context.Context, username, password string) (*api.Session, error)
	List(ctx context.Context, sid string, filter models.Filter) (*models.ListResult, error)
	Delete(ctx context.Context, sid, docID string) ([]string, error)
	Protocol(ctx context.Context, docID string) ([]string, error)
	Replication(ctx context.Context, sid, action, domain string, flags []string) ([]string, error)
}

// Passwords lists non-interactive password sources
type Passwords struct {
	FromFile string
}

type Cli struct {
	api       API
	sessions  storage.SessionStorage
	sync      *sync.Service
	io        iocli.IO
	server    string
	passwords Passwords
	now       func() time.Time
}

func New(apiClient API, sessions storage.SessionStorage, syncService *sync.Service, io iocli.IO, server string, passwords Passwords) *Cli {
	return &Cli{
		api:       apiClient,
		sessions:  sessions,
		sync:      syncService,
		io:        io,
		server:    server,
		passwords: passwords,
		now:       time.Now,
	}
}

// session returns the stored session if it belongs to the configured server and has not expired
func (c *Cli) session(ctx context.Context) (*storage.Session, error) {
	s, err := c.sessions.GetSession(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, fmt.Errorf("not authenticated. Please run 'dockeeper login' first")
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if s.Server != c.server {
		return nil, fmt.Errorf("logged in to %s, not %s. Please run 'dockeeper login' again", s.Server, c.server)
	}
	if s.Expired(c.now()) {
		return nil, fmt.Errorf("session expired at %s. Please run 'dockeeper login' again", s.ExpiresAt.Format(time.RFC3339))
	}
	return s, nil
}

// getPassword retrieves the login password from various sources with priority:
// 1. Environment variable DOCKEEPER_PASSWORD
// 2. File specified in Passwords.FromFile
// 3. Interactive prompt (fallback)
func (c *Cli) getPassword() (string, error) {
	// Priority 1: Environment variable
	if envPassword := os.Getenv(PasswordEnv); envPassword != "" {
		return envPassword, nil
	}

	// Priority 2: File
	if c.passwords.FromFile != "" {
		content, err := os.ReadFile(c.passwords.FromFile)
		if err != nil {
			return "", fmt.Errorf("failed to read password file: %w", err)
		}
		// Убираем trailing newline/whitespace
		password := strings.TrimSpace(string(content))
		if password == "" {
			return "", fmt.Errorf("password file is empty")
		}
		return password, nil
	}

	// Priority 3: Interactive prompt (fallback)
	password, err := c.io.ReadPassword("Password: ")
	if err != nil {
		return "", fmt.Errorf("failed to read password from stdin: %w", err)
	}
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}

	return password, nil
}

func PrintUsage(io iocli.IO) {
	io.Println("DocKeeper Client")
	io.Println()
	io.Println("Usage:")
	io.Println("  dockeeper [OPTIONS] COMMAND [ARGS]")
	io.Println()
	io.Println("Options:")
	io.Println("  -version               Show version information")
	io.Println("  -server URL            Server URL (default: http://localhost:8080)")
	io.Println("  -db PATH               Path to local database (default: dockeeper-client.db)")
	io.Println("  -password-file PATH    Path to file containing the login password")
	io.Println("  -log-level LEVEL       debug, info, warn or error (default: warn)")
	io.Println()
	io.Println("Password Priority (highest to lowest):")
	io.Println("  1. " + PasswordEnv + " environment variable")
	io.Println("  2. -password-file (file path)")
	io.Println("  3. Interactive prompt (fallback)")
	io.Println()
	io.Println("Commands:")
	io.Println("  login [-user NAME]                       Login to server")
	io.Println("  logout                                   Forget the stored session")
	io.Println("  status [DIR]                             Show session and working copies")
	io.Println("  list [-f ATTR=VALUE ...]                 List documents matching a filter")
	io.Println("  checkout [-lock] DOCID DIR [VERSION]     Bring DIR to a document version")
	io.Println("  upload [OPTIONS] DIR [DOCID]             Commit DIR as the next version")
	io.Println("  release DIR                              Drop the lock on the document of DIR")
	io.Println("  delete DOCID                             Delete a document")
	io.Println("  protocol KEY                             Show the last update protocol")
	io.Println("  replicate diff|sync|cancel|status DOMAIN Run a replication action (admin)")
	io.Println()
	io.Println("Upload options:")
	io.Println("  -keep            Keep the checkout lock after commit")
	io.Println("  -require         Fail unless the document is checked out by you")
	io.Println("  -user NAME       Credit the version to another user")
	io.Println("  -a ATTR=VALUE    Set an attribute (empty value removes it), repeatable")
	io.Println()
	io.Println("Examples:")
	io.Println("  dockeeper login -user alice")
	io.Println("  dockeeper list -f title=Война -f 'update_time=>2024'")
	io.Println("  dockeeper checkout -lock 5b0c2f4e-8d1c-4a8e-9f3a-2c7d6e1b0a9f ./karenina")
	io.Println("  dockeeper upload -a title='Анна Каренина' ./karenina")
	io.Println("  dockeeper replicate sync -delete beta.example.org")
}
