package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
)

// Run executes one client command
func (c *Cli) Run(ctx context.Context, command string, args []string) error {
	switch command {
	case "login":
		return c.runLogin(ctx, args)
	case "logout":
		return c.runLogout(ctx)
	case "status":
		return c.runStatus(ctx, args)
	case "list":
		return c.runList(ctx, args)
	case "checkout":
		return c.runCheckout(ctx, args)
	case "upload":
		return c.runUpload(ctx, args)
	case "release":
		return c.runRelease(ctx, args)
	case "delete":
		return c.runDelete(ctx, args)
	case "protocol":
		return c.runProtocol(ctx, args)
	case "replicate":
		return c.runReplicate(ctx, args)
	case "help":
		PrintUsage(c.io)
		return nil
	default:
		PrintUsage(c.io)
		return fmt.Errorf("unknown command: %s", command)
	}
}

// newFlagSet creates a command flag set that reports errors instead of exiting
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// attrFlag collects repeated ATTR=VALUE arguments
type attrFlag map[string]string

func (a attrFlag) String() string {
	parts := make([]string, 0, len(a))
	for k, v := range a {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (a attrFlag) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("expected ATTR=VALUE, got %q", s)
	}
	a[strings.TrimSpace(key)] = value
	return nil
}

// printLog prints protocol lines as they came from the server
func (c *Cli) printLog(lines []string) {
	for _, l := range lines {
		c.io.Println("  " + l)
	}
}
