package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/iudanet/dockeeper/internal/client/sync"
)

func (c *Cli) runCheckout(ctx context.Context, args []string) error {
	fs := newFlagSet("checkout")
	lock := fs.Bool("lock", false, "lock the document for editing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 || fs.NArg() > 3 {
		return fmt.Errorf("usage: dockeeper checkout [-lock] DOCID DIR [VERSION]")
	}

	opts := sync.CheckoutOptions{DocID: fs.Arg(0), Dir: fs.Arg(1), Lock: *lock}
	if fs.NArg() == 3 {
		v, err := strconv.Atoi(fs.Arg(2))
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", fs.Arg(2), err)
		}
		opts.Version = v
	}

	s, err := c.session(ctx)
	if err != nil {
		return err
	}

	res, err := c.sync.Checkout(ctx, s.ID, opts)
	if err != nil {
		return err
	}

	c.io.Printf("✓ %s version %d is in %s\n", res.Copy.DocID, res.Copy.Version, res.Copy.Dir)
	c.io.Printf("Fetched: %d, unchanged: %d, removed: %d\n", res.Fetched, res.Reused, res.Removed)
	for _, name := range res.Kept {
		c.io.Printf("⚠️  %s is not part of this version but was modified locally; kept\n", name)
	}
	if res.Copy.Locked {
		c.io.Println("The document is checked out by you.")
	}
	return nil
}

func (c *Cli) runUpload(ctx context.Context, args []string) error {
	fs := newFlagSet("upload")
	keep := fs.Bool("keep", false, "keep the checkout lock after commit")
	require := fs.Bool("require", false, "fail unless the document is checked out by you")
	user := fs.String("user", "", "credit the version to another user")
	attrs := attrFlag{}
	fs.Var(attrs, "a", "attribute ATTR=VALUE, repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return fmt.Errorf("usage: dockeeper upload [OPTIONS] DIR [DOCID]")
	}

	s, err := c.session(ctx)
	if err != nil {
		return err
	}

	res, err := c.sync.Upload(ctx, s.ID, sync.UploadOptions{
		Dir:         fs.Arg(0),
		DocID:       fs.Arg(1),
		User:        *user,
		Attributes:  attrs,
		KeepLock:    *keep,
		RequireLock: *require,
	})
	if res != nil && len(res.Log) > 0 {
		c.io.Println("Update protocol:")
		c.printLog(res.Log)
	}
	if err != nil {
		return err
	}

	c.io.Printf("✓ Uploaded %s as version %d (%d entries sent)\n", res.DocID, res.Version, res.Sent)
	return nil
}

func (c *Cli) runRelease(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: dockeeper release DIR")
	}

	s, err := c.session(ctx)
	if err != nil {
		return err
	}

	wc, err := c.sync.Release(ctx, s.ID, args[0])
	if err != nil {
		return err
	}

	c.io.Printf("✓ Released %s\n", wc.DocID)
	return nil
}
