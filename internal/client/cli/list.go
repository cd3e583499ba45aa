package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/iudanet/dockeeper/internal/models"
)

// filterFlag collects repeated ATTR=VALUE filter terms
type filterFlag models.Filter

func (f filterFlag) String() string {
	parts := make([]string, 0, len(f))
	for k, vs := range f {
		parts = append(parts, k+"="+strings.Join(vs, "|"))
	}
	return strings.Join(parts, ",")
}

func (f filterFlag) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("expected ATTR=VALUE, got %q", s)
	}
	key = strings.TrimSpace(key)
	f[key] = append(f[key], value)
	return nil
}

func (c *Cli) runList(ctx context.Context, args []string) error {
	fs := newFlagSet("list")
	filter := filterFlag{}
	fs.Var(filter, "f", "filter term ATTR=VALUE, repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}

	s, err := c.session(ctx)
	if err != nil {
		return err
	}

	res, err := c.api.List(ctx, s.ID, models.Filter(filter))
	if err != nil {
		return err
	}

	c.io.Println("=== Documents ===")
	c.io.Println()

	if len(res.Summaries) > 0 {
		c.printSummaries(res.Summaries)
	}

	if res.Denied {
		c.io.Printf("About %d documents match; too many to list. Narrow the filter.\n", res.Total)
		return nil
	}
	if len(res.Documents) == 0 {
		c.io.Println("No documents found.")
		return nil
	}

	c.io.Printf("Found %d document(s):\n", len(res.Documents))
	c.io.Println()
	for i, d := range res.Documents {
		lock := ""
		if d.CheckoutUser != "" {
			lock = " [checked out by " + d.CheckoutUser + "]"
		}
		c.io.Printf("%d. %s (version %d)%s\n", i+1, d.ID, d.Version, lock)
		if d.UpdateUser != "" {
			c.io.Printf("   updated by %s at %s\n", d.UpdateUser, d.UpdateTime.Local().Format(time.RFC3339))
		}

		keys := make([]string, 0, len(d.Attributes))
		for k := range d.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			c.io.Printf("   %s: %s\n", k, models.AttributeString(d.Attributes[k]))
		}
	}
	return nil
}

func (c *Cli) printSummaries(summaries map[string]map[string]int) {
	attrs := make([]string, 0, len(summaries))
	for a := range summaries {
		attrs = append(attrs, a)
	}
	sort.Strings(attrs)

	for _, a := range attrs {
		c.io.Printf("%s:\n", a)
		values := make([]string, 0, len(summaries[a]))
		for v := range summaries[a] {
			values = append(values, v)
		}
		sort.Strings(values)
		for _, v := range values {
			c.io.Printf("  %-40s %d\n", v, summaries[a][v])
		}
	}
	c.io.Println()
}
