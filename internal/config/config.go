// Package config loads the server configuration from an HCL file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/iudanet/dockeeper/internal/validation"
)

// Defaults
const (
	DefaultListen          = ":8080"
	DefaultDatabase        = "dockeeper.db"
	DefaultEventLog        = "dockeeper-events.db"
	DefaultSessionTTL      = 12 * time.Hour
	DefaultWorkers         = 4
	DefaultQueueSize       = 256
	DefaultFetchAttempts   = 5
	DefaultFetchDelay      = 2 * time.Second
	DefaultRateRequests    = 600
	DefaultRateWindow      = time.Minute
	DefaultStringAttrWidth = 255
)

// Config is the server configuration
type Config struct {
	Replication   *ReplicationConfig `hcl:"replication,block"`
	RateLimit     *RateLimitConfig   `hcl:"rate_limit,block"`
	Listen        string             `hcl:"listen,optional"`
	StorageRoot   string             `hcl:"storage_root"`
	Database      string             `hcl:"database,optional"`
	EventLog      string             `hcl:"event_log,optional"`
	SessionSecret string             `hcl:"session_secret"`
	SessionTTLRaw string             `hcl:"session_ttl,optional"`
	Node          NodeConfig         `hcl:"node,block"`
	Attributes    []AttributeConfig  `hcl:"attribute,block"`
	Remotes       []RemoteConfig     `hcl:"remote,block"`
	ListThreshold int                `hcl:"list_threshold,optional"`

	SessionTTL time.Duration
}

// NodeConfig identifies this node to its replication peers
type NodeConfig struct {
	Domain     string `hcl:"domain"`
	PassPhrase string `hcl:"pass_phrase"`
}

// AttributeConfig declares one configurable document attribute
type AttributeConfig struct {
	Name    string   `hcl:"name,label"`
	Compare string   `hcl:"compare,optional"`
	Sources []string `hcl:"sources,optional"`
	Width   int      `hcl:"width,optional"`
	Integer bool     `hcl:"integer,optional"`
	Summary bool     `hcl:"summary,optional"`
}

// RemoteConfig describes a paired replication node
type RemoteConfig struct {
	Domain     string `hcl:"domain,label"`
	URL        string `hcl:"url"`
	PassPhrase string `hcl:"pass_phrase"`
	Subscribe  bool   `hcl:"subscribe,optional"`
}

// ReplicationConfig tunes the replication worker pool and entry refetching
type ReplicationConfig struct {
	FetchDelayRaw string `hcl:"fetch_delay,optional"`
	Workers       int    `hcl:"workers,optional"`
	QueueSize     int    `hcl:"queue_size,optional"`
	FetchAttempts int    `hcl:"fetch_attempts,optional"`

	FetchDelay time.Duration
}

// RateLimitConfig ограничение частоты запросов на IP
type RateLimitConfig struct {
	WindowRaw string `hcl:"window,optional"`
	Requests  int    `hcl:"requests,optional"`

	Window time.Duration
}

// Load reads and validates an HCL configuration file
func Load(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes configuration source; filename must end with .hcl
func Parse(filename string, src []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, src, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	if err := c.applyDefaults(); err != nil {
		return err
	}
	return c.Validate()
}

func (c *Config) applyDefaults() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.EventLog == "" {
		c.EventLog = DefaultEventLog
	}

	c.SessionTTL = DefaultSessionTTL
	if c.SessionTTLRaw != "" {
		d, err := time.ParseDuration(c.SessionTTLRaw)
		if err != nil {
			return fmt.Errorf("invalid session_ttl: %w", err)
		}
		c.SessionTTL = d
	}

	if c.Replication == nil {
		c.Replication = &ReplicationConfig{}
	}
	r := c.Replication
	if r.Workers <= 0 {
		r.Workers = DefaultWorkers
	}
	if r.QueueSize <= 0 {
		r.QueueSize = DefaultQueueSize
	}
	if r.FetchAttempts <= 0 {
		r.FetchAttempts = DefaultFetchAttempts
	}
	r.FetchDelay = DefaultFetchDelay
	if r.FetchDelayRaw != "" {
		d, err := time.ParseDuration(r.FetchDelayRaw)
		if err != nil {
			return fmt.Errorf("invalid replication.fetch_delay: %w", err)
		}
		r.FetchDelay = d
	}

	if c.RateLimit == nil {
		c.RateLimit = &RateLimitConfig{}
	}
	if c.RateLimit.Requests <= 0 {
		c.RateLimit.Requests = DefaultRateRequests
	}
	c.RateLimit.Window = DefaultRateWindow
	if c.RateLimit.WindowRaw != "" {
		d, err := time.ParseDuration(c.RateLimit.WindowRaw)
		if err != nil {
			return fmt.Errorf("invalid rate_limit.window: %w", err)
		}
		c.RateLimit.Window = d
	}

	for i := range c.Attributes {
		a := &c.Attributes[i]
		if !a.Integer && a.Width <= 0 {
			a.Width = DefaultStringAttrWidth
		}
		if len(a.Sources) == 0 {
			a.Sources = []string{a.Name}
		}
	}

	return nil
}

// Validate checks semantic constraints HCL decoding cannot express
func (c *Config) Validate() error {
	var errs *multierror.Error

	if c.StorageRoot == "" {
		errs = multierror.Append(errs, errors.New("storage_root is required"))
	}
	if len(c.SessionSecret) < 16 {
		errs = multierror.Append(errs, errors.New("session_secret must be at least 16 characters"))
	}
	if c.ListThreshold < 0 {
		errs = multierror.Append(errs, errors.New("list_threshold must not be negative"))
	}
	if c.Node.Domain == "" {
		errs = multierror.Append(errs, errors.New("node.domain is required"))
	}
	if c.Node.PassPhrase == "" {
		errs = multierror.Append(errs, errors.New("node.pass_phrase is required"))
	}

	seen := make(map[string]bool)
	for _, a := range c.Attributes {
		if err := validation.ValidateAttributeName(a.Name); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if isSystemAttribute(a.Name) {
			errs = multierror.Append(errs, fmt.Errorf("attribute %q is reserved", a.Name))
		}
		if seen[a.Name] {
			errs = multierror.Append(errs, fmt.Errorf("attribute %q declared twice", a.Name))
		}
		seen[a.Name] = true
		if a.Compare != "" {
			if _, ok := compareOperators[a.Compare]; !ok {
				errs = multierror.Append(errs, fmt.Errorf("attribute %q: unknown compare operator %q", a.Name, a.Compare))
			}
		}
	}

	remotes := make(map[string]bool)
	for _, r := range c.Remotes {
		if r.Domain == c.Node.Domain {
			errs = multierror.Append(errs, fmt.Errorf("remote %q has the same domain as this node", r.Domain))
		}
		if remotes[r.Domain] {
			errs = multierror.Append(errs, fmt.Errorf("remote %q declared twice", r.Domain))
		}
		remotes[r.Domain] = true
		if _, err := url.ParseRequestURI(r.URL); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("remote %q: invalid url: %w", r.Domain, err))
		}
		if r.PassPhrase == "" {
			errs = multierror.Append(errs, fmt.Errorf("remote %q: pass_phrase is required", r.Domain))
		}
	}

	return errs.ErrorOrNil()
}

// Remote returns the remote configuration for domain
func (c *Config) Remote(domain string) (RemoteConfig, bool) {
	for _, r := range c.Remotes {
		if r.Domain == domain {
			return r, true
		}
	}
	return RemoteConfig{}, false
}
