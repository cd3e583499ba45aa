// Package engine is the document storage engine: checkout locking, versioned commits,
// deletion and list queries over the metadata index and the entry store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/iudanet/dockeeper/internal/config"
	"github.com/iudanet/dockeeper/internal/models"
	"github.com/iudanet/dockeeper/internal/server/cache"
	"github.com/iudanet/dockeeper/internal/server/entrystore"
	"github.com/iudanet/dockeeper/internal/server/events"
	"github.com/iudanet/dockeeper/internal/server/metrics"
	"github.com/iudanet/dockeeper/internal/server/storage"
	"github.com/iudanet/dockeeper/internal/server/updatelog"
)

// Config collects engine dependencies
type Config struct {
	Index         storage.DocumentStorage
	Entries       *entrystore.Store
	Registry      *config.Registry
	Events        events.Publisher
	Protocols     *updatelog.Registry
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	ListThreshold int // 0 = без ограничения
	CacheSize     int
}

// Engine serializes all document state transitions behind one mutex.
// Entry bytes are written outside of it; only metadata and manifest updates are inside.
type Engine struct {
	mu sync.Mutex

	index     storage.DocumentStorage
	entries   *entrystore.Store
	registry  *config.Registry
	cache     *cache.Cache
	events    events.Publisher
	protocols *updatelog.Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger
	threshold int

	now func() time.Time
}

// New creates the engine and warms its caches from the metadata index
func New(ctx context.Context, cfg Config) (*Engine, error) {
	summaryAttrs := make([]string, 0)
	for _, a := range cfg.Registry.Summaries() {
		summaryAttrs = append(summaryAttrs, a.Name)
	}

	c, err := cache.New(cfg.CacheSize, summaryAttrs)
	if err != nil {
		return nil, err
	}

	ids, err := cfg.Index.DocumentIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load document ids: %w", err)
	}
	summaries, err := cfg.Index.AttributeSummaries(ctx, summaryAttrs)
	if err != nil {
		return nil, fmt.Errorf("failed to load attribute summaries: %w", err)
	}
	c.Load(ids, summaries)

	cfg.Logger.Info("storage engine ready", "documents", len(ids), "summary_attributes", len(summaryAttrs))

	return &Engine{
		index:     cfg.Index,
		entries:   cfg.Entries,
		registry:  cfg.Registry,
		cache:     c,
		events:    cfg.Events,
		protocols: cfg.Protocols,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		threshold: cfg.ListThreshold,
		now:       func() time.Time { return time.UnixMilli(time.Now().UnixMilli()) },
	}, nil
}

// Protocols returns the registry of update protocols
func (e *Engine) Protocols() *updatelog.Registry {
	return e.protocols
}

// document reads a metadata row through the cache and fills it on a miss; caller holds e.mu
func (e *Engine) document(ctx context.Context, docID string) (*models.Document, error) {
	if doc, ok := e.cache.Document(docID); ok {
		return doc, nil
	}

	doc, err := e.lookup(ctx, docID)
	if err != nil {
		return nil, err
	}

	e.cache.Remember(doc)
	return doc.Clone(), nil
}

// lookup reads a metadata row from the index; unknown ids fail without a query
func (e *Engine) lookup(ctx context.Context, docID string) (*models.Document, error) {
	if !e.cache.Contains(docID) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, docID)
	}

	doc, err := e.index.GetDocument(ctx, docID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, docID)
		}
		return nil, err
	}
	return doc, nil
}

// holder returns the lock holder of docID ("" for unlocked); caller holds e.mu
func (e *Engine) holder(ctx context.Context, docID string) (string, error) {
	if !e.cache.Contains(docID) {
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, docID)
	}
	if user, ok := e.cache.CheckoutUser(docID); ok {
		return user, nil
	}

	doc, err := e.document(ctx, docID)
	if err != nil {
		return "", err
	}
	return doc.CheckoutUser, nil
}

// Document returns the metadata row of a document.
// Без e.mu кэш только читается: строка, прочитанная до чужого checkout, не должна его перезаписать.
func (e *Engine) Document(ctx context.Context, docID string) (*models.Document, error) {
	if doc, ok := e.cache.Document(docID); ok {
		return doc, nil
	}
	return e.lookup(ctx, docID)
}

// Checkout locks the document for user and returns the manifest of the requested version:
// 0 is current, negative counts back from current, positive is absolute.
func (e *Engine) Checkout(ctx context.Context, p models.Principal, docID string, version int) (*models.Manifest, error) {
	e.mu.Lock()

	holder, err := e.holder(ctx, docID)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	if holder != "" && holder != p.Name {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is checked out by %s", storage.ErrLocked, docID, holder)
	}

	m, err := e.manifest(docID, version)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	now := e.now()
	if err := e.index.SetCheckout(ctx, docID, p.Name, now); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to lock document: %w", err)
	}
	e.cache.SetCheckout(docID, p.Name, now)

	e.mu.Unlock()

	m.SetAttr(models.AttrCheckoutUser, p.Name)
	m.SetAttr(models.AttrCheckoutTime, models.FormatTime(now))

	e.metrics.Checkouts.Inc()
	e.events.Publish(models.Event{Time: now, Type: models.EventCheckout, DocID: docID, User: p.Name, Version: m.Version})
	e.logger.Info("document checked out", "doc_id", docID, "user", p.Name, "version", m.Version)

	return m, nil
}

// Release clears the lock; no-op for an unlocked document
func (e *Engine) Release(ctx context.Context, p models.Principal, docID string) error {
	e.mu.Lock()

	holder, err := e.holder(ctx, docID)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	if holder == "" {
		e.mu.Unlock()
		return nil
	}

	if holder != p.Name && !p.Admin {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is checked out by %s", storage.ErrLocked, docID, holder)
	}

	doc, err := e.document(ctx, docID)
	if err != nil {
		e.mu.Unlock()
		return err
	}

	if err := e.index.SetCheckout(ctx, docID, "", time.Time{}); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("failed to release document: %w", err)
	}
	e.cache.SetCheckout(docID, "", time.Time{})

	e.mu.Unlock()

	e.events.Publish(models.Event{Type: models.EventRelease, DocID: docID, User: p.Name, Version: doc.Version})
	e.logger.Info("document released", "doc_id", docID, "user", p.Name, "holder", holder)

	return nil
}

// Manifest returns a version manifest without locking the document
func (e *Engine) Manifest(ctx context.Context, docID string, version int) (*models.Manifest, error) {
	if !e.cache.Contains(docID) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, docID)
	}
	return e.manifest(docID, version)
}

func (e *Engine) manifest(docID string, version int) (*models.Manifest, error) {
	cur, err := e.entries.Current(docID)
	if err != nil {
		if errors.Is(err, entrystore.ErrNoDocument) {
			return nil, fmt.Errorf("%w: %s has no manifest", storage.ErrNotFound, docID)
		}
		return nil, err
	}

	target, err := ResolveVersion(cur.Version, version)
	if err != nil {
		return nil, err
	}
	if target == cur.Version {
		return cur, nil
	}

	m, err := e.entries.Manifest(docID, target)
	if err != nil {
		if errors.Is(err, entrystore.ErrNoVersion) {
			return nil, fmt.Errorf("%w: %s version %d", storage.ErrNotFound, docID, target)
		}
		return nil, err
	}
	return m, nil
}

// ResolveVersion maps a requested version to an absolute one
func ResolveVersion(current, requested int) (int, error) {
	switch {
	case requested == 0:
		return current, nil
	case requested < 0:
		v := current + requested
		if v < 0 {
			return 0, fmt.Errorf("%w: version %d is before the first version", storage.ErrNotFound, requested)
		}
		return v, nil
	default:
		if requested > current {
			return 0, fmt.Errorf("%w: version %d (current is %d)", storage.ErrNotFound, requested, current)
		}
		return requested, nil
	}
}

// HasEntryData reports whether byte-identical content of entry is stored for the document
func (e *Engine) HasEntryData(docID string, entry models.Entry) bool {
	return e.entries.HasEntryData(docID, entry)
}

// WriteEntry stores entry bytes; existing (name, hash) content is never rewritten
func (e *Engine) WriteEntry(docID string, entry models.Entry, r io.Reader) (bool, error) {
	written, err := e.entries.WriteEntry(docID, entry, r)
	if err != nil {
		return false, err
	}
	if written {
		e.metrics.EntriesStored.WithLabelValues("written").Inc()
	} else {
		e.metrics.EntriesStored.WithLabelValues("reused").Inc()
	}
	return written, nil
}

// OpenEntry opens stored entry bytes and returns their size
func (e *Engine) OpenEntry(docID string, entry models.Entry) (io.ReadCloser, int64, error) {
	f, err := e.entries.OpenEntry(docID, entry)
	if err != nil {
		if errors.Is(err, entrystore.ErrNoEntry) {
			return nil, 0, fmt.Errorf("%w: %v", storage.ErrNotFound, err)
		}
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat entry %s: %w", entry.Name, err)
	}
	return f, info.Size(), nil
}

// Stamps returns (docId, update time) for every document
func (e *Engine) Stamps(ctx context.Context) ([]models.DocStamp, error) {
	return e.index.DocumentStamps(ctx)
}
