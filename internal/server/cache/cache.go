// Package cache holds the in-process views of the metadata index owned by the engine.
package cache

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/iudanet/dockeeper/internal/models"
)

// DefaultSize is the number of documents kept in the metadata and checkout caches
const DefaultSize = 4096

// Cache combines checkout-user and metadata LRU caches, attribute-value summaries and
// the set of known document ids. It is mutated only together with the metadata index.
type Cache struct {
	checkout  *lru.Cache[string, string]
	documents *lru.Cache[string, *models.Document]

	mu           sync.RWMutex
	summaryAttrs []string
	summaries    map[string]map[string]int
	ids          map[string]struct{}
}

// New creates an empty cache; summaryAttrs are the attributes counted for filter suggestions
func New(size int, summaryAttrs []string) (*Cache, error) {
	if size <= 0 {
		size = DefaultSize
	}

	checkout, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout cache: %w", err)
	}
	documents, err := lru.New[string, *models.Document](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata cache: %w", err)
	}

	c := &Cache{
		checkout:     checkout,
		documents:    documents,
		summaryAttrs: summaryAttrs,
		summaries:    make(map[string]map[string]int, len(summaryAttrs)),
		ids:          make(map[string]struct{}),
	}
	for _, a := range summaryAttrs {
		c.summaries[a] = make(map[string]int)
	}
	return c, nil
}

// Load seeds the id set and summaries from the metadata index at startup
func (c *Cache) Load(ids []string, summaries map[string]map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ids = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		c.ids[id] = struct{}{}
	}

	for _, a := range c.summaryAttrs {
		counts := make(map[string]int, len(summaries[a]))
		for v, n := range summaries[a] {
			if n > 0 {
				counts[v] = n
			}
		}
		c.summaries[a] = counts
	}

	c.documents.Purge()
	c.checkout.Purge()
}

// Document returns a copy of the cached metadata row
func (c *Cache) Document(id string) (*models.Document, bool) {
	doc, ok := c.documents.Get(id)
	if !ok {
		return nil, false
	}
	return doc.Clone(), true
}

// CheckoutUser returns the cached lock holder ("" for unlocked)
func (c *Cache) CheckoutUser(id string) (string, bool) {
	return c.checkout.Get(id)
}

// Remember caches a row read from the index without touching summaries
func (c *Cache) Remember(doc *models.Document) {
	c.documents.Add(doc.ID, doc.Clone())
	c.checkout.Add(doc.ID, doc.CheckoutUser)
}

// Put records a saved document; prev is the row before the save or nil for a new document.
// Summaries are adjusted by the difference between prev and doc.
func (c *Cache) Put(prev, doc *models.Document) {
	c.Remember(doc)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.ids[doc.ID] = struct{}{}
	if prev != nil {
		c.count(prev, -1)
	}
	c.count(doc, 1)
}

// SetCheckout updates the lock holder of a cached document
func (c *Cache) SetCheckout(id, user string, at time.Time) {
	c.checkout.Add(id, user)
	if doc, ok := c.documents.Peek(id); ok {
		updated := doc.Clone()
		updated.CheckoutUser = user
		updated.CheckoutTime = at
		if user == "" {
			updated.CheckoutTime = time.Time{}
		}
		c.documents.Add(id, updated)
	}
}

// Remove forgets a deleted document
func (c *Cache) Remove(doc *models.Document) {
	c.documents.Remove(doc.ID)
	c.checkout.Remove(doc.ID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.ids[doc.ID]; ok {
		delete(c.ids, doc.ID)
		c.count(doc, -1)
	}
}

// Count returns the number of known documents
func (c *Cache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

// Contains reports whether id is a known document
func (c *Cache) Contains(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.ids[id]
	return ok
}

// Summaries returns a copy of attribute value counts
func (c *Cache) Summaries() map[string]map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]map[string]int, len(c.summaries))
	for a, counts := range c.summaries {
		cp := make(map[string]int, len(counts))
		for v, n := range counts {
			cp[v] = n
		}
		out[a] = cp
	}
	return out
}

// count добавляет (delta=1) или вычитает (delta=-1) значения атрибутов документа
func (c *Cache) count(doc *models.Document, delta int) {
	for _, a := range c.summaryAttrs {
		v, ok := doc.Attributes[a]
		if !ok || v == nil {
			continue
		}
		key := models.AttributeString(v)
		counts := c.summaries[a]
		counts[key] += delta
		if counts[key] <= 0 {
			delete(counts, key)
		}
	}
}
