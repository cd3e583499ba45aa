package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/iudanet/dockeeper/internal/models"
	"github.com/iudanet/dockeeper/internal/server/entrystore"
	"github.com/iudanet/dockeeper/internal/server/storage"
	"github.com/iudanet/dockeeper/internal/server/updatelog"
)

// CommitRequest describes a new version of a document
type CommitRequest struct {
	Manifest *models.Manifest // Manifest entries и атрибуты новой версии; DocID обязателен
	Log      *updatelog.Log   // Log протокол вызывающего; nil = движок откроет свой
	User     string           // User credited update user
	AuthUser string           // AuthUser expected lock holder; "" skips the lock check
	Origin   string           // Origin домен узла для реплицированных изменений
	// KeepLock leaves (or puts) the document checked out by AuthUser after the commit
	KeepLock bool
	// RequireLock fails the commit unless AuthUser already holds the lock
	RequireLock bool
}

// Commit persists req.Manifest as the new current version and returns its number.
// All entries must already be stored (see WriteEntry).
func (e *Engine) Commit(ctx context.Context, req CommitRequest) (int, error) {
	if req.Manifest == nil || req.Manifest.DocID == "" {
		return 0, fmt.Errorf("commit without document id")
	}
	docID := req.Manifest.DocID

	log := req.Log
	ownLog := log == nil
	if ownLog {
		log = e.protocols.Start(docID)
		defer log.Finish()
	}

	e.mu.Lock()

	holder, err := e.holder(ctx, docID)
	exists := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.mu.Unlock()
		return 0, err
	}

	if exists && req.AuthUser != "" && holder != "" && holder != req.AuthUser {
		e.mu.Unlock()
		log.Printf("error: document is checked out by %s", holder)
		return 0, fmt.Errorf("%w: %s is checked out by %s", storage.ErrConflict, docID, holder)
	}
	if req.RequireLock && (!exists || holder != req.AuthUser) {
		e.mu.Unlock()
		log.Printf("error: document is not checked out by %s", req.AuthUser)
		return 0, fmt.Errorf("%w: %s is not checked out by %s", storage.ErrConflict, docID, req.AuthUser)
	}

	var prevDoc *models.Document
	if exists {
		if prevDoc, err = e.document(ctx, docID); err != nil {
			e.mu.Unlock()
			return 0, err
		}
	}

	for _, entry := range req.Manifest.Entries {
		if !e.entries.HasEntryData(docID, entry) {
			e.mu.Unlock()
			log.Printf("error: entry %s is missing", entry.Name)
			return 0, fmt.Errorf("%w: entry %s of %s", storage.ErrIncompleteUpload, entry.Name, docID)
		}
	}

	prev, err := e.entries.Current(docID)
	if err != nil && !errors.Is(err, entrystore.ErrNoDocument) {
		e.mu.Unlock()
		return 0, err
	}

	version := 0
	switch {
	case prev != nil:
		version = prev.Version + 1
	case exists:
		// строка в индексе без манифеста: продолжаем нумерацию индекса
		version = prevDoc.Version + 1
	}

	now := e.now()
	m := e.stampManifest(req, prev, version, now)

	checkoutUser, checkoutTime := "", time.Time{}
	switch {
	case req.KeepLock:
		checkoutUser, checkoutTime = req.AuthUser, now
		if checkoutUser == "" {
			checkoutUser = req.User
		}
	case req.Origin != "" && exists:
		// реплицированная версия не меняет локальную блокировку
		checkoutUser, checkoutTime = prevDoc.CheckoutUser, prevDoc.CheckoutTime
	}

	doc := &models.Document{}
	doc.ApplyManifest(m)
	doc.Attributes = e.registry.Extract(m.Attributes)
	doc.CheckoutUser = checkoutUser
	doc.CheckoutTime = checkoutTime
	if doc.CheckoutUser == "" {
		doc.CheckoutTime = time.Time{}
	}

	if err := e.entries.Commit(m); err != nil {
		e.mu.Unlock()
		log.Printf("error: %v", err)
		return 0, fmt.Errorf("failed to commit manifest: %w", err)
	}

	if _, err := e.index.SaveDocument(ctx, doc); err != nil {
		// возвращаем прежний манифест: версия видна только вместе со строкой индекса
		if rerr := e.entries.Rollback(docID, prev); rerr != nil {
			e.logger.Error("failed to roll back manifest", "doc_id", docID, "version", version, "error", rerr)
		}
		e.mu.Unlock()
		e.logger.Error("failed to save document metadata", "doc_id", docID, "version", version, "error", err)
		log.Printf("error: %v", err)
		return 0, fmt.Errorf("failed to save document metadata: %w", err)
	}

	e.cache.Put(prevDoc, doc)

	e.mu.Unlock()

	origin := "local"
	eventUser := req.User
	if req.Origin != "" {
		origin = "replica"
		eventUser = models.ReplicaUser(req.Origin)
	}
	e.metrics.Commits.WithLabelValues(origin).Inc()

	log.Printf("version %d of %s committed by %s (%d entries)", version, docID, req.User, len(m.Entries))
	e.logger.Info("document committed",
		"doc_id", docID,
		"version", version,
		"user", req.User,
		"origin", req.Origin,
		"entries", len(m.Entries),
	)

	e.events.Publish(models.Event{
		Time:    now,
		Type:    models.EventUpdate,
		DocID:   docID,
		User:    eventUser,
		Origin:  req.Origin,
		Version: version,
	})

	if exists && prevDoc.Locked() && checkoutUser == "" {
		e.events.Publish(models.Event{Type: models.EventRelease, DocID: docID, User: eventUser, Origin: req.Origin, Version: version})
		log.Printf("checkout of %s released", prevDoc.CheckoutUser)
	}

	return version, nil
}

// stampManifest builds the manifest to persist: provenance defaults, update stamp, version
func (e *Engine) stampManifest(req CommitRequest, prev *models.Manifest, version int, now time.Time) *models.Manifest {
	m := req.Manifest.Clone()
	m.Version = version

	// состояние блокировки живет в индексе, а не в манифесте
	delete(m.Attributes, models.AttrCheckoutUser)
	delete(m.Attributes, models.AttrCheckoutTime)

	if prev != nil {
		m.SetDefault(models.AttrCheckinUser, prev.Attr(models.AttrCheckinUser))
		m.SetDefault(models.AttrCheckinTime, prev.Attr(models.AttrCheckinTime))
	}
	m.SetDefault(models.AttrCheckinUser, req.User)
	m.SetDefault(models.AttrCheckinTime, models.FormatTime(now))

	m.SetAttr(models.AttrUpdateUser, req.User)
	m.SetAttr(models.AttrUpdateTime, models.FormatTime(now))
	m.SetAttr(models.AttrVersion, strconv.Itoa(version))

	return m
}

// Delete removes a document. Only an unlocked document, or one locked by the
// caller, can be deleted unless the caller is an administrator.
func (e *Engine) Delete(ctx context.Context, p models.Principal, docID string) error {
	log := e.protocols.Start(docID)
	defer log.Finish()

	e.mu.Lock()

	holder, err := e.holder(ctx, docID)
	if err != nil {
		e.mu.Unlock()
		log.Printf("error: %v", err)
		return err
	}

	if holder != "" && holder != p.Name && !p.Admin {
		e.mu.Unlock()
		log.Printf("error: document is checked out by %s", holder)
		return fmt.Errorf("%w: %s is checked out by %s", storage.ErrConflict, docID, holder)
	}

	doc, err := e.document(ctx, docID)
	if err != nil {
		e.mu.Unlock()
		log.Printf("error: %v", err)
		return err
	}

	if err := e.index.DeleteDocument(ctx, docID); err != nil {
		e.mu.Unlock()
		log.Printf("error: %v", err)
		return fmt.Errorf("failed to delete document: %w", err)
	}
	e.cache.Remove(doc)

	if err := e.entries.Remove(docID); err != nil {
		// файлы можно дочистить позже, метаданные уже удалены
		e.logger.Warn("failed to remove document files", "doc_id", docID, "error", err)
		log.Printf("warning: files of %s were not removed", docID)
	}

	e.mu.Unlock()

	e.metrics.Deletes.Inc()
	log.Printf("document %s deleted by %s", docID, p.Name)
	e.logger.Info("document deleted", "doc_id", docID, "user", p.Name)

	e.events.Publish(models.Event{Type: models.EventDelete, DocID: docID, User: p.Name, Version: doc.Version})

	return nil
}
