// Package deltasync is the server half of the two-phase upload protocol:
// a manifest exchange that answers with the entries the server lacks, then
// an archive transfer of exactly those entries.
package deltasync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/iudanet/dockeeper/internal/crypto"
	"github.com/iudanet/dockeeper/internal/models"
	"github.com/iudanet/dockeeper/internal/server/engine"
	"github.com/iudanet/dockeeper/internal/server/entrystore"
	"github.com/iudanet/dockeeper/internal/server/metrics"
	"github.com/iudanet/dockeeper/internal/server/storage"
	"github.com/iudanet/dockeeper/internal/server/updatelog"
	"github.com/iudanet/dockeeper/internal/validation"
	"github.com/iudanet/dockeeper/pkg/protocol"
)

// DefaultPending количество одновременно хранимых незавершенных загрузок
const DefaultPending = 128

// Store is the part of the storage engine the protocol drives
type Store interface {
	Document(ctx context.Context, docID string) (*models.Document, error)
	Manifest(ctx context.Context, docID string, version int) (*models.Manifest, error)
	HasEntryData(docID string, entry models.Entry) bool
	WriteEntry(docID string, entry models.Entry, r io.Reader) (bool, error)
	Commit(ctx context.Context, req engine.CommitRequest) (int, error)
	Protocols() *updatelog.Registry
}

// Request is a phase 1 manifest submission
type Request struct {
	Manifest    *models.Manifest // Manifest целевой набор записей; пустой DocID = новый документ
	User        string           // User credited update user
	AuthUser    string           // AuthUser session user; "" for replicated writes
	Origin      string           // Origin remote domain of a replicated write
	KeepLock    bool
	RequireLock bool
	// SkipUnchanged returns without committing when neither entries nor attributes differ
	SkipUnchanged bool
}

// Result is the answer to a phase 1 submission
type Result struct {
	DocID     string
	Token     string         // Token пустой, если коммит уже выполнен
	ToFetch   []models.Entry // ToFetch entries expected in phase 2
	Version   int
	Committed bool
	Diff      Diff
	Log       []string
}

// TransferResult is the outcome of a phase 2 transfer
type TransferResult struct {
	Outstanding []models.Entry
	Log         []string
	Received    int // Received entries accepted in this transfer
	Version     int
	Committed   bool
}

// pendingUpdate is a staged document update waiting for entry bytes
type pendingUpdate struct {
	mu      sync.Mutex
	req     Request
	log     *updatelog.Log
	missing map[string]models.Entry
}

// Service runs the server half of delta-sync
type Service struct {
	store   Store
	pending *lru.Cache[string, *pendingUpdate]
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewService creates a service keeping at most size staged updates
func NewService(store Store, size int, m *metrics.Metrics, logger *slog.Logger) (*Service, error) {
	if size <= 0 {
		size = DefaultPending
	}
	pending, err := lru.NewWithEvict[string, *pendingUpdate](size, func(token string, u *pendingUpdate) {
		logger.Debug("staged update evicted", "doc_id", u.req.Manifest.DocID, "outstanding", len(u.missing))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create update cache: %w", err)
	}

	return &Service{store: store, pending: pending, metrics: m, logger: logger}, nil
}

// Begin handles phase 1. Entries the store already holds are adopted at once;
// if none are missing the commit happens here and Result.Token is empty.
func (s *Service) Begin(ctx context.Context, req Request) (*Result, error) {
	if req.Manifest == nil {
		return nil, fmt.Errorf("update without manifest")
	}
	m := req.Manifest.Clone()
	if m.DocID == "" {
		m.DocID = uuid.NewString()
	}
	if err := validateManifest(m); err != nil {
		return nil, err
	}
	req.Manifest = m

	prev, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	diff := Compute(prev, m, func(e models.Entry) bool {
		return s.store.HasEntryData(m.DocID, e)
	})
	s.metrics.DeltaFetch.Observe(float64(len(diff.ToFetch)))

	res := &Result{DocID: m.DocID, ToFetch: diff.ToFetch, Diff: diff}

	if req.SkipUnchanged && prev != nil && !diff.Changed() && !attributesDiffer(prev, m) {
		s.logger.Debug("update carries no changes", "doc_id", m.DocID, "version", prev.Version)
		res.Version = prev.Version
		return res, nil
	}

	log := s.store.Protocols().Start(m.DocID)
	log.Printf("update of %s: %d unchanged, %d updated, %d removed, %d to fetch",
		m.DocID, diff.Unchanged, diff.Updated, diff.Removed, len(diff.ToFetch))

	if len(diff.ToFetch) == 0 {
		version, err := s.commit(ctx, req, log)
		res.Log = log.Lines()
		if err != nil {
			return res, err
		}
		res.Version = version
		res.Committed = true
		return res, nil
	}

	u := &pendingUpdate{
		req:     req,
		log:     log,
		missing: make(map[string]models.Entry, len(diff.ToFetch)),
	}
	for _, e := range diff.ToFetch {
		u.missing[e.Name] = e
	}

	res.Token = uuid.NewString()
	s.pending.Add(res.Token, u)
	log.Printf("waiting for %d entries", len(diff.ToFetch))

	s.logger.Info("update staged",
		"doc_id", m.DocID,
		"to_fetch", len(diff.ToFetch),
		"unchanged", diff.Unchanged,
		"updated", diff.Updated,
	)

	return res, nil
}

// prepare checks lock ownership early and returns the current manifest (nil for a new document)
func (s *Service) prepare(ctx context.Context, req Request) (*models.Manifest, error) {
	doc, err := s.store.Document(ctx, req.Manifest.DocID)
	if errors.Is(err, storage.ErrNotFound) {
		if req.RequireLock {
			return nil, fmt.Errorf("%w: %s is not checked out by %s", storage.ErrConflict, req.Manifest.DocID, req.AuthUser)
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if req.AuthUser != "" && doc.LockedByOther(req.AuthUser) {
		return nil, fmt.Errorf("%w: %s is checked out by %s", storage.ErrConflict, doc.ID, doc.CheckoutUser)
	}

	prev, err := s.store.Manifest(ctx, doc.ID, 0)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return prev, err
}

// Owner returns the session user that staged the update; "" for replicated writes
func (s *Service) Owner(token string) (string, error) {
	u, ok := s.pending.Peek(token)
	if !ok {
		return "", fmt.Errorf("%w: %s", storage.ErrInvalidToken, token)
	}
	return u.req.AuthUser, nil
}

// Outstanding returns entries of a staged update the store still lacks
func (s *Service) Outstanding(token string) ([]models.Entry, error) {
	u, ok := s.pending.Get(token)
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrInvalidToken, token)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	return s.outstanding(u), nil
}

func (s *Service) outstanding(u *pendingUpdate) []models.Entry {
	out := make([]models.Entry, 0, len(u.missing))
	for _, e := range u.req.Manifest.Entries {
		if _, ok := u.missing[e.Name]; !ok {
			continue
		}
		if s.store.HasEntryData(u.req.Manifest.DocID, e) {
			delete(u.missing, e.Name)
			continue
		}
		out = append(out, e)
	}
	return out
}

// Receive writes the entries of an archive into a staged update.
// Members that are not part of the update are skipped; a member whose bytes
// do not match its hash stays outstanding.
func (s *Service) Receive(ctx context.Context, token string, ar *protocol.ArchiveReader) (int, error) {
	u, ok := s.pending.Get(token)
	if !ok {
		return 0, fmt.Errorf("%w: %s", storage.ErrInvalidToken, token)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	return s.receive(ctx, u, ar)
}

func (s *Service) receive(ctx context.Context, u *pendingUpdate, ar *protocol.ArchiveReader) (int, error) {
	docID := u.req.Manifest.DocID
	wanted := u.req.Manifest.EntryIndex()
	received := 0

	for {
		if err := ctx.Err(); err != nil {
			return received, err
		}

		member, r, err := ar.Next()
		if errors.Is(err, io.EOF) {
			return received, nil
		}
		if err != nil {
			u.log.Printf("transfer interrupted after %d entries", received)
			return received, fmt.Errorf("%w: %v", storage.ErrTransport, err)
		}

		e, ok := wanted[member.Name]
		if !ok || e.DataHash != member.DataHash {
			u.log.Printf("skipping unexpected entry %s", member.Name)
			if _, err := io.Copy(io.Discard, r); err != nil {
				return received, fmt.Errorf("%w: %v", storage.ErrTransport, err)
			}
			continue
		}

		if _, err := s.store.WriteEntry(docID, e, r); err != nil {
			if errors.Is(err, entrystore.ErrHashMismatch) {
				u.log.Printf("entry %s rejected: content does not match its hash", e.Name)
				s.logger.Warn("entry hash mismatch", "doc_id", docID, "entry", e.Name)
				continue
			}
			return received, fmt.Errorf("failed to store entry %s: %w", e.Name, err)
		}

		delete(u.missing, e.Name)
		received++
	}
}

// Finish commits a staged update once every entry is stored.
// With entries still missing it returns ErrIncompleteUpload and keeps the token.
func (s *Service) Finish(ctx context.Context, token string) (*TransferResult, error) {
	u, ok := s.pending.Get(token)
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrInvalidToken, token)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	return s.finish(ctx, token, u, 0)
}

func (s *Service) finish(ctx context.Context, token string, u *pendingUpdate, received int) (*TransferResult, error) {
	res := &TransferResult{Received: received}

	res.Outstanding = s.outstanding(u)
	if len(res.Outstanding) > 0 {
		u.log.Printf("%d entries still missing", len(res.Outstanding))
		res.Log = u.log.Lines()
		return res, fmt.Errorf("%w: %d entries of %s outstanding", storage.ErrIncompleteUpload, len(res.Outstanding), u.req.Manifest.DocID)
	}

	version, err := s.commit(ctx, u.req, u.log)
	res.Log = u.log.Lines()
	if err != nil {
		if errors.Is(err, storage.ErrIncompleteUpload) {
			// файл записи пропал между проверкой и коммитом; повтор возможен
			return res, err
		}
		s.pending.Remove(token)
		return res, err
	}

	s.pending.Remove(token)
	res.Version = version
	res.Committed = true
	return res, nil
}

// Transfer handles phase 2: it consumes the archive and commits when complete.
// The archive has to end with a member named after the token.
func (s *Service) Transfer(ctx context.Context, token string, r io.Reader) (*TransferResult, error) {
	u, ok := s.pending.Get(token)
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrInvalidToken, token)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	ar := protocol.NewArchiveReader(r)
	received, err := s.receive(ctx, u, ar)
	if err != nil {
		return &TransferResult{Received: received, Outstanding: s.outstanding(u), Log: u.log.Lines()}, err
	}

	if ar.Token() != token {
		u.log.Printf("transfer ended without its terminator")
		return &TransferResult{Received: received, Outstanding: s.outstanding(u), Log: u.log.Lines()},
			fmt.Errorf("%w: archive terminator %q does not match", storage.ErrIncompleteUpload, ar.Token())
	}

	return s.finish(ctx, token, u, received)
}

func (s *Service) commit(ctx context.Context, req Request, log *updatelog.Log) (int, error) {
	defer log.Finish()

	return s.store.Commit(ctx, engine.CommitRequest{
		Manifest:    req.Manifest,
		Log:         log,
		User:        req.User,
		AuthUser:    req.AuthUser,
		Origin:      req.Origin,
		KeepLock:    req.KeepLock,
		RequireLock: req.RequireLock,
	})
}

func validateManifest(m *models.Manifest) error {
	if err := validation.ValidateDocID(m.DocID); err != nil {
		return err
	}
	for _, e := range m.Entries {
		if err := validation.ValidateEntryName(e.Name); err != nil {
			return err
		}
		if !crypto.IsHash(e.DataHash) {
			return fmt.Errorf("entry %s: invalid hash %q", e.Name, e.DataHash)
		}
	}
	return nil
}

// attributesDiffer compares manifests ignoring attributes the engine stamps itself
func attributesDiffer(prev, target *models.Manifest) bool {
	stamped := map[string]bool{
		models.AttrVersion:      true,
		models.AttrUpdateUser:   true,
		models.AttrUpdateTime:   true,
		models.AttrCheckoutUser: true,
		models.AttrCheckoutTime: true,
	}
	for k, v := range target.Attributes {
		if !stamped[k] && prev.Attr(k) != v {
			return true
		}
	}
	for k := range prev.Attributes {
		if !stamped[k] && target.Attr(k) == "" {
			return true
		}
	}
	return false
}
