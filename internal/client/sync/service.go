// Package sync moves document versions between the server and local
// working directories. Only entries whose content differs are transferred
// in either direction.
package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/iudanet/dockeeper/internal/client/api"
	"github.com/iudanet/dockeeper/internal/client/storage"
	"github.com/iudanet/dockeeper/internal/crypto"
	"github.com/iudanet/dockeeper/internal/models"
	serverstorage "github.com/iudanet/dockeeper/internal/server/storage"
	"github.com/iudanet/dockeeper/internal/validation"
	"github.com/iudanet/dockeeper/pkg/protocol"
)

//go:generate moq -out api_mock.go . API

// API is the part of the server protocol used by the sync service
type API interface {
	Checkout(ctx context.Context, sid, docID string, version int) (*models.Manifest, error)
	Manifest(ctx context.Context, sid, docID string, version int) (*models.Manifest, error)
	Fetch(ctx context.Context, sid, docID string, entries []models.Entry) (*api.Archive, error)
	Update(ctx context.Context, req api.UpdateRequest) (*api.UpdateResult, error)
	Transfer(ctx context.Context, sid, token string, archive func() (io.Reader, error)) ([]string, error)
	Release(ctx context.Context, sid, docID string) error
}

const (
	defaultTransferAttempts = 3
	tempPrefix              = ".dockeeper-"
)

// stampedAttributes are set by the server on every commit and never sent back
var stampedAttributes = map[string]bool{
	models.AttrCheckinUser:      true,
	models.AttrCheckinTime:      true,
	models.AttrCheckoutUser:     true,
	models.AttrCheckoutTime:     true,
	models.AttrUpdateUser:       true,
	models.AttrUpdateTime:       true,
	models.AttrOrigUpdateUser:   true,
	models.AttrOrigUpdateTime:   true,
	models.AttrOrigUpdateDomain: true,
	models.AttrVersion:          true,
}

// Service synchronizes working directories with the server
type Service struct {
	api      API
	copies   storage.WorkingCopyStorage
	fs       afero.Fs
	logger   *slog.Logger
	now      func() time.Time
	attempts int
}

// NewService creates a new sync service
func NewService(apiClient API, copies storage.WorkingCopyStorage, fs afero.Fs, logger *slog.Logger) *Service {
	return &Service{
		api:      apiClient,
		copies:   copies,
		fs:       fs,
		logger:   logger,
		now:      time.Now,
		attempts: defaultTransferAttempts,
	}
}

// CheckoutOptions selects the document version and the target directory
type CheckoutOptions struct {
	DocID   string
	Dir     string
	Version int  // 0 = текущая, <0 = относительно текущей
	Lock    bool // взять блокировку документа
}

// CheckoutResult describes what a checkout did to the directory
type CheckoutResult struct {
	Copy    *storage.WorkingCopy
	Fetched int // записей загружено с сервера
	Reused  int // записей уже было в каталоге
	Removed int // файлов удалено
	Kept    []string
}

// Checkout brings dir to the requested document version. Files already
// present with the right content are reused; files of the previous
// version that are gone from the new one are removed unless modified locally.
func (s *Service) Checkout(ctx context.Context, sid string, opts CheckoutOptions) (*CheckoutResult, error) {
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("invalid directory %q: %w", opts.Dir, err)
	}

	prev, err := s.workingCopy(ctx, dir)
	if err != nil {
		return nil, err
	}
	if prev != nil && prev.DocID != opts.DocID {
		return nil, fmt.Errorf("directory %s holds document %s", dir, prev.DocID)
	}

	var m *models.Manifest
	if opts.Lock {
		m, err = s.api.Checkout(ctx, sid, opts.DocID, opts.Version)
	} else {
		m, err = s.api.Manifest(ctx, sid, opts.DocID, opts.Version)
	}
	if err != nil {
		return nil, err
	}

	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	local, err := s.scan(dir)
	if err != nil {
		return nil, err
	}
	localIdx := indexEntries(local)

	result := &CheckoutResult{}
	var need []models.Entry
	for _, e := range m.Entries {
		if l, ok := localIdx[e.Name]; ok && l.DataHash == e.DataHash {
			result.Reused++
			continue
		}
		need = append(need, e)
	}

	if len(need) > 0 {
		if result.Fetched, err = s.download(ctx, sid, m.DocID, dir, need); err != nil {
			return nil, err
		}
	}

	// удаляем файлы прежней версии, которых нет в новой
	if prev != nil {
		for _, e := range prev.Entries {
			if _, ok := m.Entry(e.Name); ok {
				continue
			}
			l, ok := localIdx[e.Name]
			if !ok {
				continue
			}
			if l.DataHash != e.DataHash {
				result.Kept = append(result.Kept, e.Name)
				continue
			}
			if err := s.fs.Remove(filepath.Join(dir, e.Name)); err != nil {
				return nil, fmt.Errorf("failed to remove %s: %w", e.Name, err)
			}
			result.Removed++
		}
	}

	wc := &storage.WorkingCopy{
		Dir:        dir,
		DocID:      m.DocID,
		Version:    m.Version,
		Locked:     opts.Lock || (prev != nil && prev.Locked),
		Attributes: userAttributes(m.Attributes),
		Entries:    m.Entries,
		SyncedAt:   s.now().UTC(),
	}
	if err := s.copies.SaveWorkingCopy(ctx, wc); err != nil {
		return nil, fmt.Errorf("failed to save working copy: %w", err)
	}
	result.Copy = wc

	s.logger.Info("Checked out document",
		"doc_id", m.DocID,
		"version", m.Version,
		"dir", dir,
		"fetched", result.Fetched,
		"reused", result.Reused,
		"removed", result.Removed)

	return result, nil
}

// download fetches entries and stores them in dir after hash verification
func (s *Service) download(ctx context.Context, sid, docID, dir string, need []models.Entry) (int, error) {
	archive, err := s.api.Fetch(ctx, sid, docID, need)
	if err != nil {
		return 0, err
	}
	defer archive.Close()

	wanted := indexEntries(need)
	fetched := 0
	for {
		member, data, err := archive.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fetched, err
		}

		e, ok := wanted[member.Name]
		if !ok {
			return fetched, fmt.Errorf("server sent unexpected entry %q", member.Name)
		}
		if err := s.writeEntry(dir, e, data); err != nil {
			return fetched, err
		}
		delete(wanted, member.Name)
		fetched++
	}

	if len(wanted) > 0 {
		missing := make([]string, 0, len(wanted))
		for name := range wanted {
			missing = append(missing, name)
		}
		sort.Strings(missing)
		return fetched, fmt.Errorf("server did not send %d entries: %s", len(missing), strings.Join(missing, ", "))
	}
	return fetched, nil
}

// writeEntry stores r as dir/e.Name via a temporary file
func (s *Service) writeEntry(dir string, e models.Entry, r io.Reader) error {
	tmp := filepath.Join(dir, tempPrefix+e.Name+".tmp")
	final := filepath.Join(dir, e.Name)

	f, err := s.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	hw := crypto.NewHashingWriter(f)
	_, copyErr := io.Copy(hw, r)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", e.Name, err)
	}

	if hw.Sum() != e.DataHash {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("entry %s: content hash mismatch", e.Name)
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", e.Name, err)
	}
	if !e.UpdateTime.IsZero() {
		if err := s.fs.Chtimes(final, e.UpdateTime, e.UpdateTime); err != nil {
			s.logger.Warn("Failed to set modification time", "entry", e.Name, "error", err)
		}
	}
	return nil
}

// UploadOptions describes an upload of a working directory
type UploadOptions struct {
	Attributes  map[string]string // пустое значение удаляет атрибут
	Dir         string
	DocID       string // пусто = документ каталога или новый документ
	User        string // автор версии, если отличается от пользователя сессии
	KeepLock    bool
	RequireLock bool
}

// UploadResult is the outcome of an upload
type UploadResult struct {
	DocID   string
	Log     []string
	Version int
	Sent    int // записей отправлено на сервер
}

// Upload commits the contents of dir as the next version of the document.
// Only entries the server does not already hold are sent.
func (s *Service) Upload(ctx context.Context, sid string, opts UploadOptions) (*UploadResult, error) {
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("invalid directory %q: %w", opts.Dir, err)
	}

	prev, err := s.workingCopy(ctx, dir)
	if err != nil {
		return nil, err
	}
	docID := opts.DocID
	if prev != nil {
		if docID != "" && docID != prev.DocID {
			return nil, fmt.Errorf("directory %s holds document %s", dir, prev.DocID)
		}
		docID = prev.DocID
	}

	entries, err := s.scan(dir)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		// неизмененные файлы сохраняют время из манифеста
		for i, e := range entries {
			if p, ok := prev.Entry(e.Name); ok && p.DataHash == e.DataHash && !p.UpdateTime.IsZero() {
				entries[i].UpdateTime = p.UpdateTime
			}
		}
	}

	m := models.NewManifest(docID)
	if prev != nil {
		for k, v := range prev.Attributes {
			m.SetAttr(k, v)
		}
	}
	for k, v := range opts.Attributes {
		m.SetAttr(k, v)
	}
	m.Entries = entries

	res, err := s.api.Update(ctx, api.UpdateRequest{
		Manifest:    m,
		Session:     sid,
		DocID:       docID,
		User:        opts.User,
		KeepLock:    opts.KeepLock,
		RequireLock: opts.RequireLock,
	})
	if err != nil {
		return nil, err
	}

	result := &UploadResult{DocID: res.DocID, Log: res.Log}
	if res.Token != "" {
		result.Sent = len(res.ToFetch)
		if result.Log, err = s.transfer(ctx, sid, dir, res.Token, res.ToFetch); err != nil {
			return result, err
		}
	}

	// фиксируем версию, которую сервер присвоил
	current, err := s.api.Manifest(ctx, sid, res.DocID, 0)
	if err != nil {
		return result, fmt.Errorf("upload committed but manifest refresh failed: %w", err)
	}
	result.Version = current.Version

	wc := &storage.WorkingCopy{
		Dir:        dir,
		DocID:      current.DocID,
		Version:    current.Version,
		Locked:     opts.KeepLock && prev != nil && prev.Locked,
		Attributes: userAttributes(current.Attributes),
		Entries:    current.Entries,
		SyncedAt:   s.now().UTC(),
	}
	if err := s.copies.SaveWorkingCopy(ctx, wc); err != nil {
		return result, fmt.Errorf("failed to save working copy: %w", err)
	}

	s.logger.Info("Uploaded document",
		"doc_id", result.DocID,
		"version", result.Version,
		"sent", result.Sent,
		"entries", len(entries))

	return result, nil
}

// transfer streams the requested entries, repeating while the server
// reports the upload incomplete
func (s *Service) transfer(ctx context.Context, sid, dir, token string, entries []models.Entry) ([]string, error) {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		log, err := s.api.Transfer(ctx, sid, token, s.archive(dir, token, entries))
		if err == nil {
			return log, nil
		}
		if !errors.Is(err, serverstorage.ErrIncompleteUpload) {
			return log, err
		}
		lastErr = err
		s.logger.Warn("Entry transfer incomplete, retrying",
			"token", token,
			"attempt", attempt,
			"error", err)
	}
	return nil, lastErr
}

// archive returns a producer of the phase-2 tar stream for one attempt
func (s *Service) archive(dir, token string, entries []models.Entry) func() (io.Reader, error) {
	return func() (io.Reader, error) {
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(s.writeArchive(pw, dir, token, entries))
		}()
		return pr, nil
	}
}

func (s *Service) writeArchive(w io.Writer, dir, token string, entries []models.Entry) error {
	aw := protocol.NewArchiveWriter(w)
	for _, e := range entries {
		if err := s.writeMember(aw, dir, e); err != nil {
			return err
		}
	}
	return aw.Close(token)
}

func (s *Service) writeMember(aw *protocol.ArchiveWriter, dir string, e models.Entry) error {
	f, err := s.fs.Open(filepath.Join(dir, e.Name))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", e.Name, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", e.Name, err)
	}
	return aw.WriteEntry(e, fi.Size(), f)
}

// Release drops the lock held on the document of dir
func (s *Service) Release(ctx context.Context, sid, dir string) (*storage.WorkingCopy, error) {
	wc, err := s.requireWorkingCopy(ctx, dir)
	if err != nil {
		return nil, err
	}
	if err := s.api.Release(ctx, sid, wc.DocID); err != nil {
		return nil, err
	}

	wc.Locked = false
	if err := s.copies.SaveWorkingCopy(ctx, wc); err != nil {
		return nil, fmt.Errorf("failed to save working copy: %w", err)
	}
	return wc, nil
}

// Status lists local changes relative to the last synchronized version
type Status struct {
	Copy     *storage.WorkingCopy
	Added    []string
	Modified []string
	Removed  []string
}

// Clean reports whether dir matches the recorded version
func (st *Status) Clean() bool {
	return len(st.Added) == 0 && len(st.Modified) == 0 && len(st.Removed) == 0
}

// Status compares dir with its working copy record
func (s *Service) Status(ctx context.Context, dir string) (*Status, error) {
	wc, err := s.requireWorkingCopy(ctx, dir)
	if err != nil {
		return nil, err
	}
	local, err := s.scan(wc.Dir)
	if err != nil {
		return nil, err
	}

	st := &Status{Copy: wc}
	localIdx := indexEntries(local)
	for _, e := range local {
		recorded, ok := wc.Entry(e.Name)
		switch {
		case !ok:
			st.Added = append(st.Added, e.Name)
		case recorded.DataHash != e.DataHash:
			st.Modified = append(st.Modified, e.Name)
		}
	}
	for _, e := range wc.Entries {
		if _, ok := localIdx[e.Name]; !ok {
			st.Removed = append(st.Removed, e.Name)
		}
	}
	return st, nil
}

// Forget drops working copy records of docID, e.g. after the document was deleted.
// Files in the directories are left alone.
func (s *Service) Forget(ctx context.Context, docID string) (int, error) {
	copies, err := s.copies.ListWorkingCopies(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, wc := range copies {
		if wc.DocID != docID {
			continue
		}
		if err := s.copies.DeleteWorkingCopy(ctx, wc.Dir); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// WorkingCopies returns all known working directories
func (s *Service) WorkingCopies(ctx context.Context) ([]*storage.WorkingCopy, error) {
	return s.copies.ListWorkingCopies(ctx)
}

// scan hashes the regular files of dir; hidden files and names the server
// would reject are skipped
func (s *Service) scan(dir string) ([]models.Entry, error) {
	infos, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	entries := make([]models.Entry, 0, len(infos))
	for _, fi := range infos {
		if fi.IsDir() || strings.HasPrefix(fi.Name(), ".") {
			continue
		}
		if err := validation.ValidateEntryName(fi.Name()); err != nil {
			s.logger.Warn("Skipping file", "name", fi.Name(), "error", err)
			continue
		}

		hash, err := s.hashFile(filepath.Join(dir, fi.Name()))
		if err != nil {
			return nil, err
		}
		entries = append(entries, models.Entry{
			Name:       fi.Name(),
			DataHash:   hash,
			UpdateTime: fi.ModTime().UTC().Truncate(time.Millisecond),
		})
	}
	return entries, nil
}

func (s *Service) hashFile(path string) (string, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	hash, _, err := crypto.HashReader(f)
	return hash, err
}

// workingCopy returns the record of dir or nil
func (s *Service) workingCopy(ctx context.Context, dir string) (*storage.WorkingCopy, error) {
	wc, err := s.copies.GetWorkingCopy(ctx, dir)
	if errors.Is(err, storage.ErrWorkingCopyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load working copy: %w", err)
	}
	return wc, nil
}

func (s *Service) requireWorkingCopy(ctx context.Context, dir string) (*storage.WorkingCopy, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid directory %q: %w", dir, err)
	}
	wc, err := s.copies.GetWorkingCopy(ctx, abs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	return wc, nil
}

// userAttributes drops attributes the server stamps itself
func userAttributes(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if !stampedAttributes[k] {
			out[k] = v
		}
	}
	return out
}

func indexEntries(entries []models.Entry) map[string]models.Entry {
	idx := make(map[string]models.Entry, len(entries))
	for _, e := range entries {
		idx[e.Name] = e
	}
	return idx
}
