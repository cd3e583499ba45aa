// Package entrystore keeps document manifests and content-addressed entry files.
//
// Layout under the root:
//
//	<id[0:2]>/<id[2:4]>/<id>/manifest.json      current manifest
//	<id[0:2]>/<id[2:4]>/<id>/manifest.<N>.json  superseded version N
//	<id[0:2]>/<id[2:4]>/<id>/<name>@<hash>      one file per distinct (name, hash)
package entrystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"

	"github.com/iudanet/dockeeper/internal/crypto"
	"github.com/iudanet/dockeeper/internal/models"
)

const currentManifest = "manifest.json"

var (
	// ErrNoDocument indicates that no manifest exists for the document
	ErrNoDocument = errors.New("document has no manifest")

	// ErrNoVersion indicates that the requested version manifest does not exist
	ErrNoVersion = errors.New("version not found")

	// ErrNoEntry indicates that the entry file is absent
	ErrNoEntry = errors.New("entry data not found")

	// ErrHashMismatch indicates that written bytes do not match the declared hash
	ErrHashMismatch = errors.New("entry data does not match declared hash")
)

// Store is the on-disk entry store
type Store struct {
	fs   afero.Afero
	root string
}

// New creates a store rooted at root on fs
func New(fs afero.Fs, root string) *Store {
	return &Store{fs: afero.Afero{Fs: fs}, root: root}
}

// DocumentDir returns the sharded directory of a document
func (s *Store) DocumentDir(docID string) string {
	if len(docID) < 4 {
		return filepath.Join(s.root, "_", docID)
	}
	return filepath.Join(s.root, docID[0:2], docID[2:4], docID)
}

func entryFileName(e models.Entry) string {
	return url.PathEscape(e.Name) + "@" + e.DataHash
}

func historicalName(version int) string {
	return "manifest." + strconv.Itoa(version) + ".json"
}

// HasEntryData reports whether byte-identical content for e is already stored
func (s *Store) HasEntryData(docID string, e models.Entry) bool {
	if e.DataHash == "" {
		return false
	}
	ok, err := s.fs.Exists(filepath.Join(s.DocumentDir(docID), entryFileName(e)))
	return err == nil && ok
}

// WriteEntry stores the bytes of e read from r.
// If the (name, hash) file already exists r is drained and nothing is written;
// the returned flag reports whether new bytes hit the disk.
func (s *Store) WriteEntry(docID string, e models.Entry, r io.Reader) (bool, error) {
	if s.HasEntryData(docID, e) {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return false, fmt.Errorf("failed to drain entry %s: %w", e.Name, err)
		}
		return false, nil
	}

	dir := s.DocumentDir(docID)
	if err := s.fs.MkdirAll(dir, 0o750); err != nil {
		return false, fmt.Errorf("failed to create document dir: %w", err)
	}

	tmp, err := s.fs.TempFile(dir, ".entry-*")
	if err != nil {
		return false, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	hw := crypto.NewHashingWriter(tmp)
	_, copyErr := io.Copy(hw, r)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		_ = s.fs.Remove(tmpName)
		return false, fmt.Errorf("failed to write entry %s: %w", e.Name, errors.Join(copyErr, closeErr))
	}

	if hw.Sum() != e.DataHash {
		_ = s.fs.Remove(tmpName)
		return false, fmt.Errorf("%w: %s", ErrHashMismatch, e.Name)
	}

	if err := s.fs.Rename(tmpName, filepath.Join(dir, entryFileName(e))); err != nil {
		_ = s.fs.Remove(tmpName)
		return false, fmt.Errorf("failed to store entry %s: %w", e.Name, err)
	}

	return true, nil
}

// OpenEntry opens the stored bytes of e
func (s *Store) OpenEntry(docID string, e models.Entry) (afero.File, error) {
	f, err := s.fs.Open(filepath.Join(s.DocumentDir(docID), entryFileName(e)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoEntry, e.Name)
		}
		return nil, fmt.Errorf("failed to open entry %s: %w", e.Name, err)
	}
	return f, nil
}

// Current reads the current manifest
func (s *Store) Current(docID string) (*models.Manifest, error) {
	m, err := s.readManifest(filepath.Join(s.DocumentDir(docID), currentManifest))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoDocument
	}
	return m, err
}

// Manifest reads the manifest of an absolute version
func (s *Store) Manifest(docID string, version int) (*models.Manifest, error) {
	cur, err := s.Current(docID)
	if err != nil {
		return nil, err
	}
	if version == cur.Version {
		return cur, nil
	}
	if version < 0 || version > cur.Version {
		return nil, fmt.Errorf("%w: %d", ErrNoVersion, version)
	}

	m, err := s.readManifest(filepath.Join(s.DocumentDir(docID), historicalName(version)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %d", ErrNoVersion, version)
	}
	return m, err
}

// Commit makes m the current manifest.
// The previous current manifest is preserved as manifest.<N>.json first;
// the rename of the new current file is the single visible commit point.
func (s *Store) Commit(m *models.Manifest) error {
	dir := s.DocumentDir(m.DocID)
	if err := s.fs.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create document dir: %w", err)
	}

	prev, err := s.Current(m.DocID)
	switch {
	case errors.Is(err, ErrNoDocument):
	case err != nil:
		return err
	default:
		if err := s.writeManifest(dir, historicalName(prev.Version), prev); err != nil {
			return err
		}
	}

	return s.writeManifest(dir, currentManifest, m)
}

// Rollback undoes Commit: prev (the current manifest before it, nil for a new
// document) becomes current again and its historical copy is dropped
func (s *Store) Rollback(docID string, prev *models.Manifest) error {
	dir := s.DocumentDir(docID)
	if prev == nil {
		if err := s.fs.Remove(filepath.Join(dir, currentManifest)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove manifest: %w", err)
		}
		return nil
	}

	if err := s.writeManifest(dir, currentManifest, prev); err != nil {
		return err
	}
	if err := s.fs.Remove(filepath.Join(dir, historicalName(prev.Version))); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove manifest %d: %w", prev.Version, err)
	}
	return nil
}

// Remove deletes the document directory with all versions and entry files
func (s *Store) Remove(docID string) error {
	if err := s.fs.RemoveAll(s.DocumentDir(docID)); err != nil {
		return fmt.Errorf("failed to remove document dir: %w", err)
	}
	return nil
}

func (s *Store) readManifest(path string) (*models.Manifest, error) {
	data, err := s.fs.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m models.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest %s: %w", path, err)
	}
	if m.Attributes == nil {
		m.Attributes = make(map[string]string)
	}
	return &m, nil
}

func (s *Store) writeManifest(dir, name string, m *models.Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	tmp, err := s.fs.TempFile(dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to write manifest: %w", errors.Join(writeErr, closeErr))
	}

	if err := s.fs.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to replace manifest %s: %w", name, err)
	}

	return nil
}
