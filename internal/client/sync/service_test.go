package sync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/dockeeper/internal/client/api"
	"github.com/iudanet/dockeeper/internal/client/storage"
	"github.com/iudanet/dockeeper/internal/client/storage/boltdb"
	"github.com/iudanet/dockeeper/internal/crypto"
	"github.com/iudanet/dockeeper/internal/models"
	serverstorage "github.com/iudanet/dockeeper/internal/server/storage"
	"github.com/iudanet/dockeeper/pkg/protocol"
)

const workDir = "/work/karenina"

// fakeServer keeps documents in memory and answers the sync API
type fakeServer struct {
	mu            sync.Mutex
	docs          map[string]*models.Manifest
	content       map[string][]byte
	pending       map[string]*models.Manifest
	received      []string
	failTransfers int  // столько передач подряд завершатся как неполные
	corrupt       bool // Fetch отдает содержимое, не совпадающее с хешем
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		docs:    make(map[string]*models.Manifest),
		content: make(map[string][]byte),
		pending: make(map[string]*models.Manifest),
	}
}

// put stores a committed version built from name → content pairs
func (f *fakeServer) put(docID string, version int, title string, files map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m := models.NewManifest(docID)
	m.Version = version
	m.SetAttr("title", title)
	m.SetAttr(models.AttrVersion, fmt.Sprint(version))
	m.SetAttr(models.AttrUpdateUser, "bob")
	for name, data := range files {
		hash := crypto.HashData([]byte(data))
		f.content[hash] = []byte(data)
		m.Entries = append(m.Entries, models.Entry{
			Name:       name,
			DataHash:   hash,
			UpdateTime: time.UnixMilli(1700000000000),
		})
	}
	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].Name < m.Entries[j].Name })
	f.docs[docID] = m
}

func (f *fakeServer) commit(m *models.Manifest) {
	prev, ok := f.docs[m.DocID]
	m.Version = 0
	if ok {
		m.Version = prev.Version + 1
	}
	m.SetAttr(models.AttrVersion, fmt.Sprint(m.Version))
	m.SetAttr(models.AttrUpdateUser, "alice")
	f.docs[m.DocID] = m
}

func (f *fakeServer) mock() *APIMock {
	lookup := func(docID string) (*models.Manifest, error) {
		m, ok := f.docs[docID]
		if !ok {
			return nil, fmt.Errorf("manifest: %w", serverstorage.ErrNotFound)
		}
		return m.Clone(), nil
	}

	return &APIMock{
		ManifestFunc: func(ctx context.Context, sid, docID string, version int) (*models.Manifest, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			return lookup(docID)
		},
		CheckoutFunc: func(ctx context.Context, sid, docID string, version int) (*models.Manifest, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			m, ok := f.docs[docID]
			if !ok {
				return nil, fmt.Errorf("checkout: %w", serverstorage.ErrNotFound)
			}
			m.SetAttr(models.AttrCheckoutUser, "alice")
			return m.Clone(), nil
		},
		ReleaseFunc: func(ctx context.Context, sid, docID string) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			if m, ok := f.docs[docID]; ok {
				m.SetAttr(models.AttrCheckoutUser, "")
			}
			return nil
		},
		FetchFunc: func(ctx context.Context, sid, docID string, entries []models.Entry) (*api.Archive, error) {
			f.mu.Lock()
			defer f.mu.Unlock()

			var buf bytes.Buffer
			aw := protocol.NewArchiveWriter(&buf)
			for _, e := range entries {
				data := f.content[e.DataHash]
				if f.corrupt {
					data = []byte("garbage")
				}
				if err := aw.WriteEntry(e, int64(len(data)), bytes.NewReader(data)); err != nil {
					return nil, err
				}
			}
			if err := aw.Close(""); err != nil {
				return nil, err
			}
			return api.NewArchive(&buf, nil), nil
		},
		UpdateFunc: func(ctx context.Context, req api.UpdateRequest) (*api.UpdateResult, error) {
			f.mu.Lock()
			defer f.mu.Unlock()

			target := req.Manifest.Clone()
			if target.DocID == "" {
				target.DocID = "doc-new"
			}
			var missing []models.Entry
			for _, e := range target.Entries {
				if _, ok := f.content[e.DataHash]; !ok {
					missing = append(missing, e)
				}
			}
			if len(missing) == 0 {
				f.commit(target)
				return &api.UpdateResult{DocID: target.DocID, Log: []string{"complete"}}, nil
			}
			token := "tok-" + target.DocID
			f.pending[token] = target
			return &api.UpdateResult{DocID: target.DocID, Token: token, ToFetch: missing}, nil
		},
		TransferFunc: func(ctx context.Context, sid, token string, archive func() (io.Reader, error)) ([]string, error) {
			r, err := archive()
			if err != nil {
				return nil, err
			}
			ar := protocol.NewArchiveReader(r)

			f.mu.Lock()
			defer f.mu.Unlock()

			target, ok := f.pending[token]
			if !ok {
				return nil, fmt.Errorf("transfer: %w", serverstorage.ErrInvalidToken)
			}
			for {
				e, data, err := ar.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					return nil, err
				}
				body, err := io.ReadAll(data)
				if err != nil {
					return nil, err
				}
				if f.failTransfers > 0 {
					continue
				}
				if crypto.HashData(body) == e.DataHash {
					f.content[e.DataHash] = body
					f.received = append(f.received, e.Name)
				}
			}
			// дочитываем хвост tar, чтобы писатель не завис
			_, _ = io.Copy(io.Discard, r)
			if ar.Token() != token {
				return nil, fmt.Errorf("transfer: %w", serverstorage.ErrIncompleteUpload)
			}
			if f.failTransfers > 0 {
				f.failTransfers--
				return nil, fmt.Errorf("transfer: %w: 1 entries outstanding", serverstorage.ErrIncompleteUpload)
			}
			delete(f.pending, token)
			f.commit(target)
			return []string{"transfer of " + target.DocID, "complete"}, nil
		},
	}
}

type testEnv struct {
	srv    *fakeServer
	mock   *APIMock
	fs     afero.Fs
	copies *boltdb.Storage
	svc    *Service
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	copies, err := boltdb.New(context.Background(), filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { copies.Close() })

	srv := newFakeServer()
	mock := srv.mock()
	fs := afero.NewMemMapFs()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &testEnv{
		srv:    srv,
		mock:   mock,
		fs:     fs,
		copies: copies,
		svc:    NewService(mock, copies, fs, logger),
	}
}

func (env *testEnv) writeFile(t *testing.T, name, data string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(env.fs, filepath.Join(workDir, name), []byte(data), 0o644))
}

func (env *testEnv) readFile(t *testing.T, name string) string {
	t.Helper()
	data, err := afero.ReadFile(env.fs, filepath.Join(workDir, name))
	require.NoError(t, err)
	return string(data)
}

func entryNames(entries []models.Entry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names
}

func TestService_CheckoutFetchesOnlyMissing(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.srv.put("doc-1", 3, "Анна Каренина", map[string]string{
		"part-1.txt": "Все счастливые семьи похожи друг на друга",
		"part-2.txt": "каждая несчастливая семья несчастлива по-своему",
	})
	require.NoError(t, env.fs.MkdirAll(workDir, 0o755))
	env.writeFile(t, "part-1.txt", "Все счастливые семьи похожи друг на друга")
	env.writeFile(t, "part-2.txt", "черновик")

	res, err := env.svc.Checkout(ctx, "sid", CheckoutOptions{DocID: "doc-1", Dir: workDir, Lock: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 1, res.Reused)

	require.Len(t, env.mock.FetchCalls(), 1)
	assert.Equal(t, []string{"part-2.txt"}, entryNames(env.mock.FetchCalls()[0].Entries))
	assert.Len(t, env.mock.CheckoutCalls(), 1)
	assert.Empty(t, env.mock.ManifestCalls())

	assert.Equal(t, "каждая несчастливая семья несчастлива по-своему", env.readFile(t, "part-2.txt"))
	fi, err := env.fs.Stat(filepath.Join(workDir, "part-2.txt"))
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), fi.ModTime().UnixMilli())

	wc, err := env.copies.GetWorkingCopy(ctx, workDir)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", wc.DocID)
	assert.Equal(t, 3, wc.Version)
	assert.True(t, wc.Locked)
	if diff := cmp.Diff(map[string]string{"title": "Анна Каренина"}, wc.Attributes); diff != "" {
		t.Errorf("attributes mismatch (-want +got):\n%s", diff)
	}

	st, err := env.svc.Status(ctx, workDir)
	require.NoError(t, err)
	assert.True(t, st.Clean())
}

func TestService_CheckoutRemovesStaleFiles(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.srv.put("doc-1", 1, "draft", map[string]string{"a": "alpha", "b": "beta", "x": "chi"})

	_, err := env.svc.Checkout(ctx, "sid", CheckoutOptions{DocID: "doc-1", Dir: workDir})
	require.NoError(t, err)

	env.writeFile(t, "x", "chi, edited")
	env.srv.put("doc-1", 2, "draft", map[string]string{"a": "alpha", "c": "gamma"})

	res, err := env.svc.Checkout(ctx, "sid", CheckoutOptions{DocID: "doc-1", Dir: workDir})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Fetched)
	assert.Equal(t, 1, res.Reused)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, []string{"x"}, res.Kept)

	exists, err := afero.Exists(env.fs, filepath.Join(workDir, "b"))
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, "chi, edited", env.readFile(t, "x"))
	assert.Equal(t, "gamma", env.readFile(t, "c"))
	assert.False(t, res.Copy.Locked)
	assert.Equal(t, 2, res.Copy.Version)
}

func TestService_CheckoutRejectsCorruptContent(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.srv.put("doc-1", 1, "draft", map[string]string{"a": "alpha"})
	env.srv.corrupt = true

	_, err := env.svc.Checkout(ctx, "sid", CheckoutOptions{DocID: "doc-1", Dir: workDir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")

	infos, err := afero.ReadDir(env.fs, workDir)
	require.NoError(t, err)
	assert.Empty(t, infos, "neither the entry nor its temporary file may remain")

	_, err = env.copies.GetWorkingCopy(ctx, workDir)
	assert.ErrorIs(t, err, storage.ErrWorkingCopyNotFound)
}

func TestService_CheckoutErrors(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.srv.put("doc-1", 1, "one", map[string]string{"a": "alpha"})
	env.srv.put("doc-2", 1, "two", map[string]string{"a": "alpha"})

	_, err := env.svc.Checkout(ctx, "sid", CheckoutOptions{DocID: "doc-missing", Dir: workDir})
	assert.ErrorIs(t, err, serverstorage.ErrNotFound)

	_, err = env.svc.Checkout(ctx, "sid", CheckoutOptions{DocID: "doc-1", Dir: workDir})
	require.NoError(t, err)

	_, err = env.svc.Checkout(ctx, "sid", CheckoutOptions{DocID: "doc-2", Dir: workDir})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "holds document doc-1")
}

func TestService_UploadSendsOnlyChangedEntries(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.srv.put("doc-1", 4, "Анна Каренина", map[string]string{"a": "alpha", "b": "beta", "c": "gamma"})

	_, err := env.svc.Checkout(ctx, "sid", CheckoutOptions{DocID: "doc-1", Dir: workDir, Lock: true})
	require.NoError(t, err)

	env.writeFile(t, "b", "beta, second draft")
	env.writeFile(t, "d", "delta")
	require.NoError(t, env.fs.Remove(filepath.Join(workDir, "c")))
	env.writeFile(t, ".hidden", "never uploaded")

	st, err := env.svc.Status(ctx, workDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, st.Added)
	assert.Equal(t, []string{"b"}, st.Modified)
	assert.Equal(t, []string{"c"}, st.Removed)

	res, err := env.svc.Upload(ctx, "sid", UploadOptions{
		Dir:        workDir,
		Attributes: map[string]string{"author": "Толстой"},
		KeepLock:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, "doc-1", res.DocID)
	assert.Equal(t, 5, res.Version)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, []string{"transfer of doc-1", "complete"}, res.Log)

	require.Len(t, env.mock.UpdateCalls(), 1)
	req := env.mock.UpdateCalls()[0].Req
	assert.Equal(t, "doc-1", req.DocID)
	assert.True(t, req.KeepLock)
	assert.Equal(t, []string{"a", "b", "d"}, entryNames(req.Manifest.Entries))
	assert.Equal(t, "Анна Каренина", req.Manifest.Attr("title"))
	assert.Equal(t, "Толстой", req.Manifest.Attr("author"))
	assert.Empty(t, req.Manifest.Attr(models.AttrVersion), "stamped attributes are not sent back")

	// неизмененная запись сохраняет время из манифеста
	a, ok := req.Manifest.Entry("a")
	require.True(t, ok)
	assert.Equal(t, int64(1700000000000), a.UpdateTime.UnixMilli())

	sort.Strings(env.srv.received)
	assert.Equal(t, []string{"b", "d"}, env.srv.received)

	wc, err := env.copies.GetWorkingCopy(ctx, workDir)
	require.NoError(t, err)
	assert.Equal(t, 5, wc.Version)
	assert.True(t, wc.Locked)
	assert.Equal(t, "Толстой", wc.Attributes["author"])

	st, err = env.svc.Status(ctx, workDir)
	require.NoError(t, err)
	assert.True(t, st.Clean())
}

func TestService_UploadNewDocument(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.fs.MkdirAll(workDir, 0o755))
	env.writeFile(t, "scan-001.png", "png bytes")
	env.writeFile(t, ".DS_Store", "junk")

	res, err := env.svc.Upload(ctx, "sid", UploadOptions{
		Dir:        workDir,
		Attributes: map[string]string{"title": "Воскресение"},
	})
	require.NoError(t, err)
	assert.Equal(t, "doc-new", res.DocID)
	assert.Equal(t, 0, res.Version)

	req := env.mock.UpdateCalls()[0].Req
	assert.Empty(t, req.DocID)
	assert.Equal(t, []string{"scan-001.png"}, entryNames(req.Manifest.Entries))

	wc, err := env.copies.GetWorkingCopy(ctx, workDir)
	require.NoError(t, err)
	assert.Equal(t, "doc-new", wc.DocID)
	assert.False(t, wc.Locked)
}

func TestService_UploadWithoutTransfer(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.srv.put("doc-1", 1, "old title", map[string]string{"a": "alpha"})

	_, err := env.svc.Checkout(ctx, "sid", CheckoutOptions{DocID: "doc-1", Dir: workDir})
	require.NoError(t, err)

	res, err := env.svc.Upload(ctx, "sid", UploadOptions{
		Dir:        workDir,
		Attributes: map[string]string{"title": "new title"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sent)
	assert.Equal(t, []string{"complete"}, res.Log)
	assert.Empty(t, env.mock.TransferCalls())
	assert.Equal(t, 2, res.Version)
}

func TestService_UploadRetriesIncompleteTransfer(t *testing.T) {
	tests := []struct {
		name          string
		failTransfers int
		wantCalls     int
		wantErr       error
	}{
		{name: "second attempt completes", failTransfers: 1, wantCalls: 2},
		{name: "gives up", failTransfers: 10, wantCalls: defaultTransferAttempts, wantErr: serverstorage.ErrIncompleteUpload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestEnv(t)
			ctx := context.Background()
			require.NoError(t, env.fs.MkdirAll(workDir, 0o755))
			env.writeFile(t, "a", "alpha")
			env.srv.failTransfers = tt.failTransfers

			_, err := env.svc.Upload(ctx, "sid", UploadOptions{Dir: workDir})
			assert.Len(t, env.mock.TransferCalls(), tt.wantCalls)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				_, err = env.copies.GetWorkingCopy(ctx, workDir)
				assert.ErrorIs(t, err, storage.ErrWorkingCopyNotFound)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"a"}, env.srv.received)
		})
	}
}

func TestService_UploadRejectsForeignDocument(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.srv.put("doc-1", 1, "one", map[string]string{"a": "alpha"})

	_, err := env.svc.Checkout(ctx, "sid", CheckoutOptions{DocID: "doc-1", Dir: workDir})
	require.NoError(t, err)

	_, err = env.svc.Upload(ctx, "sid", UploadOptions{Dir: workDir, DocID: "doc-2"})
	require.Error(t, err)
	assert.Empty(t, env.mock.UpdateCalls())
}

func TestService_ReleaseAndForget(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	env.srv.put("doc-1", 1, "one", map[string]string{"a": "alpha"})

	_, err := env.svc.Release(ctx, "sid", workDir)
	assert.ErrorIs(t, err, storage.ErrWorkingCopyNotFound)
	_, err = env.svc.Status(ctx, workDir)
	assert.ErrorIs(t, err, storage.ErrWorkingCopyNotFound)

	_, err = env.svc.Checkout(ctx, "sid", CheckoutOptions{DocID: "doc-1", Dir: workDir, Lock: true})
	require.NoError(t, err)
	_, err = env.svc.Checkout(ctx, "sid", CheckoutOptions{DocID: "doc-1", Dir: "/work/copy"})
	require.NoError(t, err)

	wc, err := env.svc.Release(ctx, "sid", workDir)
	require.NoError(t, err)
	assert.False(t, wc.Locked)
	require.Len(t, env.mock.ReleaseCalls(), 1)
	assert.Equal(t, "doc-1", env.mock.ReleaseCalls()[0].DocID)
	assert.Empty(t, env.srv.docs["doc-1"].Attr(models.AttrCheckoutUser))

	all, err := env.svc.WorkingCopies(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	n, err := env.svc.Forget(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err = env.svc.WorkingCopies(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	// файлы остаются на месте
	assert.Equal(t, "alpha", env.readFile(t, "a"))
}
