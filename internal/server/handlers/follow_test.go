package handlers

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/dockeeper/internal/models"
	"github.com/iudanet/dockeeper/internal/server/events"
	"github.com/iudanet/dockeeper/internal/server/replication"
	"github.com/iudanet/dockeeper/internal/server/storage"
)

// deleteRecorder is the local store of the following node
type deleteRecorder struct {
	mu      sync.Mutex
	fail    []error // ошибки первых вызовов Delete
	calls   int
	deleted []string
}

func (d *deleteRecorder) Document(context.Context, string) (*models.Document, error) {
	return nil, storage.ErrNotFound
}

func (d *deleteRecorder) Stamps(context.Context) ([]models.DocStamp, error) {
	return nil, nil
}

func (d *deleteRecorder) Delete(_ context.Context, _ models.Principal, docID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.fail) > 0 {
		err := d.fail[0]
		d.fail = d.fail[1:]
		return err
	}
	d.deleted = append(d.deleted, docID)
	return nil
}

func (d *deleteRecorder) result() ([]string, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.deleted...), d.calls
}

// follower is beta.example subscribed to the event stream of the test server
type follower struct {
	rep    *replication.Engine
	remote *replication.Remote
	log    *events.Log
}

func newFollower(t *testing.T, ts *testServer, store replication.LocalStore) *follower {
	t.Helper()
	evLog, err := events.OpenLog(filepath.Join(t.TempDir(), "follower.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = evLog.Close() })

	remote := ts.remoteFor(nodePassPhrase, peerDomain)
	rep := replication.New(replication.Config{
		Domain:  peerDomain,
		Sources: []replication.Source{remote},
		Store:   store,
		Log:     evLog,
		Logger:  ts.logger,
	})
	return &follower{rep: rep, remote: remote, log: evLog}
}

// start runs Follow until the returned stop is called
func (f *follower) start(t *testing.T) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.rep.Follow(ctx, f.remote) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("follow did not stop after cancel")
		}
	}
}

func (f *follower) waitCursor(t *testing.T, id string, timeout time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		cur, err := f.log.Cursor(nodeDomain)
		return err == nil && cur == id
	}, timeout, 10*time.Millisecond)
}

func TestFollow_ResumesFromCursor(t *testing.T) {
	ts := setupTestServer(t)
	store := &deleteRecorder{}
	f := newFollower(t, ts, store)

	first := ts.appendEvent(t, newEvent(models.EventDelete, "doc-1", "alice", 0))

	stop := f.start(t)
	f.waitCursor(t, first.ID, 5*time.Second)
	stop()

	// второе подключение начинается после курсора: doc-1 не повторяется
	stop = f.start(t)
	second := ts.appendEvent(t, newEvent(models.EventDelete, "doc-2", "alice", 0))
	f.waitCursor(t, second.ID, 5*time.Second)
	stop()

	deleted, calls := store.result()
	assert.Equal(t, []string{"doc-1", "doc-2"}, deleted)
	assert.Equal(t, 2, calls)
}

func TestFollow_FailedEventIsReadAgain(t *testing.T) {
	ts := setupTestServer(t)
	store := &deleteRecorder{fail: []error{errors.New("database is locked")}}
	f := newFollower(t, ts, store)

	ev := ts.appendEvent(t, newEvent(models.EventDelete, "doc-1", "alice", 0))

	stop := f.start(t)
	defer stop()

	// первая попытка падает, событие приходит снова после переподключения
	f.waitCursor(t, ev.ID, 10*time.Second)

	deleted, calls := store.result()
	assert.Equal(t, []string{"doc-1"}, deleted)
	assert.Equal(t, 2, calls)
}

func TestFollow_RejectedEventIsSkipped(t *testing.T) {
	ts := setupTestServer(t)
	store := &deleteRecorder{fail: []error{storage.ErrLocked}}
	f := newFollower(t, ts, store)

	ts.appendEvent(t, newEvent(models.EventDelete, "doc-1", "alice", 0))
	last := ts.appendEvent(t, newEvent(models.EventDelete, "doc-2", "alice", 0))

	stop := f.start(t)
	defer stop()

	f.waitCursor(t, last.ID, 5*time.Second)

	deleted, calls := store.result()
	assert.Equal(t, []string{"doc-2"}, deleted)
	assert.Equal(t, 2, calls)
}

func TestFollow_IgnoresOwnReplicatedEvents(t *testing.T) {
	ts := setupTestServer(t)
	store := &deleteRecorder{}
	f := newFollower(t, ts, store)

	own := newEvent(models.EventDelete, "doc-1", "alice", 0)
	own.Origin = peerDomain
	ts.appendEvent(t, own)
	last := ts.appendEvent(t, newEvent(models.EventDelete, "doc-2", models.ReplicaUser(peerDomain), 0))

	stop := f.start(t)
	defer stop()

	f.waitCursor(t, last.ID, 5*time.Second)

	deleted, calls := store.result()
	assert.Empty(t, deleted)
	assert.Zero(t, calls)
}
