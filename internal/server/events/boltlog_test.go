package events

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/dockeeper/internal/models"
)

func setupTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := OpenLog(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLog_AppendAndSince(t *testing.T) {
	l := setupTestLog(t)
	bus := NewBus(testLogger())

	var published []models.Event
	for i := 0; i < 5; i++ {
		e, err := l.Append(bus.Publish(models.Event{Type: models.EventUpdate, DocID: "doc-0001", Version: i}))
		require.NoError(t, err)
		published = append(published, e)
	}

	all, err := l.Since("", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := range all {
		assert.Equal(t, published[i].ID, all[i].ID)
		assert.Equal(t, i, all[i].Version)
	}

	tail, err := l.Since(published[2].ID, 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, published[3].ID, tail[0].ID)

	limited, err := l.Since("", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	none, err := l.Since(published[4].ID, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLog_ChangedIsClosedOnAppend(t *testing.T) {
	l := setupTestLog(t)
	changed := l.Changed()

	select {
	case <-changed:
		t.Fatal("changed before append")
	default:
	}

	_, err := l.Append(models.Event{Type: models.EventDelete})
	require.NoError(t, err)

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestLog_LateEventIsAfterCursor(t *testing.T) {
	l := setupTestLog(t)
	bus := NewBus(testLogger())

	// событие A создано раньше, но записано в лог позже B
	early := bus.Publish(models.Event{Type: models.EventUpdate, DocID: "doc-a", Time: time.Now().Add(-time.Minute)})
	late := bus.Publish(models.Event{Type: models.EventUpdate, DocID: "doc-b"})
	require.Less(t, early.ID, late.ID)

	stored, err := l.Append(late)
	require.NoError(t, err)
	cursor := stored.ID

	_, err = l.Append(early)
	require.NoError(t, err)

	tail, err := l.Since(cursor, 0)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "doc-a", tail[0].DocID)
	assert.Greater(t, tail[0].ID, cursor)
}

func TestLog_IDsIncreaseAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	l, err := OpenLog(path)
	require.NoError(t, err)
	first, err := l.Append(models.Event{Type: models.EventUpdate, DocID: "doc-1"})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l, err = OpenLog(path)
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 20; i++ {
		next, err := l.Append(models.Event{Type: models.EventUpdate, DocID: "doc-1", Version: i + 1})
		require.NoError(t, err)
		require.Greater(t, next.ID, first.ID)
		first = next
	}

	all, err := l.Since("", 0)
	require.NoError(t, err)
	assert.Len(t, all, 21)
}

func TestLog_Cursors(t *testing.T) {
	l := setupTestLog(t)

	id, err := l.Cursor("beta.example")
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, l.SetCursor("beta.example", "01HABC"))
	id, err = l.Cursor("beta.example")
	require.NoError(t, err)
	assert.Equal(t, "01HABC", id)
}
