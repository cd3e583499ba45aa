package events

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"

	"github.com/iudanet/dockeeper/internal/models"
)

var (
	// BoltDB bucket names
	bucketEvents  = []byte("events")
	bucketCursors = []byte("cursors")
)

// ErrClosed is returned by a closed log
var ErrClosed = errors.New("event log closed")

// Log is the persistent event history in BoltDB.
// Keys are ULIDs assigned by Append, so iteration order equals append order
// even when events reach the log in a different order than they were stamped.
type Log struct {
	db      *bbolt.DB
	entropy io.Reader // под единственным писателем bbolt

	mu      sync.Mutex
	changed chan struct{}
	closed  bool
}

// OpenLog opens or creates the event log at path
func OpenLog(path string) (*Log, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEvents); err != nil {
			return fmt.Errorf("failed to create events bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketCursors); err != nil {
			return fmt.Errorf("failed to create cursors bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Log{
		db:      db,
		entropy: ulid.Monotonic(rand.Reader, 0),
		changed: make(chan struct{}),
	}, nil
}

// Close closes the database and wakes all waiters
func (l *Log) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.changed)
	}
	l.mu.Unlock()
	return l.db.Close()
}

// Append stores an event under a new id greater than every id already in the log,
// wakes waiters and returns the stored event. An id set by the publisher is replaced.
func (l *Log) Append(e models.Event) (models.Event, error) {
	err := l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvents)

		id, err := l.nextID(b)
		if err != nil {
			return err
		}
		e.ID = id

		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		return b.Put([]byte(e.ID), data)
	})
	if err != nil {
		return e, fmt.Errorf("failed to append event: %w", err)
	}

	l.mu.Lock()
	if !l.closed {
		close(l.changed)
		l.changed = make(chan struct{})
	}
	l.mu.Unlock()

	return e, nil
}

// nextID returns a ULID after the last key of b; runs inside the write transaction
func (l *Log) nextID(b *bbolt.Bucket) (string, error) {
	ms := ulid.Now()

	var last ulid.ULID
	if k, _ := b.Cursor().Last(); k != nil {
		parsed, err := ulid.ParseStrict(string(k))
		if err != nil {
			return "", fmt.Errorf("invalid event key %q: %w", k, err)
		}
		last = parsed
		// часы могли уйти назад: не выдаем ключ меньше последнего
		ms = max(ms, last.Time())
	}

	id, err := ulid.New(ms, l.entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate event id: %w", err)
	}
	if id.Compare(last) <= 0 {
		// чужая энтропия в ту же миллисекунду (после рестарта)
		if id, err = ulid.New(last.Time()+1, l.entropy); err != nil {
			return "", fmt.Errorf("failed to generate event id: %w", err)
		}
	}
	return id.String(), nil
}

// Changed returns a channel closed on the next Append (or Close)
func (l *Log) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changed
}

// Since returns up to limit events with id greater than after ("" = from the beginning).
// limit <= 0 means no limit.
func (l *Log) Since(after string, limit int) ([]models.Event, error) {
	out := make([]models.Event, 0)

	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()

		var k, v []byte
		if after == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(after))
			if k != nil && bytes.Equal(k, []byte(after)) {
				k, v = c.Next()
			}
		}

		for ; k != nil; k, v = c.Next() {
			var e models.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to decode event %s: %w", k, err)
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Cursor returns the last event id delivered from domain ("" if none)
func (l *Log) Cursor(domain string) (string, error) {
	var id string
	err := l.db.View(func(tx *bbolt.Tx) error {
		id = string(tx.Bucket(bucketCursors).Get([]byte(domain)))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to read cursor: %w", err)
	}
	return id, nil
}

// SetCursor remembers the last event id delivered from domain
func (l *Log) SetCursor(domain, id string) error {
	err := l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCursors).Put([]byte(domain), []byte(id))
	})
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}
