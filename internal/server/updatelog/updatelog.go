// Package updatelog keeps the human readable progress logs of commits, deletions
// and replication runs so that callers can poll them.
package updatelog

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Complete is the terminal line pollers wait for
const Complete = "complete"

// DefaultSize количество хранимых протоколов
const DefaultSize = 256

// Log is an append-only protocol of one operation
type Log struct {
	started time.Time
	mu      sync.Mutex
	lines   []string
	done    bool
}

// Printf appends a line; lines written after Finish are dropped
func (l *Log) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return
	}
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

// Finish appends the terminal line
func (l *Log) Finish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return
	}
	l.lines = append(l.lines, Complete)
	l.done = true
}

// Done reports whether the terminal line was written
func (l *Log) Done() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Lines returns a snapshot of the protocol
func (l *Log) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

// Started returns the time the protocol was opened
func (l *Log) Started() time.Time {
	return l.started
}

// Registry keeps the most recent protocols keyed by document id
type Registry struct {
	protocols *lru.Cache[string, *Log]
}

// NewRegistry creates a registry retaining at most size protocols
func NewRegistry(size int) (*Registry, error) {
	if size <= 0 {
		size = DefaultSize
	}
	protocols, err := lru.New[string, *Log](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create protocol registry: %w", err)
	}
	return &Registry{protocols: protocols}, nil
}

// Start opens a fresh protocol for key, replacing a previous one
func (r *Registry) Start(key string) *Log {
	l := &Log{started: time.Now()}
	r.protocols.Add(key, l)
	return l
}

// Get returns the protocol of key
func (r *Registry) Get(key string) (*Log, bool) {
	return r.protocols.Get(key)
}
