// Package events carries document lifecycle events from the engine to its subscribers.
package events

import (
	"crypto/rand"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/iudanet/dockeeper/internal/models"
)

// Publisher is the sending side used by the engine
type Publisher interface {
	Publish(e models.Event) models.Event
}

// Subscription is a receiving end of the bus
type Subscription struct {
	C    <-chan models.Event
	ch   chan models.Event
	done chan struct{}
	once sync.Once
	bus  *Bus
	id   int
}

// Close detaches the subscription; pending publishes to it are abandoned
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.bus.remove(s.id)
	})
}

// Bus is an in-process typed publish/subscribe channel
type Bus struct {
	logger  *slog.Logger
	entropy io.Reader

	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int

	idMu sync.Mutex
}

// NewBus creates an empty bus
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger:  logger,
		entropy: ulid.Monotonic(rand.Reader, 0),
		subs:    make(map[int]*Subscription),
	}
}

// Subscribe registers a subscriber with the given channel buffer
func (b *Bus) Subscribe(buffer int) *Subscription {
	ch := make(chan models.Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		C:    ch,
		ch:   ch,
		done: make(chan struct{}),
		bus:  b,
		id:   b.nextID,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish stamps the event with a time ordered id and delivers it to every subscriber.
// Delivery blocks until each subscriber accepts the event or closes.
func (b *Bus) Publish(e models.Event) models.Event {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.ID == "" {
		e.ID = b.newID(e.Time)
	}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- e:
		case <-s.done:
		}
	}

	b.logger.Debug("event published",
		"id", e.ID,
		"type", e.Type,
		"doc_id", e.DocID,
		"version", e.Version,
		"subscribers", len(subs),
	)
	return e
}

func (b *Bus) newID(t time.Time) string {
	b.idMu.Lock()
	defer b.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), b.entropy).String()
}
