package models

import (
	"strings"
	"time"
)

// EventType тип события жизненного цикла документа
type EventType string

const (
	EventCheckout EventType = "checkout"
	EventRelease  EventType = "release"
	EventUpdate   EventType = "update"
	EventDelete   EventType = "delete"
)

// replicaPrefix marks synthetic users that write on behalf of a remote node
const replicaPrefix = "replica@"

// Event is a lifecycle event emitted by the storage engine.
type Event struct {
	Time    time.Time `json:"time"`
	ID      string    `json:"id"` // ULID, sorts in emission order
	Type    EventType `json:"type"`
	DocID   string    `json:"doc_id"`
	User    string    `json:"user"`
	Origin  string    `json:"origin,omitempty"` // Origin домен узла, с которого пришло изменение
	Version int       `json:"version"`
}

// Publishable reports whether the event should be forwarded to paired nodes.
// Only updates and deletes travel; anything written by a replica user stays local
// so that two replicating nodes never bounce the same change back and forth.
func (e Event) Publishable() bool {
	if e.Type != EventUpdate && e.Type != EventDelete {
		return false
	}
	return !IsReplicaUser(e.User) && e.Origin == ""
}

// ReplicaUser returns the synthetic user name for writes replicated from domain
func ReplicaUser(domain string) string {
	return replicaPrefix + domain
}

// IsReplicaUser reports whether user is replica-tagged
func IsReplicaUser(user string) bool {
	return strings.HasPrefix(user, replicaPrefix)
}

// ReplicaDomain extracts the domain of a replica-tagged user
func ReplicaDomain(user string) (string, bool) {
	if !IsReplicaUser(user) {
		return "", false
	}
	return strings.TrimPrefix(user, replicaPrefix), true
}
