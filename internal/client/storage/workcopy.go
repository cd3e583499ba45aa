package storage

import (
	"context"
	"time"

	"github.com/iudanet/dockeeper/internal/models"
)

// WorkingCopyStorage remembers which document a local directory holds
type WorkingCopyStorage interface {
	// SaveWorkingCopy stores wc keyed by its directory
	SaveWorkingCopy(ctx context.Context, wc *WorkingCopy) error

	// GetWorkingCopy returns the record of dir or ErrWorkingCopyNotFound
	GetWorkingCopy(ctx context.Context, dir string) (*WorkingCopy, error)

	// DeleteWorkingCopy forgets dir
	DeleteWorkingCopy(ctx context.Context, dir string) error

	// ListWorkingCopies returns all records ordered by directory
	ListWorkingCopies(ctx context.Context) ([]*WorkingCopy, error)
}

// WorkingCopy is a checked out (or uploaded) document version in a local directory
type WorkingCopy struct {
	SyncedAt   time.Time         `json:"synced_at"`  // время последней синхронизации с сервером
	Attributes map[string]string `json:"attributes"` // атрибуты манифеста без служебных
	Dir        string            `json:"dir"`        // абсолютный путь каталога
	DocID      string            `json:"doc_id"`
	Entries    []models.Entry    `json:"entries"` // записи в том виде, в каком они на сервере
	Version    int               `json:"version"`
	Locked     bool              `json:"locked"` // документ заблокирован этим пользователем
}

// Entry returns the recorded entry with the given name
func (wc *WorkingCopy) Entry(name string) (models.Entry, bool) {
	for _, e := range wc.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return models.Entry{}, false
}
