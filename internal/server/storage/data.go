package storage

import (
	"context"
	"time"

	"github.com/iudanet/dockeeper/internal/models"
)

// ListQuery describes a list request against the metadata index
type ListQuery struct {
	Filter models.Filter
	Viewer string // Viewer имя пользователя, от имени которого выполняется выборка
	Admin  bool   // Admin видит в том числе документы, заблокированные другими
	Limit  int
}

// DocumentStorage defines interface for the document metadata index:
// the fixed documents table joined with the configurable attribute table.
type DocumentStorage interface {
	// GetDocument retrieves a document row by ID
	// Returns ErrNotFound if document doesn't exist
	GetDocument(ctx context.Context, docID string) (*models.Document, error)

	// SaveDocument inserts the document or updates the existing rows of both tables.
	// Returns true if the document was created
	SaveDocument(ctx context.Context, doc *models.Document) (bool, error)

	// SetCheckout sets or clears (empty user) the checkout lock
	// Returns ErrNotFound if document doesn't exist
	SetCheckout(ctx context.Context, docID, user string, at time.Time) error

	// DeleteDocument removes both rows of the document
	// Returns ErrNotFound if document doesn't exist
	DeleteDocument(ctx context.Context, docID string) error

	// CountDocuments returns the number of documents matching the query
	CountDocuments(ctx context.Context, q ListQuery) (int, error)

	// QueryDocuments returns documents matching the query, most recently updated first
	QueryDocuments(ctx context.Context, q ListQuery) ([]*models.Document, error)

	// AttributeSummaries returns value counts for the given attributes over all documents
	AttributeSummaries(ctx context.Context, names []string) (map[string]map[string]int, error)

	// DocumentStamps returns (docId, update time) of every document ordered by docId
	DocumentStamps(ctx context.Context) ([]models.DocStamp, error)

	// DocumentIDs returns IDs of all documents
	DocumentIDs(ctx context.Context) ([]string, error)
}
