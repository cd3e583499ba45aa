package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iudanet/dockeeper/internal/config"
	"github.com/iudanet/dockeeper/internal/models"
	"github.com/iudanet/dockeeper/internal/server/storage"
)

const documentColumns = `d.doc_id, d.checkin_user, d.checkin_time, d.checkout_user, d.checkout_time,
	d.update_user, d.update_time, d.orig_update_user, d.orig_update_time, d.orig_update_domain, d.version`

const documentsFrom = `FROM documents d LEFT JOIN document_attributes a ON a.doc_id = d.doc_id`

// selectColumns returns fixed columns followed by configured attribute columns
func (s *Storage) selectColumns() string {
	var b strings.Builder
	b.WriteString(documentColumns)
	for _, attr := range s.registry.Domain() {
		b.WriteString(", ")
		b.WriteString(attr.Column)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Storage) scanDocument(row rowScanner) (*models.Document, error) {
	doc := &models.Document{Attributes: make(map[string]any)}
	var checkinTime, checkoutTime, updateTime, origUpdateTime int64

	domain := s.registry.Domain()
	dest := []any{
		&doc.ID,
		&doc.CheckinUser,
		&checkinTime,
		&doc.CheckoutUser,
		&checkoutTime,
		&doc.UpdateUser,
		&updateTime,
		&doc.OrigUpdateUser,
		&origUpdateTime,
		&doc.OrigUpdateDomain,
		&doc.Version,
	}

	values := make([]any, len(domain))
	for i, attr := range domain {
		if attr.Kind == config.KindInteger {
			values[i] = &sql.NullInt64{}
		} else {
			values[i] = &sql.NullString{}
		}
		dest = append(dest, values[i])
	}

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	doc.CheckinTime = fromMillis(checkinTime)
	doc.CheckoutTime = fromMillis(checkoutTime)
	doc.UpdateTime = fromMillis(updateTime)
	doc.OrigUpdateTime = fromMillis(origUpdateTime)

	for i, attr := range domain {
		switch v := values[i].(type) {
		case *sql.NullInt64:
			if v.Valid {
				doc.Attributes[attr.Name] = v.Int64
			}
		case *sql.NullString:
			if v.Valid {
				doc.Attributes[attr.Name] = v.String
			}
		}
	}

	return doc, nil
}

// GetDocument retrieves a document row by ID
func (s *Storage) GetDocument(ctx context.Context, docID string) (*models.Document, error) {
	query := `SELECT ` + s.selectColumns() + ` ` + documentsFrom + ` WHERE d.doc_id = ?`

	doc, err := s.scanDocument(s.db.QueryRowContext(ctx, query, docID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return doc, nil
}

// SaveDocument inserts or updates both rows of the document in one transaction
func (s *Storage) SaveDocument(ctx context.Context, doc *models.Document) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE doc_id = ?`, doc.ID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check document: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (doc_id, checkin_user, checkin_time, checkout_user, checkout_time,
			update_user, update_time, orig_update_user, orig_update_time, orig_update_domain, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			checkin_user = excluded.checkin_user,
			checkin_time = excluded.checkin_time,
			checkout_user = excluded.checkout_user,
			checkout_time = excluded.checkout_time,
			update_user = excluded.update_user,
			update_time = excluded.update_time,
			orig_update_user = excluded.orig_update_user,
			orig_update_time = excluded.orig_update_time,
			orig_update_domain = excluded.orig_update_domain,
			version = excluded.version
	`,
		doc.ID,
		doc.CheckinUser,
		toMillis(doc.CheckinTime),
		doc.CheckoutUser,
		toMillis(doc.CheckoutTime),
		doc.UpdateUser,
		toMillis(doc.UpdateTime),
		doc.OrigUpdateUser,
		toMillis(doc.OrigUpdateTime),
		doc.OrigUpdateDomain,
		doc.Version,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert document: %w", err)
	}

	query, args := s.attributeUpsert(doc)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return false, fmt.Errorf("failed to upsert document attributes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return exists == 0, nil
}

// attributeUpsert строит INSERT ... ON CONFLICT для таблицы атрибутов по реестру
func (s *Storage) attributeUpsert(doc *models.Document) (string, []any) {
	domain := s.registry.Domain()
	if len(domain) == 0 {
		return `INSERT OR IGNORE INTO document_attributes (doc_id) VALUES (?)`, []any{doc.ID}
	}

	cols := make([]string, 0, len(domain))
	marks := make([]string, 0, len(domain))
	sets := make([]string, 0, len(domain))
	args := make([]any, 0, len(domain)+1)
	args = append(args, doc.ID)

	for _, attr := range domain {
		cols = append(cols, attr.Name)
		marks = append(marks, "?")
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", attr.Name, attr.Name))
		args = append(args, doc.Attributes[attr.Name]) // отсутствующее значение пишется как NULL
	}

	query := fmt.Sprintf(
		`INSERT INTO document_attributes (doc_id, %s) VALUES (?, %s) ON CONFLICT(doc_id) DO UPDATE SET %s`,
		strings.Join(cols, ", "), strings.Join(marks, ", "), strings.Join(sets, ", "),
	)
	return query, args
}

// SetCheckout sets or clears the checkout lock
func (s *Storage) SetCheckout(ctx context.Context, docID, user string, at time.Time) error {
	if user == "" {
		at = time.Time{}
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE documents SET checkout_user = ?, checkout_time = ? WHERE doc_id = ?`,
		user, toMillis(at), docID,
	)
	if err != nil {
		return fmt.Errorf("failed to set checkout: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// DeleteDocument removes both rows of the document
func (s *Storage) DeleteDocument(ctx context.Context, docID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_attributes WHERE doc_id = ?`, docID); err != nil {
		return fmt.Errorf("failed to delete document attributes: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE doc_id = ?`, docID)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return storage.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// DocumentStamps returns (docId, update time) of every document ordered by docId
func (s *Storage) DocumentStamps(ctx context.Context) ([]models.DocStamp, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc_id, update_time FROM documents ORDER BY doc_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query document stamps: %w", err)
	}
	defer rows.Close()

	stamps := make([]models.DocStamp, 0)
	for rows.Next() {
		var (
			st models.DocStamp
			ms int64
		)
		if err := rows.Scan(&st.DocID, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan document stamp: %w", err)
		}
		st.UpdateTime = fromMillis(ms)
		stamps = append(stamps, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating document stamps: %w", err)
	}

	return stamps, nil
}

// DocumentIDs returns IDs of all documents
func (s *Storage) DocumentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc_id FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("failed to query document ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan document id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
