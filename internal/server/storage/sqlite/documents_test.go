package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/dockeeper/internal/config"
	"github.com/iudanet/dockeeper/internal/models"
	"github.com/iudanet/dockeeper/internal/server/storage"
)

func testRegistry() *config.Registry {
	return config.NewRegistry([]config.AttributeConfig{
		{Name: "title", Width: 64, Summary: true, Sources: []string{"title"}},
		{Name: "author", Width: 64, Summary: true, Sources: []string{"author"}},
		{Name: "year", Integer: true, Compare: ">=", Sources: []string{"year"}},
	})
}

func setupTestStorage(t *testing.T) (*Storage, func()) {
	ctx := context.Background()

	// Используем in-memory database для тестов
	storage, err := New(ctx, ":memory:", testRegistry())
	require.NoError(t, err)

	cleanup := func() {
		_ = storage.Close()
	}

	return storage, cleanup
}

func newTestDocument(id, title string, year int64) *models.Document {
	now := time.UnixMilli(time.Now().UnixMilli())
	return &models.Document{
		ID:          id,
		CheckinUser: "alice",
		CheckinTime: now,
		UpdateUser:  "alice",
		UpdateTime:  now,
		Attributes: map[string]any{
			"title":  title,
			"author": "Tolstoy",
			"year":   year,
		},
	}
}

func TestDocumentStorage_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	doc := newTestDocument("doc-0001", "War and Peace", 1869)

	created, err := s.SaveDocument(ctx, doc)
	require.NoError(t, err)
	assert.True(t, created)

	got, err := s.GetDocument(ctx, "doc-0001")
	require.NoError(t, err)
	assert.Equal(t, doc.CheckinUser, got.CheckinUser)
	assert.True(t, doc.UpdateTime.Equal(got.UpdateTime))
	assert.True(t, got.CheckoutTime.IsZero())
	assert.Equal(t, "War and Peace", got.Attributes["title"])
	assert.Equal(t, int64(1869), got.Attributes["year"])

	// Повторное сохранение обновляет строки обеих таблиц
	doc.Version = 1
	doc.Attributes["title"] = "Voina i mir"
	delete(doc.Attributes, "year")
	created, err = s.SaveDocument(ctx, doc)
	require.NoError(t, err)
	assert.False(t, created)

	got, err = s.GetDocument(ctx, "doc-0001")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, "Voina i mir", got.Attributes["title"])
	_, hasYear := got.Attributes["year"]
	assert.False(t, hasYear)

	_, err = s.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDocumentStorage_EveryDocumentHasAttributeRow(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		_, err := s.SaveDocument(ctx, newTestDocument(fmt.Sprintf("doc-%04d", i), "t", 2000))
		require.NoError(t, err)
	}
	require.NoError(t, s.DeleteDocument(ctx, "doc-0001"))

	var orphans int
	err := s.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM documents d
		LEFT JOIN document_attributes a ON a.doc_id = d.doc_id
		WHERE a.doc_id IS NULL`).Scan(&orphans)
	require.NoError(t, err)
	assert.Zero(t, orphans)

	var attrRows int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM document_attributes`).Scan(&attrRows))
	assert.Equal(t, 2, attrRows)
}

func TestDocumentStorage_SetCheckout(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	_, err := s.SaveDocument(ctx, newTestDocument("doc-0001", "t", 2000))
	require.NoError(t, err)

	at := time.UnixMilli(time.Now().UnixMilli())
	require.NoError(t, s.SetCheckout(ctx, "doc-0001", "bob", at))

	got, err := s.GetDocument(ctx, "doc-0001")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.CheckoutUser)
	assert.True(t, at.Equal(got.CheckoutTime))

	require.NoError(t, s.SetCheckout(ctx, "doc-0001", "", at))
	got, err = s.GetDocument(ctx, "doc-0001")
	require.NoError(t, err)
	assert.False(t, got.Locked())
	assert.True(t, got.CheckoutTime.IsZero())

	err = s.SetCheckout(ctx, "missing", "bob", at)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDocumentStorage_Delete(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	_, err := s.SaveDocument(ctx, newTestDocument("doc-0001", "t", 2000))
	require.NoError(t, err)

	require.NoError(t, s.DeleteDocument(ctx, "doc-0001"))
	_, err = s.GetDocument(ctx, "doc-0001")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = s.DeleteDocument(ctx, "doc-0001")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDocumentStorage_StampsAndIDs(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	for _, id := range []string{"doc-b", "doc-a", "doc-c"} {
		_, err := s.SaveDocument(ctx, newTestDocument(id, "t", 2000))
		require.NoError(t, err)
	}

	stamps, err := s.DocumentStamps(ctx)
	require.NoError(t, err)
	require.Len(t, stamps, 3)
	assert.Equal(t, "doc-a", stamps[0].DocID)
	assert.Equal(t, "doc-c", stamps[2].DocID)
	assert.False(t, stamps[0].UpdateTime.IsZero())

	ids, err := s.DocumentIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"doc-a", "doc-b", "doc-c"}, ids)
}

func TestNew_AddsAttributeColumnsOnce(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	cols, err := s.attributeColumns(ctx)
	require.NoError(t, err)
	assert.Contains(t, cols, "title")
	assert.Contains(t, cols, "year")
	assert.Equal(t, "INTEGER", cols["year"])

	// Повторный вызов не падает на уже существующих колонках
	require.NoError(t, s.ensureAttributeColumns(ctx))
}
