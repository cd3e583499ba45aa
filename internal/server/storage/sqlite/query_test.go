package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/dockeeper/internal/models"
	"github.com/iudanet/dockeeper/internal/server/storage"
)

func seedLibrary(t *testing.T, s *Storage) {
	t.Helper()
	ctx := context.Background()

	books := []struct {
		id, title, author string
		year              int64
		lockedBy          string
	}{
		{"doc-0001", "War and Peace", "Tolstoy", 1869, ""},
		{"doc-0002", "Anna Karenina", "Tolstoy", 1878, ""},
		{"doc-0003", "The Idiot", "Dostoevsky", 1869, "bob"},
		{"doc-0004", "Crime and Punishment", "Dostoevsky", 1866, ""},
		{"doc-0005", "100%_done", "Nobody", 2001, ""},
	}

	for i, b := range books {
		doc := newTestDocument(b.id, b.title, b.year)
		doc.Attributes["author"] = b.author
		doc.UpdateTime = time.Date(2020, 1, 1+i, 0, 0, 0, 0, time.UTC)
		_, err := s.SaveDocument(ctx, doc)
		require.NoError(t, err)
		if b.lockedBy != "" {
			require.NoError(t, s.SetCheckout(ctx, b.id, b.lockedBy, time.Now()))
		}
	}
}

func ids(docs []*models.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.ID)
	}
	return out
}

func TestQueryDocuments_Filters(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()
	seedLibrary(t, s)

	tests := []struct {
		name   string
		query  storage.ListQuery
		want   []string
		errIs  error
	}{
		{
			name:  "admin sees everything",
			query: storage.ListQuery{Admin: true},
			want:  []string{"doc-0001", "doc-0002", "doc-0003", "doc-0004", "doc-0005"},
		},
		{
			name:  "non-admin does not see documents locked by others",
			query: storage.ListQuery{Viewer: "alice"},
			want:  []string{"doc-0001", "doc-0002", "doc-0004", "doc-0005"},
		},
		{
			name:  "lock holder sees own checkout",
			query: storage.ListQuery{Viewer: "bob"},
			want:  []string{"doc-0001", "doc-0002", "doc-0003", "doc-0004", "doc-0005"},
		},
		{
			name:  "case-insensitive substring",
			query: storage.ListQuery{Admin: true, Filter: models.Filter{"title": {"AND"}}},
			want:  []string{"doc-0001", "doc-0004"},
		},
		{
			name:  "values of one attribute are OR'd",
			query: storage.ListQuery{Admin: true, Filter: models.Filter{"title": {"idiot", "anna"}}},
			want:  []string{"doc-0002", "doc-0003"},
		},
		{
			name: "attributes are AND'd",
			query: storage.ListQuery{Admin: true, Filter: models.Filter{
				"author": {"dostoevsky"},
				"year":   {"1869"},
			}},
			want: []string{"doc-0003"},
		},
		{
			name:  "configured compare operator",
			query: storage.ListQuery{Admin: true, Filter: models.Filter{"year": {"1878"}}},
			want:  []string{"doc-0002", "doc-0005"},
		},
		{
			name:  "explicit operator overrides configured one",
			query: storage.ListQuery{Admin: true, Filter: models.Filter{"year": {"<1869"}}},
			want:  []string{"doc-0004"},
		},
		{
			name:  "like wildcards are literal",
			query: storage.ListQuery{Admin: true, Filter: models.Filter{"title": {"%_"}}},
			want:  []string{"doc-0005"},
		},
		{
			name:  "time attribute with default operator",
			query: storage.ListQuery{Admin: true, Filter: models.Filter{"update_time": {"2020-01-04"}}},
			want:  []string{"doc-0005"},
		},
		{
			name:  "system string attribute",
			query: storage.ListQuery{Admin: true, Filter: models.Filter{"checkout_user": {"bo"}}},
			want:  []string{"doc-0003"},
		},
		{
			name:  "unknown attribute",
			query: storage.ListQuery{Admin: true, Filter: models.Filter{"publisher": {"x"}}},
			errIs: storage.ErrInvalidFilter,
		},
		{
			name:  "malformed number",
			query: storage.ListQuery{Admin: true, Filter: models.Filter{"year": {">=soon"}}},
			errIs: storage.ErrInvalidFilter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := s.QueryDocuments(ctx, tt.query)
			if tt.errIs != nil {
				assert.ErrorIs(t, err, tt.errIs)
				return
			}
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, ids(docs))

			count, err := s.CountDocuments(ctx, tt.query)
			require.NoError(t, err)
			assert.Equal(t, len(tt.want), count)
		})
	}
}

func TestQueryDocuments_OrderAndLimit(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()
	seedLibrary(t, s)

	docs, err := s.QueryDocuments(ctx, storage.ListQuery{Admin: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc-0005", "doc-0004"}, ids(docs))
}

func TestAttributeSummaries(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()
	seedLibrary(t, s)

	summaries, err := s.AttributeSummaries(ctx, []string{"author"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Tolstoy": 2, "Dostoevsky": 2, "Nobody": 1}, summaries["author"])

	_, err = s.AttributeSummaries(ctx, []string{"update_user"})
	assert.ErrorIs(t, err, storage.ErrInvalidFilter)
}

func TestBuildPredicate_EmptyFilterForAdmin(t *testing.T) {
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	where, args, err := s.buildPredicate(storage.ListQuery{Admin: true, Filter: models.Filter{"title": {" "}}})
	require.NoError(t, err)
	assert.Empty(t, where)
	assert.Empty(t, args)
}

func BenchmarkCountDocuments(b *testing.B) {
	ctx := context.Background()
	s, err := New(ctx, ":memory:", testRegistry())
	require.NoError(b, err)
	defer s.Close()

	for i := 0; i < 500; i++ {
		_, err := s.SaveDocument(ctx, newTestDocument(fmt.Sprintf("doc-%05d", i), "title", int64(1800+i)))
		require.NoError(b, err)
	}

	q := storage.ListQuery{Viewer: "alice", Filter: models.Filter{"year": {">=2000"}}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.CountDocuments(ctx, q); err != nil {
			b.Fatal(err)
		}
	}
}
