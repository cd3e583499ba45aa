package sqlite

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/iudanet/dockeeper/internal/config"
	"github.com/iudanet/dockeeper/internal/models"
	"github.com/iudanet/dockeeper/internal/server/storage"
)

// timeLayouts форматы дат, допустимые в фильтрах по времени (кроме миллисекунд)
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02",
	"2006-01",
	"2006",
}

// buildPredicate строит WHERE-условие по фильтру.
// Строковые атрибуты: подстрока без учета регистра, значения через OR.
// Числовые и временные: одно значение с оператором сравнения.
// Все атрибуты объединяются через AND.
func (s *Storage) buildPredicate(q storage.ListQuery) (string, []any, error) {
	var (
		clauses []string
		args    []any
	)

	if !q.Admin {
		clauses = append(clauses, "(d.checkout_user = '' OR d.checkout_user = ?)")
		args = append(args, q.Viewer)
	}

	names := make([]string, 0, len(q.Filter))
	for name := range q.Filter {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		values := nonEmpty(q.Filter[name])
		if len(values) == 0 {
			continue
		}

		attr, ok := s.registry.Lookup(name)
		if !ok {
			return "", nil, fmt.Errorf("%w: unknown attribute %q", storage.ErrInvalidFilter, name)
		}

		switch attr.Kind {
		case config.KindString:
			ors := make([]string, 0, len(values))
			for _, v := range values {
				ors = append(ors, fmt.Sprintf(`LOWER(%s) LIKE ? ESCAPE '\'`, attr.Column))
				args = append(args, "%"+escapeLike(strings.ToLower(v))+"%")
			}
			clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")

		case config.KindInteger, config.KindTime:
			op, raw := config.SplitOperator(values[0])
			if op == "" {
				op = attr.Compare
			}
			if op == "" {
				op = config.DefaultCompare
			}

			n, err := parseNumeric(attr.Kind, raw)
			if err != nil {
				return "", nil, fmt.Errorf("%w: attribute %q: %v", storage.ErrInvalidFilter, name, err)
			}
			if op == "!=" {
				op = "<>"
			}
			clauses = append(clauses, fmt.Sprintf("%s %s ?", attr.Column, op))
			args = append(args, n)
		}
	}

	if len(clauses) == 0 {
		return "", nil, nil
	}

	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// CountDocuments returns the number of documents matching the query
func (s *Storage) CountDocuments(ctx context.Context, q storage.ListQuery) (int, error) {
	where, args, err := s.buildPredicate(q)
	if err != nil {
		return 0, err
	}

	var count int
	query := `SELECT COUNT(*) ` + documentsFrom + where
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}

	return count, nil
}

// QueryDocuments returns documents matching the query, most recently updated first
func (s *Storage) QueryDocuments(ctx context.Context, q storage.ListQuery) ([]*models.Document, error) {
	where, args, err := s.buildPredicate(q)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + s.selectColumns() + ` ` + documentsFrom + where + ` ORDER BY d.update_time DESC, d.doc_id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	docs := make([]*models.Document, 0)
	for rows.Next() {
		doc, err := s.scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}

	return docs, nil
}

// AttributeSummaries returns value counts for the given attributes over all documents
func (s *Storage) AttributeSummaries(ctx context.Context, names []string) (map[string]map[string]int, error) {
	result := make(map[string]map[string]int, len(names))

	for _, name := range names {
		attr, ok := s.registry.Lookup(name)
		if !ok || attr.System {
			return nil, fmt.Errorf("%w: unknown attribute %q", storage.ErrInvalidFilter, name)
		}

		query := fmt.Sprintf(
			`SELECT %s, COUNT(*) FROM document_attributes a WHERE %s IS NOT NULL GROUP BY %s`,
			attr.Column, attr.Column, attr.Column,
		)
		counts, err := s.groupCounts(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("failed to summarize attribute %s: %w", name, err)
		}
		result[name] = counts
	}

	return result, nil
}

func (s *Storage) groupCounts(ctx context.Context, query string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			value any
			count int
		)
		if err := rows.Scan(&value, &count); err != nil {
			return nil, err
		}
		counts[models.AttributeString(value)] = count
	}

	return counts, rows.Err()
}

func parseNumeric(kind config.AttributeKind, raw string) (int64, error) {
	if raw == "" {
		return 0, fmt.Errorf("missing value")
	}

	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if kind == config.KindTime && len(raw) == 4 {
			// "1999" для времени трактуем как год, а не как миллисекунды
			t, _ := time.Parse("2006", raw)
			return t.UnixMilli(), nil
		}
		return n, nil
	}

	if kind != config.KindTime {
		return 0, fmt.Errorf("%q is not an integer", raw)
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UnixMilli(), nil
		}
	}

	return 0, fmt.Errorf("%q is not a time", raw)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
