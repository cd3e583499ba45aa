package engine

import (
	"context"
	"strings"

	"github.com/iudanet/dockeeper/internal/models"
	"github.com/iudanet/dockeeper/internal/server/storage"
)

// List returns documents matching filter.
// The match count is estimated first; a non-admin caller whose filter matches more
// documents than the configured threshold gets only attribute value summaries.
// headOnly skips materializing the documents.
func (e *Engine) List(ctx context.Context, p models.Principal, filter models.Filter, headOnly bool) (*models.ListResult, error) {
	q := storage.ListQuery{Filter: filter, Viewer: p.Name, Admin: p.Admin}

	var (
		total int
		err   error
	)
	if isEmptyFilter(filter) {
		total = e.cache.Count()
	} else {
		total, err = e.index.CountDocuments(ctx, q)
		if err != nil {
			return nil, err
		}
	}

	result := &models.ListResult{
		Total:     total,
		Summaries: e.cache.Summaries(),
		Documents: make([]*models.Document, 0),
	}

	if !p.Admin && e.threshold > 0 && total > e.threshold {
		result.Denied = true
		e.metrics.ListDenied.Inc()
		e.logger.Info("list denied by selectivity threshold",
			"user", p.Name,
			"total", total,
			"threshold", e.threshold,
		)
		return result, nil
	}

	if headOnly {
		return result, nil
	}

	docs, err := e.index.QueryDocuments(ctx, q)
	if err != nil {
		return nil, err
	}
	result.Documents = docs
	if isEmptyFilter(filter) {
		// оценка могла включать чужие заблокированные документы
		result.Total = len(docs)
	}

	return result, nil
}

func isEmptyFilter(filter models.Filter) bool {
	for _, values := range filter {
		for _, v := range values {
			if strings.TrimSpace(v) != "" {
				return false
			}
		}
	}
	return true
}
