package models

// Filter maps attribute names to requested values.
// String attributes match any of the values as a case-insensitive substring,
// numeric and time attributes take a single value with an optional leading operator.
type Filter map[string][]string

// ListResult is the answer to a list query
type ListResult struct {
	Summaries map[string]map[string]int `json:"summaries"` // Summaries attribute -> value -> count
	Documents []*Document               `json:"documents"`
	Total     int                       `json:"total"`  // Total оценка количества подходящих документов
	Denied    bool                      `json:"denied"` // Denied выборка слишком большая, документы не возвращены
}
