package config

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/iudanet/dockeeper/internal/models"
)

// AttributeKind тип значения атрибута
type AttributeKind int

const (
	KindString AttributeKind = iota
	KindInteger
	KindTime
)

func (k AttributeKind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindTime:
		return "time"
	default:
		return "string"
	}
}

// compareOperators operators accepted in attribute filters
var compareOperators = map[string]struct{}{
	">":  {},
	">=": {},
	"<":  {},
	"<=": {},
	"=":  {},
	"!=": {},
}

// DefaultCompare is used for numeric filters without an explicit operator
const DefaultCompare = ">"

// SplitOperator отделяет ведущий оператор сравнения от значения фильтра
func SplitOperator(value string) (op, rest string) {
	value = strings.TrimSpace(value)
	// двухсимвольные операторы проверяем первыми
	for _, candidate := range []string{">=", "<=", "!=", ">", "<", "="} {
		if strings.HasPrefix(value, candidate) {
			return candidate, strings.TrimSpace(value[len(candidate):])
		}
	}
	return "", value
}

// Attribute describes one queryable attribute and the column backing it
type Attribute struct {
	Name    string
	Column  string // Column qualified column name for the predicate builder
	Compare string
	Sources []string
	Kind    AttributeKind
	Width   int
	Summary bool
	System  bool
}

// systemAttributes live in the fixed documents table
var systemAttributes = []Attribute{
	{Name: models.AttrCheckinUser, Kind: KindString},
	{Name: models.AttrCheckinTime, Kind: KindTime},
	{Name: models.AttrCheckoutUser, Kind: KindString},
	{Name: models.AttrCheckoutTime, Kind: KindTime},
	{Name: models.AttrUpdateUser, Kind: KindString},
	{Name: models.AttrUpdateTime, Kind: KindTime},
	{Name: models.AttrOrigUpdateUser, Kind: KindString},
	{Name: models.AttrOrigUpdateTime, Kind: KindTime},
	{Name: models.AttrOrigUpdateDomain, Kind: KindString},
	{Name: models.AttrVersion, Kind: KindInteger},
}

func isSystemAttribute(name string) bool {
	if name == "doc_id" {
		return true
	}
	for _, a := range systemAttributes {
		if a.Name == name {
			return true
		}
	}
	return false
}

// Registry is the attribute schema loaded at startup.
// The attribute table DDL and the list predicate builder are both driven off it.
type Registry struct {
	byName map[string]Attribute
	domain []Attribute
}

// NewRegistry builds a registry from configured attributes
func NewRegistry(attrs []AttributeConfig) *Registry {
	r := &Registry{
		byName: make(map[string]Attribute, len(systemAttributes)+len(attrs)),
	}

	for _, a := range systemAttributes {
		a.System = true
		a.Column = "d." + a.Name
		r.byName[a.Name] = a
	}

	for _, ac := range attrs {
		a := Attribute{
			Name:    ac.Name,
			Column:  "a." + ac.Name,
			Compare: ac.Compare,
			Sources: ac.Sources,
			Kind:    KindString,
			Width:   ac.Width,
			Summary: ac.Summary,
		}
		if ac.Integer {
			a.Kind = KindInteger
			a.Width = 0
		}
		if len(a.Sources) == 0 {
			a.Sources = []string{a.Name}
		}
		r.byName[a.Name] = a
		r.domain = append(r.domain, a)
	}

	return r
}

// Lookup returns an attribute by name
func (r *Registry) Lookup(name string) (Attribute, bool) {
	a, ok := r.byName[name]
	return a, ok
}

// Domain returns configurable attributes in declaration order
func (r *Registry) Domain() []Attribute {
	out := make([]Attribute, len(r.domain))
	copy(out, r.domain)
	return out
}

// Summaries returns attributes whose value counts are offered as filter suggestions
func (r *Registry) Summaries() []Attribute {
	var out []Attribute
	for _, a := range r.domain {
		if a.Summary {
			out = append(out, a)
		}
	}
	return out
}

// Extract вычисляет значения настраиваемых атрибутов из атрибутов манифеста.
// Значение берется из первого присутствующего источника; строки обрезаются до ширины колонки.
func (r *Registry) Extract(attrs map[string]string) map[string]any {
	out := make(map[string]any, len(r.domain))
	for _, a := range r.domain {
		v, ok := a.value(attrs)
		if ok {
			out[a.Name] = v
		}
	}
	return out
}

func (a Attribute) value(attrs map[string]string) (any, bool) {
	for _, src := range a.Sources {
		raw, ok := attrs[src]
		if !ok || raw == "" {
			continue
		}
		if a.Kind == KindInteger {
			n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
			if err != nil {
				continue
			}
			return n, true
		}
		return truncate(raw, a.Width), true
	}
	return nil, false
}

// truncate режет строку по границе руны
func truncate(s string, width int) string {
	if width <= 0 || utf8.RuneCountInString(s) <= width {
		return s
	}
	runes := []rune(s)
	return string(runes[:width])
}
