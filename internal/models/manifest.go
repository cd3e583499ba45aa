package models

import (
	"sort"
	"strconv"
	"time"
)

// Provenance attribute keys carried in every manifest
const (
	AttrCheckinUser      = "checkin_user"
	AttrCheckinTime      = "checkin_time"
	AttrCheckoutUser     = "checkout_user"
	AttrCheckoutTime     = "checkout_time"
	AttrUpdateUser       = "update_user"
	AttrUpdateTime       = "update_time"
	AttrOrigUpdateUser   = "orig_update_user"
	AttrOrigUpdateTime   = "orig_update_time"
	AttrOrigUpdateDomain = "orig_update_domain"
	AttrVersion          = "version"
)

// Entry представляет один именованный файл внутри версии документа.
// Две записи с одинаковыми Name и DataHash считаются побайтно идентичными.
type Entry struct {
	UpdateTime time.Time `json:"update_time"` // UpdateTime время последнего изменения содержимого
	Name       string    `json:"name"`        // Name логическое имя (например, "page-0001.png")
	DataHash   string    `json:"data_hash"`   // DataHash hex sha256 от содержимого
}

// SameContent reports whether both entries reference byte-identical data.
func (e Entry) SameContent(other Entry) bool {
	return e.Name == other.Name && e.DataHash == other.DataHash
}

// Manifest is the ordered entry list plus provenance attributes of one document version.
type Manifest struct {
	Attributes map[string]string `json:"attributes"`
	DocID      string            `json:"doc_id"`
	Entries    []Entry           `json:"entries"`
	Version    int               `json:"version"`
}

// NewManifest creates an empty manifest for docID
func NewManifest(docID string) *Manifest {
	return &Manifest{
		DocID:      docID,
		Attributes: make(map[string]string),
	}
}

// Entry returns the entry with the given name
func (m *Manifest) Entry(name string) (Entry, bool) {
	for _, e := range m.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// EntryIndex returns entries keyed by name
func (m *Manifest) EntryIndex() map[string]Entry {
	idx := make(map[string]Entry, len(m.Entries))
	for _, e := range m.Entries {
		idx[e.Name] = e
	}
	return idx
}

// Attr returns attribute value or empty string
func (m *Manifest) Attr(key string) string {
	if m.Attributes == nil {
		return ""
	}
	return m.Attributes[key]
}

// SetAttr sets attribute value, removing the key when value is empty
func (m *Manifest) SetAttr(key, value string) {
	if m.Attributes == nil {
		m.Attributes = make(map[string]string)
	}
	if value == "" {
		delete(m.Attributes, key)
		return
	}
	m.Attributes[key] = value
}

// SetDefault sets attribute only if it is not present yet
func (m *Manifest) SetDefault(key, value string) {
	if m.Attr(key) != "" {
		return
	}
	m.SetAttr(key, value)
}

// AttrTime parses a time attribute stored as unix milliseconds
func (m *Manifest) AttrTime(key string) time.Time {
	t, _ := ParseTime(m.Attr(key))
	return t
}

// SameEntries reports whether both manifests list the same (name, hash) pairs
func (m *Manifest) SameEntries(other *Manifest) bool {
	if other == nil || len(m.Entries) != len(other.Entries) {
		return false
	}
	idx := other.EntryIndex()
	for _, e := range m.Entries {
		o, ok := idx[e.Name]
		if !ok || !o.SameContent(e) {
			return false
		}
	}
	return true
}

// Clone создает глубокую копию манифеста
func (m *Manifest) Clone() *Manifest {
	attrs := make(map[string]string, len(m.Attributes))
	for k, v := range m.Attributes {
		attrs[k] = v
	}
	entries := make([]Entry, len(m.Entries))
	copy(entries, m.Entries)

	return &Manifest{
		DocID:      m.DocID,
		Version:    m.Version,
		Attributes: attrs,
		Entries:    entries,
	}
}

// AttributeKeys returns attribute keys in sorted order (stable wire output)
func (m *Manifest) AttributeKeys() []string {
	keys := make([]string, 0, len(m.Attributes))
	for k := range m.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatTime encodes a time as unix milliseconds, empty for the zero time
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// ParseTime decodes unix milliseconds produced by FormatTime
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
