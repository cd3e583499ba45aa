package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/iudanet/dockeeper/internal/models"
)

// Record prefixes
const (
	prefixEntry   = "E "
	prefixAttr    = "A "
	prefixSummary = "S "
	prefixDoc     = "D "
	prefixTotal   = "N "
	prefixStamp   = "L "
	prefixEvent   = "V "
)

// FormatEntry encodes an entry line
func FormatEntry(e models.Entry) string {
	return prefixEntry + url.PathEscape(e.Name) + "\t" + e.DataHash + "\t" + formatMillis(e.UpdateTime)
}

// ParseEntry decodes an entry line
func ParseEntry(line string) (models.Entry, error) {
	fields, err := splitRecord(line, prefixEntry, 3)
	if err != nil {
		return models.Entry{}, err
	}

	name, err := url.PathUnescape(fields[0])
	if err != nil {
		return models.Entry{}, fmt.Errorf("invalid entry name %q: %w", fields[0], err)
	}
	t, err := parseMillis(fields[2])
	if err != nil {
		return models.Entry{}, err
	}

	return models.Entry{Name: name, DataHash: fields[1], UpdateTime: t}, nil
}

// FormatAttr encodes an attribute line
func FormatAttr(key, value string) string {
	return prefixAttr + url.QueryEscape(key) + "\t" + url.QueryEscape(value)
}

// ParseAttr decodes an attribute line
func ParseAttr(line string) (string, string, error) {
	fields, err := splitRecord(line, prefixAttr, 2)
	if err != nil {
		return "", "", err
	}
	key, err := url.QueryUnescape(fields[0])
	if err != nil {
		return "", "", fmt.Errorf("invalid attribute key: %w", err)
	}
	value, err := url.QueryUnescape(fields[1])
	if err != nil {
		return "", "", fmt.Errorf("invalid attribute value: %w", err)
	}
	return key, value, nil
}

// WriteManifest writes attribute lines, entry lines and the blank terminator
func WriteManifest(w *Writer, m *models.Manifest) {
	for _, k := range m.AttributeKeys() {
		w.Line(FormatAttr(k, m.Attributes[k]))
	}
	for _, e := range m.Entries {
		w.Line(FormatEntry(e))
	}
	w.End()
}

// ReadManifest reads a manifest up to its blank terminator
func ReadManifest(r *Reader, docID string) (*models.Manifest, error) {
	m := models.NewManifest(docID)
	seen := make(map[string]bool)

	for {
		line, err := r.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("unterminated manifest: %w", io.ErrUnexpectedEOF)
		}
		if err != nil {
			return nil, err
		}

		switch {
		case line == "":
			if v, ok := m.Attributes[models.AttrVersion]; ok {
				if n, err := strconv.Atoi(v); err == nil {
					m.Version = n
				}
			}
			return m, nil
		case strings.HasPrefix(line, prefixAttr):
			k, v, err := ParseAttr(line)
			if err != nil {
				return nil, err
			}
			m.SetAttr(k, v)
		case strings.HasPrefix(line, prefixEntry):
			e, err := ParseEntry(line)
			if err != nil {
				return nil, err
			}
			if seen[e.Name] {
				return nil, fmt.Errorf("duplicate entry %q in manifest", e.Name)
			}
			seen[e.Name] = true
			m.Entries = append(m.Entries, e)
		default:
			return nil, fmt.Errorf("unexpected manifest line %q", line)
		}
	}
}

// WriteEntries writes entry lines followed by the blank terminator
func WriteEntries(w *Writer, entries []models.Entry) {
	for _, e := range entries {
		w.Line(FormatEntry(e))
	}
	w.End()
}

// EncodeFilter encodes a list filter as a query string
func EncodeFilter(f models.Filter) string {
	return url.Values(f).Encode()
}

// DecodeFilter decodes a list filter; empty values are dropped
func DecodeFilter(s string) (models.Filter, error) {
	values, err := url.ParseQuery(s)
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}

	f := make(models.Filter, len(values))
	for k, vs := range values {
		for _, v := range vs {
			if strings.TrimSpace(v) != "" {
				f[k] = append(f[k], v)
			}
		}
	}
	return f, nil
}

// DocumentAttributes flattens a metadata row into wire attributes
func DocumentAttributes(d *models.Document) map[string]string {
	attrs := map[string]string{
		models.AttrVersion: strconv.Itoa(d.Version),
	}
	set := func(k, v string) {
		if v != "" {
			attrs[k] = v
		}
	}
	set(models.AttrCheckinUser, d.CheckinUser)
	set(models.AttrCheckinTime, models.FormatTime(d.CheckinTime))
	set(models.AttrCheckoutUser, d.CheckoutUser)
	set(models.AttrCheckoutTime, models.FormatTime(d.CheckoutTime))
	set(models.AttrUpdateUser, d.UpdateUser)
	set(models.AttrUpdateTime, models.FormatTime(d.UpdateTime))
	set(models.AttrOrigUpdateUser, d.OrigUpdateUser)
	set(models.AttrOrigUpdateTime, models.FormatTime(d.OrigUpdateTime))
	set(models.AttrOrigUpdateDomain, d.OrigUpdateDomain)
	for k, v := range d.Attributes {
		set(k, models.AttributeString(v))
	}
	return attrs
}

// documentFromAttributes is the inverse of DocumentAttributes; domain values stay strings
func documentFromAttributes(id string, attrs map[string]string) *models.Document {
	m := &models.Manifest{DocID: id, Attributes: attrs}
	d := &models.Document{Attributes: make(map[string]any)}
	d.ApplyManifest(m)
	d.Version, _ = strconv.Atoi(attrs[models.AttrVersion])
	d.CheckoutUser = m.Attr(models.AttrCheckoutUser)
	d.CheckoutTime = m.AttrTime(models.AttrCheckoutTime)

	for k, v := range attrs {
		switch k {
		case models.AttrCheckinUser, models.AttrCheckinTime, models.AttrCheckoutUser,
			models.AttrCheckoutTime, models.AttrUpdateUser, models.AttrUpdateTime,
			models.AttrOrigUpdateUser, models.AttrOrigUpdateTime, models.AttrOrigUpdateDomain,
			models.AttrVersion:
		default:
			d.Attributes[k] = v
		}
	}
	return d
}

// WriteList writes a list payload
func WriteList(w *Writer, res *models.ListResult) {
	denied := 0
	if res.Denied {
		denied = 1
	}
	w.Linef("%s%d\t%d", prefixTotal, res.Total, denied)

	for _, attr := range sortedKeys(res.Summaries) {
		counts := res.Summaries[attr]
		for _, value := range sortedKeys(counts) {
			w.Line(prefixSummary + url.QueryEscape(attr) + "\t" + url.QueryEscape(value) + "\t" + strconv.Itoa(counts[value]))
		}
	}

	for _, d := range res.Documents {
		w.Line(prefixDoc + d.ID)
		attrs := DocumentAttributes(d)
		for _, k := range sortedKeys(attrs) {
			w.Line(FormatAttr(k, attrs[k]))
		}
	}
	w.End()
}

// ReadList reads a list payload
func ReadList(r *Reader) (*models.ListResult, error) {
	res := &models.ListResult{
		Summaries: make(map[string]map[string]int),
		Documents: make([]*models.Document, 0),
	}

	head, err := r.MustLine("list header")
	if err != nil {
		return nil, err
	}
	fields, err := splitRecord(head, prefixTotal, 2)
	if err != nil {
		return nil, err
	}
	if res.Total, err = strconv.Atoi(fields[0]); err != nil {
		return nil, fmt.Errorf("invalid list total %q", fields[0])
	}
	res.Denied = fields[1] == "1"

	var (
		curID    string
		curAttrs map[string]string
	)
	flush := func() {
		if curID != "" {
			res.Documents = append(res.Documents, documentFromAttributes(curID, curAttrs))
		}
	}

	for {
		line, err := r.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("unterminated list: %w", io.ErrUnexpectedEOF)
		}
		if err != nil {
			return nil, err
		}

		switch {
		case line == "":
			flush()
			return res, nil
		case strings.HasPrefix(line, prefixSummary):
			f, err := splitRecord(line, prefixSummary, 3)
			if err != nil {
				return nil, err
			}
			attr, err1 := url.QueryUnescape(f[0])
			value, err2 := url.QueryUnescape(f[1])
			count, err3 := strconv.Atoi(f[2])
			if err := errors.Join(err1, err2, err3); err != nil {
				return nil, fmt.Errorf("invalid summary line %q: %w", line, err)
			}
			if res.Summaries[attr] == nil {
				res.Summaries[attr] = make(map[string]int)
			}
			res.Summaries[attr][value] = count
		case strings.HasPrefix(line, prefixDoc):
			flush()
			curID = strings.TrimPrefix(line, prefixDoc)
			curAttrs = make(map[string]string)
		case strings.HasPrefix(line, prefixAttr):
			if curID == "" {
				return nil, fmt.Errorf("attribute line before document line")
			}
			k, v, err := ParseAttr(line)
			if err != nil {
				return nil, err
			}
			curAttrs[k] = v
		default:
			return nil, fmt.Errorf("unexpected list line %q", line)
		}
	}
}

// WriteStamps writes (docId, update time) lines and the terminator
func WriteStamps(w *Writer, stamps []models.DocStamp) {
	for _, s := range stamps {
		w.Line(prefixStamp + s.DocID + "\t" + formatMillis(s.UpdateTime))
	}
	w.End()
}

// ReadStamps reads lines written by WriteStamps
func ReadStamps(r *Reader) ([]models.DocStamp, error) {
	lines, err := r.ReadLines()
	if err != nil {
		return nil, err
	}

	stamps := make([]models.DocStamp, 0, len(lines))
	for _, line := range lines {
		f, err := splitRecord(line, prefixStamp, 2)
		if err != nil {
			return nil, err
		}
		t, err := parseMillis(f[1])
		if err != nil {
			return nil, err
		}
		stamps = append(stamps, models.DocStamp{DocID: f[0], UpdateTime: t})
	}
	return stamps, nil
}

// WriteEvents writes one JSON event per line and the terminator
func WriteEvents(w *Writer, evs []models.Event) error {
	for _, e := range evs {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		w.Line(prefixEvent + string(data))
	}
	w.End()
	return nil
}

// ReadEvents reads lines written by WriteEvents
func ReadEvents(r *Reader) ([]models.Event, error) {
	lines, err := r.ReadLines()
	if err != nil {
		return nil, err
	}

	evs := make([]models.Event, 0, len(lines))
	for _, line := range lines {
		if !strings.HasPrefix(line, prefixEvent) {
			return nil, fmt.Errorf("unexpected event line %q", line)
		}
		var e models.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, prefixEvent)), &e); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		evs = append(evs, e)
	}
	return evs, nil
}

func splitRecord(line, prefix string, n int) ([]string, error) {
	if !strings.HasPrefix(line, prefix) {
		return nil, fmt.Errorf("expected %q record, got %q", strings.TrimSpace(prefix), line)
	}
	fields := strings.Split(strings.TrimPrefix(line, prefix), "\t")
	if len(fields) != n {
		return nil, fmt.Errorf("malformed %q record %q", strings.TrimSpace(prefix), line)
	}
	return fields, nil
}

func formatMillis(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	if ms == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
