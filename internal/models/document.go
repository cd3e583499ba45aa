package models

import (
	"fmt"
	"strconv"
	"time"
)

// Document представляет строку метаданных документа:
// фиксированные системные поля плюс настраиваемые атрибуты.
type Document struct {
	CheckinTime      time.Time      `json:"checkin_time"`
	CheckoutTime     time.Time      `json:"checkout_time"`
	UpdateTime       time.Time      `json:"update_time"`
	OrigUpdateTime   time.Time      `json:"orig_update_time"`
	Attributes       map[string]any `json:"attributes"` // Attributes значения string или int64
	ID               string         `json:"id"`
	CheckinUser      string         `json:"checkin_user"`
	CheckoutUser     string         `json:"checkout_user"`
	UpdateUser       string         `json:"update_user"`
	OrigUpdateUser   string         `json:"orig_update_user"`
	OrigUpdateDomain string         `json:"orig_update_domain"`
	Version          int            `json:"version"`
}

// Locked reports whether some user holds the checkout lock
func (d *Document) Locked() bool {
	return d.CheckoutUser != ""
}

// LockedByOther reports whether the lock is held by someone other than user
func (d *Document) LockedByOther(user string) bool {
	return d.CheckoutUser != "" && d.CheckoutUser != user
}

// Clone создает копию документа (кэш никогда не отдает свои экземпляры наружу)
func (d *Document) Clone() *Document {
	c := *d
	c.Attributes = make(map[string]any, len(d.Attributes))
	for k, v := range d.Attributes {
		c.Attributes[k] = v
	}
	return &c
}

// ApplyManifest copies provenance attributes of m into the fixed fields
func (d *Document) ApplyManifest(m *Manifest) {
	d.ID = m.DocID
	d.Version = m.Version
	d.CheckinUser = m.Attr(AttrCheckinUser)
	d.CheckinTime = m.AttrTime(AttrCheckinTime)
	d.UpdateUser = m.Attr(AttrUpdateUser)
	d.UpdateTime = m.AttrTime(AttrUpdateTime)
	d.OrigUpdateUser = m.Attr(AttrOrigUpdateUser)
	d.OrigUpdateTime = m.AttrTime(AttrOrigUpdateTime)
	d.OrigUpdateDomain = m.Attr(AttrOrigUpdateDomain)
}

// DocStamp is the (docId, update time) pair exchanged during list reconciliation
type DocStamp struct {
	UpdateTime time.Time `json:"update_time"`
	DocID      string    `json:"doc_id"`
}

// AttributeString renders an attribute value as text (summary keys, wire format)
func AttributeString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprint(t)
	}
}
