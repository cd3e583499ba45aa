package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// DocIDPattern допустимый формат идентификатора документа.
// Первые четыре символа используются для шардирования каталогов.
var DocIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{4,64}$`)

// AttributeNamePattern допустимые имена атрибутов (используются как имена колонок)
var AttributeNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,31}$`)

// MaxEntryNameLen максимальная длина имени записи документа
const MaxEntryNameLen = 255

// ValidateDocID проверяет идентификатор документа
func ValidateDocID(docID string) error {
	if docID == "" {
		return fmt.Errorf("document id cannot be empty")
	}
	if !DocIDPattern.MatchString(docID) {
		return fmt.Errorf("invalid document id %q", docID)
	}
	if strings.Trim(docID, ".") == "" {
		return fmt.Errorf("invalid document id %q", docID)
	}
	return nil
}

// ValidateEntryName checks that name is safe to use as a file name component
func ValidateEntryName(name string) error {
	if name == "" {
		return fmt.Errorf("entry name cannot be empty")
	}
	if len(name) > MaxEntryNameLen {
		return fmt.Errorf("entry name must not exceed %d characters", MaxEntryNameLen)
	}
	if name == "." || name == ".." || strings.Contains(name, "..") {
		return fmt.Errorf("entry name %q must not contain '..'", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("entry name %q must not contain path separators", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("entry name %q contains control characters", name)
		}
	}
	return nil
}

// ValidateAttributeName проверяет имя настраиваемого атрибута
func ValidateAttributeName(name string) error {
	if !AttributeNamePattern.MatchString(name) {
		return fmt.Errorf("attribute name %q must match %s", name, AttributeNamePattern.String())
	}
	return nil
}
