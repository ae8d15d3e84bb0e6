// internal/storage/keys.go
package storage

import (
	"fmt"
	"strings"
)

// ObjectKey builds the storage key for an item's output:
// {namespace}/{itemKey}/{stem}_{seq}.{ext}. Keys group a job's
// outputs per item and stay collision-free through the sequence
// component.
func ObjectKey(namespace, itemKey, stem string, seq int64, ext string) string {
	return fmt.Sprintf("%s/%s/%s_%d.%s",
		strings.Trim(namespace, "/"),
		SanitizeSegment(itemKey),
		SanitizeSegment(stem),
		seq,
		strings.TrimPrefix(ext, "."),
	)
}

// SanitizeSegment keeps a key segment to alphanumerics, dash and
// underscore so arbitrary item names cannot break the key scheme.
func SanitizeSegment(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
