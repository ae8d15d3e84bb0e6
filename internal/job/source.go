// internal/job/source.go
package job

import (
	"sort"
	"strings"
)

// Source is one fetchable artifact belonging to an item. Immutable
// once read from the job request.
type Source struct {
	URL  string
	Name string
}

// Stem returns the content-derived stem used to classify primary
// versus secondary variants: the base filename without extension,
// falling back to the URL's last path segment.
func (s Source) Stem() string {
	name := s.Name
	if name == "" {
		name = SafeFilenameFromURL(s.URL)
	}
	return stemFromName(name)
}

// sortName is the deterministic ordering key for a source.
func (s Source) sortName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.URL
}

func stemFromName(name string) string {
	if name == "" {
		return ""
	}
	base := name
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	if dot := strings.LastIndex(base, "."); dot > 0 {
		return base[:dot]
	}
	return base
}

// SafeFilenameFromURL extracts the last path segment of a URL,
// ignoring any query string.
func SafeFilenameFromURL(url string) string {
	if url == "" {
		return ""
	}
	trimmed := url
	if i := strings.Index(trimmed, "?"); i >= 0 {
		trimmed = trimmed[:i]
	}
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return trimmed
}

// PrimaryPredicate decides whether a source is the item's primary
// variant. The stem-matching heuristic is fragile by nature, so it
// is pluggable and tested in isolation.
type PrimaryPredicate func(Source) bool

// DefaultIsPrimary matches the naming convention where the primary
// variant's stem ends in "_1" (e.g. "SKU123_1.jpg").
func DefaultIsPrimary(s Source) bool {
	stem := s.Stem()
	if stem == "" {
		return false
	}
	parts := strings.Split(stem, "_")
	return parts[len(parts)-1] == "1"
}

// SelectPrimary picks the item's representative source: the first
// (by name order) source the predicate accepts, falling back to the
// lexicographically first source. The selection is a deterministic,
// total function of the source list so repeated submissions pick the
// same source.
func SelectPrimary(sources []Source, isPrimary PrimaryPredicate) (Source, bool) {
	if len(sources) == 0 {
		return Source{}, false
	}
	sorted := make([]Source, len(sources))
	copy(sorted, sources)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].sortName() < sorted[j].sortName() })

	if isPrimary == nil {
		isPrimary = DefaultIsPrimary
	}
	for _, s := range sorted {
		if isPrimary(s) {
			return s, true
		}
	}
	return sorted[0], true
}
