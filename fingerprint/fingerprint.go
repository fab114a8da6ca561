// Package fingerprint detects layout drift in scraped sources.
//
// A fingerprint hashes the set of semantic keys a parse managed to populate,
// ignoring the values. Pages with the same shape share a fingerprint; a
// fingerprint never seen before means the source layout changed (or a new
// page kind appeared). The catalog keeps every shape ever observed with hit
// counts and first/last-seen times.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"

	"github.com/hazyhaar/sourcesync/source"
)

// Empty is the fingerprint of a parse that populated no keys.
const Empty = "empty"

// MinimalLabel is the label when no indicator is present.
const MinimalLabel = "minimal"

const keySeparator = "\x1f"

// Fingerprint returns the fingerprint of keys. It is pure: order and
// duplicates in keys do not matter, and blank keys are ignored.
func Fingerprint(keys []string) string {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		set[k] = struct{}{}
	}
	if len(set) == 0 {
		return Empty
	}
	sorted := make([]string, 0, len(set))
	for k := range set {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	h := sha256.Sum256([]byte(strings.Join(sorted, keySeparator)))
	return fmt.Sprintf("%x", h[:16])
}

type labelRule struct {
	part func(source.Indicators) string
}

func flag(name string, get func(source.Indicators) bool) labelRule {
	return labelRule{part: func(in source.Indicators) string {
		if get(in) {
			return name
		}
		return ""
	}}
}

// labelRules run in this order; the label is the non-empty parts joined by "|".
var labelRules = []labelRule{
	{part: func(in source.Indicators) string { return normalizeToken(in.Status) }},
	{part: func(in source.Indicators) string {
		if r := normalizeToken(in.Registration); r != "" {
			return "REG_" + r
		}
		return ""
	}},
	flag("results", func(in source.Indicators) bool { return in.HasResults }),
	flag("seating", func(in source.Indicators) bool { return in.HasSeating }),
	flag("levels", func(in source.Indicators) bool { return in.HasLevels }),
	flag("entries", func(in source.Indicators) bool { return in.HasEntries }),
}

// Label builds the human-readable shape label. It is advisory only; the
// catalog is keyed by fingerprint.
func Label(in source.Indicators) string {
	parts := make([]string, 0, len(labelRules))
	for _, r := range labelRules {
		if p := r.part(in); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return MinimalLabel
	}
	return strings.Join(parts, "|")
}

// normalizeToken upper-cases s and collapses non-alphanumerics to "_".
func normalizeToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
