// Package browser defines the fixed, ordered catalog of browser versions that
// every support-flag string is aligned with.
package browser

import (
	"strings"
)

// ID identifies a browser and version pair, e.g. "IE6" or "FF35".
type ID string

// ids is the canonical column order. Changing it invalidates every flag string
// in the support matrix and every persisted token.
var ids = []ID{
	"IE55", "IE6", "IE7", "IE8",
	"FF20", "FF30", "FF35", "FF36",
	"SA30", "SA31", "SA40", "SA50",
	"CH1", "CH2", "CH3", "CH4", "CH5",
	"OP10", "OP106",
}

var index = func() map[ID]int {
	m := make(map[ID]int, len(ids))
	for i, id := range ids {
		m[id] = i
	}
	return m
}()

// IDs returns the browser identifiers in canonical column order.
// The returned slice is a copy.
func IDs() []ID {
	out := make([]ID, len(ids))
	copy(out, ids)
	return out
}

// Count returns the number of browser columns.
func Count() int {
	return len(ids)
}

// Index returns the column position of id.
func Index(id ID) (int, bool) {
	i, ok := index[id]
	return i, ok
}

// Known reports whether id is part of the catalog.
func Known(id ID) bool {
	_, ok := index[id]
	return ok
}

// Version is a single selectable version within a Family.
type Version struct {
	ID    ID     `json:"id"`
	Label string `json:"label"`
}

// Family groups the versions of one browser for display.
type Family struct {
	Name     string    `json:"name"`
	CSSClass string    `json:"css_class"`
	Versions []Version `json:"versions"`
}

var families = []Family{
	{Name: "Chrome", CSSClass: "ch", Versions: []Version{
		{"CH1", "1.0"}, {"CH2", "2.0"}, {"CH3", "3.0"}, {"CH4", "4.0"}, {"CH5", "5.0"},
	}},
	{Name: "Firefox", CSSClass: "ff", Versions: []Version{
		{"FF20", "2.0"}, {"FF30", "3.0"}, {"FF35", "3.5"}, {"FF36", "3.6"},
	}},
	{Name: "Safari", CSSClass: "sa", Versions: []Version{
		{"SA30", "3.0"}, {"SA31", "3.1"}, {"SA40", "4.0"}, {"SA50", "5.0"},
	}},
	{Name: "Internet Explorer", CSSClass: "ie", Versions: []Version{
		{"IE55", "5.5"}, {"IE6", "6.0"}, {"IE7", "7.0"}, {"IE8", "8.0"},
	}},
	{Name: "Opera", CSSClass: "op", Versions: []Version{
		{"OP10", "10.0"}, {"OP106", "10.6"},
	}},
}

// Families returns the browser families in display order.
func Families() []Family {
	out := make([]Family, len(families))
	for i, f := range families {
		f.Versions = append([]Version(nil), f.Versions...)
		out[i] = f
	}
	return out
}

// labelPrefixes maps the lower-cased browser names used by the statistics
// feed to the ID prefix of the matching family.
var labelPrefixes = map[string]string{
	"ie":                "IE",
	"msie":              "IE",
	"internet explorer": "IE",
	"firefox":           "FF",
	"safari":            "SA",
	"chrome":            "CH",
	"opera":             "OP",
}

// ParseLabel maps a free-text feed label such as "Chrome 5.0" or "IE 8.0" to
// a catalog ID. Labels that do not name a catalog version return false.
func ParseLabel(label string) (ID, bool) {
	label = strings.Join(strings.Fields(label), " ")
	cut := strings.LastIndexByte(label, ' ')
	if cut <= 0 {
		return "", false
	}
	name, version := strings.ToLower(label[:cut]), label[cut+1:]

	prefix, ok := labelPrefixes[name]
	if !ok {
		return "", false
	}

	for _, candidate := range versionCandidates(version) {
		id := ID(prefix + candidate)
		if Known(id) {
			return id, true
		}
	}
	return "", false
}

// versionCandidates returns the ID suffixes a version string may map to:
// "3.5" -> "35", "6.0" -> "60" and "6", "10.0" -> "100" and "10".
func versionCandidates(version string) []string {
	if version == "" {
		return nil
	}
	joined := strings.ReplaceAll(version, ".", "")
	candidates := []string{joined}
	if major, minor, found := strings.Cut(version, "."); found && strings.Trim(minor, "0") == "" {
		candidates = append(candidates, major)
	}
	return candidates
}
