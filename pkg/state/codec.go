// Package state encodes the complete user input (data source, category
// toggles, option flags, browser shares) into a single token used both as a
// URL fragment and as a storage value, and decodes it back.
//
// Token grammar:
//
//	token   = ["#"] tag "/" *(toggle "/") payload
//	payload = escape(pair *("," pair))
//	pair    = browser-id "|" share
//
// Decoding never fails: malformed pieces degrade to zero or are ignored.
package state

import (
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/coolbeans/csscoverage/pkg/browser"
	"github.com/coolbeans/csscoverage/pkg/matrix"
)

// Tag names the source of the browser shares.
type Tag string

const (
	// TagNone means no data source has been chosen yet.
	TagNone Tag = ""

	// TagStatCounter marks shares pulled from the statistics feed.
	TagStatCounter Tag = "statcounter"

	// TagCustom marks shares entered by hand.
	TagCustom Tag = "custom"
)

// ParseTag returns the Tag named by s, or TagNone and false.
func ParseTag(s string) (Tag, bool) {
	switch Tag(s) {
	case TagStatCounter, TagCustom:
		return Tag(s), true
	default:
		return TagNone, false
	}
}

// Option toggle ids as they appear in tokens.
const (
	OptionVendorProperties = matrix.VendorPropertiesToggle
	OptionIEFilters        = matrix.IEFiltersToggle
)

// Decoded is the structured form of a token.
type Decoded struct {
	Tag     Tag            `json:"tag"`
	Toggles []string       `json:"toggles"`
	Options matrix.Options `json:"options"`
	Shares  browser.Shares `json:"shares"`
}

// Encode serializes the state. Toggles are written sorted and deduplicated,
// followed by the enabled option ids. Shares are written in catalog order;
// entries for unknown browsers are dropped and values that are negative or
// not finite are written as 0.
func Encode(tag Tag, toggles []string, opts matrix.Options, shares browser.Shares) string {
	var b strings.Builder
	b.WriteByte('#')
	b.WriteString(string(tag))
	b.WriteByte('/')

	for _, toggle := range normalizeToggles(toggles) {
		b.WriteString(url.PathEscape(toggle))
		b.WriteByte('/')
	}
	if opts.VendorProperties {
		b.WriteString(OptionVendorProperties + "/")
	}
	if opts.IEFilters {
		b.WriteString(OptionIEFilters + "/")
	}

	pairs := make([]string, 0, len(shares))
	for _, id := range browser.IDs() {
		value, ok := shares[id]
		if !ok {
			continue
		}
		pairs = append(pairs, string(id)+"|"+formatShare(value))
	}
	b.WriteString(url.PathEscape(strings.Join(pairs, ",")))
	return b.String()
}

// Encode serializes d. See the package-level Encode.
func (d Decoded) Encode() string {
	return Encode(d.Tag, d.Toggles, d.Options, d.Shares)
}

// Decode parses a token. A leading URL up to and including "#" is stripped.
// Unknown tags decode as TagNone, the option ids "v" and "i" become Options,
// and every other non-empty segment between tag and payload is a toggle.
// Pairs without a pipe or with a value that is not a non-negative finite
// number decode to 0; pairs naming unknown browsers are dropped.
func Decode(token string) Decoded {
	decoded := Decoded{Toggles: []string{}, Shares: browser.Shares{}}

	body := strings.TrimSpace(token)
	if i := strings.IndexByte(body, '#'); i >= 0 {
		body = body[i+1:]
	}
	if body == "" {
		return decoded
	}

	segments := strings.Split(body, "/")
	var payload string
	if len(segments) == 1 {
		// A lone segment is either a bare tag or a bare payload.
		if tag, ok := ParseTag(segments[0]); ok {
			decoded.Tag = tag
			return decoded
		}
		payload = segments[0]
	} else {
		decoded.Tag, _ = ParseTag(segments[0])
		payload = segments[len(segments)-1]
		decoded.Toggles, decoded.Options = decodeToggles(segments[1 : len(segments)-1])
	}

	decoded.Shares = decodeShares(payload)
	return decoded
}

func decodeToggles(segments []string) ([]string, matrix.Options) {
	var opts matrix.Options
	toggles := make([]string, 0, len(segments))
	for _, segment := range segments {
		toggle := unescape(segment)
		switch toggle {
		case "":
			continue
		case OptionVendorProperties:
			opts.VendorProperties = true
		case OptionIEFilters:
			opts.IEFilters = true
		default:
			toggles = append(toggles, toggle)
		}
	}
	return normalizeToggles(toggles), opts
}

func decodeShares(payload string) browser.Shares {
	shares := browser.Shares{}
	for _, pair := range strings.Split(unescape(payload), ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		rawID, rawValue, _ := strings.Cut(pair, "|")
		id := browser.ID(strings.TrimSpace(rawID))
		if !browser.Known(id) {
			continue
		}
		shares[id] = parseShare(rawValue)
	}
	return shares
}

func parseShare(raw string) float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || !ValidShare(value) {
		return 0
	}
	return value
}

func formatShare(value float64) string {
	if !ValidShare(value) {
		value = 0
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// ValidShare reports whether value is a usable share: finite and not negative.
func ValidShare(value float64) bool {
	return value >= 0 && !math.IsInf(value, 0) && !math.IsNaN(value)
}

// unescape reverses URL escaping, falling back to the raw text when the
// escaping is broken.
func unescape(s string) string {
	if unescaped, err := url.PathUnescape(s); err == nil {
		return unescaped
	}
	return s
}

// normalizeToggles sorts, deduplicates and drops empty toggles and option ids.
func normalizeToggles(toggles []string) []string {
	seen := make(map[string]bool, len(toggles))
	out := make([]string, 0, len(toggles))
	for _, toggle := range toggles {
		if toggle == "" || toggle == OptionVendorProperties || toggle == OptionIEFilters || seen[toggle] {
			continue
		}
		seen[toggle] = true
		out = append(out, toggle)
	}
	sort.Strings(out)
	return out
}
