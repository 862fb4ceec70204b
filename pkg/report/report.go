// Package report renders aggregated support results as text, Markdown, JSON
// or HTML. Result order is always preserved as given.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/coolbeans/csscoverage/pkg/analysis"
	"github.com/coolbeans/csscoverage/pkg/browser"
	"github.com/coolbeans/csscoverage/pkg/matrix"
)

// Section is the ranked result list for one category.
type Section struct {
	ID      matrix.CategoryID `json:"id"`
	Label   string            `json:"label"`
	Results []analysis.Result `json:"results"`
}

// Report is everything a renderer needs.
type Report struct {
	Source   string           `json:"source"`
	Options  matrix.Options   `json:"options"`
	Summary  analysis.Summary `json:"summary"`
	Sections []Section        `json:"sections"`
}

// Build aggregates the given categories and arranges them in the given order.
func Build(store *matrix.Store, source string, ids []matrix.CategoryID, shares browser.Shares, opts matrix.Options) Report {
	results := analysis.Aggregate(store, ids, shares, opts)

	sections := make([]Section, 0, len(ids))
	for _, id := range ids {
		label := string(id)
		if category, ok := store.Category(id); ok {
			label = category.Label
		}
		sections = append(sections, Section{ID: id, Label: label, Results: results[id]})
	}

	return Report{
		Source:   source,
		Options:  opts,
		Summary:  analysis.Summarize(shares),
		Sections: sections,
	}
}

// Format selects a renderer.
type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
	FormatHTML     Format = "html"
)

// ParseFormat validates a format name.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(name)); f {
	case FormatText, FormatMarkdown, FormatJSON, FormatHTML:
		return f, nil
	case "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unknown format %q (want text, markdown, json or html)", name)
	}
}

// Render writes r in the given format.
func Render(w io.Writer, format Format, r Report) error {
	switch format {
	case FormatText:
		return renderText(w, r)
	case FormatMarkdown:
		return renderMarkdown(w, r)
	case FormatJSON:
		return renderJSON(w, r)
	case FormatHTML:
		return renderHTML(w, r)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// AccountedFor returns the "N% of users accounted for" line.
func AccountedFor(summary analysis.Summary) string {
	line := fmt.Sprintf("%s%% of users accounted for", formatPercent(summary.Total))
	if summary.OverLimit {
		line += " (warning: shares add up to more than 100%)"
	}
	return line
}

func formatPercent(value float64) string {
	return fmt.Sprintf("%.1f", value)
}
