package report

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strings"
	"text/tabwriter"
)

func renderText(w io.Writer, r Report) error {
	var b strings.Builder
	fmt.Fprintln(&b, AccountedFor(r.Summary))
	fmt.Fprintf(&b, "Source: %s  Vendor properties: %s  IE filters: %s\n",
		sourceName(r.Source), onOff(r.Options.VendorProperties), onOff(r.Options.IEFilters))

	for _, section := range r.Sections {
		fmt.Fprintf(&b, "\n%s\n%s\n", section.Label, strings.Repeat("=", len(section.Label)))
		if len(section.Results) == 0 {
			fmt.Fprintln(&b, "  (no features)")
			continue
		}
		tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', tabwriter.AlignRight)
		for _, result := range section.Results {
			fmt.Fprintf(tw, "%s%%\t  %s\t\n", formatPercent(result.SupportPercent), result.Feature)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func renderMarkdown(w io.Writer, r Report) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# CSS feature support\n\n")
	if r.Summary.OverLimit {
		fmt.Fprintf(&b, "> **%s**\n\n", AccountedFor(r.Summary))
	} else {
		fmt.Fprintf(&b, "%s\n\n", AccountedFor(r.Summary))
	}
	fmt.Fprintf(&b, "- Source: %s\n- Vendor properties: %s\n- IE filters: %s\n",
		sourceName(r.Source), onOff(r.Options.VendorProperties), onOff(r.Options.IEFilters))

	for _, section := range r.Sections {
		fmt.Fprintf(&b, "\n## %s\n\n", section.Label)
		if len(section.Results) == 0 {
			fmt.Fprintf(&b, "_No features._\n")
			continue
		}
		fmt.Fprintf(&b, "| Support | Feature |\n|--------:|---------|\n")
		for _, result := range section.Results {
			fmt.Fprintf(&b, "| %s%% | %s |\n", formatPercent(result.SupportPercent), escapeMarkdownCell(result.Feature))
		}
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func renderJSON(w io.Writer, r Report) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"percent":      formatPercent,
	"accountedFor": AccountedFor,
}).Parse(`<div class="summary{{if .Summary.OverLimit}} over-limit{{end}}">{{accountedFor .Summary}}</div>
{{range .Sections}}<table>
<caption>{{.Label}}</caption>
{{range .Results}}<tr><td>{{percent .SupportPercent}}%</td><td></td><td>{{.Feature}}</td></tr>
{{end}}</table>
{{end}}`))

func renderHTML(w io.Writer, r Report) error {
	return htmlTemplate.Execute(w, r)
}

func escapeMarkdownCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}

func sourceName(source string) string {
	if source == "" {
		return "none"
	}
	return source
}
