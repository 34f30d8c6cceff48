// Package report renders a stored analysis as a standalone HTML document.
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Data is everything shown on a report.
type Data struct {
	EntryID      int64
	FormTitle    string
	AnalysisDate string
	Submitter    string
	Email        string
	Company      string
	Markdown     string
}

// Raw HTML in the analysis is escaped, goldmark's default.
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

var page = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>AI Analysis - Entry #{{.EntryID}}</title>
    <style>
        body { font-family: 'Segoe UI', Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 0 auto; padding: 40px 20px; color: #333; }
        h1, h2, h3 { color: #2c3e50; }
        .meta { color: #666; border-bottom: 1px solid #ddd; padding-bottom: 12px; margin-bottom: 24px; }
        .meta span { display: block; }
        table { border-collapse: collapse; width: 100%; margin: 20px 0; }
        th, td { border: 1px solid #ddd; padding: 8px; text-align: left; }
    </style>
</head>
<body>
    <h1>AI Analysis Report</h1>
    <div class="meta">
        <span>Entry: #{{.EntryID}}</span>
        {{- if .FormTitle}}
        <span>Form: {{.FormTitle}}</span>
        {{- end}}
        {{- if .Submitter}}
        <span>Submitter: {{.Submitter}}</span>
        {{- end}}
        {{- if .Email}}
        <span>Email: {{.Email}}</span>
        {{- end}}
        {{- if .Company}}
        <span>Company: {{.Company}}</span>
        {{- end}}
        {{- if .AnalysisDate}}
        <span>Analyzed: {{.AnalysisDate}}</span>
        {{- end}}
    </div>
    <div class="analysis">
{{.Body}}
    </div>
</body>
</html>
`))

// Render converts the analysis markdown and wraps it in the report page.
func Render(d Data) (string, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(d.Markdown), &body); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}

	var out bytes.Buffer
	err := page.Execute(&out, struct {
		Data
		Body template.HTML
	}{Data: d, Body: template.HTML(body.String())})
	if err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}
	return out.String(), nil
}

// Filename is the download name of a report generated at t.
func Filename(entryID int64, t time.Time) string {
	return fmt.Sprintf("ai-analysis-entry-%d-%s.html", entryID, t.Format("2006-01-02"))
}
