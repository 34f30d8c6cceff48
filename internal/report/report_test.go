package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	out, err := Render(Data{
		EntryID:      42,
		FormTitle:    "Contact <Sales>",
		AnalysisDate: "2025-06-01 12:00:00",
		Submitter:    "John Doe",
		Company:      "Acme",
		Markdown:     "## Company\nAcme builds **rockets**.\n\n| a | b |\n|---|---|\n| 1 | 2 |\n\n<script>alert(1)</script>",
	})
	require.NoError(t, err)

	assert.Contains(t, out, "<title>AI Analysis - Entry #42</title>")
	assert.Contains(t, out, "<h2>Company</h2>")
	assert.Contains(t, out, "<strong>rockets</strong>")
	assert.Contains(t, out, "<table>")
	assert.Contains(t, out, "Form: Contact &lt;Sales&gt;")
	assert.Contains(t, out, "Company: Acme")
	assert.NotContains(t, out, "Email:")
	assert.NotContains(t, out, "<script>")
}

func TestRender_HardWraps(t *testing.T) {
	out, err := Render(Data{EntryID: 1, Markdown: "line one\nline two"})
	require.NoError(t, err)
	assert.Contains(t, out, "line one<br>")
}

func TestFilename(t *testing.T) {
	ts := time.Date(2025, 3, 9, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "ai-analysis-entry-17-2025-03-09.html", Filename(17, ts))
}
