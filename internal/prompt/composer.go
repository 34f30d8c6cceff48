// Package prompt renders analysis prompt templates against a submission context.
package prompt

import (
	"strings"

	"gwi.com/form-insights/internal/forms"
)

// Placeholders recognised in templates.
const (
	PlaceholderFormData         = "{form_data}"
	PlaceholderFormTitle        = "{form_title}"
	PlaceholderSubmitterName    = "{submitter_name}"
	PlaceholderSubmitterEmail   = "{submitter_email}"
	PlaceholderSubmitterCompany = "{submitter_company}"
	PlaceholderSubmissionDate   = "{submission_date}"
)

const formDataHeader = "Form Submission Data:"

// Compose substitutes every placeholder in template in a single pass, so text
// coming from a submission is never expanded again, then appends the web search
// directive when the submitter can be identified.
func Compose(template string, c forms.Context) string {
	r := strings.NewReplacer(
		PlaceholderFormData, FormatFormData(c.FormData),
		PlaceholderFormTitle, c.FormTitle,
		PlaceholderSubmitterName, c.SubmitterName,
		PlaceholderSubmitterEmail, c.SubmitterEmail,
		PlaceholderSubmitterCompany, c.SubmitterCompany,
		PlaceholderSubmissionDate, c.SubmissionDate,
	)
	message := r.Replace(template)

	if who := searchSubject(c.SubmitterName, c.SubmitterCompany); who != "" {
		message += "\n\nPlease search for publicly available information about " + who +
			" and include relevant findings in your analysis."
	}
	return message
}

func searchSubject(name, company string) string {
	switch {
	case name != "" && company != "":
		return name + " from " + company
	case name != "":
		return name
	default:
		return company
	}
}

// FormatFormData renders collected answers as a bulleted block, or "" when
// nothing was collected.
func FormatFormData(data forms.FormData) string {
	if len(data) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(formDataHeader)
	b.WriteString("\n")
	for _, item := range data {
		b.WriteString("- ")
		b.WriteString(item.Label)
		b.WriteString(": ")
		b.WriteString(strings.Join(item.Values, ", "))
		b.WriteString("\n")
	}
	return b.String()
}
