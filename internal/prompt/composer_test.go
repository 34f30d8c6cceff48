package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"gwi.com/form-insights/internal/forms"
)

var allPlaceholders = []string{
	PlaceholderFormData,
	PlaceholderFormTitle,
	PlaceholderSubmitterName,
	PlaceholderSubmitterEmail,
	PlaceholderSubmitterCompany,
	PlaceholderSubmissionDate,
}

func TestCompose_ReplacesEveryPlaceholder(t *testing.T) {
	template := strings.Join(allPlaceholders, " | ")

	contexts := map[string]forms.Context{
		"empty context": {},
		"full context": {
			FormTitle:        "Contact",
			FormData:         forms.FormData{{Label: "Budget", Values: []string{"10k"}}},
			SubmitterName:    "John Doe",
			SubmitterEmail:   "john@x.com",
			SubmitterCompany: "Acme",
			SubmissionDate:   "2025-01-01 00:00:00",
		},
	}

	for name, c := range contexts {
		t.Run(name, func(t *testing.T) {
			got := Compose(template, c)
			for _, p := range allPlaceholders {
				assert.NotContains(t, got, p)
			}
		})
	}
}

func TestCompose_DoesNotResubstitute(t *testing.T) {
	c := forms.Context{
		FormTitle:      "{submitter_email}",
		SubmitterEmail: "real@example.com",
	}
	got := Compose("Title: {form_title} / Email: {submitter_email}", c)
	assert.Equal(t, "Title: {submitter_email} / Email: real@example.com", got)
}

func TestCompose_FormDataBlock(t *testing.T) {
	c := forms.Context{FormData: forms.FormData{
		{Label: "Name", Values: []string{"John Doe"}},
		{Label: "Colors", Values: []string{"red", "blue"}},
	}}
	got := Compose("{form_data}", c)
	assert.Equal(t, "Form Submission Data:\n- Name: John Doe\n- Colors: red, blue\n", got)
}

func TestCompose_EmptyFormData(t *testing.T) {
	assert.Equal(t, "[]", Compose("[{form_data}]", forms.Context{}))
}

func TestCompose_SearchDirective(t *testing.T) {
	tests := []struct {
		name    string
		context forms.Context
		want    string
	}{
		{
			name:    "name and company",
			context: forms.Context{SubmitterName: "John Doe", SubmitterCompany: "Acme"},
			want:    "P\n\nPlease search for publicly available information about John Doe from Acme and include relevant findings in your analysis.",
		},
		{
			name:    "name only",
			context: forms.Context{SubmitterName: "John Doe"},
			want:    "P\n\nPlease search for publicly available information about John Doe and include relevant findings in your analysis.",
		},
		{
			name:    "company only",
			context: forms.Context{SubmitterCompany: "Acme"},
			want:    "P\n\nPlease search for publicly available information about Acme and include relevant findings in your analysis.",
		},
		{
			name:    "email alone adds nothing",
			context: forms.Context{SubmitterEmail: "a@b.c"},
			want:    "P",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compose("P", tt.context))
		})
	}
}

func TestCompose_MappingControlsLabels(t *testing.T) {
	form := &forms.Form{ID: 1, Title: "Lead", Fields: []forms.Field{
		{ID: 1, Type: forms.FieldText, Label: "First"},
		{ID: 2, Type: forms.FieldText, Label: "Second"},
		{ID: 3, Type: forms.FieldText, Label: "Third"},
		{ID: 4, Type: forms.FieldText, Label: "Fourth"},
	}}
	entry := &forms.Entry{Values: map[string]forms.Value{
		"1": forms.Text("a"), "2": forms.Text("b"), "3": forms.Text("c"), "4": forms.Text("d"),
	}}

	mapped := Compose("{form_data}", forms.ExtractContext(entry, form, []int{1, 4}))
	assert.Contains(t, mapped, "- First: a")
	assert.Contains(t, mapped, "- Fourth: d")
	assert.NotContains(t, mapped, "Second")
	assert.NotContains(t, mapped, "Third")

	auto := Compose("{form_data}", forms.ExtractContext(entry, form, nil))
	for _, label := range []string{"First", "Second", "Third", "Fourth"} {
		assert.Contains(t, auto, label)
	}
}
