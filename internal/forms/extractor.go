package forms

import (
	"path"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the layout used for submission and annotation timestamps.
const DateLayout = "2006-01-02 15:04:05"

// FormDataItem is one labelled answer. Multi-valued answers keep every item.
type FormDataItem struct {
	Label  string
	Values []string
}

// FormData is an insertion-ordered label -> value mapping.
type FormData []FormDataItem

// Set appends label, or replaces its values in place when already present.
func (d *FormData) Set(label string, values ...string) {
	for i := range *d {
		if (*d)[i].Label == label {
			(*d)[i].Values = values
			return
		}
	}
	*d = append(*d, FormDataItem{Label: label, Values: values})
}

// Get returns the comma-joined value for label.
func (d FormData) Get(label string) (string, bool) {
	for _, item := range d {
		if item.Label == label {
			return strings.Join(item.Values, ", "), true
		}
	}
	return "", false
}

type Identity struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Company string `json:"company"`
}

// Context is everything a prompt template can refer to.
type Context struct {
	FormID           int64
	EntryID          int64
	FormTitle        string
	FormData         FormData
	SubmitterName    string
	SubmitterEmail   string
	SubmitterCompany string
	SubmissionDate   string
}

// AnalyzableFieldIDs lists, in form order, every field that carries user input
// and is visible to the submitter.
func AnalyzableFieldIDs(form *Form) []int {
	var ids []int
	for _, f := range form.Fields {
		if f.Type.Structural() || f.AdminOnly {
			continue
		}
		ids = append(ids, f.ID)
	}
	return ids
}

// CollectFormData renders the selected fields of entry. Fields outside ids are
// left out entirely, as are fields whose rendered value is empty.
func CollectFormData(entry *Entry, form *Form, ids []int) FormData {
	selected := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		selected[id] = struct{}{}
	}

	data := FormData{}
	for _, f := range form.Fields {
		if _, ok := selected[f.ID]; !ok {
			continue
		}
		values := RenderField(entry, f)
		if len(values) == 0 {
			continue
		}
		label := f.Label
		if label == "" {
			label = "Field " + strconv.Itoa(f.ID)
		}
		data.Set(label, values...)
	}
	return data
}

type renderFunc func(entry *Entry, f Field) []string

var renderers = map[FieldType]renderFunc{
	FieldName:       renderName,
	FieldAddress:    renderAddress,
	FieldCheckbox:   renderCheckbox,
	FieldList:       renderList,
	FieldFileUpload: renderFileUpload,
}

// RenderField returns the display value(s) of f. A nil result means empty.
func RenderField(entry *Entry, f Field) []string {
	if render, ok := renderers[f.Type]; ok {
		return render(entry, f)
	}
	return entry.Get(strconv.Itoa(f.ID)).Flatten()
}

func single(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

func fullName(entry *Entry, id int) string {
	return strings.TrimSpace(entry.Input(id, 3).String() + " " + entry.Input(id, 6).String())
}

func renderName(entry *Entry, f Field) []string {
	return single(fullName(entry, f.ID))
}

func renderAddress(entry *Entry, f Field) []string {
	var parts []string
	for i := 1; i <= 6; i++ {
		if part := entry.Input(f.ID, i).String(); part != "" {
			parts = append(parts, part)
		}
	}
	return single(strings.Join(parts, ", "))
}

func renderCheckbox(entry *Entry, f Field) []string {
	var selected []string
	for i, choice := range f.Choices {
		if !entry.Input(f.ID, i+1).IsEmpty() {
			selected = append(selected, choice.Text)
		}
	}
	return single(strings.Join(selected, ", "))
}

func renderList(entry *Entry, f Field) []string {
	v := entry.Get(strconv.Itoa(f.ID))
	rows, ok := v.Table()
	if !ok {
		return single(v.String())
	}
	formatted := make([]string, 0, len(rows))
	for _, row := range rows {
		formatted = append(formatted, strings.Join(row, " | "))
	}
	return single(strings.Join(formatted, "; "))
}

func renderFileUpload(entry *Entry, f Field) []string {
	v := entry.Get(strconv.Itoa(f.ID)).String()
	if v == "" {
		return nil
	}
	return []string{"File: " + path.Base(v)}
}

// ExtractIdentity finds the submitter's name, email and company. Unmatched
// slots are empty strings.
func ExtractIdentity(entry *Entry, form *Form) Identity {
	return Identity{
		Name:    extractName(entry, form),
		Email:   extractEmail(entry, form),
		Company: extractCompany(entry, form),
	}
}

func extractName(entry *Entry, form *Form) string {
	for _, f := range form.Fields {
		if f.Type == FieldName {
			return fullName(entry, f.ID)
		}
	}
	for _, f := range form.Fields {
		if f.Type == FieldText && strings.Contains(strings.ToLower(f.Label), "name") {
			return entry.Get(strconv.Itoa(f.ID)).String()
		}
	}
	return ""
}

func extractEmail(entry *Entry, form *Form) string {
	for _, f := range form.Fields {
		if f.Type == FieldEmail {
			return entry.Get(strconv.Itoa(f.ID)).String()
		}
	}
	return ""
}

var companyLabelHints = []string{"company", "organization", "business"}

func extractCompany(entry *Entry, form *Form) string {
	for _, f := range form.Fields {
		label := strings.ToLower(f.Label)
		for _, hint := range companyLabelHints {
			if strings.Contains(label, hint) {
				return entry.Get(strconv.Itoa(f.ID)).String()
			}
		}
	}
	return ""
}

// ExtractContext assembles the prompt context for entry. An empty mapping
// selects every analyzable field, recomputed from the current form.
func ExtractContext(entry *Entry, form *Form, mapping []int) Context {
	if len(mapping) == 0 {
		mapping = AnalyzableFieldIDs(form)
	}
	id := ExtractIdentity(entry, form)

	var submitted string
	if !entry.CreatedAt.IsZero() {
		submitted = entry.CreatedAt.UTC().Format(DateLayout)
	}

	return Context{
		FormID:           form.ID,
		EntryID:          entry.ID,
		FormTitle:        form.Title,
		FormData:         CollectFormData(entry, form, mapping),
		SubmitterName:    id.Name,
		SubmitterEmail:   id.Email,
		SubmitterCompany: id.Company,
		SubmissionDate:   submitted,
	}
}

// FormatDate renders t the way annotation dates are stored.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}
