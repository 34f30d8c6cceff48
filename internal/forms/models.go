package forms

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FieldType tags how a field's submitted value is rendered.
type FieldType string

const (
	FieldText       FieldType = "text"
	FieldName       FieldType = "name"
	FieldEmail      FieldType = "email"
	FieldTextarea   FieldType = "textarea"
	FieldCheckbox   FieldType = "checkbox"
	FieldAddress    FieldType = "address"
	FieldList       FieldType = "list"
	FieldFileUpload FieldType = "fileupload"
	FieldHidden     FieldType = "hidden"
	FieldHTML       FieldType = "html"
	FieldSection    FieldType = "section"
	FieldPage       FieldType = "page"
	FieldCaptcha    FieldType = "captcha"
	FieldHoneypot   FieldType = "honeypot"
)

// Structural reports whether the type carries layout or anti-spam data rather than user input.
func (t FieldType) Structural() bool {
	switch t {
	case FieldHTML, FieldSection, FieldPage, FieldCaptcha, FieldHoneypot, FieldHidden:
		return true
	}
	return false
}

type Choice struct {
	Text  string `json:"text" yaml:"text"`
	Value string `json:"value" yaml:"value"`
}

type Field struct {
	ID        int       `json:"id" yaml:"id"`
	Type      FieldType `json:"type" yaml:"type"`
	Label     string    `json:"label" yaml:"label"`
	AdminOnly bool      `json:"admin_only" yaml:"admin_only"`
	Choices   []Choice  `json:"choices,omitempty" yaml:"choices,omitempty"`
}

// Form is the field schema shared by every entry submitted against it.
type Form struct {
	ID     int64   `json:"id" yaml:"id"`
	Title  string  `json:"title" yaml:"title"`
	Fields []Field `json:"fields" yaml:"fields"`
}

// Entry is one submission. Values are keyed by "{fieldID}" or "{fieldID}.{input}".
type Entry struct {
	ID        int64            `json:"id"`
	FormID    int64            `json:"form_id"`
	CreatedAt time.Time        `json:"created_at"`
	Values    map[string]Value `json:"values"`
}

// Get returns the value stored under key, or the zero Value.
func (e *Entry) Get(key string) Value {
	if e == nil || e.Values == nil {
		return Value{}
	}
	return e.Values[key]
}

// Input returns the value of sub-input n of field id.
func (e *Entry) Input(id, n int) Value {
	return e.Get(fmt.Sprintf("%d.%d", id, n))
}

// Value is a raw submitted value: a single string or a list of rows.
type Value struct {
	text   string
	rows   [][]string
	isList bool
}

func Text(s string) Value {
	return Value{text: s}
}

func Rows(rows ...[]string) Value {
	return Value{rows: rows, isList: true}
}

// Items builds a multi-valued value where every item is a one-cell row.
func Items(items ...string) Value {
	rows := make([][]string, len(items))
	for i, item := range items {
		rows[i] = []string{item}
	}
	return Rows(rows...)
}

func (v Value) IsList() bool { return v.isList }

// String returns the scalar text; list values have none.
func (v Value) String() string { return v.text }

func (v Value) IsEmpty() bool {
	if v.isList {
		return len(v.rows) == 0
	}
	return v.text == ""
}

// Table returns the value as rows. A scalar holding a JSON array (how list
// fields are often persisted) is decoded; any other scalar is not a table.
func (v Value) Table() ([][]string, bool) {
	if v.isList {
		return v.rows, true
	}
	trimmed := strings.TrimSpace(v.text)
	if !strings.HasPrefix(trimmed, "[") {
		return nil, false
	}
	var decoded Value
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil || !decoded.isList {
		return nil, false
	}
	return decoded.rows, true
}

// Flatten returns every non-empty item of the value in order.
func (v Value) Flatten() []string {
	if !v.isList {
		if v.text == "" {
			return nil
		}
		return []string{v.text}
	}
	var out []string
	for _, row := range v.rows {
		for _, cell := range row {
			if cell != "" {
				out = append(out, cell)
			}
		}
	}
	return out
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.isList {
		return json.Marshal(v.text)
	}
	out := make([]any, len(v.rows))
	for i, row := range v.rows {
		if len(row) == 1 {
			out[i] = row[0]
		} else {
			out[i] = row
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts strings, numbers, booleans, null, arrays of scalars
// (one cell per row) and arrays of arrays (one row per inner array).
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Value{}
		return nil
	}
	if data[0] != '[' {
		s, err := scalarString(data)
		if err != nil {
			return err
		}
		*v = Text(s)
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode list value: %w", err)
	}
	rows := make([][]string, 0, len(raw))
	for _, item := range raw {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '[' {
			var cells []json.RawMessage
			if err := json.Unmarshal(item, &cells); err != nil {
				return fmt.Errorf("failed to decode list row: %w", err)
			}
			row := make([]string, 0, len(cells))
			for _, c := range cells {
				s, err := scalarString(c)
				if err != nil {
					return err
				}
				row = append(row, s)
			}
			rows = append(rows, row)
			continue
		}
		s, err := scalarString(item)
		if err != nil {
			return err
		}
		rows = append(rows, []string{s})
	}
	*v = Rows(rows...)
	return nil
}

func scalarString(data []byte) (string, error) {
	var x any
	if err := json.Unmarshal(data, &x); err != nil {
		return "", fmt.Errorf("failed to decode value: %w", err)
	}
	switch t := x.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case bool:
		if t {
			return "1", nil
		}
		return "", nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", x)
	}
}

// UnmarshalYAML lets entry fixtures use the same scalar-or-list shapes as JSON.
func (v *Value) UnmarshalYAML(unmarshal func(any) error) error {
	var x any
	if err := unmarshal(&x); err != nil {
		return err
	}
	data, err := json.Marshal(x)
	if err != nil {
		return fmt.Errorf("failed to normalize yaml value: %w", err)
	}
	return v.UnmarshalJSON(data)
}
