// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package forms parses and edits dynamic form definitions: a title and a
// list of labelled sections, each holding labelled params. Some forms are
// used as configuration (e.g. 'sessions_config' keeps the session counters).
//
// Definitions are authored as JSONC files (JSON plus comments and trailing
// commas) and stored as plain JSON in the forms table.
package forms

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/3dem/emhub/internal/model"
)

// Enum lists the allowed values of a param.
type Enum struct {
	Choices []any  `json:"choices"`
	Display string `json:"display,omitempty"`
}

// Strings returns the choices formatted as strings.
func (e *Enum) Strings() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.Choices))
	for _, c := range e.Choices {
		out = append(out, fmt.Sprint(c))
	}
	return out
}

// Param is a single form field.
type Param struct {
	ID      any    `json:"id,omitempty"`
	Label   string `json:"label"`
	Type    string `json:"type,omitempty"`
	Value   any    `json:"value,omitempty"`
	Default any    `json:"default,omitempty"`
	Help    string `json:"help,omitempty"`
	Enum    *Enum  `json:"enum,omitempty"`
}

// IntID returns the param id as an int, accepting numbers and numeric strings.
func (p *Param) IntID() (int, bool) {
	switch v := p.ID.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	}
	return 0, false
}

// Section groups params under a label.
type Section struct {
	Label  string  `json:"label"`
	Params []Param `json:"params"`
}

// Param returns the param with the given label, or nil.
func (s *Section) Param(label string) *Param {
	for i := range s.Params {
		if s.Params[i].Label == label {
			return &s.Params[i]
		}
	}
	return nil
}

// Values maps param labels to their values.
func (s *Section) Values() map[string]any {
	out := make(map[string]any, len(s.Params))
	for _, p := range s.Params {
		out[p.Label] = p.Value
	}
	return out
}

// Definition is a whole form.
type Definition struct {
	Title    string    `json:"title,omitempty"`
	Sections []Section `json:"sections"`
}

// Parse accepts JSON or JSONC.
func Parse(data []byte) (*Definition, error) {
	var d Definition
	if err := json.Unmarshal(jsonc.ToJSON(data), &d); err != nil {
		return nil, fmt.Errorf("parsing form definition: %w", err)
	}
	return &d, nil
}

// ReadFile parses a definition file.
func ReadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// NameFromPath strips the directory and extension: "forms/processing.jsonc"
// names the form "processing".
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// FromForm decodes the definition stored on f.
func FromForm(f *model.Form) (*Definition, error) {
	data, err := json.Marshal(f.Definition)
	if err != nil {
		return nil, err
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("form '%s': %w", f.Name, err)
	}
	return d, nil
}

// Extra encodes d in the form used by model.Form.Definition.
func (d *Definition) Extra() (model.Extra, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out model.Extra
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Section returns the section with the given label, or nil.
func (d *Definition) Section(label string) *Section {
	for i := range d.Sections {
		if d.Sections[i].Label == label {
			return &d.Sections[i]
		}
	}
	return nil
}

// SetParam sets the value of a param, appending the param (and the section)
// when missing.
func (d *Definition) SetParam(section, label string, value any) {
	s := d.Section(section)
	if s == nil {
		d.Sections = append(d.Sections, Section{Label: section})
		s = &d.Sections[len(d.Sections)-1]
	}
	if p := s.Param(label); p != nil {
		p.Value = value
		return
	}
	s.Params = append(s.Params, Param{Label: label, Value: value})
}
