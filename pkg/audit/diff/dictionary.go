package diff

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FieldEntry describes how a single field is displayed
type FieldEntry struct {
	Label  string            `yaml:"label" json:"label"`
	Values map[string]string `yaml:"values,omitempty" json:"values,omitempty"`
}

// Dictionary holds display labels and value translations. Resource entries
// win over generic ones.
type Dictionary struct {
	// Resources maps an upper-cased resource type to its field entries
	Resources map[string]map[string]FieldEntry `yaml:"resources" json:"resources"`
	// Generic entries apply to every resource type
	Generic map[string]FieldEntry `yaml:"generic" json:"generic"`
	// Booleans translates true/false when no field entry does
	Booleans map[string]string `yaml:"booleans" json:"booleans"`
}

// statusValues covers the status codes common to most admin resources
var statusValues = map[string]string{
	"0":        "Disabled",
	"1":        "Enabled",
	"ENABLED":  "Enabled",
	"DISABLED": "Disabled",
	"ACTIVE":   "Active",
	"INACTIVE": "Inactive",
	"PENDING":  "Pending",
	"APPROVED": "Approved",
	"REJECTED": "Rejected",
}

// DefaultDictionary returns the built-in generic dictionary
func DefaultDictionary() *Dictionary {
	return &Dictionary{
		Resources: map[string]map[string]FieldEntry{},
		Generic: map[string]FieldEntry{
			"status":      {Label: "Status", Values: copyValues(statusValues)},
			"state":       {Label: "State", Values: copyValues(statusValues)},
			"enabled":     {Label: "Enabled"},
			"deleted":     {Label: "Deleted"},
			"name":        {Label: "Name"},
			"description": {Label: "Description"},
			"remark":      {Label: "Remark"},
			"created_at":  {Label: "Created At"},
			"updated_at":  {Label: "Updated At"},
		},
		Booleans: map[string]string{"true": "Yes", "false": "No"},
	}
}

// Merge overlays other on a copy of d
func (d *Dictionary) Merge(other *Dictionary) *Dictionary {
	out := d.clone()
	if other == nil {
		return out
	}
	for resource, fields := range other.Resources {
		key := strings.ToUpper(resource)
		if out.Resources[key] == nil {
			out.Resources[key] = map[string]FieldEntry{}
		}
		for field, entry := range fields {
			out.Resources[key][field] = entry
		}
	}
	for field, entry := range other.Generic {
		out.Generic[field] = entry
	}
	for k, v := range other.Booleans {
		out.Booleans[k] = v
	}
	return out
}

func (d *Dictionary) clone() *Dictionary {
	out := &Dictionary{
		Resources: map[string]map[string]FieldEntry{},
		Generic:   map[string]FieldEntry{},
		Booleans:  map[string]string{},
	}
	if d == nil {
		return out
	}
	for resource, fields := range d.Resources {
		m := make(map[string]FieldEntry, len(fields))
		for field, entry := range fields {
			m[field] = entry
		}
		out.Resources[strings.ToUpper(resource)] = m
	}
	for field, entry := range d.Generic {
		out.Generic[field] = entry
	}
	for k, v := range d.Booleans {
		out.Booleans[k] = v
	}
	return out
}

// lookup finds the resource entry for field, then the generic one
func (d *Dictionary) lookup(resourceType, field string) (resource, generic *FieldEntry) {
	if d == nil {
		return nil, nil
	}
	if fields, ok := d.Resources[strings.ToUpper(resourceType)]; ok {
		if e, ok := findEntry(fields, field); ok {
			resource = &e
		}
	}
	if e, ok := findEntry(d.Generic, field); ok {
		generic = &e
	}
	return resource, generic
}

func findEntry(fields map[string]FieldEntry, field string) (FieldEntry, bool) {
	if e, ok := fields[field]; ok {
		return e, true
	}
	e, ok := fields[strings.ToLower(field)]
	return e, ok
}

// ParseYAML parses a dictionary document and merges it over the defaults
func ParseYAML(data []byte) (*Dictionary, error) {
	var doc Dictionary
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse dictionary: %w", err)
	}
	return DefaultDictionary().Merge(&doc), nil
}

// LoadFile reads a dictionary YAML file
func LoadFile(path string) (*Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dictionary file: %w", err)
	}
	return ParseYAML(data)
}

func copyValues(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
