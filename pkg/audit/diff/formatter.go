package diff

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Change is a single observable difference between two value maps
type Change struct {
	Field  string `json:"field"`
	Label  string `json:"label"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// Source supplies the current dictionary snapshot
type Source interface {
	Current() *Dictionary
}

// Formatter renders before/after maps into display changes
type Formatter struct {
	source Source
}

// NewFormatter creates a formatter reading dictionaries from source
func NewFormatter(source Source) *Formatter {
	return &Formatter{source: source}
}

// Format returns the changed fields ordered by field name. A field counts as
// changed when it is present in either map with a different value; fields
// whose translated text is equal are dropped.
func (f *Formatter) Format(before, after map[string]any, resourceType string) []Change {
	var dict *Dictionary
	if f != nil && f.source != nil {
		dict = f.source.Current()
	}
	if dict == nil {
		dict = DefaultDictionary()
	}

	fields := make([]string, 0, len(before)+len(after))
	seen := make(map[string]struct{}, len(before)+len(after))
	for _, m := range []map[string]any{before, after} {
		for k := range m {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				fields = append(fields, k)
			}
		}
	}
	sort.Strings(fields)

	changes := []Change{}
	for _, field := range fields {
		bv, bok := before[field]
		av, aok := after[field]
		if bok == aok && reflect.DeepEqual(bv, av) {
			continue
		}
		resource, generic := dict.lookup(resourceType, field)
		t := translator{resource: resource, generic: generic, booleans: dict.Booleans}
		bt, at := t.text(bv), t.text(av)
		if bt == at {
			continue
		}
		changes = append(changes, Change{
			Field:  field,
			Label:  label(field, resource, generic),
			Before: bt,
			After:  at,
		})
	}
	return changes
}

func label(field string, entries ...*FieldEntry) string {
	for _, e := range entries {
		if e != nil && e.Label != "" {
			return e.Label
		}
	}
	return DeriveLabel(field)
}

type translator struct {
	resource *FieldEntry
	generic  *FieldEntry
	booleans map[string]string
}

func (t translator) text(v any) string {
	if v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return t.translate(val, false)
	case bool:
		return t.translate(strconv.FormatBool(val), true)
	case []byte:
		return t.translate(string(val), false)
	case json.Number:
		return t.translate(val.String(), false)
	case float64:
		return t.translate(strconv.FormatFloat(val, 'f', -1, 64), false)
	case float32:
		return t.translate(strconv.FormatFloat(float64(val), 'f', -1, 32), false)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return t.translate(val.String(), false)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		parts := make([]string, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			parts[i] = t.text(rv.Index(i).Interface())
		}
		return strings.Join(parts, ", ")
	case reflect.Map, reflect.Struct:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	case reflect.Ptr:
		if rv.IsNil() {
			return ""
		}
		return t.text(rv.Elem().Interface())
	}
	return t.translate(fmt.Sprint(v), false)
}

func (t translator) translate(raw string, isBool bool) string {
	for _, e := range []*FieldEntry{t.resource, t.generic} {
		if e == nil || len(e.Values) == 0 {
			continue
		}
		if s, ok := e.Values[raw]; ok {
			return s
		}
		if s, ok := e.Values[strings.ToUpper(raw)]; ok {
			return s
		}
	}
	if isBool {
		if s, ok := t.booleans[raw]; ok {
			return s
		}
	}
	return raw
}

// DeriveLabel turns a field name into a title-cased label, splitting on
// underscores, dashes, dots and camelCase boundaries.
func DeriveLabel(field string) string {
	words := splitWords(field)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

func splitWords(s string) []string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, string(cur))
			cur = cur[:0]
		}
	}
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r == '_' || r == '-' || r == '.' || unicode.IsSpace(r):
			flush()
			continue
		case unicode.IsUpper(r) && len(cur) > 0:
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return words
}
