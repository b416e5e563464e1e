package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/platinummonkey/auditledger/pkg/audit"
)

// Rule maps a request shape to an audit classification
type Rule struct {
	ID                  int64  `json:"id" yaml:"id"`
	URLPattern          string `json:"url_pattern" yaml:"url_pattern"`
	HTTPMethod          string `json:"http_method,omitempty" yaml:"http_method"`
	StatusCodeRegex     string `json:"status_code_regex,omitempty" yaml:"status_code_regex"`
	ModuleName          string `json:"module_name" yaml:"module_name"`
	OperationGroup      string `json:"operation_group,omitempty" yaml:"operation_group"`
	GroupDisplayName    string `json:"group_display_name,omitempty" yaml:"group_display_name"`
	OperationType       string `json:"operation_type" yaml:"operation_type"`
	DescriptionTemplate string `json:"description_template,omitempty" yaml:"description_template"`
	SourceTableTemplate string `json:"source_table_template,omitempty" yaml:"source_table_template"`
	OrderValue          int    `json:"order_value" yaml:"order_value"`
	Enabled             bool   `json:"enabled" yaml:"-"`
}

// Event describes a handled request. ModuleName, OperationType and Summary
// are caller hints used only by ResolveWithFallback.
type Event struct {
	Method        string
	Path          string
	Status        int
	ModuleName    string
	OperationType string
	Summary       string
}

// Descriptor is the classification produced for an event
type Descriptor struct {
	RuleID           int64
	ModuleName       string
	OperationGroup   string
	GroupDisplayName string
	OperationKind    audit.OperationKind
	Summary          string
	SourceTable      string
	Matched          bool
}

var (
	ErrEmptyPattern = errors.New("url pattern is empty")
	ErrBadVariable  = errors.New("invalid path variable")
)

var (
	identifier  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	reserved    = map[string]bool{"method": true, "path": true, "status": true}
)

type compiledRule struct {
	Rule
	kind    audit.OperationKind
	method  string
	pattern *regexp.Regexp
	vars    []string
	status  *regexp.Regexp
}

func compile(r Rule) (*compiledRule, error) {
	re, vars, err := compilePattern(r.URLPattern)
	if err != nil {
		return nil, err
	}

	c := &compiledRule{
		Rule:    r,
		kind:    audit.KindOther,
		method:  strings.ToUpper(strings.TrimSpace(r.HTTPMethod)),
		pattern: re,
		vars:    vars,
	}
	if c.method == "*" {
		c.method = ""
	}
	if strings.TrimSpace(r.OperationType) != "" {
		kind, ok := audit.ParseOperationKind(r.OperationType)
		if !ok {
			return nil, fmt.Errorf("unknown operation type %q", r.OperationType)
		}
		c.kind = kind
	}
	if expr := strings.TrimSpace(r.StatusCodeRegex); expr != "" {
		c.status, err = regexp.Compile("^(?:" + expr + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid status code regex %q: %w", expr, err)
		}
	}
	return c, nil
}

// compilePattern turns a URL pattern into an anchored regexp. {name} binds
// one segment, * matches one segment and ** any number of segments; a
// trailing /** also matches the bare prefix.
func compilePattern(pattern string) (*regexp.Regexp, []string, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, nil, ErrEmptyPattern
	}
	pattern = NormalizePath(pattern)
	if pattern == "/" {
		return regexp.MustCompile(`^/$`), nil, nil
	}

	segments := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	seen := make(map[string]bool)
	var vars []string
	var b strings.Builder
	b.WriteString("^")

	for i, seg := range segments {
		switch seg {
		case "**":
			if i == len(segments)-1 {
				b.WriteString(`(?:/.*)?`)
			} else {
				b.WriteString(`(?:/[^/]+)*`)
			}
			continue
		case "*":
			b.WriteString(`/[^/]+`)
			continue
		}

		b.WriteString("/")
		rest := seg
		for rest != "" {
			open := strings.IndexByte(rest, '{')
			if open < 0 {
				b.WriteString(literal(rest))
				break
			}
			b.WriteString(literal(rest[:open]))
			end := strings.IndexByte(rest[open:], '}')
			if end < 0 {
				return nil, nil, fmt.Errorf("%w: unclosed brace in %q", ErrBadVariable, pattern)
			}
			name := rest[open+1 : open+end]
			switch {
			case !identifier.MatchString(name):
				return nil, nil, fmt.Errorf("%w: %q", ErrBadVariable, name)
			case reserved[name]:
				return nil, nil, fmt.Errorf("%w: %q is reserved", ErrBadVariable, name)
			case seen[name]:
				return nil, nil, fmt.Errorf("%w: %q is bound twice", ErrBadVariable, name)
			}
			seen[name] = true
			vars = append(vars, name)
			b.WriteString("(?P<" + name + ">[^/]+)")
			rest = rest[open+end+1:]
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, nil, fmt.Errorf("invalid url pattern %q: %w", pattern, err)
	}
	return re, vars, nil
}

// literal quotes s, keeping * as a within-segment wildcard
func literal(s string) string {
	parts := strings.Split(s, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return strings.Join(parts, `[^/]*`)
}

// NormalizePath strips query and fragment, collapses repeated slashes and
// removes a trailing slash
func NormalizePath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// match returns the bound path variables when the rule applies to ev
func (c *compiledRule) match(method, path string, status int) (map[string]string, bool) {
	if c.method != "" && c.method != method {
		return nil, false
	}
	if c.status != nil && (status == 0 || !c.status.MatchString(strconv.Itoa(status))) {
		return nil, false
	}
	m := c.pattern.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	vars := make(map[string]string, len(c.vars))
	for i, name := range c.pattern.SubexpNames() {
		if name != "" {
			vars[name] = m[i]
		}
	}
	return vars, true
}

func (c *compiledRule) describe(method, path string, status int, vars map[string]string) Descriptor {
	summary := expand(c.DescriptionTemplate, method, path, status, vars)
	if summary == "" {
		summary = c.GroupDisplayName
	}
	return Descriptor{
		RuleID:           c.ID,
		ModuleName:       c.ModuleName,
		OperationGroup:   c.OperationGroup,
		GroupDisplayName: c.GroupDisplayName,
		OperationKind:    c.kind,
		Summary:          summary,
		SourceTable:      expand(c.SourceTableTemplate, method, path, status, vars),
		Matched:          true,
	}
}

// expand substitutes {method}, {path}, {status} and path variables.
// Unknown placeholders are left as written.
func expand(tmpl, method, path string, status int, vars map[string]string) string {
	if tmpl == "" {
		return ""
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := m[1 : len(m)-1]
		switch name {
		case "method":
			return method
		case "path":
			return path
		case "status":
			return strconv.Itoa(status)
		}
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}
