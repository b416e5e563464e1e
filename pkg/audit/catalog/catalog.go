package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/auditledger/pkg/audit"
)

// Descriptor holds the defaults for one action code
type Descriptor struct {
	Code              string              `yaml:"code" json:"code"`
	ModuleKey         string              `yaml:"module_key" json:"module_key"`
	ModuleName        string              `yaml:"module_name" json:"module_name"`
	OperationCode     string              `yaml:"operation_code" json:"operation_code"`
	OperationName     string              `yaml:"operation_name" json:"operation_name"`
	OperationKind     audit.OperationKind `yaml:"operation_kind" json:"operation_kind"`
	AllowEmptyTargets bool                `yaml:"allow_empty_targets" json:"allow_empty_targets"`
}

// Catalog is an immutable action code registry. It is safe for concurrent
// use because nothing mutates it after New returns.
type Catalog struct {
	entries map[string]Descriptor
}

// New builds a catalog from entries. Codes are case-insensitive and must be
// unique; every entry needs a module key and a known operation kind.
func New(entries ...Descriptor) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]Descriptor, len(entries))}
	for _, d := range entries {
		key := normalize(d.Code)
		if key == "" {
			return nil, fmt.Errorf("catalog entry has no code")
		}
		if _, exists := c.entries[key]; exists {
			return nil, fmt.Errorf("duplicate action code %q", d.Code)
		}
		if strings.TrimSpace(d.ModuleKey) == "" {
			return nil, fmt.Errorf("action %q: module key is required", d.Code)
		}
		kind, ok := audit.ParseOperationKind(string(d.OperationKind))
		if !ok {
			return nil, fmt.Errorf("action %q: unknown operation kind %q", d.Code, d.OperationKind)
		}
		d.OperationKind = kind
		c.entries[key] = d
	}
	return c, nil
}

// MustNew is like New but panics on error. Intended for package-level
// built-in tables.
func MustNew(entries ...Descriptor) *Catalog {
	c, err := New(entries...)
	if err != nil {
		panic(err)
	}
	return c
}

// Resolve looks up an action code. The returned descriptor is a copy.
func (c *Catalog) Resolve(code string) (Descriptor, bool) {
	if c == nil {
		return Descriptor{}, false
	}
	d, ok := c.entries[normalize(code)]
	return d, ok
}

// Len returns the number of registered actions
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}


type fileFormat struct {
	Actions []Descriptor `yaml:"actions"`
}

// ParseYAML decodes descriptors from a YAML document of the form
//
//	actions:
//	  - code: user.create
//	    module_key: user
//	    operation_kind: CREATE
func ParseYAML(data []byte) ([]Descriptor, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse action catalog: %w", err)
	}
	return f.Actions, nil
}

// LoadFile builds a catalog from the built-in table extended with the
// actions in path. File entries may not redefine built-in codes.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read action catalog: %w", err)
	}
	extra, err := ParseYAML(data)
	if err != nil {
		return nil, err
	}
	return New(append(Builtin(), extra...)...)
}

func normalize(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
