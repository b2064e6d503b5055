package manipulator

import (
	_ "embed"
	"fmt"
	"regexp"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"
)

const (
	StatusActive       = "ACTIVE"
	StatusExperimental = "EXPERIMENTAL"
	StatusDeprecated   = "DEPRECATED"
)

// ParamSpec describes one entry of a manipulator's params schema.
type ParamSpec struct {
	Type     string   `yaml:"type" json:"type"`
	Label    string   `yaml:"label,omitempty" json:"label,omitempty"`
	Required bool     `yaml:"required,omitempty" json:"required,omitempty"`
	Min      *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max      *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Options  []string `yaml:"options,omitempty" json:"options,omitempty"`
	Default  any      `yaml:"default,omitempty" json:"default,omitempty"`
}

// Descriptor is the catalog record for one manipulator. Nil TaskTypes or
// Formats means any.
type Descriptor struct {
	Name         string               `yaml:"name" json:"name"`
	Category     string               `yaml:"category" json:"category"`
	Scope        []Scope              `yaml:"scope" json:"scope"`
	TaskTypes    []string             `yaml:"compatible_task_types,omitempty" json:"compatible_task_types,omitempty"`
	Formats      []string             `yaml:"compatible_annotation_fmts,omitempty" json:"compatible_annotation_fmts,omitempty"`
	OutputFormat string               `yaml:"output_annotation_fmt,omitempty" json:"output_annotation_fmt,omitempty"`
	Params       map[string]ParamSpec `yaml:"params_schema" json:"params_schema"`
	Description  string               `yaml:"description,omitempty" json:"description,omitempty"`
	Status       string               `yaml:"status,omitempty" json:"status,omitempty"`
	Version      string               `yaml:"version,omitempty" json:"version,omitempty"`
}

func (d Descriptor) Allows(s Scope) bool { return slices.Contains(d.Scope, s) }

func (d Descriptor) SupportsTask(task string) bool {
	return task == "" || len(d.TaskTypes) == 0 || slices.Contains(d.TaskTypes, task)
}

// SupportsFormat reports whether the step accepts a dataset in format f. An
// unknown format ("" after merging mixed sources) is only accepted by steps
// that declare no format constraint.
func (d Descriptor) SupportsFormat(f string) bool {
	if len(d.Formats) == 0 {
		return true
	}
	return slices.Contains(d.Formats, f)
}

// Catalog resolves a manipulator name to its declaration.
type Catalog interface {
	Lookup(name string) (Descriptor, bool)
}

//go:embed catalog.yaml
var builtinCatalog []byte

// StaticCatalog is an in-memory catalog keyed by name.
type StaticCatalog struct {
	byName map[string]Descriptor
}

// LoadCatalog parses a YAML list of descriptors.
func LoadCatalog(data []byte) (*StaticCatalog, error) {
	var list []Descriptor
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	c := &StaticCatalog{byName: make(map[string]Descriptor, len(list))}
	for _, d := range list {
		if d.Name == "" {
			return nil, fmt.Errorf("catalog: descriptor without name")
		}
		if _, dup := c.byName[d.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate descriptor %q", d.Name)
		}
		if len(d.Scope) == 0 {
			return nil, fmt.Errorf("catalog: %s: empty scope", d.Name)
		}
		if d.Status == "" {
			d.Status = StatusActive
		}
		if d.Version == "" {
			d.Version = "1.0.0"
		}
		c.byName[d.Name] = d
	}
	return c, nil
}

// BuiltinCatalog returns the catalog shipped with the binary.
func BuiltinCatalog() *StaticCatalog {
	c, err := LoadCatalog(builtinCatalog)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *StaticCatalog) Lookup(name string) (Descriptor, bool) {
	d, ok := c.byName[name]
	return d, ok
}

// Names lists descriptors in name order.
func (c *StaticCatalog) Names() []string {
	out := make([]string, 0, len(c.byName))
	for n := range c.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

var colorRe = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Resolve checks raw against the schema and returns a copy with defaults
// filled in. The raw map is never modified.
func (d Descriptor) Resolve(raw map[string]any) (Params, error) {
	out := make(Params, len(d.Params))
	for k := range raw {
		if _, ok := d.Params[k]; !ok {
			return nil, fmt.Errorf("unknown param %q", k)
		}
	}
	for key, ps := range d.Params {
		v, ok := raw[key]
		if !ok || v == nil {
			if ps.Default != nil {
				out[key] = ps.Default
				continue
			}
			if ps.Required {
				return nil, fmt.Errorf("param %q is required", key)
			}
			continue
		}
		if err := ps.check(key, v); err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func (ps ParamSpec) check(key string, v any) error {
	switch ps.Type {
	case "multiselect":
		items, err := toStrings(v)
		if err != nil {
			return fmt.Errorf("param %q: %w", key, err)
		}
		if ps.Required && len(items) == 0 {
			return fmt.Errorf("param %q: empty list", key)
		}
		for _, it := range items {
			if len(ps.Options) > 0 && !slices.Contains(ps.Options, it) {
				return fmt.Errorf("param %q: %q is not one of %v", key, it, ps.Options)
			}
		}
	case "textarea":
		items, err := toStrings(v)
		if err != nil {
			return fmt.Errorf("param %q: %w", key, err)
		}
		if ps.Required && len(items) == 0 {
			return fmt.Errorf("param %q: empty", key)
		}
	case "select":
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("param %q: want string, got %T", key, v)
		}
		if len(ps.Options) > 0 && !slices.Contains(ps.Options, s) {
			return fmt.Errorf("param %q: %q is not one of %v", key, s, ps.Options)
		}
	case "key_value":
		m, err := toStringMap(v)
		if err != nil {
			return fmt.Errorf("param %q: %w", key, err)
		}
		if ps.Required && len(m) == 0 {
			return fmt.Errorf("param %q: empty mapping", key)
		}
	case "slider", "number":
		f, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("param %q: want number, got %T", key, v)
		}
		if ps.Min != nil && f < *ps.Min {
			return fmt.Errorf("param %q: %v below minimum %v", key, f, *ps.Min)
		}
		if ps.Max != nil && f > *ps.Max {
			return fmt.Errorf("param %q: %v above maximum %v", key, f, *ps.Max)
		}
	case "color":
		s, ok := v.(string)
		if !ok || !colorRe.MatchString(s) {
			return fmt.Errorf("param %q: want #RRGGBB color, got %v", key, v)
		}
	default:
		return fmt.Errorf("param %q: unsupported schema type %q", key, ps.Type)
	}
	return nil
}
