package params

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"

	"dario.cat/mergo"
	"github.com/fentz26/scriptd/internal/xjson"
)

// FieldType is the tag of a parameter descriptor.
type FieldType string

const (
	FieldText        FieldType = "text"
	FieldNumber      FieldType = "number"
	FieldBoolean     FieldType = "boolean"
	FieldSelect      FieldType = "select"
	FieldMultiSelect FieldType = "multiselect"
	FieldGroup       FieldType = "group"
)

// Older catalogs name the same variants after their form widgets.
var fieldAliases = map[FieldType]FieldType{
	"switch":   FieldBoolean,
	"checkbox": FieldMultiSelect,
	"enum":     FieldSelect,
	"repeated": FieldGroup,
	"":         FieldText,
}

// Field describes one script parameter.
type Field struct {
	Name        string    `json:"name" yaml:"name"`
	Type        FieldType `json:"type" yaml:"type"`
	Label       string    `json:"label,omitempty" yaml:"label,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
	Options     []string  `json:"options,omitempty" yaml:"options,omitempty"`
	Min         *float64  `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64  `json:"max,omitempty" yaml:"max,omitempty"`
	Pattern     string    `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Fields      []Field   `json:"fields,omitempty" yaml:"fields,omitempty"` // group members
}

// Schema is the ordered parameter list of a script.
type Schema []Field

// ParseSchema decodes a stored schema. Empty input is an empty schema.
func ParseSchema(raw []byte) (Schema, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	var s Schema
	if err := xjson.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode parameter schema: %w", err)
	}
	return s.normalize(), nil
}

func (s Schema) normalize() Schema {
	out := make(Schema, len(s))
	for i, f := range s {
		if alias, ok := fieldAliases[f.Type]; ok {
			f.Type = alias
		}
		f.Fields = Schema(f.Fields).normalize()
		out[i] = f
	}
	return out
}

// Validate checks the schema definition itself.
func (s Schema) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for _, f := range s.normalize() {
		if f.Name == "" {
			errs = append(errs, errors.New("field with empty name"))
			continue
		}
		if seen[f.Name] {
			errs = append(errs, fmt.Errorf("duplicate field %q", f.Name))
		}
		seen[f.Name] = true

		switch f.Type {
		case FieldText, FieldNumber, FieldBoolean:
		case FieldSelect, FieldMultiSelect:
			if len(f.Options) == 0 {
				errs = append(errs, fmt.Errorf("field %q: %s needs options", f.Name, f.Type))
			}
		case FieldGroup:
			if len(f.Fields) == 0 {
				errs = append(errs, fmt.Errorf("field %q: group needs fields", f.Name))
			}
			if err := Schema(f.Fields).Validate(); err != nil {
				errs = append(errs, fmt.Errorf("field %q: %w", f.Name, err))
			}
		default:
			errs = append(errs, fmt.Errorf("field %q: unknown type %q", f.Name, f.Type))
		}
		if f.Pattern != "" {
			if _, err := regexp.Compile(f.Pattern); err != nil {
				errs = append(errs, fmt.Errorf("field %q: bad pattern: %w", f.Name, err))
			}
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			errs = append(errs, fmt.Errorf("field %q: min above max", f.Name))
		}
	}
	return errors.Join(errs...)
}

// Defaults returns the declared default of every field that has one.
func (s Schema) Defaults() map[string]any {
	out := make(map[string]any)
	for _, f := range s {
		if f.Default != nil {
			out[f.Name] = f.Default
		}
	}
	return out
}

// Apply fills missing parameters from field defaults and checks the result
// against the schema. Parameters the schema does not mention pass through.
// Errors wrap ErrInvalidParameters.
func (s Schema) Apply(p map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	if len(s) == 0 {
		return out, nil
	}
	s = s.normalize()

	// mergo treats false and 0 as empty, so only absent keys are offered.
	defaults := s.Defaults()
	for k := range out {
		delete(defaults, k)
	}
	if err := mergo.Merge(&out, defaults); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	var errs []error
	for _, f := range s {
		v, ok := out[f.Name]
		if !ok || v == nil {
			if f.Required {
				errs = append(errs, fmt.Errorf("%s: required", f.Name))
			}
			continue
		}
		coerced, err := f.check(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
			continue
		}
		out[f.Name] = coerced
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParameters, errors.Join(errs...))
	}
	return out, nil
}

func (f Field) check(v any) (any, error) {
	switch f.Type {
	case FieldText:
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected text, got %T", v)
		}
		if f.Required && strings.TrimSpace(str) == "" {
			return nil, errors.New("required")
		}
		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				return nil, err
			}
			if !re.MatchString(str) {
				return nil, fmt.Errorf("does not match %q", f.Pattern)
			}
		}
		return str, nil

	case FieldNumber:
		n, ok := toFloat(v)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", v)
		}
		if f.Min != nil && n < *f.Min {
			return nil, fmt.Errorf("must be at least %v", *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			return nil, fmt.Errorf("must be at most %v", *f.Max)
		}
		return v, nil

	case FieldBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", v)
		}
		return b, nil

	case FieldSelect:
		str, ok := v.(string)
		if !ok || !slices.Contains(f.Options, str) {
			return nil, fmt.Errorf("must be one of %s", strings.Join(f.Options, ", "))
		}
		return str, nil

	case FieldMultiSelect:
		items, ok := toList(v)
		if !ok {
			return nil, fmt.Errorf("expected list, got %T", v)
		}
		for _, item := range items {
			str, ok := item.(string)
			if !ok || !slices.Contains(f.Options, str) {
				return nil, fmt.Errorf("invalid option %v", item)
			}
		}
		return items, nil

	case FieldGroup:
		items, ok := toList(v)
		if !ok {
			return nil, fmt.Errorf("expected list of entries, got %T", v)
		}
		out := make([]any, 0, len(items))
		for i, item := range items {
			entry, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("entry %d: expected object, got %T", i, item)
			}
			applied, err := Schema(f.Fields).Apply(entry)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			out = append(out, applied)
		}
		return out, nil
	}
	return v, nil
}

func toFloat(v any) (float64, bool) {
	var n float64
	switch x := v.(type) {
	case float64:
		n = x
	case float32:
		n = float64(x)
	case int:
		n = float64(x)
	case int64:
		n = float64(x)
	case int32:
		n = float64(x)
	case uint64:
		n = float64(x)
	case xjson.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		n = f
	default:
		return 0, false
	}
	return n, !math.IsNaN(n) && !math.IsInf(n, 0)
}

func toList(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	case []map[string]any:
		out := make([]any, len(x))
		for i, m := range x {
			out[i] = m
		}
		return out, true
	}
	return nil, false
}
