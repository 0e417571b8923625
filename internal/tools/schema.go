package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	clierr "github.com/ggonzalez94/defi-voice/internal/errors"
)

type PropertyType string

const (
	TypeString  PropertyType = "string"
	TypeNumber  PropertyType = "number"
	TypeInteger PropertyType = "integer"
	TypeBoolean PropertyType = "boolean"
	TypeArray   PropertyType = "array"
)

type Property struct {
	Type        PropertyType
	Description string
	Enum        []string
	Minimum     *float64
	Items       *Property
}

// Schema describes a tool's argument object.
type Schema struct {
	Properties map[string]Property
	Required   []string
}

// ValidationError reports malformed tool arguments.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid arguments: " + e.Reason
	}
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	verr := &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
	return clierr.Wrap(clierr.CodeUsage, "validate tool arguments", verr)
}

// Min is a convenience for Property.Minimum.
func Min(v float64) *float64 { return &v }

// Validate decodes raw JSON arguments and checks them against the schema.
// Unknown properties are dropped.
func (s Schema) Validate(raw json.RawMessage) (Params, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var input map[string]any
	if err := dec.Decode(&input); err != nil {
		return nil, invalid("", "arguments must be a JSON object")
	}

	for _, name := range s.Required {
		v, ok := input[name]
		if !ok || v == nil {
			return nil, invalid(name, "is required")
		}
	}

	out := make(Params, len(input))
	for name, v := range input {
		prop, ok := s.Properties[name]
		if !ok || v == nil {
			continue
		}
		coerced, err := coerce(name, prop, v)
		if err != nil {
			return nil, err
		}
		out[name] = coerced
	}
	return out, nil
}

func coerce(name string, prop Property, v any) (any, error) {
	switch prop.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, invalid(name, "must be a string")
		}
		s = strings.TrimSpace(s)
		if len(prop.Enum) > 0 && !containsFold(prop.Enum, s) {
			return nil, invalid(name, "must be one of %s", strings.Join(prop.Enum, ", "))
		}
		return s, nil
	case TypeNumber, TypeInteger:
		f, err := toFloat(v)
		if err != nil {
			return nil, invalid(name, "must be a number")
		}
		if prop.Type == TypeInteger && f != math.Trunc(f) {
			return nil, invalid(name, "must be an integer")
		}
		if prop.Minimum != nil && f < *prop.Minimum {
			return nil, invalid(name, "must be >= %v", *prop.Minimum)
		}
		if prop.Type == TypeInteger {
			return int64(f), nil
		}
		return f, nil
	case TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, invalid(name, "must be a boolean")
		}
		return b, nil
	case TypeArray:
		list, ok := v.([]any)
		if !ok {
			return nil, invalid(name, "must be an array")
		}
		if prop.Items == nil {
			return list, nil
		}
		out := make([]any, 0, len(list))
		for i, item := range list {
			c, err := coerce(fmt.Sprintf("%s[%d]", name, i), *prop.Items, item)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
		return out, nil
	default:
		return v, nil
	}
}

func toFloat(v any) (float64, error) {
	switch t := v.(type) {
	case json.Number:
		return t.Float64()
	case float64:
		return t, nil
	case string:
		return json.Number(strings.TrimSpace(t)).Float64()
	default:
		return 0, fmt.Errorf("not a number")
	}
}

func containsFold(items []string, v string) bool {
	for _, item := range items {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// JSONSchema renders the schema in JSON Schema form for model-facing tool
// declarations and parameter extraction.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		props[name] = propertySchema(p)
	}
	required := append([]string{}, s.Required...)
	sort.Strings(required)
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func propertySchema(p Property) map[string]any {
	out := map[string]any{"type": string(p.Type)}
	if p.Description != "" {
		out["description"] = p.Description
	}
	if len(p.Enum) > 0 {
		out["enum"] = p.Enum
	}
	if p.Minimum != nil {
		out["minimum"] = *p.Minimum
	}
	if p.Items != nil {
		out["items"] = propertySchema(*p.Items)
	}
	return out
}

// Params are validated tool arguments.
type Params map[string]any

func (p Params) Has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p Params) String(key string) string {
	s, _ := p[key].(string)
	return s
}

func (p Params) Float(key string) float64 {
	switch t := p[key].(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	}
	return 0
}

func (p Params) Int(key string) int64 {
	switch t := p[key].(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	}
	return 0
}

func (p Params) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

func (p Params) Strings(key string) []string {
	list, _ := p[key].([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
