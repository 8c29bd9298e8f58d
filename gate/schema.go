package gate

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// StageSchema describes the expected shape of one stage's output payload.
type StageSchema struct {
	Required   []string                   `json:"required,omitempty"`
	Properties map[string]*PropertySchema `json:"properties,omitempty"`
}

// PropertySchema describes one property. Object properties may declare
// their own Required and Properties, checked one level deep.
type PropertySchema struct {
	Type       string                     `json:"type,omitempty"`
	Enum       []any                      `json:"enum,omitempty"`
	MinItems   *int                       `json:"minItems,omitempty"`
	Required   []string                   `json:"required,omitempty"`
	Properties map[string]*PropertySchema `json:"properties,omitempty"`
}

// Advise compares data against schema and returns human-readable warnings
// in a deterministic order: required-field misses first, then property
// checks by name. A nil schema yields no warnings. The result is advisory
// and never blocks a transition.
//
// Example warnings:
//
//	`query_plan`: required field missing
//	`mode`: value 'x' not in enum [fast, deep]
//	`sources`: expected at least 3 items, got 1
func Advise(schema *StageSchema, data Payload) []string {
	if schema == nil {
		return nil
	}
	return adviseObject("", schema.Required, schema.Properties, map[string]any(data), true)
}

func adviseObject(prefix string, required []string, props map[string]*PropertySchema, obj map[string]any, nest bool) []string {
	var warnings []string
	for _, field := range required {
		if _, ok := obj[field]; !ok {
			warnings = append(warnings, fmt.Sprintf("`%s`: required field missing", prefix+field))
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop := props[name]
		value, ok := obj[name]
		if !ok || prop == nil {
			continue
		}
		warnings = append(warnings, adviseProperty(prefix+name, prop, value, nest)...)
	}
	return warnings
}

func adviseProperty(path string, prop *PropertySchema, value any, nest bool) []string {
	if prop.Type != "" {
		if got := jsonType(value); !typeMatches(prop.Type, value, got) {
			return []string{fmt.Sprintf("`%s`: expected %s, got %s", path, prop.Type, got)}
		}
	}

	var warnings []string
	if len(prop.Enum) > 0 && !enumContains(prop.Enum, value) {
		opts := make([]string, len(prop.Enum))
		for i, e := range prop.Enum {
			opts[i] = fmt.Sprint(e)
		}
		warnings = append(warnings, fmt.Sprintf("`%s`: value '%v' not in enum [%s]", path, value, strings.Join(opts, ", ")))
	}
	if prop.MinItems != nil {
		if items, ok := value.([]any); ok && len(items) < *prop.MinItems {
			warnings = append(warnings, fmt.Sprintf("`%s`: expected at least %d items, got %d", path, *prop.MinItems, len(items)))
		}
	}
	if nest && (len(prop.Required) > 0 || len(prop.Properties) > 0) {
		if obj, ok := asObject(value); ok {
			warnings = append(warnings, adviseObject(path+".", prop.Required, prop.Properties, obj, false)...)
		}
	}
	return warnings
}

func jsonType(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any, Payload:
		return "object"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

func typeMatches(want string, v any, got string) bool {
	if want == "integer" {
		f, ok := toFloat(v)
		return ok && f == math.Trunc(f)
	}
	return want == got
}

func enumContains(enum []any, v any) bool {
	for _, e := range enum {
		if fmt.Sprint(e) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}
