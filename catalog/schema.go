package catalog

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
)

// inputSchema is the subset of JSON schema the catalog checks before a
// call leaves the process: required properties and top-level types.
type inputSchema struct {
	Required   []string
	Properties map[string][]string
}

func parseSchema(raw json.RawMessage) (inputSchema, error) {
	var s inputSchema
	if len(raw) == 0 {
		return s, nil
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return s, fmt.Errorf("input schema is not an object")
	}

	for _, r := range doc.Get("required").Array() {
		if r.Type == gjson.String {
			s.Required = append(s.Required, r.Str)
		}
	}

	props := doc.Get("properties")
	if props.IsObject() {
		s.Properties = make(map[string][]string)
		props.ForEach(func(key, value gjson.Result) bool {
			t := value.Get("type")
			switch {
			case t.IsArray():
				for _, v := range t.Array() {
					s.Properties[key.Str] = append(s.Properties[key.Str], v.Str)
				}
			case t.Type == gjson.String:
				s.Properties[key.Str] = []string{t.Str}
			default:
				s.Properties[key.Str] = nil
			}
			return true
		})
	}
	return s, nil
}

// validate checks args against the schema. It returns the first problem
// found, phrased for the model.
func (s inputSchema) validate(args json.RawMessage) string {
	doc := gjson.ParseBytes(args)
	if !doc.IsObject() {
		return "Invalid arguments: expected a JSON object"
	}

	for _, name := range s.Required {
		if v := doc.Get(gjson.Escape(name)); !v.Exists() || v.Type == gjson.Null {
			return fmt.Sprintf("Missing required parameter: %s", name)
		}
	}

	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		types := s.Properties[name]
		v := doc.Get(gjson.Escape(name))
		if len(types) == 0 || !v.Exists() {
			continue
		}
		if !matchesAny(v, types) {
			return fmt.Sprintf("Invalid type for parameter %s: expected %s", name, joinTypes(types))
		}
	}
	return ""
}

func matchesAny(v gjson.Result, types []string) bool {
	for _, t := range types {
		if matchesType(v, t) {
			return true
		}
	}
	return false
}

func matchesType(v gjson.Result, t string) bool {
	switch t {
	case "string":
		return v.Type == gjson.String
	case "number":
		return v.Type == gjson.Number
	case "integer":
		return v.Type == gjson.Number && v.Num == float64(int64(v.Num))
	case "boolean":
		return v.Type == gjson.True || v.Type == gjson.False
	case "object":
		return v.IsObject()
	case "array":
		return v.IsArray()
	case "null":
		return v.Type == gjson.Null
	default:
		return true
	}
}

func joinTypes(types []string) string {
	if len(types) == 1 {
		return types[0]
	}
	out := types[0]
	for _, t := range types[1:] {
		out += " or " + t
	}
	return out
}
