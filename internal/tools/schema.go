package tools

import "math"

// Validate checks args against a JSON-schema style parameter object.
// Only the subset tools here use is enforced: required properties and
// primitive property types. Unknown properties are allowed.
func Validate(tool string, schema map[string]any, args map[string]any) error {
	for _, name := range requiredOf(schema) {
		v, ok := args[name]
		if !ok || v == nil {
			return &ArgumentError{Tool: tool, Param: name, Missing: true}
		}
	}

	props, _ := schema["properties"].(map[string]any)
	for name, v := range args {
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		want, _ := prop["type"].(string)
		if want != "" && !hasType(v, want) {
			return &ArgumentError{Tool: tool, Param: name, Want: want}
		}
	}
	return nil
}

func requiredOf(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// hasType matches values decoded by encoding/json against schema types.
func hasType(v any, want string) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "integer":
		f, ok := v.(float64)
		return ok && f == math.Trunc(f)
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	}
	return true
}
