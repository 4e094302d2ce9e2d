package tools

import (
	"encoding/json"

	"github.com/nextlevelbuilder/webpilot/pkg/protocol"
)

func argString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func requireString(args map[string]interface{}, key string) (string, error) {
	v := argString(args, key)
	if v == "" {
		return "", protocol.NewError(protocol.CodeInvalidParameter, "missing required parameter %q", key)
	}
	return v, nil
}

func argBool(args map[string]interface{}, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func argFloat(args map[string]interface{}, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return def
}

func argInt(args map[string]interface{}, key string, def int) int {
	return int(argFloat(args, key, float64(def)))
}

func argStringSlice(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func argMap(args map[string]interface{}, key string) map[string]interface{} {
	if m, ok := args[key].(map[string]interface{}); ok {
		return m
	}
	return nil
}

// schema builders, shared by every tool definition

func schemaObject(props map[string]interface{}, required ...string) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func schemaString(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func schemaNumber(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "number", "description": desc}
}

func schemaBool(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "boolean", "description": desc}
}

func schemaEnum(desc string, values ...string) map[string]interface{} {
	vs := make([]interface{}, len(values))
	for i, v := range values {
		vs[i] = v
	}
	return map[string]interface{}{"type": "string", "description": desc, "enum": vs}
}

func schemaArray(desc string, items map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"type": "array", "description": desc, "items": items}
}
