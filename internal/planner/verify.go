package planner

import (
	"fmt"
	"sort"
	"strings"
)

// Verification is the structural match of a task result against its output
// schema.
type Verification struct {
	Pass           bool     `json:"pass"`
	MissingFields  []string `json:"missingFields,omitempty"`
	TypeMismatches []string `json:"typeMismatches,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	RepairHints    []string `json:"schemaRepairHints,omitempty"`
}

// Verify checks required top-level fields and their primitive types. A nil
// schema always passes: tasks without an output contract cannot fail it.
func Verify(result map[string]interface{}, schema *OutputSchema) Verification {
	if schema == nil {
		return Verification{Pass: true, Reason: "no output schema declared"}
	}

	v := Verification{}
	for _, field := range schema.Required {
		if _, ok := result[field]; !ok {
			v.MissingFields = append(v.MissingFields, field)
		}
	}
	sort.Strings(v.MissingFields)

	fields := make([]string, 0, len(schema.Types))
	for field := range schema.Types {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		want := schema.Types[field]
		value, ok := result[field]
		if !ok {
			continue // absence is the missing-fields check's concern
		}
		if got := jsonType(value); got != want {
			v.TypeMismatches = append(v.TypeMismatches, fmt.Sprintf("%s: %s≠%s", field, got, want))
		}
	}

	v.Pass = len(v.MissingFields) == 0 && len(v.TypeMismatches) == 0
	switch {
	case v.Pass:
		v.Reason = "result matches the output schema"
	case len(v.MissingFields) > 0 && len(v.TypeMismatches) > 0:
		v.Reason = fmt.Sprintf("%d missing fields, %d type mismatches", len(v.MissingFields), len(v.TypeMismatches))
	case len(v.MissingFields) > 0:
		v.Reason = fmt.Sprintf("missing fields: %s", strings.Join(v.MissingFields, ", "))
	default:
		v.Reason = fmt.Sprintf("type mismatches: %s", strings.Join(v.TypeMismatches, "; "))
	}

	if !v.Pass {
		for _, field := range v.MissingFields {
			v.RepairHints = append(v.RepairHints, fmt.Sprintf("extract %q from the page before finishing", field))
		}
		for _, m := range v.TypeMismatches {
			field := m
			if i := strings.Index(m, ":"); i > 0 {
				field = m[:i]
			}
			v.RepairHints = append(v.RepairHints, fmt.Sprintf("convert %q to the declared type (%s)", field, schema.Types[field]))
		}
	}
	return v
}

// jsonType names a decoded JSON value's primitive type.
func jsonType(v interface{}) string {
	switch v.(type) {
	case string:
		return "string"
	case float64, float32, int, int64:
		return "number"
	case bool:
		return "boolean"
	case []interface{}, []string:
		return "array"
	case map[string]interface{}:
		return "object"
	case nil:
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
