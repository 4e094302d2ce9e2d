package planner

import (
	"strings"
	"testing"
)

func TestVerifyNilSchemaPasses(t *testing.T) {
	v := Verify(map[string]interface{}{"anything": 1}, nil)
	if !v.Pass {
		t.Fatalf("v = %+v", v)
	}
}

func TestVerifyPass(t *testing.T) {
	schema := &OutputSchema{
		Required: []string{"title", "price"},
		Types:    map[string]string{"title": "string", "price": "number", "tags": "array"},
	}
	result := map[string]interface{}{
		"title": "Red Bicycle",
		"price": float64(199),
		"tags":  []interface{}{"bike"},
	}

	v := Verify(result, schema)
	if !v.Pass || len(v.MissingFields) != 0 || len(v.TypeMismatches) != 0 {
		t.Fatalf("v = %+v", v)
	}
	if len(v.RepairHints) != 0 {
		t.Fatalf("hints on a pass: %+v", v)
	}
}

func TestVerifyMissingAndMismatched(t *testing.T) {
	schema := &OutputSchema{
		Required: []string{"title", "price", "inStock"},
		Types:    map[string]string{"price": "number", "inStock": "boolean"},
	}
	result := map[string]interface{}{
		"title": "Red Bicycle",
		"price": "199", // wrong type
	}

	v := Verify(result, schema)
	if v.Pass {
		t.Fatalf("v = %+v", v)
	}
	if len(v.MissingFields) != 1 || v.MissingFields[0] != "inStock" {
		t.Fatalf("missing = %v", v.MissingFields)
	}
	if len(v.TypeMismatches) != 1 || v.TypeMismatches[0] != "price: string≠number" {
		t.Fatalf("mismatches = %v", v.TypeMismatches)
	}
	if v.Reason == "" {
		t.Fatal("reason empty")
	}

	joined := strings.Join(v.RepairHints, "\n")
	if !strings.Contains(joined, `"inStock"`) || !strings.Contains(joined, `"price"`) {
		t.Fatalf("hints = %v", v.RepairHints)
	}
}

func TestVerifyAbsentTypedFieldIsNotAMismatch(t *testing.T) {
	schema := &OutputSchema{Types: map[string]string{"optional": "string"}}
	v := Verify(map[string]interface{}{}, schema)
	if !v.Pass {
		t.Fatalf("absent optional field failed verification: %+v", v)
	}
}

func TestJSONType(t *testing.T) {
	tests := []struct {
		value interface{}
		want  string
	}{
		{"x", "string"},
		{float64(3), "number"},
		{3, "number"},
		{true, "boolean"},
		{[]interface{}{1}, "array"},
		{map[string]interface{}{}, "object"},
		{nil, "null"},
	}
	for _, tt := range tests {
		if got := jsonType(tt.value); got != tt.want {
			t.Errorf("jsonType(%v) = %s, want %s", tt.value, got, tt.want)
		}
	}
}
