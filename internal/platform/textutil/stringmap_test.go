package textutil

import (
	"reflect"
	"testing"
)

func TestNormalizeStringMapTrims(t *testing.T) {
	input := map[string]string{
		" order_id ":    " ord_123 ",
		"order_number":  " ORD-20260830-AB12CD",
		"blank_value":   "  ",
		"   ":           "dropped",
		"":              "dropped",
	}

	expected := map[string]string{
		"order_id":     "ord_123",
		"order_number": "ORD-20260830-AB12CD",
		"blank_value":  "",
	}

	if actual := NormalizeStringMap(input); !reflect.DeepEqual(actual, expected) {
		t.Fatalf("expected %#v, got %#v", expected, actual)
	}
}

func TestNormalizeStringMapEmpty(t *testing.T) {
	if NormalizeStringMap(nil) != nil {
		t.Fatal("expected nil for nil input")
	}
	if NormalizeStringMap(map[string]string{}) != nil {
		t.Fatal("expected nil for empty map")
	}
	if NormalizeStringMap(map[string]string{" ": "x"}) != nil {
		t.Fatal("expected nil when no keys survive")
	}
}
