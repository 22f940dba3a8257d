// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package utils

import "testing"

func TestPtr(t *testing.T) {
	value := 42
	if got := Ptr(value); *got != value {
		t.Errorf("expected %d, got %d", value, *got)
	}
}

func TestToJson(t *testing.T) {
	tests := []struct {
		name     string
		input    interface{}
		expected string
	}{
		{"map", map[string]int{"a": 1}, `{"a":1}`},
		{"nil", nil, "null"},
		{"unmarshalable", func() {}, "{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToJson(tt.input); got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestClampInt(t *testing.T) {
	tests := []struct {
		v, lo, hi, expected int
	}{
		{5, 0, 10, 5},
		{-1, 0, 10, 0},
		{11, 0, 10, 10},
	}
	for _, tt := range tests {
		if got := ClampInt(tt.v, tt.lo, tt.hi); got != tt.expected {
			t.Errorf("ClampInt(%d,%d,%d) = %d, expected %d", tt.v, tt.lo, tt.hi, got, tt.expected)
		}
	}
}
