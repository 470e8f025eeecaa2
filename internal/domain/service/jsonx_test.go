package service

import (
	"testing"

	apperrors "github.com/loopgate/loopgate/pkg/errors"
)

func TestFirstJSONObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, true},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{"prose", `Sure! {"a":{"b":2}} hope that helps`, `{"a":{"b":2}}`, true},
		{"brace in string", `{"a":"}{"}`, `{"a":"}{"}`, true},
		{"escaped quote", `{"a":"say \"}\" loud"}`, `{"a":"say \"}\" loud"}`, true},
		{"unbalanced", `{"a":1`, "", false},
		{"no object", "plain text", "", false},
	}
	for _, tt := range tests {
		got, ok := firstJSONObject(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("%s: firstJSONObject(%q) = %q, %v; want %q, %v",
				tt.name, tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestParseAgentJSON(t *testing.T) {
	var out struct {
		A int `json:"a"`
	}
	if err := parseAgentJSON("noise before {\"a\": 7} noise after", &out); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.A != 7 {
		t.Fatalf("a = %d", out.A)
	}

	err := parseAgentJSON("no json here", &out)
	if !apperrors.IsParseError(err) {
		t.Fatalf("err = %v, want parse error", err)
	}

	err = parseAgentJSON(`{"a": "not an int"}`, &out)
	if !apperrors.IsParseError(err) {
		t.Fatalf("err = %v, want parse error on type mismatch", err)
	}
}
