package templatefmt

import (
	"strings"
	"testing"
)

type sample struct {
	ServiceID  string
	Level      int
	Recipients []string
	Message    string
}

func TestNotificationTemplateHelpers(t *testing.T) {
	t.Parallel()

	compiled, err := ParseNotificationTemplate("t", `{{ upper .ServiceID }} {{ level .Level }} {{ join .Recipients "," }} {{ truncate 8 .Message }}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var out strings.Builder
	data := sample{ServiceID: "api", Level: 1, Recipients: []string{"a@x", "b@x"}, Message: "database unreachable"}
	if err := compiled.Execute(&out, data); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got, want := out.String(), "API L2 a@x,b@x datab..."; got != want {
		t.Fatalf("unexpected render %q, want %q", got, want)
	}
}

func TestParseRejectsUnknownHelper(t *testing.T) {
	t.Parallel()

	if _, err := ParseNotificationTemplate("t", `{{ fmtDuration .Level }}`); err == nil {
		t.Fatalf("expected parse error for unknown helper")
	}
}

func TestTruncateEdges(t *testing.T) {
	t.Parallel()

	cases := []struct {
		limit int
		in    string
		want  string
	}{
		{0, "keep", "keep"},
		{10, "short", "short"},
		{2, "abcdef", "ab"},
		{5, "привет мир", "пр..."},
	}
	for _, tc := range cases {
		if got := Truncate(tc.limit, tc.in); got != tc.want {
			t.Fatalf("Truncate(%d, %q) = %q, want %q", tc.limit, tc.in, got, tc.want)
		}
	}
	if HumanLevel(-1) != "L1" || HumanLevel(0) != "L1" || HumanLevel(2) != "L3" {
		t.Fatalf("unexpected human levels")
	}
}
