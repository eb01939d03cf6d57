package expression

import (
	"errors"
	"testing"

	"github.com/cockroachdb/apd/v3"
)

// TestCheckScript verifies the denylist ignores case and whitespace
func TestCheckScript(t *testing.T) {
	tests := []struct {
		script  string
		blocked bool
	}{
		{"rate * limit", false},
		{"premium > 1000 && status == 'ACTIVE'", false},
		{"java.io.File('x')", true},
		{"JAVA . IO", true},
		{"Runtime.getRuntime()", true},
		{"r u n t i m e . g e t r u n t i m e", true},
		{"new ProcessBuilder('ls')", true},
		{"Class.forName('x')", true},
		{"System.getProperty('user.home')", true},
		{"os.Environ()", true},
		{"require('fs')", true},
		{"x.setAccessible(true)", true},
		{"Socket('h', 1)", true},
	}

	for _, tt := range tests {
		t.Run(tt.script, func(t *testing.T) {
			err := CheckScript(tt.script)
			if tt.blocked && !errors.Is(err, ErrSecurityViolation) {
				t.Errorf("CheckScript(%q) = %v, want security violation", tt.script, err)
			}
			if !tt.blocked && err != nil {
				t.Errorf("CheckScript(%q) = %v, want nil", tt.script, err)
			}
		})
	}
}

// TestIsBlockedName verifies only the root segment is matched
func TestIsBlockedName(t *testing.T) {
	tests := map[string]bool{
		"system":            true,
		"System.out":        true,
		"PLATFORM.version":  true,
		"__internal":        true,
		"runtime.x.y":       true,
		"premium":           false,
		"systemCode":        false,
		"policy.system":     false,
		"message.os":        false,
		"environmentFactor": false,
	}

	for name, want := range tests {
		if got := IsBlockedName(name); got != want {
			t.Errorf("IsBlockedName(%q) = %v, want %v", name, got, want)
		}
	}
}

// TestSandboxActivation verifies name resolution rules
func TestSandboxActivation(t *testing.T) {
	act := newSandboxActivation(map[string]any{"premium": 100, "note": nil})

	v, ok := act.ResolveName("premium")
	if !ok || v != 100.0 {
		t.Errorf("premium resolved to (%v, %v), want (100, true)", v, ok)
	}
	if act.nullResolved {
		t.Error("nullResolved set by a present field")
	}

	if _, ok := act.ResolveName("note"); !ok || !act.nullResolved {
		t.Error("nil field should resolve to null and mark nullResolved")
	}

	if _, ok := act.ResolveName("policy.limit"); ok {
		t.Error("unknown qualified name should defer to shorter candidates")
	}

	if _, ok := act.ResolveName("system"); !ok || act.violation != "system" {
		t.Errorf("blocked name not recorded, violation = %q", act.violation)
	}
	if act.Parent() != nil {
		t.Error("sandbox activation must not have a parent")
	}
}

// TestNormalizeNumericLiterals verifies operand literals become doubles
func TestNormalizeNumericLiterals(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"rate * 2", "rate * 2.0"},
		{"x1 + 1", "x1 + 1.0"},
		{"f(1, 2)", "f(1, 2)"},
		{"items[0]", "items[0]"},
		{"'a 1 b' + 2", "'a 1 b' + 2.0"},
		{"\"x\\\"3\" + 4", "\"x\\\"3\" + 4.0"},
		{"r'\\d 5' == s", "r'\\d 5' == s"},
		{"0x1F + 1", "0x1F + 1.0"},
		{"3u + x", "3u + x"},
		{"1.5 * 2e3", "1.5 * 2e3"},
		{"roundHalfUp(rate * 100, 2)", "roundHalfUp(rate * 100.0, 2)"},
		{"{'a': 1}", "{'a': 1.0}"},
		{"x > 10 ? 1 : 0", "x > 10.0 ? 1.0 : 0.0"},
	}

	for _, tt := range tests {
		if got := normalizeNumericLiterals(tt.in); got != tt.want {
			t.Errorf("normalizeNumericLiterals(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestNormalizeRecord verifies every numeric representation becomes a double
func TestNormalizeRecord(t *testing.T) {
	dec, _, _ := apd.NewFromString("12.50")
	rec := normalizeRecord(map[string]any{
		"i":      7,
		"u":      uint32(3),
		"dec":    dec,
		"nested": map[string]any{"n": int64(2)},
		"list":   []any{1, "x"},
		"s":      "keep",
	})

	if rec["i"] != 7.0 || rec["u"] != 3.0 || rec["dec"] != 12.5 {
		t.Errorf("scalars not normalized: %v", rec)
	}
	if rec["nested"].(map[string]any)["n"] != 2.0 {
		t.Errorf("nested map not normalized: %v", rec["nested"])
	}
	if rec["list"].([]any)[0] != 1.0 || rec["s"] != "keep" {
		t.Errorf("list or string mangled: %v", rec)
	}
}
