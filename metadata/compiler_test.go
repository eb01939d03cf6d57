package metadata

import (
	"context"
	"testing"
)

// TestCompiler_Compile verifies plain fields pass through and bad scripts degrade
func TestCompiler_Compile(t *testing.T) {
	c := newCompiler(t)

	tests := []struct {
		name     string
		field    FieldDefinition
		compiled bool
	}{
		{"plain field", FieldDefinition{AttributeName: "holder"}, false},
		{"blank script", FieldDefinition{AttributeName: "x", CalculationScript: "   "}, false},
		{"valid script", FieldDefinition{AttributeName: "total", CalculationScript: "rate * limit"}, true},
		{"syntax error", FieldDefinition{AttributeName: "broken", CalculationScript: "rate *"}, false},
		{"forbidden script", FieldDefinition{AttributeName: "evil", CalculationScript: "java.io.File('/etc')"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cf := c.Compile(tt.field)
			if cf.Compiled() != tt.compiled {
				t.Errorf("Compiled() = %v, want %v", cf.Compiled(), tt.compiled)
			}
			if cf.AttributeName != tt.field.AttributeName {
				t.Errorf("field definition not carried through")
			}
		})
	}
}

// TestCompiler_CompileAll verifies batch counts and that one bad script does not stop the batch
func TestCompiler_CompileAll(t *testing.T) {
	c := newCompiler(t)
	fields := []FieldDefinition{
		{AttributeName: "a", CalculationScript: "1 + 1"},
		{AttributeName: "b", CalculationScript: "(("},
		{AttributeName: "c"},
		{AttributeName: "d", CalculationScript: "a * 2"},
		{AttributeName: "e", CalculationScript: "System.exit(0)"},
	}

	out, stats := c.CompileAll(fields)
	if len(out) != len(fields) {
		t.Fatalf("got %d fields, want %d", len(out), len(fields))
	}
	if stats.Compiled != 2 || stats.Failed != 2 || stats.Skipped != 1 {
		t.Errorf("stats = %+v, want 2 compiled, 2 failed, 1 skipped", stats)
	}
	for i, f := range out {
		if f.AttributeName != fields[i].AttributeName {
			t.Errorf("order changed at %d: %s", i, f.AttributeName)
		}
	}
}

// TestCompiler_RoundTrip verifies a compiled handle evaluates like its raw script
func TestCompiler_RoundTrip(t *testing.T) {
	ev := newEvaluator(t)
	c := NewCompiler(ev)
	ctx := context.Background()
	rec := map[string]any{"rate": 0.02, "limit": 500000}

	cf := c.Compile(FieldDefinition{AttributeName: "total", CalculationScript: "rate * limit"})
	got, err := cf.Program.Eval(ctx, rec)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	want, err := ev.Evaluate(ctx, rec, "rate * limit")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if got != want {
		t.Errorf("compiled = %v, direct = %v", got, want)
	}
}
