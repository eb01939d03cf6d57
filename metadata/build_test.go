package metadata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/liamcoop/metaengine/expression"
)

var autoKey = TypeKey{TenantID: "t1", TypeCode: "AUTO", MarketContext: "retail"}

func newCompiler(t *testing.T) *Compiler {
	t.Helper()
	ev, err := expression.NewEvaluator(expression.Config{})
	if err != nil {
		t.Fatalf("NewEvaluator failed: %v", err)
	}
	return NewCompiler(ev)
}

func attr(name string, dt DataType, section string, order int) Attribute {
	return Attribute{
		FieldDefinition: FieldDefinition{
			AttributeName: name,
			DisplayName:   name,
			DataType:      dt,
			SectionName:   section,
			UIOrder:       order,
		},
		TenantID:      autoKey.TenantID,
		MarketContext: autoKey.MarketContext,
		Active:        true,
	}
}

func calcAttr(name, script string, order int, deps ...string) Attribute {
	a := attr(name, DataCurrency, "pricing", order)
	a.CalculationScript = script
	a.DependsOn = deps
	return a
}

// seedStore writes a type with plain and calculated fields into a new store.
func seedStore(t *testing.T) *InMemoryStore {
	t.Helper()
	ctx := context.Background()
	store := NewInMemoryStore()

	attrs := []Attribute{
		attr("rate", DataDecimal, "pricing", 1),
		attr("limit", DataCurrency, "pricing", 2),
		attr("holder", DataString, "party", 3),
		attr("notes", DataText, "misc", 4),
		calcAttr("basePremium", "rate * limit", 10, "rate", "limit"),
		calcAttr("tax", "basePremium * 0.1", 11, "basePremium"),
		calcAttr("total", "basePremium + tax", 12, "basePremium", "tax"),
	}
	for _, a := range attrs {
		if err := store.SaveAttribute(ctx, a); err != nil {
			t.Fatalf("SaveAttribute failed: %v", err)
		}
	}

	section := "party"
	at := &AgreementType{
		Key:           autoKey,
		DisplayName:   "Auto Policy",
		SchemaVersion: 1,
		Active:        true,
		Attributes: []TypeAttribute{
			{AttributeName: "total"},
			{AttributeName: "tax"},
			{AttributeName: "basePremium"},
			{AttributeName: "rate"},
			{AttributeName: "limit"},
			{AttributeName: "holder", SectionName: &section},
			{AttributeName: "notes"},
		},
		UIConfig: UIConfig{Sections: []SectionConfig{
			{Name: "party", Title: "Policy holder"},
			{Name: "pricing", Title: "Pricing"},
		}},
	}
	if err := store.SaveType(ctx, at); err != nil {
		t.Fatalf("SaveType failed: %v", err)
	}
	return store
}

// TestResolveFields verifies per-type overrides apply without touching the catalog
func TestResolveFields(t *testing.T) {
	required := true
	order := 0
	section := "header"
	at := &AgreementType{
		Key: autoKey,
		Attributes: []TypeAttribute{
			{AttributeName: "limit"},
			{AttributeName: "rate", Required: &required, DisplayOrder: &order, SectionName: &section, DefaultValue: 0.05},
			{AttributeName: "ghost"},
		},
	}
	catalog := []Attribute{
		attr("rate", DataDecimal, "pricing", 5),
		attr("limit", DataCurrency, "pricing", 2),
	}

	fields := ResolveFields(at, catalog)
	if len(fields) != 2 {
		t.Fatalf("got %d fields, want 2 (unknown link skipped)", len(fields))
	}
	if fields[0].AttributeName != "rate" {
		t.Errorf("first field = %s, want rate (override moved it first)", fields[0].AttributeName)
	}
	if !fields[0].Required || fields[0].SectionName != "header" || fields[0].DefaultValue != 0.05 {
		t.Errorf("overrides not applied: %+v", fields[0])
	}
	if catalog[0].Required || catalog[0].SectionName != "pricing" {
		t.Error("catalog attribute was mutated by override")
	}
}

// TestSortCalculated_DependencyOrder verifies A before B before C for any input order
func TestSortCalculated_DependencyOrder(t *testing.T) {
	c := newCompiler(t)
	a := c.Compile(FieldDefinition{AttributeName: "A", CalculationScript: "1 + 1"})
	b := c.Compile(FieldDefinition{AttributeName: "B", CalculationScript: "A * 2", DependsOn: []string{"A"}})
	cc := c.Compile(FieldDefinition{AttributeName: "C", CalculationScript: "B * 2", DependsOn: []string{"B"}})

	orders := [][]CompiledField{
		{a, b, cc},
		{cc, b, a},
		{b, cc, a},
		{cc, a, b},
	}
	for _, in := range orders {
		sorted, cyclic := SortCalculated(in)
		if len(cyclic) != 0 {
			t.Fatalf("unexpected cycle: %v", cyclic)
		}
		if len(sorted) != 3 || sorted[0].AttributeName != "A" || sorted[1].AttributeName != "B" || sorted[2].AttributeName != "C" {
			t.Errorf("sorted = %v, want [A B C]", names(sorted))
		}
	}
}

// TestSortCalculated_Cycle verifies cyclic fields are dropped and their dependents kept
func TestSortCalculated_Cycle(t *testing.T) {
	c := newCompiler(t)
	fields := []CompiledField{
		c.Compile(FieldDefinition{AttributeName: "A", CalculationScript: "B + 1", DependsOn: []string{"B"}}),
		c.Compile(FieldDefinition{AttributeName: "B", CalculationScript: "A + 1", DependsOn: []string{"A"}}),
		c.Compile(FieldDefinition{AttributeName: "S", CalculationScript: "S + 1", DependsOn: []string{"S"}}),
		c.Compile(FieldDefinition{AttributeName: "D", CalculationScript: "x + 1", DependsOn: []string{"x"}}),
		c.Compile(FieldDefinition{AttributeName: "plain"}),
	}

	sorted, cyclic := SortCalculated(fields)
	if got := names(sorted); len(got) != 1 || got[0] != "D" {
		t.Errorf("sorted = %v, want [D]", got)
	}
	if len(cyclic) != 3 || cyclic[0] != "A" || cyclic[1] != "B" || cyclic[2] != "S" {
		t.Errorf("cyclic = %v, want [A B S]", cyclic)
	}
}

// TestSortCalculated_ExcludesFailedCompiles verifies fields without a program are left out
func TestSortCalculated_ExcludesFailedCompiles(t *testing.T) {
	c := newCompiler(t)
	fields := []CompiledField{
		c.Compile(FieldDefinition{AttributeName: "good", CalculationScript: "1 + 1"}),
		c.Compile(FieldDefinition{AttributeName: "bad", CalculationScript: "1 +"}),
	}
	sorted, _ := SortCalculated(fields)
	if got := names(sorted); len(got) != 1 || got[0] != "good" {
		t.Errorf("sorted = %v, want [good]", got)
	}
}

// TestBuildLayout verifies declared section order and the trailing default section
func TestBuildLayout(t *testing.T) {
	fields := []CompiledField{
		{FieldDefinition: FieldDefinition{AttributeName: "rate", SectionName: "pricing"}},
		{FieldDefinition: FieldDefinition{AttributeName: "holder", SectionName: "party"}},
		{FieldDefinition: FieldDefinition{AttributeName: "notes", SectionName: "misc"}},
		{FieldDefinition: FieldDefinition{AttributeName: "limit", SectionName: "pricing"}},
	}
	ui := UIConfig{Sections: []SectionConfig{{Name: "party"}, {Name: "pricing", Columns: 2}, {Name: "empty"}}}

	layout := BuildLayout(ui, fields)
	if layout == nil {
		t.Fatal("expected a layout")
	}
	want := []struct {
		name   string
		fields []string
	}{
		{"party", []string{"holder"}},
		{"pricing", []string{"rate", "limit"}},
		{"empty", nil},
		{DefaultSection, []string{"notes"}},
	}
	if len(layout.Sections) != len(want) {
		t.Fatalf("got %d sections, want %d", len(layout.Sections), len(want))
	}
	for i, w := range want {
		s := layout.Sections[i]
		if s.Name != w.name || len(s.Fields) != len(w.fields) {
			t.Errorf("section %d = %s %v, want %s %v", i, s.Name, s.Fields, w.name, w.fields)
			continue
		}
		for j := range w.fields {
			if s.Fields[j] != w.fields[j] {
				t.Errorf("section %s field %d = %s, want %s", s.Name, j, s.Fields[j], w.fields[j])
			}
		}
	}

	if BuildLayout(UIConfig{}, fields) != nil {
		t.Error("type without sections should have no layout")
	}
}

// TestBuilder_Build verifies the full build and digest stability across rebuilds
func TestBuilder_Build(t *testing.T) {
	store := seedStore(t)
	b := NewBuilder(store, newCompiler(t))
	ctx := context.Background()

	def, stats, err := b.Build(ctx, autoKey)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if stats.Compiled != 3 || stats.Failed != 0 || stats.Skipped != 4 {
		t.Errorf("stats = %+v, want 3 compiled, 4 skipped", stats)
	}
	if got := names(def.CalculatedFields); len(got) != 3 || got[0] != "basePremium" || got[1] != "tax" || got[2] != "total" {
		t.Errorf("calculated = %v, want [basePremium tax total]", got)
	}
	if _, ok := def.Field("holder"); !ok {
		t.Error("holder field missing")
	}
	if def.Layout == nil || def.Layout.Sections[0].Name != "party" {
		t.Errorf("unexpected layout: %+v", def.Layout)
	}

	b.now = func() time.Time { return time.Now().Add(time.Hour) }
	again, _, err := b.Build(ctx, autoKey)
	if err != nil {
		t.Fatalf("second Build failed: %v", err)
	}
	if again.CompiledAt.Equal(def.CompiledAt) {
		t.Error("expected a different CompiledAt")
	}
	if again.Digest() != def.Digest() {
		t.Error("digest changed between identical builds")
	}
}

// TestBuilder_Build_Inactive verifies inactive and missing types are not found
func TestBuilder_Build_Inactive(t *testing.T) {
	store := seedStore(t)
	b := NewBuilder(store, newCompiler(t))
	ctx := context.Background()

	if err := store.SetTypeActive(ctx, autoKey, false); err != nil {
		t.Fatalf("SetTypeActive failed: %v", err)
	}
	if _, _, err := b.Build(ctx, autoKey); !errors.Is(err, ErrNotFound) {
		t.Errorf("inactive type: err = %v, want ErrNotFound", err)
	}

	missing := TypeKey{TenantID: "t1", TypeCode: "HOME", MarketContext: "retail"}
	if _, _, err := b.Build(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing type: err = %v, want ErrNotFound", err)
	}
}

func names(fields []CompiledField) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, f.AttributeName)
	}
	return out
}
