package metadata

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/liamcoop/metaengine/internal/logger"
)

// DefaultSection collects fields whose section is not declared by the type.
const DefaultSection = "default"

// ResolveFields joins a type's attribute links with the catalog, applying
// per-type overrides. Links to missing or inactive attributes are skipped.
// The result is ordered by UIOrder, then by attribute name.
func ResolveFields(t *AgreementType, catalog []Attribute) []FieldDefinition {
	byName := make(map[string]Attribute, len(catalog))
	for _, a := range catalog {
		if a.Active {
			byName[a.AttributeName] = a
		}
	}

	fields := make([]FieldDefinition, 0, len(t.Attributes))
	for _, link := range t.Attributes {
		attr, ok := byName[link.AttributeName]
		if !ok {
			logger.Warn("type links an unknown or inactive attribute",
				"type", t.Key.String(), "attribute", link.AttributeName)
			continue
		}
		def := link.Apply(attr.FieldDefinition)
		def.DependsOn = append([]string(nil), def.DependsOn...)
		def.AllowedValues = append([]string(nil), def.AllowedValues...)
		fields = append(fields, def)
	}

	sort.SliceStable(fields, func(i, j int) bool {
		if fields[i].UIOrder != fields[j].UIOrder {
			return fields[i].UIOrder < fields[j].UIOrder
		}
		return fields[i].AttributeName < fields[j].AttributeName
	})
	return fields
}

// SortCalculated orders the compiled calculated fields so that every field
// follows the fields it depends on. Fields without a program are excluded.
// Fields on a dependency cycle are dropped and returned in cyclic; their
// dependents are kept.
func SortCalculated(fields []CompiledField) (sorted []CompiledField, cyclic []string) {
	byName := make(map[string]CompiledField)
	var names []string
	for _, f := range fields {
		if f.IsCalculated() && f.Compiled() {
			byName[f.AttributeName] = f
			names = append(names, f.AttributeName)
		}
	}

	order, cyclic := dependencyOrder(names, func(name string) []string {
		return byName[name].DependsOn
	})
	for _, name := range order {
		sorted = append(sorted, byName[name])
	}
	return sorted, cyclic
}

// dependencyOrder is a depth-first topological sort over names. Edges to
// names outside the set are ignored. Names on a cycle are left out of order
// and reported in cyclic, in input order.
func dependencyOrder(names []string, deps func(string) []string) (order, cyclic []string) {
	const (
		unvisited = iota
		visiting
		visited
	)

	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}

	state := make(map[string]int, len(names))
	inCycle := make(map[string]bool)
	var stack []string

	var visit func(name string)
	visit = func(name string) {
		switch state[name] {
		case visiting:
			for i := len(stack) - 1; i >= 0; i-- {
				inCycle[stack[i]] = true
				if stack[i] == name {
					break
				}
			}
			return
		case visited:
			return
		}

		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range deps(name) {
			if known[dep] {
				visit(dep)
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = visited

		if !inCycle[name] {
			order = append(order, name)
		}
	}

	for _, name := range names {
		if state[name] == unvisited {
			visit(name)
		}
	}
	for _, name := range names {
		if inCycle[name] {
			cyclic = append(cyclic, name)
		}
	}
	return order, cyclic
}

// BuildLayout groups fields into the declared sections, in declared order.
// Fields naming an undeclared section land in a trailing default section.
// A type that declares no sections has no layout.
func BuildLayout(ui UIConfig, fields []CompiledField) *LayoutDefinition {
	if len(ui.Sections) == 0 {
		return nil
	}

	layout := &LayoutDefinition{Sections: make([]LayoutSection, 0, len(ui.Sections)+1)}
	index := make(map[string]int, len(ui.Sections))
	for _, s := range ui.Sections {
		if _, dup := index[s.Name]; dup {
			continue
		}
		index[s.Name] = len(layout.Sections)
		layout.Sections = append(layout.Sections, LayoutSection{
			Name:    s.Name,
			Title:   s.Title,
			Columns: s.Columns,
			Fields:  []string{},
		})
	}

	var rest []string
	for _, f := range fields {
		if i, ok := index[f.SectionName]; ok {
			layout.Sections[i].Fields = append(layout.Sections[i].Fields, f.AttributeName)
			continue
		}
		rest = append(rest, f.AttributeName)
	}
	if len(rest) > 0 {
		layout.Sections = append(layout.Sections, LayoutSection{Name: DefaultSection, Fields: rest})
	}
	return layout
}

// Builder assembles compiled definitions from a Store.
type Builder struct {
	store    Store
	compiler *Compiler
	now      func() time.Time
}

func NewBuilder(store Store, compiler *Compiler) *Builder {
	return &Builder{store: store, compiler: compiler, now: time.Now}
}

// Store returns the underlying metadata store.
func (b *Builder) Store() Store { return b.store }

// Build loads, compiles, sorts and lays out one type. It returns ErrNotFound
// for missing or inactive types.
func (b *Builder) Build(ctx context.Context, key TypeKey) (*CompiledObjectDefinition, CompileStats, error) {
	t, err := b.store.GetType(ctx, key)
	if err != nil {
		return nil, CompileStats{}, err
	}
	if !t.Active {
		return nil, CompileStats{}, fmt.Errorf("type %s is inactive: %w", key, ErrNotFound)
	}

	catalog, err := b.store.ListAttributes(ctx, key.TenantID, key.MarketContext)
	if err != nil {
		return nil, CompileStats{}, fmt.Errorf("failed to load attributes for %s: %w", key, err)
	}

	fields, stats := b.compiler.CompileAll(ResolveFields(t, catalog))
	calculated, cyclic := SortCalculated(fields)
	if len(cyclic) > 0 {
		logger.Warn("calculated fields dropped due to dependency cycle",
			"type", key.String(), "fields", cyclic)
	}

	return &CompiledObjectDefinition{
		Key:              key,
		DisplayName:      t.DisplayName,
		Description:      t.Description,
		SchemaVersion:    t.SchemaVersion,
		Active:           t.Active,
		Fields:           fields,
		CalculatedFields: calculated,
		CyclicFields:     cyclic,
		Layout:           BuildLayout(t.UIConfig, fields),
		ValidationRules:  t.ValidationRules,
		CalculationRules: t.CalculationRules,
		CompiledAt:       b.now(),
	}, stats, nil
}
