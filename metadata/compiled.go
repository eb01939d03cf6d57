package metadata

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/liamcoop/metaengine/expression"
)

// CompiledField is a field plus its compiled script. Program is nil for plain
// fields and for calculated fields whose script failed to compile.
type CompiledField struct {
	FieldDefinition
	Program *expression.Program `json:"-"`
}

// Compiled reports whether the field carries a usable program.
func (f CompiledField) Compiled() bool { return f.Program != nil }

// LayoutSection is one rendered section, fields in display order.
type LayoutSection struct {
	Name    string   `json:"name"`
	Title   string   `json:"title,omitempty"`
	Columns int      `json:"columns,omitempty"`
	Fields  []string `json:"fields"`
}

// LayoutDefinition is the ordered list of sections for a type.
type LayoutDefinition struct {
	Sections []LayoutSection `json:"sections"`
}

// CompiledObjectDefinition is everything needed to render, validate and
// calculate one type. Instances are never mutated after construction; a
// refresh builds a replacement.
type CompiledObjectDefinition struct {
	Key              TypeKey           `json:"key"`
	DisplayName      string            `json:"displayName"`
	Description      string            `json:"description,omitempty"`
	SchemaVersion    int               `json:"schemaVersion"`
	Active           bool              `json:"active"`
	Fields           []CompiledField   `json:"fields"`
	CalculatedFields []CompiledField   `json:"calculatedFields"`
	CyclicFields     []string          `json:"cyclicFields,omitempty"`
	Layout           *LayoutDefinition `json:"layout,omitempty"`
	ValidationRules  string            `json:"validationRules,omitempty"`
	CalculationRules string            `json:"calculationRules,omitempty"`
	CompiledAt       time.Time         `json:"compiledAt"`
}

// Field looks up a field by attribute name.
func (d *CompiledObjectDefinition) Field(name string) (CompiledField, bool) {
	for _, f := range d.Fields {
		if f.AttributeName == name {
			return f, true
		}
	}
	return CompiledField{}, false
}

// Digest hashes the definition excluding CompiledAt. Two builds from the same
// rows have the same digest.
func (d *CompiledObjectDefinition) Digest() string {
	view := *d
	view.CompiledAt = time.Time{}

	type compiledFlag struct {
		Name     string `json:"name"`
		Compiled bool   `json:"compiled"`
	}
	flags := make([]compiledFlag, 0, len(d.Fields))
	for _, f := range d.Fields {
		flags = append(flags, compiledFlag{Name: f.AttributeName, Compiled: f.Compiled()})
	}

	b, err := json.Marshal(struct {
		Def   CompiledObjectDefinition `json:"def"`
		Flags []compiledFlag           `json:"flags"`
	}{view, flags})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
