package metadata

import (
	"github.com/liamcoop/metaengine/expression"
	"github.com/liamcoop/metaengine/internal/logger"
)

// CompileStats counts the outcome of a CompileAll batch. Skipped fields are
// plain fields with no script.
type CompileStats struct {
	Compiled int `json:"compiled"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Compiler pre-compiles calculation scripts. A bad script never aborts a
// batch; the field is returned without a program.
type Compiler struct {
	ev *expression.Evaluator
}

func NewCompiler(ev *expression.Evaluator) *Compiler {
	return &Compiler{ev: ev}
}

// Compile returns field with its program attached. Plain fields pass through.
func (c *Compiler) Compile(field FieldDefinition) CompiledField {
	out, _ := c.compile(field)
	return out
}

func (c *Compiler) compile(field FieldDefinition) (CompiledField, error) {
	if !field.IsCalculated() {
		return CompiledField{FieldDefinition: field}, nil
	}

	if err := expression.CheckScript(field.CalculationScript); err != nil {
		logger.Security("calculated field rejected by sandbox",
			"field", field.AttributeName, "error", err)
		return CompiledField{FieldDefinition: field}, err
	}

	prog, err := c.ev.Compile(field.CalculationScript)
	if err != nil {
		logger.Warn("calculated field failed to compile",
			"field", field.AttributeName, "kind", expression.KindOf(err), "error", err)
		return CompiledField{FieldDefinition: field}, err
	}

	return CompiledField{FieldDefinition: field, Program: prog}, nil
}

// CompileAll compiles every field, preserving order.
func (c *Compiler) CompileAll(fields []FieldDefinition) ([]CompiledField, CompileStats) {
	var stats CompileStats
	out := make([]CompiledField, 0, len(fields))
	for _, f := range fields {
		cf, err := c.compile(f)
		switch {
		case !f.IsCalculated():
			stats.Skipped++
		case err != nil:
			stats.Failed++
		default:
			stats.Compiled++
		}
		out = append(out, cf)
	}
	if stats.Failed > 0 {
		logger.Warn("compiled fields with failures",
			"compiled", stats.Compiled, "failed", stats.Failed, "skipped", stats.Skipped)
	} else {
		logger.Debug("compiled fields",
			"compiled", stats.Compiled, "skipped", stats.Skipped)
	}
	return out, stats
}
