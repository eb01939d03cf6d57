// Package metadata holds the declarative description of agreement types: the
// shared attribute catalog, per-type overrides, calculation rules and UI
// layout, plus the compiler that turns those rows into compiled definitions.
package metadata

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/liamcoop/metaengine/expression"
)

// TypeKey identifies one agreement type for one tenant and market context.
type TypeKey struct {
	TenantID      string `json:"tenantId" yaml:"tenantId"`
	TypeCode      string `json:"typeCode" yaml:"typeCode"`
	MarketContext string `json:"marketContext" yaml:"marketContext"`
}

func (k TypeKey) String() string {
	return k.TenantID + "/" + k.TypeCode + "/" + k.MarketContext
}

// Validate checks that every component of the key is present.
func (k TypeKey) Validate() error {
	if strings.TrimSpace(k.TenantID) == "" {
		return expression.Configurationf("validate_key", "tenant id is required")
	}
	if strings.TrimSpace(k.TypeCode) == "" {
		return expression.Configurationf("validate_key", "type code is required")
	}
	if strings.TrimSpace(k.MarketContext) == "" {
		return expression.Configurationf("validate_key", "market context is required")
	}
	return nil
}

// DataType is the declared storage type of an attribute.
type DataType string

const (
	DataString     DataType = "STRING"
	DataText       DataType = "TEXT"
	DataInteger    DataType = "INTEGER"
	DataDecimal    DataType = "DECIMAL"
	DataCurrency   DataType = "CURRENCY"
	DataPercentage DataType = "PERCENTAGE"
	DataBoolean    DataType = "BOOLEAN"
	DataDate       DataType = "DATE"
	DataDateTime   DataType = "DATETIME"
	DataEnum       DataType = "ENUM"
)

var validDataTypes = map[DataType]bool{
	DataString: true, DataText: true, DataInteger: true, DataDecimal: true,
	DataCurrency: true, DataPercentage: true, DataBoolean: true,
	DataDate: true, DataDateTime: true, DataEnum: true,
}

// FieldDefinition describes one attribute as seen by a particular type.
type FieldDefinition struct {
	AttributeName     string   `json:"attributeName" yaml:"attributeName"`
	DisplayName       string   `json:"displayName" yaml:"displayName"`
	DataType          DataType `json:"dataType" yaml:"dataType"`
	ValidationPattern string   `json:"validationPattern,omitempty" yaml:"validationPattern,omitempty"`
	Min               *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max               *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	AllowedValues     []string `json:"allowedValues,omitempty" yaml:"allowedValues,omitempty"`
	DefaultValue      any      `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
	Required          bool     `json:"required" yaml:"required"`
	Searchable        bool     `json:"searchable" yaml:"searchable"`
	UIComponent       string   `json:"uiComponent,omitempty" yaml:"uiComponent,omitempty"`
	UIOrder           int      `json:"uiOrder" yaml:"uiOrder"`
	SectionName       string   `json:"sectionName,omitempty" yaml:"sectionName,omitempty"`
	CalculationScript string   `json:"calculationScript,omitempty" yaml:"calculationScript,omitempty"`
	DependsOn         []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
}

// IsCalculated reports whether the field is derived from a script.
func (f FieldDefinition) IsCalculated() bool {
	return strings.TrimSpace(f.CalculationScript) != ""
}

// Attribute is a row in the tenant's shared attribute catalog.
type Attribute struct {
	FieldDefinition `yaml:",inline"`
	TenantID        string    `json:"tenantId" yaml:"tenantId"`
	MarketContext   string    `json:"marketContext" yaml:"marketContext"`
	Active          bool      `json:"active" yaml:"active"`
	UpdatedAt       time.Time `json:"updatedAt" yaml:"-"`
}

// TypeAttribute links a catalog attribute into a type. Nil overrides leave
// the catalog value in place.
type TypeAttribute struct {
	AttributeName string  `json:"attributeName" yaml:"attributeName"`
	Required      *bool   `json:"required,omitempty" yaml:"required,omitempty"`
	DefaultValue  any     `json:"defaultValue,omitempty" yaml:"defaultValue,omitempty"`
	DisplayOrder  *int    `json:"displayOrder,omitempty" yaml:"displayOrder,omitempty"`
	SectionName   *string `json:"sectionName,omitempty" yaml:"sectionName,omitempty"`
}

// Apply returns def with the overrides applied. def is not modified.
func (ta TypeAttribute) Apply(def FieldDefinition) FieldDefinition {
	if ta.Required != nil {
		def.Required = *ta.Required
	}
	if ta.DefaultValue != nil {
		def.DefaultValue = ta.DefaultValue
	}
	if ta.DisplayOrder != nil {
		def.UIOrder = *ta.DisplayOrder
	}
	if ta.SectionName != nil {
		def.SectionName = *ta.SectionName
	}
	return def
}

// SectionConfig declares one UI section.
type SectionConfig struct {
	Name    string `json:"name" yaml:"name"`
	Title   string `json:"title,omitempty" yaml:"title,omitempty"`
	Columns int    `json:"columns,omitempty" yaml:"columns,omitempty"`
}

// UIConfig is the type's declared layout.
type UIConfig struct {
	Sections []SectionConfig `json:"sections,omitempty" yaml:"sections,omitempty"`
}

// AgreementType is the metadata row for one type. ValidationRules and
// CalculationRules are raw JSON blobs as authored by the tenant.
type AgreementType struct {
	Key              TypeKey         `json:"key" yaml:",inline"`
	DisplayName      string          `json:"displayName" yaml:"displayName"`
	Description      string          `json:"description,omitempty" yaml:"description,omitempty"`
	SchemaVersion    int             `json:"schemaVersion" yaml:"schemaVersion"`
	Active           bool            `json:"active" yaml:"active"`
	Attributes       []TypeAttribute `json:"attributes" yaml:"attributes"`
	UIConfig         UIConfig        `json:"uiConfig" yaml:"uiConfig"`
	ValidationRules  string          `json:"validationRules,omitempty" yaml:"validationRules,omitempty"`
	CalculationRules string          `json:"calculationRules,omitempty" yaml:"calculationRules,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt" yaml:"-"`
}

// CalculationRule writes the result of Expression into TargetField.
type CalculationRule struct {
	TargetField string                `json:"targetField"`
	Expression  string                `json:"expression"`
	ResultType  expression.ResultType `json:"resultType"`
	Scale       *int                  `json:"scale,omitempty"`
	Order       int                   `json:"order"`
	Description string                `json:"description,omitempty"`
}

// EffectiveScale returns Scale, or the default of four places.
func (r CalculationRule) EffectiveScale() int {
	if r.Scale == nil {
		return expression.DefaultScale
	}
	return *r.Scale
}

// ValidationRule is a predicate that must hold for an agreement.
type ValidationRule struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Message    string `json:"message"`
}

// ParseCalculationRules decodes a type's calculation rule blob. An empty blob
// has no rules.
func ParseCalculationRules(blob string) ([]CalculationRule, error) {
	if strings.TrimSpace(blob) == "" {
		return nil, nil
	}
	var rules []CalculationRule
	if err := json.Unmarshal([]byte(blob), &rules); err != nil {
		return nil, expression.NewError(expression.KindConfiguration, "parse_rules", "calculation rules are not valid JSON", err)
	}
	for i := range rules {
		if rules[i].ResultType == "" {
			continue
		}
		rt, err := expression.ParseResultType(string(rules[i].ResultType))
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rules[i].TargetField, err)
		}
		rules[i].ResultType = rt
	}
	return rules, nil
}

// ParseValidationRules decodes a type's validation rule blob.
func ParseValidationRules(blob string) ([]ValidationRule, error) {
	if strings.TrimSpace(blob) == "" {
		return nil, nil
	}
	var rules []ValidationRule
	if err := json.Unmarshal([]byte(blob), &rules); err != nil {
		return nil, expression.NewError(expression.KindConfiguration, "parse_rules", "validation rules are not valid JSON", err)
	}
	return rules, nil
}
