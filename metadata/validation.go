package metadata

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/liamcoop/metaengine/expression"
)

const (
	maxIdentifierLength  = 100
	maxAttributesPerType = 500
	maxScale             = 18
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Words the expression language reserves; an attribute with one of these
// names could never be referenced from a script.
var reservedKeywords = map[string]bool{
	"true": true, "false": true, "null": true,
	"in": true, "as": true, "break": true, "const": true, "continue": true,
	"else": true, "for": true, "function": true, "if": true, "import": true,
	"let": true, "loop": true, "package": true, "namespace": true,
	"return": true, "var": true, "void": true, "while": true,
}

// ValidateAttribute checks a catalog row before it is saved.
func ValidateAttribute(a Attribute, ev *expression.Evaluator) error {
	if strings.TrimSpace(a.TenantID) == "" || strings.TrimSpace(a.MarketContext) == "" {
		return expression.Configurationf("validate_attribute", "attribute %q needs a tenant and market context", a.AttributeName)
	}
	if err := validateIdentifier(a.AttributeName); err != nil {
		return expression.Configurationf("validate_attribute", "invalid attribute name %q: %v", a.AttributeName, err)
	}
	if expression.IsBlockedName(a.AttributeName) {
		return expression.Configurationf("validate_attribute", "attribute name %q is reserved by the sandbox", a.AttributeName)
	}
	if !validDataTypes[a.DataType] {
		return expression.Configurationf("validate_attribute", "attribute %q has invalid data type %q", a.AttributeName, a.DataType)
	}
	if a.DataType == DataEnum && len(a.AllowedValues) == 0 {
		return expression.Configurationf("validate_attribute", "enum attribute %q has no allowed values", a.AttributeName)
	}
	if a.ValidationPattern != "" {
		if _, err := regexp.Compile(a.ValidationPattern); err != nil {
			return expression.Configurationf("validate_attribute", "attribute %q has invalid pattern: %v", a.AttributeName, err)
		}
	}
	if a.Min != nil && a.Max != nil && *a.Min > *a.Max {
		return expression.Configurationf("validate_attribute", "attribute %q has min %v above max %v", a.AttributeName, *a.Min, *a.Max)
	}
	for _, dep := range a.DependsOn {
		if dep == a.AttributeName {
			return expression.Configurationf("validate_attribute", "attribute %q depends on itself", a.AttributeName)
		}
	}
	if a.IsCalculated() {
		if err := validateScript(ev, a.CalculationScript); err != nil {
			return fmt.Errorf("attribute %q: %w", a.AttributeName, err)
		}
	}
	return nil
}

// ValidateType checks a type against the catalog it will be built from. It
// fails closed: dependency cycles, missing dependencies and scripts that
// would not compile are all rejected here rather than at build time.
func ValidateType(t *AgreementType, catalog []Attribute, ev *expression.Evaluator) error {
	if err := t.Key.Validate(); err != nil {
		return err
	}
	if err := validateIdentifier(t.Key.TypeCode); err != nil {
		return expression.Configurationf("validate_type", "invalid type code %q: %v", t.Key.TypeCode, err)
	}
	if strings.TrimSpace(t.DisplayName) == "" {
		return expression.Configurationf("validate_type", "type %s has no display name", t.Key)
	}
	if len(t.Attributes) > maxAttributesPerType {
		return expression.Configurationf("validate_type", "type %s links %d attributes, maximum allowed is %d", t.Key, len(t.Attributes), maxAttributesPerType)
	}

	sections := make(map[string]bool, len(t.UIConfig.Sections))
	for _, s := range t.UIConfig.Sections {
		if strings.TrimSpace(s.Name) == "" {
			return expression.Configurationf("validate_type", "type %s declares a section without a name", t.Key)
		}
		if sections[s.Name] {
			return expression.Configurationf("validate_type", "type %s declares section %q twice", t.Key, s.Name)
		}
		sections[s.Name] = true
	}

	catalogByName := make(map[string]Attribute, len(catalog))
	for _, a := range catalog {
		if a.Active {
			catalogByName[a.AttributeName] = a
		}
	}

	linked := make(map[string]FieldDefinition, len(t.Attributes))
	for _, link := range t.Attributes {
		if _, dup := linked[link.AttributeName]; dup {
			return expression.Configurationf("validate_type", "type %s links attribute %q twice", t.Key, link.AttributeName)
		}
		attr, ok := catalogByName[link.AttributeName]
		if !ok {
			return expression.Configurationf("validate_type", "type %s links unknown or inactive attribute %q", t.Key, link.AttributeName)
		}
		linked[link.AttributeName] = link.Apply(attr.FieldDefinition)
	}

	var calculated []string
	for _, link := range t.Attributes {
		def := linked[link.AttributeName]
		if !def.IsCalculated() {
			continue
		}
		for _, dep := range def.DependsOn {
			if _, ok := linked[dep]; !ok {
				return expression.Configurationf("validate_type", "field %q depends on %q which type %s does not link", def.AttributeName, dep, t.Key)
			}
		}
		if err := validateScript(ev, def.CalculationScript); err != nil {
			return fmt.Errorf("field %q: %w", def.AttributeName, err)
		}
		calculated = append(calculated, def.AttributeName)
	}
	_, cyclic := dependencyOrder(calculated, func(name string) []string { return linked[name].DependsOn })
	if len(cyclic) > 0 {
		return expression.Configurationf("validate_type", "type %s has a dependency cycle among %s", t.Key, strings.Join(cyclic, ", "))
	}

	rules, err := ParseCalculationRules(t.CalculationRules)
	if err != nil {
		return err
	}
	for i, r := range rules {
		if strings.TrimSpace(r.TargetField) == "" {
			return expression.Configurationf("validate_type", "calculation rule %d has no target field", i)
		}
		if r.ResultType == "" {
			return expression.Configurationf("validate_type", "calculation rule %q has no result type", r.TargetField)
		}
		if s := r.EffectiveScale(); s < 0 || s > maxScale {
			return expression.Configurationf("validate_type", "calculation rule %q has scale %d outside 0..%d", r.TargetField, s, maxScale)
		}
		if err := validateScript(ev, r.Expression); err != nil {
			return fmt.Errorf("calculation rule %q: %w", r.TargetField, err)
		}
	}

	vrules, err := ParseValidationRules(t.ValidationRules)
	if err != nil {
		return err
	}
	for _, r := range vrules {
		if err := validateScript(ev, r.Expression); err != nil {
			return fmt.Errorf("validation rule %q: %w", r.Name, err)
		}
	}
	return nil
}

// validateScript surfaces security violations unchanged and reports every
// other compile failure as a configuration error.
func validateScript(ev *expression.Evaluator, script string) error {
	err := ev.Validate(script)
	if err == nil || expression.IsFatal(err) {
		return err
	}
	return expression.NewError(expression.KindConfiguration, "validate_script", "script does not compile", err)
}

func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern %s", identifierPattern)
	}
	if reservedKeywords[name] {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}
	return nil
}
